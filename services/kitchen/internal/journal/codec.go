package journal

import (
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same event always
// produces the same bytes. Times keep nanoseconds.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("journal: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("journal: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEvent(e event.Event) ([]byte, error) {
	return encMode.Marshal(e)
}

func decodeEvent(data []byte) (event.Event, error) {
	var e event.Event
	err := decMode.Unmarshal(data, &e)
	return e, err
}
