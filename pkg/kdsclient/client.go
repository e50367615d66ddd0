// Package kdsclient follows a kitchen display stream over gRPC. It is the
// client side of kds.EventStream: requests and frames travel as
// google.protobuf.Struct carrying their JSON form.
package kdsclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/appetiteclub/kds/pkg/event"
	"github.com/aquamarinepk/aqm"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// SubscribeMethod is the full gRPC method name of the display stream.
const SubscribeMethod = "/kds.EventStream/Subscribe"

var subscribeStream = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

const (
	FrameSnapshot = "snapshot"
	FrameEvent    = "event"
	FrameEnd      = "end"
)

// Frame is one message of a display stream as the client sees it.
type Frame struct {
	Type     string       `json:"type"`
	Sequence uint64       `json:"sequence"`
	Snapshot *Snapshot    `json:"snapshot,omitempty"`
	Event    *event.Event `json:"event,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// Snapshot is the reconciled state a stream starts with.
type Snapshot struct {
	Branch  string             `json:"branch"`
	Topics  []event.Topic      `json:"topics"`
	Cursor  uint64             `json:"cursor"`
	Digest  string             `json:"digest"`
	TakenAt time.Time          `json:"taken_at"`
	Tickets []event.TicketView `json:"tickets"`
}

type request struct {
	Branch string `json:"branch"`
	Topics string `json:"topics"`
	Cursor uint64 `json:"cursor"`
}

type Config struct {
	Addr   string
	Branch string
	// Topics is the comma separated scope list; empty lets the token role
	// decide.
	Topics string
	Token  string
	// Cursor is the last sequence already applied by the caller.
	Cursor      uint64
	DialOptions []grpc.DialOption
	MaxBackoff  time.Duration
}

// Client follows a display stream, reconnecting with backoff and resuming
// from the last sequence it delivered.
type Client struct {
	cfg    Config
	logger aqm.Logger

	mu     sync.Mutex
	cursor uint64
}

func New(cfg Config, logger aqm.Logger) *Client {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if len(cfg.DialOptions) == 0 {
		cfg.DialOptions = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Client{cfg: cfg, logger: logger, cursor: cfg.Cursor}
}

// Cursor returns the sequence of the last frame delivered.
func (c *Client) Cursor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Run delivers frames to fn until ctx ends or fn fails. Disconnects and
// end frames trigger a reconnect from the current cursor. Requests the
// server refuses for good (bad request, auth) stop Run with that error.
func (c *Client) Run(ctx context.Context, fn func(Frame) error) error {
	backoff := 100 * time.Millisecond

	for {
		err := c.follow(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var fnErr *handlerError
		if errors.As(err, &fnErr) {
			return fnErr.err
		}
		if IsPermanent(err) {
			return err
		}
		if err == nil {
			backoff = 100 * time.Millisecond
		}

		c.logger.Info("display stream disconnected, reconnecting", "addr", c.cfg.Addr, "cursor", c.Cursor(), "retry_in", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

type handlerError struct {
	err error
}

func (e *handlerError) Error() string {
	return e.err.Error()
}

// follow runs one connection. It returns nil after an end frame.
func (c *Client) follow(ctx context.Context, fn func(Frame) error) error {
	conn, err := grpc.NewClient(c.cfg.Addr, c.cfg.DialOptions...)
	if err != nil {
		return err
	}
	defer conn.Close()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.cfg.Token != "" {
		sctx = metadata.AppendToOutgoingContext(sctx, "authorization", "Bearer "+c.cfg.Token)
	}

	stream, err := conn.NewStream(sctx, &subscribeStream, SubscribeMethod)
	if err != nil {
		return err
	}
	req, err := encode(request{Branch: c.cfg.Branch, Topics: c.cfg.Topics, Cursor: c.Cursor()})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		var f Frame
		if err := decode(msg, &f); err != nil {
			return err
		}
		if err := c.deliver(f, fn); err != nil {
			return err
		}
		if f.Type == FrameEnd {
			c.logger.Info("display stream ended by server", "reason", f.Reason)
			return nil
		}
	}
}

// deliver hands f to fn and moves the cursor past it only once fn has
// applied it, so a failed frame is requested again on reconnect.
func (c *Client) deliver(f Frame, fn func(Frame) error) error {
	if err := fn(f); err != nil {
		return &handlerError{err: err}
	}
	if f.Type != FrameEnd {
		c.mu.Lock()
		c.cursor = f.Sequence
		c.mu.Unlock()
	}
	return nil
}

// IsPermanent reports whether the server refused the request in a way a
// retry cannot fix.
func IsPermanent(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

func encode(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func decode(s *structpb.Struct, v interface{}) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
