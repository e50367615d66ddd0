package kitchenstatus

import (
	"strings"
)

// Status is a ticket item workflow state. Rank orders the forward path;
// Cancelled has rank zero because it sits outside it.
type Status struct {
	Name     string
	Rank     int
	Terminal bool
}

func (s Status) Code() string {
	return s.Name
}

func (s Status) Label() string {
	parts := strings.Split(s.Name, "-")
	for i := range parts {
		if len(parts[i]) > 0 {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, " ")
}

// Before reports whether s comes earlier than o on the forward path.
func (s Status) Before(o Status) bool {
	return s.Rank > 0 && o.Rank > 0 && s.Rank < o.Rank
}

type Enum struct {
	Queued    Status
	Preparing Status
	Ready     Status
	Served    Status
	Cancelled Status
}

var Statuses = Enum{
	Queued:    Status{Name: "queued", Rank: 1},
	Preparing: Status{Name: "preparing", Rank: 2},
	Ready:     Status{Name: "ready", Rank: 3},
	Served:    Status{Name: "served", Rank: 4, Terminal: true},
	Cancelled: Status{Name: "cancelled", Terminal: true},
}

var All = []Status{
	Statuses.Queued,
	Statuses.Preparing,
	Statuses.Ready,
	Statuses.Served,
	Statuses.Cancelled,
}

// ByName returns the status for a given name, or nil if not found
func ByName(name string) *Status {
	for _, s := range All {
		if s.Name == name {
			return &s
		}
	}
	return nil
}
