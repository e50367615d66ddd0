// Package stream carries the display event stream over SSE, WebSocket and
// gRPC. Every transport runs the same handshake: authenticate, authorize
// the requested topics, reconcile from the client cursor, then push frames
// until the subscription ends.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/services/kitchen/internal/auth"
	"github.com/appetiteclub/kds/services/kitchen/internal/bus"
	"github.com/appetiteclub/kds/services/kitchen/internal/reconcile"
	"github.com/aquamarinepk/aqm"
	"github.com/google/uuid"
)

// ErrBadRequest marks malformed stream parameters.
var ErrBadRequest = errors.New("bad stream request")

const DefaultKeepalive = 30 * time.Second

type FrameType string

const (
	FrameSnapshot FrameType = "snapshot"
	FrameEvent    FrameType = "event"
	FrameEnd      FrameType = "end"
)

// End reasons.
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonShutdown     = "shutdown"
	ReasonClosed       = "closed"
)

// Frame is one message on a display stream. Sequence is the snapshot
// cursor or the event sequence; a client that reconnects sends back the
// last one it applied.
type Frame struct {
	Type     FrameType           `json:"type"`
	Sequence uint64              `json:"sequence"`
	Snapshot *reconcile.Snapshot `json:"snapshot,omitempty"`
	Event    *event.Event        `json:"event,omitempty"`
	Reason   string              `json:"reason,omitempty"`
}

// Connector is the reconciliation service.
type Connector interface {
	Connect(ctx context.Context, req reconcile.ConnectRequest) (*reconcile.Session, error)
}

type OpenRequest struct {
	Token  string
	Branch string
	// Topics may be empty; the session role decides then.
	Topics []event.Topic
	Cursor uint64
}

// Opener runs the stream handshake shared by all transports.
type Opener struct {
	auth      *auth.Authenticator
	connector Connector
	keepalive time.Duration
	logger    aqm.Logger
}

func NewOpener(a *auth.Authenticator, c Connector, keepalive time.Duration, logger aqm.Logger) *Opener {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return &Opener{auth: a, connector: c, keepalive: keepalive, logger: logger}
}

// Session is an open display stream.
type Session struct {
	ID   string
	Auth auth.Context

	rs        *reconcile.Session
	keepalive time.Duration
	logger    aqm.Logger
}

func (o *Opener) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if req.Branch == "" {
		return nil, fmt.Errorf("%w: branch is required", ErrBadRequest)
	}
	ac, err := o.auth.Authenticate(req.Token, req.Branch)
	if err != nil {
		return nil, err
	}

	topics := req.Topics
	if len(topics) == 0 {
		topics = ac.DefaultTopics()
	}
	if err := ac.Authorize(topics); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	rs, err := o.connector.Connect(ctx, reconcile.ConnectRequest{
		ConnectionID: id,
		Branch:       req.Branch,
		Topics:       topics,
		Cursor:       req.Cursor,
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("display stream opened",
		"connection_id", id,
		"branch", req.Branch,
		"role", ac.Role,
		"subject", ac.Subject,
		"cursor", req.Cursor,
		"resumed", rs.Resumed(),
	)
	return &Session{ID: id, Auth: ac, rs: rs, keepalive: o.keepalive, logger: o.logger}, nil
}

// Sender writes frames to a transport.
type Sender interface {
	Send(f Frame) error
}

// Keepaliver is implemented by transports that need traffic on idle
// connections.
type Keepaliver interface {
	Keepalive() error
}

// Run pushes the snapshot (when the session has one) and then every live
// event to out. It returns after sending the end frame, when ctx ends, or
// when out fails. The subscription is closed on return.
func (s *Session) Run(ctx context.Context, out Sender) error {
	sub := s.rs.Subscription
	defer sub.Close()

	if snap := s.rs.Snapshot; snap != nil {
		if err := out.Send(Frame{Type: FrameSnapshot, Sequence: snap.Cursor, Snapshot: snap}); err != nil {
			return err
		}
	}

	var tick <-chan time.Time
	ka, hasKeepalive := out.(Keepaliver)
	if hasKeepalive {
		t := time.NewTicker(s.keepalive)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("display stream client disconnected", "connection_id", s.ID)
			return ctx.Err()

		case <-tick:
			if err := ka.Keepalive(); err != nil {
				return err
			}

		case e, ok := <-sub.Events():
			if !ok {
				reason := EndReason(sub.Err())
				s.logger.Info("display stream ended", "connection_id", s.ID, "reason", reason)
				return out.Send(Frame{Type: FrameEnd, Sequence: sub.Cursor(), Reason: reason})
			}
			if err := out.Send(Frame{Type: FrameEvent, Sequence: e.Sequence, Event: &e}); err != nil {
				return err
			}
		}
	}
}

// Close ends the session without running it.
func (s *Session) Close() {
	s.rs.Subscription.Close()
}

// EndReason maps the subscription end cause to the reason sent to clients.
func EndReason(err error) string {
	switch {
	case errors.Is(err, bus.ErrSlowConsumer):
		return ReasonSlowConsumer
	case errors.Is(err, bus.ErrShutdown):
		return ReasonShutdown
	}
	return ReasonClosed
}

// ParseCursor reads a cursor parameter; empty means none.
func ParseCursor(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad cursor %q", ErrBadRequest, s)
	}
	return n, nil
}

// ParseTopics reads the comma separated topic scopes of a branch; empty
// means the role defaults.
func ParseTopics(branch, scopes string) ([]event.Topic, error) {
	if scopes == "" {
		return nil, nil
	}
	topics, err := event.ParseScopes(branch, scopes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return topics, nil
}
