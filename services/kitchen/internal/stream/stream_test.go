package stream

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/appetiteclub/kds/pkg/enums/role"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/pkg/kdsclient"
	"github.com/appetiteclub/kds/services/kitchen/internal/auth"
	"github.com/appetiteclub/kds/services/kitchen/internal/bus"
	"github.com/appetiteclub/kds/services/kitchen/internal/kitchen"
	"github.com/appetiteclub/kds/services/kitchen/internal/reconcile"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

var (
	grill  = event.StationTopic("b1", "grill")
	bar    = event.StationTopic("b1", "bar")
	waiter = event.RoleTopic("b1", role.Roles.Waiter)
)

type fixture struct {
	bus       *bus.Bus
	cache     *kitchen.StateCache
	reconcile *reconcile.Service
	auth      *auth.Authenticator
	opener    *Opener
	handler   *Handler
	n         int
}

func newFixture(t *testing.T, secret string, busCfg bus.Config) *fixture {
	t.Helper()
	cache := kitchen.NewStateCache(nil, nil)
	b := bus.New(busCfg, nil, bus.WithProjection(cache))
	rec := reconcile.NewService(b, cache, reconcile.Config{}, nil)
	a := auth.NewAuthenticator(secret, nil)
	opener := NewOpener(a, rec, time.Hour, nil)
	return &fixture{
		bus:       b,
		cache:     cache,
		reconcile: rec,
		auth:      a,
		opener:    opener,
		handler:   NewHandler(opener, rec, a, nil),
	}
}

func (f *fixture) router() http.Handler {
	r := chi.NewRouter()
	f.handler.RegisterRoutes(r)
	return r
}

func (f *fixture) createTicket(t *testing.T) string {
	t.Helper()
	f.n++
	id := "t" + string(rune('0'+f.n))
	_, err := f.bus.Publish(event.Event{
		Branch:   "b1",
		Kind:     event.KindTicketCreated,
		TicketID: id,
		Topics:   []event.Topic{grill, bar, waiter},
		Created: &event.TicketCreated{Ticket: event.TicketView{
			ID:       id,
			Branch:   "b1",
			OrderRef: "o-" + id,
			State:    "queued",
			Items: []event.ItemView{
				{ID: id + "-grill", ItemCode: "burger", Qty: 1, Station: "grill", State: "queued"},
				{ID: id + "-bar", ItemCode: "mojito", Qty: 1, Station: "bar", State: "queued"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return id
}

func (f *fixture) advance(t *testing.T, id, station, to string) uint64 {
	t.Helper()
	seq, err := f.bus.Publish(event.Event{
		Branch:   "b1",
		Kind:     event.KindItemStateChanged,
		TicketID: id,
		Topics:   []event.Topic{event.StationTopic("b1", station), waiter},
		ItemChanged: &event.ItemStateChanged{
			ItemID:      id + "-" + station,
			Station:     station,
			To:          to,
			TicketState: "preparing",
		},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return seq
}

// readSSE returns the frames of an SSE body until n frames were read.
func readSSE(t *testing.T, r *bufio.Reader, n int) []Frame {
	t.Helper()
	var frames []Frame
	for len(frames) < n {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE: %v", err)
		}
		data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: ")
		if !ok {
			continue
		}
		var f Frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestSSEStreamsSnapshotThenLive(t *testing.T) {
	f := newFixture(t, "", bus.Config{})
	id := f.createTicket(t)
	srv := httptest.NewServer(f.router())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/streams/sse?branch=b1&topics=grill", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := bufio.NewReader(resp.Body)

	snap := readSSE(t, body, 1)[0]
	if snap.Type != FrameSnapshot || snap.Sequence != 1 {
		t.Fatalf("unexpected first frame: %+v", snap)
	}
	if len(snap.Snapshot.Tickets) != 1 || len(snap.Snapshot.Tickets[0].Items) != 1 {
		t.Fatalf("grill snapshot should hold one grill item: %+v", snap.Snapshot.Tickets)
	}

	f.advance(t, id, "bar", "preparing")
	want := f.advance(t, id, "grill", "preparing")

	live := readSSE(t, body, 1)[0]
	if live.Type != FrameEvent || live.Sequence != want {
		t.Errorf("expected grill event %d, got %+v", want, live)
	}
}

func TestSSEResumesFromLastEventID(t *testing.T) {
	f := newFixture(t, "", bus.Config{})
	id := f.createTicket(t)
	f.advance(t, id, "grill", "preparing")
	f.advance(t, id, "grill", "ready")
	srv := httptest.NewServer(f.router())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/streams/sse?branch=b1&topics=waiter", nil)
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	got := readSSE(t, bufio.NewReader(resp.Body), 1)[0]
	if got.Type != FrameEvent || got.Sequence != 3 {
		t.Errorf("expected resumed event 3, got %+v", got)
	}
}

func TestStreamRefusals(t *testing.T) {
	f := newFixture(t, "s3cret", bus.Config{})
	token, err := auth.NewJWTManager("s3cret", time.Hour).GenerateToken(auth.Context{Subject: "g", Branch: "b1", Role: auth.RoleStation, Stations: []string{"grill"}})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	srv := httptest.NewServer(f.router())
	defer srv.Close()

	tests := []struct {
		name string
		url  string
		want int
	}{
		{name: "missingToken", url: "/streams/sse?branch=b1&topics=grill", want: http.StatusUnauthorized},
		{name: "otherStation", url: "/streams/sse?branch=b1&topics=bar&access_token=" + token, want: http.StatusForbidden},
		{name: "badCursor", url: "/streams/sse?branch=b1&cursor=x&access_token=" + token, want: http.StatusBadRequest},
		{name: "noBranch", url: "/streams/ws?access_token=" + token, want: http.StatusBadRequest},
		{name: "snapshotForbidden", url: "/snapshot?branch=b1&topics=waiter&access_token=" + token, want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.url)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
	if n := f.bus.Subscriptions(); n != 0 {
		t.Errorf("refused requests left %d subscriptions", n)
	}
}

func TestSnapshotRouteIsCompressed(t *testing.T) {
	f := newFixture(t, "", bus.Config{})
	for i := 0; i < 3; i++ {
		f.createTicket(t)
	}

	req := httptest.NewRequest(http.MethodGet, "/snapshot?branch=b1&topics=bar", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	f.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var reader = rec.Body
	var resp struct {
		Data reconcile.Snapshot `json:"data"`
	}
	if rec.Header().Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(reader)
		if err != nil {
			t.Fatalf("gzip: %v", err)
		}
		if err := json.NewDecoder(zr).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
	} else if err := json.NewDecoder(reader).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.Data.Cursor != 3 || len(resp.Data.Tickets) != 3 {
		t.Errorf("unexpected snapshot: cursor %d, %d tickets", resp.Data.Cursor, len(resp.Data.Tickets))
	}
	if resp.Data.Digest != reconcile.Digest(resp.Data.Tickets) {
		t.Error("digest does not match tickets")
	}
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t, "", bus.Config{})
	id := f.createTicket(t)
	srv := httptest.NewServer(f.router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/streams/ws?branch=b1&topics=waiter"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var snap Frame
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.Type != FrameSnapshot || len(snap.Snapshot.Tickets[0].Items) != 2 {
		t.Fatalf("unexpected snapshot frame: %+v", snap)
	}

	want := f.advance(t, id, "bar", "ready")
	var live Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read: %v", err)
	}
	if live.Sequence != want || live.Event == nil || live.Event.ItemChanged.To != "ready" {
		t.Errorf("unexpected live frame: %+v", live)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for f.bus.Subscriptions() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := f.bus.Subscriptions(); n != 0 {
		t.Errorf("closed socket left %d subscriptions", n)
	}
}

type recordingSender struct {
	mu     sync.Mutex
	frames []Frame
	block  chan struct{}
}

func (s *recordingSender) Send(f Frame) error {
	if s.block != nil && f.Type == FrameEvent {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func TestRunSendsEndFrameForSlowConsumer(t *testing.T) {
	f := newFixture(t, "", bus.Config{QueueCapacity: 2})
	id := f.createTicket(t)

	sess, err := f.opener.Open(context.Background(), OpenRequest{Branch: "b1", Topics: []event.Topic{grill}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	out := &recordingSender{block: make(chan struct{})}
	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background(), out) }()

	for i := 0; i < 6; i++ {
		f.advance(t, id, "grill", "preparing")
	}
	close(out.block)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end")
	}

	last := out.frames[len(out.frames)-1]
	if last.Type != FrameEnd || last.Reason != ReasonSlowConsumer {
		t.Errorf("expected slow consumer end frame, got %+v", last)
	}
	if out.frames[0].Type != FrameSnapshot {
		t.Errorf("expected snapshot first, got %+v", out.frames[0])
	}
}

func TestGRPCClientFollowsAndResumes(t *testing.T) {
	f := newFixture(t, "", bus.Config{})
	id := f.createTicket(t)

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	NewGRPCServer(f.opener, nil).RegisterGRPCService(server)
	go server.Serve(lis)
	defer server.Stop()

	client := kdsclient.New(kdsclient.Config{
		Addr:   "passthrough:///bufnet",
		Branch: "b1",
		Topics: "grill",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := make(chan kdsclient.Frame, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- client.Run(ctx, func(fr kdsclient.Frame) error {
			frames <- fr
			return nil
		})
	}()

	first := <-frames
	if first.Type != kdsclient.FrameSnapshot || first.Sequence != 1 || first.Snapshot == nil {
		t.Fatalf("unexpected first frame: %+v", first)
	}

	want := f.advance(t, id, "grill", "preparing")
	select {
	case fr := <-frames:
		if fr.Type != kdsclient.FrameEvent || fr.Sequence != want {
			t.Fatalf("unexpected frame: %+v", fr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no live frame")
	}
	if client.Cursor() != want {
		t.Errorf("cursor = %d, want %d", client.Cursor(), want)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("run returned %v", err)
	}
}

func TestGRPCRefusalIsPermanent(t *testing.T) {
	f := newFixture(t, "s3cret", bus.Config{})

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	NewGRPCServer(f.opener, nil).RegisterGRPCService(server)
	go server.Serve(lis)
	defer server.Stop()

	client := kdsclient.New(kdsclient.Config{
		Addr:   "passthrough:///bufnet",
		Branch: "b1",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.Run(ctx, func(kdsclient.Frame) error { return nil })
	if !kdsclient.IsPermanent(err) {
		t.Errorf("expected a permanent refusal, got %v", err)
	}
}
