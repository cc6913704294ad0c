package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/outbox"
	"github.com/Jamshidjalolov/chatsync/internal/realtime/realtimetest"
	"github.com/Jamshidjalolov/chatsync/internal/rest"
	"github.com/Jamshidjalolov/chatsync/internal/socket"
	"github.com/Jamshidjalolov/chatsync/internal/transport"
)

type fakeREST struct {
	mu    sync.Mutex
	lists map[model.ChannelKey]int
	posts []rest.PostRequest
}

func (f *fakeREST) ListMessages(_ context.Context, ch model.ChannelKey) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lists == nil {
		f.lists = make(map[model.ChannelKey]int)
	}
	f.lists[ch]++
	return nil, nil
}

func (f *fakeREST) PostMessage(_ context.Context, ch model.ChannelKey, req rest.PostRequest) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, req)
	return model.Message{ID: int64(500 + len(f.posts)), ClientTempID: req.ClientTempID, ChannelKey: ch, Content: req.Text, CreatedAt: time.UnixMilli(1000)}, nil
}

func (f *fakeREST) EditMessage(_ context.Context, ch model.ChannelKey, id int64, text string) (model.Message, error) {
	return model.Message{ID: id, ChannelKey: ch, Content: text, CreatedAt: time.UnixMilli(1000), UpdatedAt: time.UnixMilli(2000)}, nil
}

func (f *fakeREST) DeleteMessage(_ context.Context, _ int64) error { return nil }

func (f *fakeREST) Lists(ch model.ChannelKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists[ch]
}

func (f *fakeREST) Posts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func newCoordinator(t *testing.T, cfg Config, d Deps) *Coordinator {
	t.Helper()
	c := NewCoordinator(cfg, d)
	c.Start(context.Background())
	t.Cleanup(c.Close)
	return c
}

func TestOperationsNeedActiveChannel(t *testing.T) {
	c := newCoordinator(t, Config{}, Deps{Realtime: realtimetest.New(), REST: &fakeREST{}})
	if _, err := c.Send(context.Background(), outbox.Request{Text: "hi"}); !errors.Is(err, ErrNoActiveChannel) {
		t.Errorf("Send err = %v, want ErrNoActiveChannel", err)
	}
	if err := c.RetryRealtime(context.Background()); !errors.Is(err, ErrNoActiveChannel) {
		t.Errorf("RetryRealtime err = %v, want ErrNoActiveChannel", err)
	}
	c.Typing(true)
	c.Focus()
}

func TestActivateRejectsBadKey(t *testing.T) {
	c := newCoordinator(t, Config{}, Deps{Realtime: realtimetest.New(), REST: &fakeREST{}})
	if _, err := c.Activate("lesson-7"); err == nil {
		t.Fatal("expected error for malformed key")
	}
	if c.Active() != nil {
		t.Error("no session should be active")
	}
}

func TestActivateGroupSendsThroughPrimaryThenREST(t *testing.T) {
	primary := realtimetest.New()
	api := &fakeREST{}
	c := newCoordinator(t, Config{}, Deps{Realtime: primary, REST: api})

	s, err := c.Activate("group:7")
	if err != nil {
		t.Fatal(err)
	}
	if s.Selector.State() != transport.Primary {
		t.Fatalf("state = %s, want PRIMARY", s.Selector.State())
	}

	msg, err := c.Send(context.Background(), outbox.Request{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Pending || msg.ID != 501 || msg.PrimaryKey == "" {
		t.Errorf("confirmed message = %+v, want rest id 501 plus a primary key", msg)
	}
	waitFor(t, func() bool { return api.Posts() == 1 })

	wrote := false
	for _, p := range primary.Writes() {
		if strings.HasPrefix(p, "chats/group:7/messages") {
			wrote = true
		}
	}
	if !wrote {
		t.Errorf("primary writes = %v", primary.Writes())
	}
	for _, m := range c.Store().Snapshot() {
		if m.Pending {
			t.Errorf("pending message left behind: %+v", m)
		}
	}
}

func TestTypingGoesToActivePresence(t *testing.T) {
	primary := realtimetest.New()
	c := newCoordinator(t, Config{}, Deps{Realtime: primary, REST: &fakeREST{}})
	if _, err := c.Activate("group:7"); err != nil {
		t.Fatal(err)
	}

	c.Typing(true)
	waitFor(t, func() bool {
		for _, p := range primary.Writes() {
			if strings.HasPrefix(p, "chats/group:7/typing/") {
				return true
			}
		}
		return false
	})
}

func TestSwitchingTearsDownPreviousSession(t *testing.T) {
	primary := realtimetest.New()
	primary.FailReads(errors.New("NOPERM this user has no permissions to access the 'chats' key"))
	api := &fakeREST{}
	b := bus.New()
	events, unsub := b.Subscribe("channel.", 8)
	defer unsub()
	c := newCoordinator(t, Config{}, Deps{Realtime: primary, REST: api, Bus: b})

	first, err := c.Activate("group:1")
	if err != nil {
		t.Fatal(err)
	}
	if first.Selector.State() != transport.Fallback {
		t.Fatalf("state = %s, want FALLBACK", first.Selector.State())
	}
	waitFor(t, func() bool { return api.Lists("group:1") >= 1 })

	primary.FailReads(nil)
	second, err := c.Activate("group:2")
	if err != nil {
		t.Fatal(err)
	}
	if first.current() {
		t.Error("first session still current after switch")
	}
	if second.Generation() <= first.Generation() {
		t.Errorf("generation %d not after %d", second.Generation(), first.Generation())
	}
	if c.Store().Channel() != "group:2" {
		t.Errorf("store channel = %s", c.Store().Channel())
	}

	before := api.Lists("group:1")
	first.Selector.Refresh()
	time.Sleep(20 * time.Millisecond)
	if got := api.Lists("group:1"); got != before {
		t.Errorf("torn down channel polled again: %d -> %d", before, got)
	}

	var kinds []string
	for len(kinds) < 3 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind+" "+evt.Channel)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", kinds)
		}
	}
	want := []string{
		"channel.activated group:1",
		"channel.deactivated group:1",
		"channel.activated group:2",
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestStaleSessionCannotMutateStore(t *testing.T) {
	c := newCoordinator(t, Config{}, Deps{Realtime: realtimetest.New(), REST: &fakeREST{}})
	old, err := c.Activate("group:1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Activate("group:2"); err != nil {
		t.Fatal(err)
	}

	late := sink{s: old}
	late.Reconcile([]model.Message{{ID: 9, ChannelKey: "group:1", Content: "late"}})
	late.InsertOptimistic(model.Message{ChannelKey: "group:1", Content: "late"}, -1)
	if n := c.Store().Len(); n != 0 {
		t.Errorf("store has %d messages from a torn down session", n)
	}
}

func TestDeactivate(t *testing.T) {
	c := newCoordinator(t, Config{}, Deps{Realtime: realtimetest.New(), REST: &fakeREST{}})
	s, err := c.Activate("group:3")
	if err != nil {
		t.Fatal(err)
	}
	c.Deactivate()
	if c.Active() != nil {
		t.Error("session still active")
	}
	if s.current() {
		t.Error("session still current")
	}
	if _, err := c.Send(context.Background(), outbox.Request{Text: "x"}); !errors.Is(err, ErrNoActiveChannel) {
		t.Errorf("Send err = %v", err)
	}
}

func TestDirectSocketEventsReachStore(t *testing.T) {
	paths := make(chan string, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case paths <- r.URL.Path:
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if strings.HasPrefix(r.URL.Path, "/ws/chat/") {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"message.created","data":{"id":5,"sender":"teacher","content":"hi","created_at":"2026-01-02T03:04:05Z"}}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"message.created","data":{"id":6,"sender":"user","content":"bye","created_at":"2026-01-02T03:04:06Z"}}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"message.deleted","data":{"id":5}}`))
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	cfg := Config{Sockets: SocketConfig{
		DirectURL:     base + "/ws/chat/{id}",
		ThreadsURL:    base + "/ws/threads/{id}",
		AssignmentURL: base + "/ws/assignment/{id}",
	}}
	c := newCoordinator(t, cfg, Deps{
		Realtime: realtimetest.New(),
		REST:     &fakeREST{},
		Sockets:  socket.NewManager(nil, nil, nil),
	})
	s, err := c.Activate("direct:42")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Sockets()) != 2 {
		t.Fatalf("sockets = %d, want direct and threads", len(s.Sockets()))
	}

	waitFor(t, func() bool {
		snap := c.Store().Snapshot()
		return len(snap) == 1 && snap[0].ID == 6
	})

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case p := <-paths:
			got[p] = true
		case <-time.After(time.Second):
			t.Fatalf("paths = %v", got)
		}
	}
	if !got["/ws/chat/42"] || !got["/ws/threads/42"] {
		t.Errorf("paths = %v", got)
	}
}

func TestGroupOpensAssignmentSocket(t *testing.T) {
	paths := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case paths <- r.URL.Path:
		default:
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	cfg := Config{Sockets: SocketConfig{
		DirectURL:     base + "/ws/chat/{id}",
		AssignmentURL: base + "/ws/assignment/{id}",
	}}
	c := newCoordinator(t, cfg, Deps{
		Realtime: realtimetest.New(),
		REST:     &fakeREST{},
		Sockets:  socket.NewManager(nil, nil, nil),
	})
	s, err := c.Activate("group:8")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Sockets()) != 1 || s.Sockets()[0].Sub() != socket.SubAssignment {
		t.Fatalf("sockets = %+v", s.Sockets())
	}
	select {
	case p := <-paths:
		if p != "/ws/assignment/8" {
			t.Errorf("path = %s", p)
		}
	case <-time.After(time.Second):
		t.Fatal("assignment socket never dialed")
	}
}

func TestComposeRevokesPreviews(t *testing.T) {
	var revoked []string
	c := NewCompose(func(h string) { revoked = append(revoked, h) })
	c.SetDraft(model.Draft{Text: "hi"})
	c.AddPreview("blob:1")
	c.AddPreview("blob:2")

	c.ClearDraft()
	c.RevokePreviews()
	if !c.Draft().Empty() || len(c.Previews()) != 0 {
		t.Errorf("draft = %+v previews = %v", c.Draft(), c.Previews())
	}
	if len(revoked) != 2 {
		t.Errorf("revoked = %v", revoked)
	}

	c.RestoreDraft(model.Draft{Text: "again"})
	if c.Draft().Text != "again" {
		t.Errorf("draft = %+v", c.Draft())
	}
}
