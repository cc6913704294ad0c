package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"

	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/realtime"
	"github.com/Jamshidjalolov/chatsync/internal/realtime/realtimetest"
)

const testChannel model.ChannelKey = "direct:3"

var self = Self{Sender: model.SenderUser, UserID: 1, DisplayName: "Ali"}

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

func newPresence(t *testing.T, svc realtime.Service, mock *clock.Mock, canSend func() bool) *Presence {
	t.Helper()
	p := New(testChannel, svc, self, canSend, Config{Clock: mock}, nil, nil)
	p.Start(context.Background())
	t.Cleanup(p.Close)
	return p
}

func selfRecord(t *testing.T, svc realtime.Service) record {
	t.Helper()
	snap, err := svc.ReadOnce(context.Background(), realtime.TypingPath(testChannel), realtime.OrderByKey)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range snap {
		if e.Key == self.Key() {
			var r record
			if err := json.Unmarshal(e.Value, &r); err != nil {
				t.Fatal(err)
			}
			return r
		}
	}
	t.Fatal("no self entry")
	return record{}
}

func TestFilter(t *testing.T) {
	now := time.UnixMilli(100_000)
	entries := []model.TypingEntry{
		{ParticipantKey: "user:1", IsTyping: true, LastSeenAt: now},
		{ParticipantKey: "user:2", IsTyping: true, LastSeenAt: now.Add(-2 * time.Second)},
		{ParticipantKey: "user:3", IsTyping: false, LastSeenAt: now},
		{ParticipantKey: "user:4", IsTyping: true, LastSeenAt: now.Add(-13 * time.Second)},
		{ParticipantKey: "teacher:9", IsTyping: true, LastSeenAt: now.Add(-time.Second)},
		{ParticipantKey: "user:5", IsTyping: true, LastSeenAt: now.Add(-3 * time.Second)},
		{ParticipantKey: "user:6", IsTyping: true, LastSeenAt: now.Add(-4 * time.Second)},
	}
	got := Filter(entries, "user:1", now, 12*time.Second, 3)
	want := []string{"teacher:9", "user:2", "user:5"}
	if len(got) != len(want) {
		t.Fatalf("got %d peers, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].ParticipantKey != w {
			t.Errorf("peer %d = %s, want %s", i, got[i].ParticipantKey, w)
		}
	}
}

func TestTypingTrueIsRateLimited(t *testing.T) {
	mock := clock.NewMock()
	svc := realtimetest.New()
	p := newPresence(t, svc, mock, nil)

	p.SetTyping(true)
	p.SetTyping(true)
	p.SetTyping(true)
	waitFor(t, func() bool { return len(svc.Writes()) == 1 })

	mock.Add(time.Second)
	p.SetTyping(true)
	time.Sleep(10 * time.Millisecond)
	if got := len(svc.Writes()); got != 1 {
		t.Fatalf("writes = %d within the rate limit, want 1", got)
	}

	mock.Add(600 * time.Millisecond)
	p.SetTyping(true)
	waitFor(t, func() bool { return len(svc.Writes()) == 2 })
	if !selfRecord(t, svc).IsTyping {
		t.Error("self entry should be typing")
	}
}

func TestTypingResumedWithinWindowIsDeferred(t *testing.T) {
	mock := clock.NewMock()
	svc := realtimetest.New()
	p := newPresence(t, svc, mock, nil)

	p.SetTyping(true)
	waitFor(t, func() bool { return len(svc.Writes()) == 1 })
	mock.Add(200 * time.Millisecond)
	p.SetTyping(false)
	waitFor(t, func() bool { return len(svc.Writes()) == 2 })
	mock.Add(200 * time.Millisecond)
	p.SetTyping(true)
	p.SetTyping(true)
	time.Sleep(10 * time.Millisecond)
	if got := len(svc.Writes()); got != 2 {
		t.Fatalf("writes = %d, want true held back until the window ends", got)
	}
	if selfRecord(t, svc).IsTyping {
		t.Error("self entry should still read false")
	}

	mock.Add(1100 * time.Millisecond)
	waitFor(t, func() bool { return len(svc.Writes()) == 3 })
	if !selfRecord(t, svc).IsTyping {
		t.Error("deferred true not written")
	}
	time.Sleep(10 * time.Millisecond)
	if got := len(svc.Writes()); got != 3 {
		t.Errorf("writes = %d, want 3", got)
	}
}

func TestTypingCancelledBeforeDeferredWrite(t *testing.T) {
	mock := clock.NewMock()
	svc := realtimetest.New()
	p := newPresence(t, svc, mock, nil)

	p.SetTyping(true)
	p.SetTyping(false)
	waitFor(t, func() bool { return len(svc.Writes()) == 2 })
	p.SetTyping(true)
	p.SetTyping(false)
	mock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if got := len(svc.Writes()); got != 2 {
		t.Errorf("writes = %d, want 2", got)
	}
}

func TestIdleSendsFalse(t *testing.T) {
	mock := clock.NewMock()
	svc := realtimetest.New()
	p := newPresence(t, svc, mock, nil)

	p.SetTyping(true)
	waitFor(t, func() bool { return len(svc.Writes()) == 1 })
	mock.Add(1500 * time.Millisecond)
	waitFor(t, func() bool { return len(svc.Writes()) == 2 })
	if selfRecord(t, svc).IsTyping {
		t.Error("self entry should have stopped typing after idle")
	}
}

func TestEmptyInputSendsFalseImmediately(t *testing.T) {
	svc := realtimetest.New()
	p := newPresence(t, svc, clock.NewMock(), nil)

	p.SetTyping(true)
	p.SetTyping(false)
	waitFor(t, func() bool { return len(svc.Writes()) == 2 })
	if selfRecord(t, svc).IsTyping {
		t.Error("self entry should not be typing")
	}

	// false while idle writes nothing.
	p.SetTyping(false)
	time.Sleep(10 * time.Millisecond)
	if got := len(svc.Writes()); got != 2 {
		t.Errorf("writes = %d, want 2", got)
	}
}

func TestCloseSendsFalse(t *testing.T) {
	svc := realtimetest.New()
	p := New(testChannel, svc, self, nil, Config{Clock: clock.NewMock()}, nil, nil)
	p.Start(context.Background())
	p.SetTyping(true)
	waitFor(t, func() bool { return len(svc.Writes()) == 1 })

	p.Close()
	if selfRecord(t, svc).IsTyping {
		t.Error("Close should leave the self entry not typing")
	}
	p.SetTyping(true)
	time.Sleep(10 * time.Millisecond)
	if got := len(svc.Writes()); got != 2 {
		t.Errorf("writes after close = %d, want 2", got)
	}
}

func TestGateBlocksWrites(t *testing.T) {
	svc := realtimetest.New()
	p := newPresence(t, svc, clock.NewMock(), func() bool { return false })
	p.SetTyping(true)
	time.Sleep(10 * time.Millisecond)
	if got := len(svc.Writes()); got != 0 {
		t.Errorf("writes = %d with gate closed, want 0", got)
	}
}

func TestWriteFailuresAreSwallowed(t *testing.T) {
	svc := realtimetest.New()
	svc.FailWrites(errors.New("boom"))
	p := newPresence(t, svc, clock.NewMock(), nil)
	p.SetTyping(true)
	waitFor(t, func() bool { return len(svc.Writes()) == 1 })
	p.SetTyping(false)
}

func TestStalePeersExpireWithoutUpdates(t *testing.T) {
	mock := clock.NewMock()
	svc := realtimetest.New()
	p := newPresence(t, svc, mock, nil)

	changes := make(chan []model.TypingEntry, 8)
	p.OnPeerTypingChanged(func(peers []model.TypingEntry) { changes <- peers })

	peer, _ := json.Marshal(record{DisplayName: "Teacher", Sender: "teacher", IsTyping: true, LastSeenAt: mock.Now().UnixMilli()})
	if err := svc.Memory.Write(context.Background(), realtime.TypingPath(testChannel)+"/teacher:9", peer); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(p.Peers()) == 1 })
	if got := p.Peers()[0]; got.DisplayName != "Teacher" || got.Sender != model.SenderTeacher {
		t.Errorf("peer = %+v", got)
	}

	for i := 0; i < 100 && len(p.Peers()) > 0; i++ {
		mock.Add(time.Second)
		time.Sleep(2 * time.Millisecond)
	}
	waitFor(t, func() bool { return len(p.Peers()) == 0 })

	var last []model.TypingEntry
	for len(changes) > 0 {
		last = <-changes
	}
	if len(last) != 0 {
		t.Errorf("last callback = %+v, want empty", last)
	}
}
