package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/msgstore"
	"github.com/Jamshidjalolov/chatsync/internal/presence"
	"github.com/Jamshidjalolov/chatsync/internal/store"
	"github.com/Jamshidjalolov/chatsync/internal/transport"
)

const testChannel model.ChannelKey = "group:7"

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func confirmed(id int64, text string, at int64) model.Message {
	return model.Message{
		ID:           id,
		ChannelKey:   testChannel,
		Sender:       model.SenderTeacher,
		SenderUserID: 3,
		SenderName:   "Ms. Aziza",
		Content:      text,
		CreatedAt:    time.UnixMilli(at),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestIngestSnapshot(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil)

	ch, unsub := b.Subscribe("journal.", 10)
	defer unsub()

	pending := model.Message{ClientTempID: -5, ChannelKey: testChannel, Content: "sending", Pending: true}
	msgs := []model.Message{confirmed(1, "one", 1000), confirmed(2, "two", 2000), pending}
	if err := e.IngestSnapshot(testChannel, msgs); err != nil {
		t.Fatal(err)
	}

	stored, err := db.ListMessages(string(testChannel), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("got %d messages, want 2 (pending skipped)", len(stored))
	}

	c, err := db.GetChannel(string(testChannel))
	if err != nil || c == nil {
		t.Fatalf("channel not created: %v", err)
	}
	if c.LastMessagePreview != "two" || c.Kind != "group" {
		t.Errorf("channel = %+v", c)
	}

	p, err := db.GetParticipant("teacher:3")
	if err != nil || p == nil {
		t.Fatalf("sender not recorded: %v", err)
	}
	if p.DisplayName != "Ms. Aziza" {
		t.Errorf("participant = %+v", p)
	}

	select {
	case evt := <-ch:
		res, ok := evt.Payload.(BatchResult)
		if evt.Kind != bus.KindJournalBatch || !ok || res.Messages != 2 {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for journal.batch event")
	}
}

func TestIngestSnapshotSkipsUnchanged(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil)
	ch, unsub := b.Subscribe("journal.", 10)
	defer unsub()

	msgs := []model.Message{confirmed(1, "one", 1000)}
	if err := e.IngestSnapshot(testChannel, msgs); err != nil {
		t.Fatal(err)
	}
	if err := e.IngestSnapshot(testChannel, msgs); err != nil {
		t.Fatal(err)
	}
	<-ch
	select {
	case evt := <-ch:
		t.Errorf("unchanged snapshot journaled again: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	edited := confirmed(1, "one (edited)", 1000)
	edited.UpdatedAt = time.UnixMilli(5000)
	if err := e.IngestSnapshot(testChannel, []model.Message{edited}); err != nil {
		t.Fatal(err)
	}
	stored, _ := db.ListMessages(string(testChannel), 0, 10)
	if len(stored) != 1 || stored[0].Body != "one (edited)" {
		t.Errorf("stored = %+v, want single edited row", stored)
	}
}

func TestRemove(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil)
	if err := e.IngestSnapshot(testChannel, []model.Message{confirmed(1, "one", 1000)}); err != nil {
		t.Fatal(err)
	}
	if err := e.Remove(testChannel, 1); err != nil {
		t.Fatal(err)
	}
	stored, _ := db.ListMessages(string(testChannel), 0, 10)
	if len(stored) != 0 {
		t.Errorf("got %d messages after delete", len(stored))
	}

	if err := e.IngestSnapshot(testChannel, []model.Message{confirmed(1, "one", 1000)}); err != nil {
		t.Fatal(err)
	}
	stored, _ = db.ListMessages(string(testChannel), 0, 10)
	if len(stored) != 1 {
		t.Errorf("re-delivered message not journaled again")
	}
}

func TestCheckpoints(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, zap.NewNop())

	at, err := r.LastFetch(testChannel)
	if err != nil || !at.IsZero() {
		t.Fatalf("LastFetch before any fetch = %v, %v", at, err)
	}
	if err := r.MarkFetched(testChannel, time.UnixMilli(4242)); err != nil {
		t.Fatal(err)
	}
	at, err = r.LastFetch(testChannel)
	if err != nil {
		t.Fatal(err)
	}
	if at.UnixMilli() != 4242 {
		t.Errorf("LastFetch = %d, want 4242", at.UnixMilli())
	}
}

func TestEngineBusSubscription(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, zap.NewNop())
	e.Start(context.Background())
	defer e.Stop()

	view := msgstore.New(testChannel, b)
	view.Reconcile([]model.Message{confirmed(9, "from bus", 5000)})
	waitFor(t, func() bool {
		msgs, _ := db.ListMessages(string(testChannel), 0, 10)
		return len(msgs) == 1 && msgs[0].Body == "from bus"
	})

	b.Emit(bus.KindTransportState, string(testChannel), transport.StateChange{Channel: testChannel, From: transport.Connecting, To: transport.Fallback})
	waitFor(t, func() bool {
		c, _ := db.GetChannel(string(testChannel))
		return c != nil && c.TransportState == string(transport.Fallback)
	})

	b.Emit(bus.KindTransportFetched, string(testChannel), transport.FetchResult{Channel: testChannel, Count: 1})
	waitFor(t, func() bool {
		at, _ := e.Reconciler().LastFetch(testChannel)
		return !at.IsZero()
	})

	b.Emit(bus.KindPresenceChanged, string(testChannel), presence.Change{Channel: testChannel, Peers: []model.TypingEntry{
		{ParticipantKey: "user:12", DisplayName: "Dilnoza", Sender: model.SenderUser, IsTyping: true, LastSeenAt: time.UnixMilli(6000)},
	}})
	waitFor(t, func() bool {
		p, _ := db.GetParticipant("user:12")
		return p != nil && p.UserID == 12 && p.LastSeenAt == 6000
	})

	b.Emit(bus.KindMessageRemoved, string(testChannel), model.Message{ID: 9, ChannelKey: testChannel})
	waitFor(t, func() bool {
		msgs, _ := db.ListMessages(string(testChannel), 0, 10)
		return len(msgs) == 0
	})
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		in     string
		sender string
		id     int
		ok     bool
	}{
		{"user:12", "user", 12, true},
		{"teacher:3", "teacher", 3, true},
		{"user:x", "user", 0, false},
		{"bare", "bare", 0, false},
	}
	for _, tt := range tests {
		sender, id, ok := splitKey(tt.in)
		if sender != tt.sender || id != tt.id || ok != tt.ok {
			t.Errorf("splitKey(%q) = %q, %d, %v", tt.in, sender, id, ok)
		}
	}
}

func TestIngestPrimaryThenRESTKeepsOneRow(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)

	fromPrimary := confirmed(0, "hi", 1000)
	fromPrimary.PrimaryKey = "1"
	fromPrimary.ClientTempID = -9
	if err := e.IngestSnapshot(testChannel, []model.Message{fromPrimary}); err != nil {
		t.Fatal(err)
	}

	merged := fromPrimary
	merged.ID = 1 // same number as the primary key, different id space
	if err := e.IngestSnapshot(testChannel, []model.Message{merged}); err != nil {
		t.Fatal(err)
	}

	stored, err := db.ListMessages(string(testChannel), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].MsgID != 1 || stored[0].PrimaryKey != "1" {
		t.Fatalf("stored = %+v, want one row with both ids", stored)
	}

	if err := e.Remove(testChannel, 1); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.MessageCount(); n != 0 {
		t.Errorf("message count after delete = %d", n)
	}
}
