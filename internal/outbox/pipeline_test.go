package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/msgstore"
	"github.com/Jamshidjalolov/chatsync/internal/store"
	"github.com/Jamshidjalolov/chatsync/internal/upload"
)

// mockTransport records writes and returns configurable results.
type mockTransport struct {
	channel    model.ChannelKey
	primary    bool
	primaryErr error
	restErr    error
	restGate   chan struct{} // when set, WriteREST waits for it
	delay      time.Duration // primary write delay

	mu     sync.Mutex
	calls  []string
	nextID int64
}

func (m *mockTransport) Channel() model.ChannelKey { return m.channel }
func (m *mockTransport) IsPrimary() bool           { return m.primary }

func (m *mockTransport) record(call string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	m.nextID++
	return m.nextID
}

func (m *mockTransport) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockTransport) WritePrimary(_ context.Context, msg model.Message) (model.Message, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	id := m.record("primary")
	if m.primaryErr != nil {
		return model.Message{}, m.primaryErr
	}
	msg.PrimaryKey = strconv.FormatInt(id, 10)
	msg.Pending = false
	return msg, nil
}

func (m *mockTransport) WriteREST(ctx context.Context, msg model.Message) (model.Message, error) {
	if m.restGate != nil {
		select {
		case <-m.restGate:
		case <-ctx.Done():
			return model.Message{}, ctx.Err()
		}
	}
	id := m.record("rest")
	if m.restErr != nil {
		return model.Message{}, m.restErr
	}
	msg.ID = 1000 + id
	msg.Pending = false
	return msg, nil
}

type mockUploader struct {
	err   error
	calls int
}

func (u *mockUploader) Upload(_ context.Context, f upload.File) (upload.Result, error) {
	u.calls++
	if u.err != nil {
		return upload.Result{}, u.err
	}
	return upload.Result{URL: "https://cdn/" + f.Name, FileName: f.Name, MimeType: f.MimeType, SizeBytes: f.Size}, nil
}

type mockComposer struct {
	cleared  int
	revoked  int
	restored []model.Draft
}

func (c *mockComposer) ClearDraft()                { c.cleared++ }
func (c *mockComposer) RevokePreviews()            { c.revoked++ }
func (c *mockComposer) RestoreDraft(d model.Draft) { c.restored = append(c.restored, d) }

type mockEditor struct {
	deleted []int64
}

func (e *mockEditor) EditMessage(_ context.Context, ch model.ChannelKey, id int64, text string) (model.Message, error) {
	return model.Message{ID: id, ChannelKey: ch, Content: text, CreatedAt: time.UnixMilli(1), UpdatedAt: time.UnixMilli(50)}, nil
}

func (e *mockEditor) DeleteMessage(_ context.Context, id int64) error {
	e.deleted = append(e.deleted, id)
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, _, err := store.OpenMigrated(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixture struct {
	transport *mockTransport
	store     *msgstore.Store
	uploader  *mockUploader
	composer  *mockComposer
	editor    *mockEditor
	db        *store.DB
	bus       *bus.Bus
	pipeline  *Pipeline
}

func newFixture(t *testing.T, ch model.ChannelKey, primary bool) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	f := &fixture{
		transport: &mockTransport{channel: ch, primary: primary},
		store:     msgstore.New(ch, nil),
		uploader:  &mockUploader{},
		composer:  &mockComposer{},
		editor:    &mockEditor{},
		db:        testDB(t),
		bus:       bus.New(),
	}
	f.pipeline = New(Deps{
		Transport: f.transport,
		Editor:    f.editor,
		Store:     f.store,
		Uploader:  f.uploader,
		Journal:   f.db,
		Composer:  f.composer,
		Author:    func() Author { return Author{Sender: model.SenderUser, UserID: 7, DisplayName: "Ali"} },
		Bus:       f.bus,
		Logger:    logger,
	})
	return f
}

func TestRollbackRestoresDraft(t *testing.T) {
	f := newFixture(t, "group:1", true)
	f.transport.primaryErr = errors.New("primary down")
	f.transport.restErr = errors.New("rest down")
	failed, unsub := f.bus.Subscribe(bus.KindMessageSendFailed, 1)
	defer unsub()

	_, err := f.pipeline.Send(context.Background(), Request{Text: "hello"})
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SendError", err)
	}
	if !errors.Is(err, model.ErrSendFailed) {
		t.Errorf("err = %v, want ErrSendFailed", err)
	}
	if se.Draft.Text != "hello" {
		t.Errorf("draft = %q, want hello", se.Draft.Text)
	}
	if f.store.Len() != 0 {
		t.Errorf("store has %d messages after rollback", f.store.Len())
	}
	if len(f.composer.restored) != 1 || f.composer.restored[0].Text != "hello" {
		t.Errorf("composer restored %+v", f.composer.restored)
	}
	if f.composer.cleared != 1 || f.composer.revoked != 1 {
		t.Errorf("composer cleared=%d revoked=%d, want 1/1", f.composer.cleared, f.composer.revoked)
	}
	select {
	case <-failed:
	default:
		t.Error("no send_failed event")
	}

	rows, err := f.db.ListOutbox(store.OutboxFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || !strings.Contains(rows[0].ErrorMessage, "rest down") {
		t.Errorf("outbox failed rows = %+v", rows)
	}
}

func TestOptimisticThenConfirm(t *testing.T) {
	f := newFixture(t, "direct:4", false)
	f.transport.restGate = make(chan struct{})

	type result struct {
		msg model.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := f.pipeline.Send(context.Background(), Request{Text: "hi"})
		done <- result{m, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.store.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	snap := f.store.Snapshot()
	if len(snap) != 1 || !snap[0].Pending || snap[0].ClientTempID >= 0 || snap[0].SenderName != "Ali" {
		t.Fatalf("optimistic view = %+v", snap)
	}

	close(f.transport.restGate)
	r := <-done
	if r.err != nil {
		t.Fatal(r.err)
	}
	snap = f.store.Snapshot()
	if len(snap) != 1 || snap[0].Pending || snap[0].ID != r.msg.ID {
		t.Errorf("confirmed view = %+v", snap)
	}
	sent, _ := f.db.ListOutbox(store.OutboxSent)
	if len(sent) != 1 || sent[0].ServerMsgID != r.msg.ID {
		t.Errorf("outbox sent rows = %+v", sent)
	}
}

func TestUploadFailureKeepsDraft(t *testing.T) {
	f := newFixture(t, "group:1", true)
	f.uploader.err = errors.New("bucket gone")

	_, err := f.pipeline.Send(context.Background(), Request{
		Text: "look",
		File: &upload.File{Name: "a.png", MimeType: "image/png", Body: strings.NewReader("x"), Size: 1},
	})
	if !errors.Is(err, model.ErrUploadFailed) {
		t.Fatalf("err = %v, want ErrUploadFailed", err)
	}
	var se *SendError
	if !errors.As(err, &se) || se.Draft.Text != "look" {
		t.Errorf("draft = %+v", se)
	}
	if f.store.Len() != 0 || len(f.transport.Calls()) != 0 || f.composer.cleared != 0 {
		t.Errorf("upload failure must not touch store/transport/composer")
	}
}

func TestUploadedAttachmentIsSent(t *testing.T) {
	f := newFixture(t, "group:1", false)
	m, err := f.pipeline.Send(context.Background(), Request{
		File: &upload.File{Name: "clip.ogg", MimeType: "audio/ogg", Size: 9, DurationSeconds: 3, Body: strings.NewReader("x")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.Attachment == nil || m.Attachment.Kind != model.KindAudio || m.Attachment.URL != "https://cdn/clip.ogg" {
		t.Errorf("attachment = %+v", m.Attachment)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t, "group:1", true)
	_, err := f.pipeline.Send(context.Background(), Request{Text: "   "})
	if !errors.Is(err, model.ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
	// A media attachment without a URL does not count as content.
	_, err = f.pipeline.Send(context.Background(), Request{Attachment: &model.Attachment{Kind: model.KindImage}})
	if !errors.Is(err, model.ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
	if len(f.transport.Calls()) != 0 {
		t.Error("empty message reached the transport")
	}
}

func TestGroupWritesPrimaryThenREST(t *testing.T) {
	f := newFixture(t, "group:1", true)
	f.transport.delay = 20 * time.Millisecond

	m, err := f.pipeline.Send(context.Background(), Request{Attachment: model.Sticker("wave")})
	if err != nil {
		t.Fatal(err)
	}
	calls := f.transport.Calls()
	if len(calls) != 2 || calls[0] != "primary" || calls[1] != "rest" {
		t.Errorf("calls = %v, want [primary rest]", calls)
	}
	if m.PrimaryKey != "1" || m.ID != 1002 {
		t.Errorf("confirmation ids = (%d, %q), want rest id 1002 and primary key \"1\"", m.ID, m.PrimaryKey)
	}
	snap := f.store.Snapshot()
	if len(snap) != 1 || snap[0].ID != 1002 || snap[0].PrimaryKey != "1" {
		t.Fatalf("dual confirmation view = %+v", snap)
	}

	// A delete by REST id reaches the dual-delivered message.
	if err := f.pipeline.Delete(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	if f.store.Len() != 0 {
		t.Errorf("message survived delete by rest id")
	}
}

func TestGroupWithoutPrimaryUsesREST(t *testing.T) {
	f := newFixture(t, "group:1", false)
	if _, err := f.pipeline.Send(context.Background(), Request{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if calls := f.transport.Calls(); len(calls) != 1 || calls[0] != "rest" {
		t.Errorf("calls = %v, want [rest]", calls)
	}
}

func TestGroupPrimaryFailureStillPersists(t *testing.T) {
	f := newFixture(t, "group:1", true)
	f.transport.primaryErr = errors.New("denied")
	m, err := f.pipeline.Send(context.Background(), Request{Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if m.ID < 1000 {
		t.Errorf("id = %d, want the rest id", m.ID)
	}
}

func TestDirectWritesBoth(t *testing.T) {
	f := newFixture(t, "direct:2", true)
	f.transport.delay = 30 * time.Millisecond

	m, err := f.pipeline.Send(context.Background(), Request{Text: "hey"})
	if err != nil {
		t.Fatal(err)
	}
	calls := f.transport.Calls()
	if len(calls) != 2 || calls[0] != "rest" {
		t.Errorf("calls = %v, want rest first then primary", calls)
	}
	if m.ID < 1000 {
		t.Errorf("id = %d, want the rest id to win", m.ID)
	}
	snap := f.store.Snapshot()
	if len(snap) != 1 || snap[0].ID != m.ID {
		t.Errorf("view = %+v", snap)
	}
}

func TestTempIDsAreNegativeAndDecreasing(t *testing.T) {
	f := newFixture(t, "group:1", false)
	a, _ := f.pipeline.Send(context.Background(), Request{Text: "a"})
	b, _ := f.pipeline.Send(context.Background(), Request{Text: "b"})
	if a.ClientTempID >= 0 || b.ClientTempID >= a.ClientTempID {
		t.Errorf("temp ids = %d, %d", a.ClientTempID, b.ClientTempID)
	}
}

func TestEditAndDelete(t *testing.T) {
	f := newFixture(t, "group:1", false)
	f.store.Reconcile([]model.Message{{ID: 9, ChannelKey: "group:1", Content: "old", CreatedAt: time.UnixMilli(1), UpdatedAt: time.UnixMilli(1)}})

	if _, err := f.pipeline.Edit(context.Background(), 9, "new"); err != nil {
		t.Fatal(err)
	}
	if snap := f.store.Snapshot(); len(snap) != 1 || snap[0].Content != "new" {
		t.Errorf("after edit = %+v", snap)
	}

	if err := f.pipeline.Delete(context.Background(), 9); err != nil {
		t.Fatal(err)
	}
	if f.store.Len() != 0 || len(f.editor.deleted) != 1 {
		t.Errorf("after delete len=%d deleted=%v", f.store.Len(), f.editor.deleted)
	}
}
