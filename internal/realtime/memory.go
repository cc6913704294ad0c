package realtime

import (
	"context"
	"strconv"
	"sync"
)

// Memory is an in-process Service used for local development and tests.
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
	seq  map[string]int64
	subs map[string]map[int]chan Update
	next int
}

// NewMemory creates an empty in-memory service.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string][]byte),
		seq:  make(map[string]int64),
		subs: make(map[string]map[int]chan Update),
	}
}

func (m *Memory) ReadOnce(_ context.Context, path, orderBy string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(path, orderBy), nil
}

func (m *Memory) Subscribe(ctx context.Context, path string) (<-chan Update, error) {
	ch := make(chan Update, 1)
	m.mu.Lock()
	id := m.next
	m.next++
	if m.subs[path] == nil {
		m.subs[path] = make(map[int]chan Update)
	}
	m.subs[path][id] = ch
	ch <- Update{Path: path, Snapshot: m.snapshotLocked(path, OrderByKey)}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs[path], id)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *Memory) Write(_ context.Context, path string, value []byte) error {
	parent, key := splitPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(parent, key, value)
	m.notifyLocked(parent)
	return nil
}

func (m *Memory) Push(_ context.Context, path string, value []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[path]++
	key := strconv.FormatInt(m.seq[path], 10)
	m.setLocked(path, key, value)
	m.notifyLocked(path)
	return key, nil
}

func (m *Memory) Remove(_ context.Context, path string) error {
	parent, key := splitPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, path)
	if children := m.data[parent]; children != nil {
		delete(children, key)
	}
	m.notifyLocked(parent)
	m.notifyLocked(path)
	return nil
}

// Close ends every subscription stream with err, as a dropped connection would.
func (m *Memory) Close(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[path] {
		replaceLatest(ch, Update{Path: path, Err: err})
	}
}

func (m *Memory) setLocked(parent, key string, value []byte) {
	if m.data[parent] == nil {
		m.data[parent] = make(map[string][]byte)
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[parent][key] = v
}

func (m *Memory) snapshotLocked(path, orderBy string) Snapshot {
	children := m.data[path]
	snap := make(Snapshot, 0, len(children))
	for k, v := range children {
		snap = append(snap, Entry{Key: k, Value: append([]byte(nil), v...)})
	}
	sortSnapshot(snap, orderBy)
	return snap
}

func (m *Memory) notifyLocked(path string) {
	if len(m.subs[path]) == 0 {
		return
	}
	u := Update{Path: path, Snapshot: m.snapshotLocked(path, OrderByKey)}
	for _, ch := range m.subs[path] {
		replaceLatest(ch, u)
	}
}

// replaceLatest delivers u, evicting an unread older snapshot if needed.
// Every update carries full state, so only the newest one matters.
func replaceLatest(ch chan Update, u Update) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case old := <-ch:
		if old.Err != nil {
			u = old
		}
	default:
	}
	select {
	case ch <- u:
	default:
	}
}
