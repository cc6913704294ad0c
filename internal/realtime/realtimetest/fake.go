// Package realtimetest provides a realtime.Service with failure injection.
package realtimetest

import (
	"context"
	"sync"

	"github.com/Jamshidjalolov/chatsync/internal/realtime"
)

// Fake is an in-memory realtime.Service whose operations can be made to fail.
type Fake struct {
	*realtime.Memory

	mu           sync.Mutex
	readErr      error
	subscribeErr error
	writeErr     error
	reads        int
	writes       []string
}

// New returns a healthy fake.
func New() *Fake {
	return &Fake{Memory: realtime.NewMemory()}
}

// FailReads makes ReadOnce return err (nil heals).
func (f *Fake) FailReads(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

// FailSubscribe makes Subscribe return err (nil heals).
func (f *Fake) FailSubscribe(err error) {
	f.mu.Lock()
	f.subscribeErr = err
	f.mu.Unlock()
}

// FailWrites makes Write, Push and Remove return err (nil heals).
func (f *Fake) FailWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

// Reads returns how many ReadOnce calls were made.
func (f *Fake) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Writes returns the paths written so far, in order.
func (f *Fake) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *Fake) ReadOnce(ctx context.Context, path, orderBy string) (realtime.Snapshot, error) {
	f.mu.Lock()
	f.reads++
	err := f.readErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Memory.ReadOnce(ctx, path, orderBy)
}

func (f *Fake) Subscribe(ctx context.Context, path string) (<-chan realtime.Update, error) {
	f.mu.Lock()
	err := f.subscribeErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Memory.Subscribe(ctx, path)
}

func (f *Fake) Write(ctx context.Context, path string, value []byte) error {
	if err := f.recordWrite(path); err != nil {
		return err
	}
	return f.Memory.Write(ctx, path, value)
}

func (f *Fake) Push(ctx context.Context, path string, value []byte) (string, error) {
	if err := f.recordWrite(path); err != nil {
		return "", err
	}
	return f.Memory.Push(ctx, path, value)
}

func (f *Fake) Remove(ctx context.Context, path string) error {
	if err := f.recordWrite(path); err != nil {
		return err
	}
	return f.Memory.Remove(ctx, path)
}

func (f *Fake) recordWrite(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, path)
	return f.writeErr
}
