package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Jamshidjalolov/chatsync/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"dns", &net.DNSError{Err: "no such host", Name: "rt.example"}, ClassUnreachable},
		{"wrapped dns", fmt.Errorf("dial: %w", &net.DNSError{Err: "no such host"}), ClassUnreachable},
		{"noperm", errors.New("NOPERM this user has no permissions to access the 'chats/group:1' key"), ClassAccessDenied},
		{"wrongpass", errors.New("WRONGPASS invalid username-password pair"), ClassAccessDenied},
		{"tagged", fmt.Errorf("x: %w", model.ErrTransportAccessDenied), ClassAccessDenied},
		{"refused", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"), ClassGeneric},
		{"nil", nil, ClassGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestTagKeepsCause(t *testing.T) {
	cause := &net.DNSError{Err: "no such host"}
	err := Tag(cause)
	if !errors.Is(err, model.ErrTransportUnreachable) {
		t.Error("tagged error should match ErrTransportUnreachable")
	}
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		t.Error("tagged error lost its cause")
	}
}

func TestMemoryPushAndRead(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 11; i++ {
		if _, err := m.Push(ctx, "p", []byte(fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
	snap, err := m.ReadOnce(ctx, "p", OrderByKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 11 || snap[9].Key != "10" || snap[10].Key != "11" {
		t.Errorf("snapshot keys not numerically ordered: %v", snap)
	}
}

func TestMemorySubscribe(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Subscribe(ctx, "chats/group:1/typing")
	if err != nil {
		t.Fatal(err)
	}
	first := <-ch
	if len(first.Snapshot) != 0 {
		t.Fatalf("initial snapshot = %v, want empty", first.Snapshot)
	}

	if err := m.Write(ctx, "chats/group:1/typing/user:1", []byte("x")); err != nil {
		t.Fatal(err)
	}
	select {
	case u := <-ch:
		if len(u.Snapshot) != 1 || u.Snapshot[0].Key != "user:1" {
			t.Errorf("update = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for update")
	}

	if err := m.Remove(ctx, "chats/group:1/typing/user:1"); err != nil {
		t.Fatal(err)
	}
	select {
	case u := <-ch:
		if len(u.Snapshot) != 0 {
			t.Errorf("after remove = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for removal update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestMemoryCloseDeliversError(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := m.Subscribe(ctx, "p")
	<-ch
	m.Close("p", model.ErrTransportAccessDenied)
	u := <-ch
	if !errors.Is(u.Err, model.ErrTransportAccessDenied) {
		t.Errorf("err = %v", u.Err)
	}
}
