// Package realtime defines the primary push/subscribe transport and its
// failure classification.
package realtime

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/Jamshidjalolov/chatsync/internal/model"
)

// Entry is one child of a path.
type Entry struct {
	Key   string
	Value []byte
}

// Snapshot is the ordered list of children under a path.
type Snapshot []Entry

// Update is delivered on every change of a subscribed path. An update with
// Err set is final; consumers stop reading after it.
type Update struct {
	Path     string
	Snapshot Snapshot
	Err      error
}

// OrderByKey sorts children by key, numerically when both keys are numbers.
const OrderByKey = "key"

// Service is the push/subscribe contract the core consumes.
type Service interface {
	// ReadOnce returns the children of path.
	ReadOnce(ctx context.Context, path, orderBy string) (Snapshot, error)
	// Subscribe streams a full snapshot of path after every change. The
	// first update carries the current state. The stream closes when ctx ends.
	Subscribe(ctx context.Context, path string) (<-chan Update, error)
	// Write sets the child named by the last segment of path.
	Write(ctx context.Context, path string, value []byte) error
	// Push appends a child under path with a service-assigned numeric key.
	Push(ctx context.Context, path string, value []byte) (string, error)
	// Remove deletes path.
	Remove(ctx context.Context, path string) error
}

// FailureClass drives the transport selector's state transitions.
type FailureClass int

const (
	// ClassGeneric is any failure that is neither of the two below.
	ClassGeneric FailureClass = iota
	// ClassUnreachable: the service cannot be resolved at all.
	ClassUnreachable
	// ClassAccessDenied: the channel path rejected the current credentials.
	ClassAccessDenied
)

func (c FailureClass) String() string {
	switch c {
	case ClassUnreachable:
		return "unreachable"
	case ClassAccessDenied:
		return "access-denied"
	default:
		return "generic"
	}
}

// Classify maps an error onto a FailureClass. Errors already tagged with the
// model sentinels win; otherwise DNS failures are unreachable and permission
// replies are access-denied.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassGeneric
	}
	switch {
	case errors.Is(err, model.ErrTransportUnreachable):
		return ClassUnreachable
	case errors.Is(err, model.ErrTransportAccessDenied):
		return ClassAccessDenied
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassUnreachable
	}
	msg := strings.ToUpper(err.Error())
	for _, marker := range []string{"NOPERM", "NOAUTH", "WRONGPASS", "PERMISSION_DENIED", "PERMISSION DENIED"} {
		if strings.Contains(msg, marker) {
			return ClassAccessDenied
		}
	}
	if strings.Contains(msg, "NO SUCH HOST") {
		return ClassUnreachable
	}
	return ClassGeneric
}

// Tag wraps err with the sentinel matching its class.
func Tag(err error) error {
	if err == nil {
		return nil
	}
	switch Classify(err) {
	case ClassUnreachable:
		if errors.Is(err, model.ErrTransportUnreachable) {
			return err
		}
		return errors.Join(model.ErrTransportUnreachable, err)
	case ClassAccessDenied:
		if errors.Is(err, model.ErrTransportAccessDenied) {
			return err
		}
		return errors.Join(model.ErrTransportAccessDenied, err)
	default:
		return err
	}
}

// MessagesPath is where a channel's messages live.
func MessagesPath(ch model.ChannelKey) string {
	return "chats/" + string(ch) + "/messages"
}

// TypingPath is where a channel's presence entries live.
func TypingPath(ch model.ChannelKey) string {
	return "chats/" + string(ch) + "/typing"
}

// splitPath returns the parent path and the last segment.
func splitPath(path string) (parent, key string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func sortSnapshot(s Snapshot, orderBy string) {
	if orderBy != "" && orderBy != OrderByKey {
		return
	}
	sort.SliceStable(s, func(i, j int) bool {
		a, errA := strconv.ParseInt(s[i].Key, 10, 64)
		b, errB := strconv.ParseInt(s[j].Key, 10, 64)
		if errA == nil && errB == nil {
			return a < b
		}
		return s[i].Key < s[j].Key
	})
}
