// Package store is a path-addressed tree of JSON leaves with per-path
// subscriptions and connection sessions. It is the single shared mutable
// resource of the realtime core: presence, typing, message logs and chat
// rosters are all leaves under it.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// ServerTimestamp is a sentinel value. A leaf written with it is resolved
// to the store clock (unix millis) at commit time. Fallback writes use it
// so a lastSeen cell records the severance time, not the arming time.
var ServerTimestamp = json.RawMessage(`{".sv":"timestamp"}`)

// Path addresses one leaf (or a subtree, when used as a prefix).
type Path string

// Event describes one committed leaf change.
type Event struct {
	Path    Path
	Value   json.RawMessage // nil when the leaf was deleted
	Created bool            // the leaf did not exist before this write
}

type Entry struct {
	Path  Path
	Value json.RawMessage
}

type UnsubscribeFunc func()

// Store is the capability surface the core components program against.
// Writes to the same leaf are last-write-wins; writes to disjoint leaves
// are independent. Update commits all its writes atomically and a nil
// value in the map deletes the leaf.
type Store interface {
	Get(ctx context.Context, path Path) (json.RawMessage, error)
	Set(ctx context.Context, path Path, value json.RawMessage) error
	Update(ctx context.Context, writes map[Path]json.RawMessage) error
	Delete(ctx context.Context, path Path) error

	// List returns every leaf at or under prefix in ascending path order.
	List(ctx context.Context, prefix Path) ([]Entry, error)

	// Subscribe fires fn for every change at or under prefix. Events for
	// one subscriber are delivered in commit order on a dedicated
	// goroutine, so fn never blocks the writer directly.
	Subscribe(prefix Path, fn func(Event)) UnsubscribeFunc

	// Connect opens a liveness session for one client connection.
	Connect(clientID string) *Session

	Close() error
}

// applier is the write entry point shared by Session and the concrete
// stores; every mutation funnels through it.
type applier interface {
	apply(writes map[Path]json.RawMessage) error
}

// Session tracks one client connection. Fallback writes armed through
// OnDisconnectSet are committed exactly once when the session closes,
// whether the close is a graceful teardown or a detected network loss.
type Session struct {
	ClientID string

	st        applier
	mu        sync.Mutex
	fallbacks map[Path]json.RawMessage
	closed    bool
}

func newSession(clientID string, st applier) *Session {
	return &Session{
		ClientID:  clientID,
		st:        st,
		fallbacks: make(map[Path]json.RawMessage),
	}
}

// OnDisconnectSet arms a fallback write. Re-arming the same path replaces
// the pending value.
func (s *Session) OnDisconnectSet(path Path, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fallbacks[path] = value
}

// Close commits the armed fallback writes atomically. Subsequent calls
// are no-ops, so the graceful teardown path and the liveness detector can
// both call it without double-committing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	writes := make(map[Path]json.RawMessage, len(s.fallbacks))
	for p, v := range s.fallbacks {
		writes[p] = v
	}
	s.mu.Unlock()

	if len(writes) == 0 {
		return nil
	}
	return s.st.apply(writes)
}

func resolveServerTimestamp(value json.RawMessage, now time.Time) json.RawMessage {
	if bytes.Equal(value, ServerTimestamp) {
		return json.RawMessage(strconv.FormatInt(now.UnixMilli(), 10))
	}
	return value
}
