package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process Store. It backs single-node deployments and
// every test; the Badger store shares its registry and session semantics.
type Memory struct {
	mu     sync.Mutex
	leaves map[Path]json.RawMessage
	reg    *registry
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		leaves: make(map[Path]json.RawMessage),
		reg:    newRegistry(),
		now:    time.Now,
	}
}

// WithClock overrides the store clock, used by tests to pin
// server-resolved timestamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Get(_ context.Context, path Path) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.leaves[path]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(_ context.Context, path Path, value json.RawMessage) error {
	return m.apply(map[Path]json.RawMessage{path: value})
}

func (m *Memory) Update(_ context.Context, writes map[Path]json.RawMessage) error {
	return m.apply(writes)
}

func (m *Memory) Delete(_ context.Context, path Path) error {
	return m.apply(map[Path]json.RawMessage{path: nil})
}

func (m *Memory) List(_ context.Context, prefix Path) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []Entry
	for p, v := range m.leaves {
		if p.hasPrefix(prefix) {
			out := make(json.RawMessage, len(v))
			copy(out, v)
			entries = append(entries, Entry{Path: p, Value: out})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (m *Memory) Subscribe(prefix Path, fn func(Event)) UnsubscribeFunc {
	return m.reg.subscribe(prefix, fn)
}

func (m *Memory) Connect(clientID string) *Session {
	return newSession(clientID, m)
}

func (m *Memory) Close() error {
	m.reg.close()
	return nil
}

// apply commits a batch of writes atomically and publishes the resulting
// events in deterministic (path) order while still holding the write
// lock, so subscribers observe commits in write order.
func (m *Memory) apply(writes map[Path]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]Path, 0, len(writes))
	for p := range writes {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	now := m.now()
	events := make([]Event, 0, len(paths))
	for _, p := range paths {
		value := writes[p]
		_, existed := m.leaves[p]
		if value == nil {
			if !existed {
				continue
			}
			delete(m.leaves, p)
			events = append(events, Event{Path: p})
			continue
		}
		resolved := resolveServerTimestamp(value, now)
		stored := make(json.RawMessage, len(resolved))
		copy(stored, resolved)
		m.leaves[p] = stored
		events = append(events, Event{Path: p, Value: resolved, Created: !existed})
	}

	m.reg.publish(events)
	return nil
}
