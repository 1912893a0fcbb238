package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Badger persists the tree in BadgerDB. Keys are the path strings, which
// already sort correctly: message ids are zero-padded and
// insertion-ordered, so a prefix scan yields a chat log in append order.
type Badger struct {
	db  *badger.DB
	mu  sync.Mutex // serializes commits so published events follow commit order
	reg *registry
	now func() time.Time
}

func OpenBadger(dir string) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}
	return &Badger{db: db, reg: newRegistry(), now: time.Now}, nil
}

func (b *Badger) Get(_ context.Context, path Path) (json.RawMessage, error) {
	var out json.RawMessage
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return out, nil
}

func (b *Badger) Set(_ context.Context, path Path, value json.RawMessage) error {
	return b.apply(map[Path]json.RawMessage{path: value})
}

func (b *Badger) Update(_ context.Context, writes map[Path]json.RawMessage) error {
	return b.apply(writes)
}

func (b *Badger) Delete(_ context.Context, path Path) error {
	return b.apply(map[Path]json.RawMessage{path: nil})
}

func (b *Badger) List(_ context.Context, prefix Path) ([]Entry, error) {
	var entries []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = []byte(prefix)
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			p := Path(item.Key())
			if !p.hasPrefix(prefix) {
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Path: p, Value: value})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return entries, nil
}

func (b *Badger) Subscribe(prefix Path, fn func(Event)) UnsubscribeFunc {
	return b.reg.subscribe(prefix, fn)
}

func (b *Badger) Connect(clientID string) *Session {
	return newSession(clientID, b)
}

func (b *Badger) Close() error {
	b.reg.close()
	return b.db.Close()
}

func (b *Badger) apply(writes map[Path]json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	paths := make([]Path, 0, len(writes))
	for p := range writes {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	now := b.now()
	events := make([]Event, 0, len(paths))
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, p := range paths {
			value := writes[p]
			_, getErr := txn.Get([]byte(p))
			existed := getErr == nil
			if getErr != nil && !errors.Is(getErr, badger.ErrKeyNotFound) {
				return getErr
			}
			if value == nil {
				if !existed {
					continue
				}
				if err := txn.Delete([]byte(p)); err != nil {
					return err
				}
				events = append(events, Event{Path: p})
				continue
			}
			resolved := resolveServerTimestamp(value, now)
			if err := txn.Set([]byte(p), resolved); err != nil {
				return err
			}
			events = append(events, Event{Path: p, Value: resolved, Created: !existed})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit writes: %w", err)
	}

	b.reg.publish(events)
	return nil
}
