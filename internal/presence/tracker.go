// Package presence keeps the per-user online/offline cell and its
// last-seen timestamp converged, even when clients vanish without running
// their teardown.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"pingup_core/internal/domain"
	"pingup_core/internal/store"
)

var (
	jsonTrue  = json.RawMessage(`true`)
	jsonFalse = json.RawMessage(`false`)
)

type Tracker struct {
	st  store.Store
	log *log.Entry
	now func() time.Time
}

func NewTracker(st store.Store) *Tracker {
	return &Tracker{
		st:  st,
		log: log.WithField("component", "presence"),
		now: time.Now,
	}
}

// GoOnline publishes {online: true} for uid. The fallback writes are
// armed on the session first, so presence converges to offline within one
// disconnect-detection interval even if the client never tears down.
func (t *Tracker) GoOnline(ctx context.Context, uid string, sess *store.Session) error {
	sess.OnDisconnectSet(store.UserPresence(uid), jsonFalse)
	sess.OnDisconnectSet(store.UserLastSeen(uid), store.ServerTimestamp)

	if err := t.st.Set(ctx, store.UserPresence(uid), jsonTrue); err != nil {
		return fmt.Errorf("failed to publish presence for %s: %w", uid, err)
	}
	t.log.WithField("uid", uid).Debug("user online")
	return nil
}

// GoOffline is the graceful teardown path: one atomic write of both cells.
func (t *Tracker) GoOffline(ctx context.Context, uid string) error {
	lastSeen := strconv.FormatInt(t.now().UnixMilli(), 10)
	err := t.st.Update(ctx, map[store.Path]json.RawMessage{
		store.UserPresence(uid): jsonFalse,
		store.UserLastSeen(uid): json.RawMessage(lastSeen),
	})
	if err != nil {
		return fmt.Errorf("failed to publish offline state for %s: %w", uid, err)
	}
	t.log.WithField("uid", uid).Debug("user offline")
	return nil
}

// Presence reads the current record. A user with no presence cell has
// simply never connected and reads as offline.
func (t *Tracker) Presence(ctx context.Context, uid string) (domain.PresenceRecord, error) {
	rec := domain.PresenceRecord{UID: uid}

	if v, err := t.st.Get(ctx, store.UserPresence(uid)); err == nil {
		json.Unmarshal(v, &rec.Online)
	} else if !errors.Is(err, store.ErrNotFound) {
		return rec, fmt.Errorf("failed to read presence for %s: %w", uid, err)
	}
	if v, err := t.st.Get(ctx, store.UserLastSeen(uid)); err == nil {
		json.Unmarshal(v, &rec.LastSeen)
	} else if !errors.Is(err, store.ErrNotFound) {
		return rec, fmt.Errorf("failed to read last seen for %s: %w", uid, err)
	}
	return rec, nil
}

// Watch observes every transition of uid's presence. All concurrent
// watchers of the same uid converge on the same record because both cells
// are last-write-wins in the store.
func (t *Tracker) Watch(ctx context.Context, uid string, fn func(domain.PresenceRecord)) store.UnsubscribeFunc {
	var (
		mu          sync.Mutex
		current     = domain.PresenceRecord{UID: uid}
		gotOnline   bool
		gotLastSeen bool
	)

	unsubPresence := t.st.Subscribe(store.UserPresence(uid), func(ev store.Event) {
		mu.Lock()
		gotOnline = true
		if ev.Value == nil {
			current.Online = false
		} else {
			json.Unmarshal(ev.Value, &current.Online)
		}
		rec := current
		mu.Unlock()
		fn(rec)
	})
	unsubLastSeen := t.st.Subscribe(store.UserLastSeen(uid), func(ev store.Event) {
		mu.Lock()
		gotLastSeen = true
		if ev.Value != nil {
			json.Unmarshal(ev.Value, &current.LastSeen)
		}
		rec := current
		mu.Unlock()
		fn(rec)
	})

	// Seed after subscribing: a transition committed in between arrives
	// as an event instead of being lost, and the seed never overwrites a
	// cell an event has already delivered.
	if seed, err := t.Presence(ctx, uid); err != nil {
		t.log.WithField("uid", uid).Warnf("failed to seed presence watch: %s", err)
	} else {
		mu.Lock()
		if !gotOnline {
			current.Online = seed.Online
		}
		if !gotLastSeen {
			current.LastSeen = seed.LastSeen
		}
		mu.Unlock()
	}

	return func() {
		unsubPresence()
		unsubLastSeen()
	}
}
