// Package typing maintains the ephemeral per-(chat, user) typing flag
// with an idle debounce, mirroring the presence fallback mechanism so a
// vanished client can never leave a stuck "typing..." indicator.
package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"pingup_core/internal/store"
)

const DefaultIdle = time.Second

var (
	jsonTrue  = json.RawMessage(`true`)
	jsonFalse = json.RawMessage(`false`)
)

type Signal struct {
	st   store.Store
	idle time.Duration
	log  *log.Entry

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewSignal(st store.Store, idle time.Duration) *Signal {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Signal{
		st:     st,
		idle:   idle,
		log:    log.WithField("component", "typing"),
		timers: make(map[string]*time.Timer),
	}
}

// Keystroke records typing activity. The first keystroke publishes
// {typing: true} and then arms the idle timer; every later keystroke just
// restarts the timer. The flag write completes before the timer exists,
// so an idle clear always lands after the raise.
func (s *Signal) Keystroke(ctx context.Context, chatID, uid string) error {
	key := chatID + "/" + uid

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if timer, active := s.timers[key]; active {
		timer.Reset(s.idle)
		s.mu.Unlock()
		return nil // flag already raised, only the timer moved
	}
	s.mu.Unlock()

	if err := s.st.Set(ctx, store.ChatTyping(chatID, uid), jsonTrue); err != nil {
		return fmt.Errorf("failed to raise typing flag: %w", err)
	}

	s.mu.Lock()
	if !s.closed {
		if timer, active := s.timers[key]; active {
			timer.Reset(s.idle)
		} else {
			s.timers[key] = time.AfterFunc(s.idle, func() { s.expire(chatID, uid) })
		}
	}
	s.mu.Unlock()
	return nil
}

// Stop clears the flag immediately (message sent, input blurred).
func (s *Signal) Stop(ctx context.Context, chatID, uid string) error {
	s.cancelTimer(chatID + "/" + uid)
	if err := s.st.Set(ctx, store.ChatTyping(chatID, uid), jsonFalse); err != nil {
		return fmt.Errorf("failed to clear typing flag: %w", err)
	}
	return nil
}

// Arm registers the disconnect fallback so the flag clears even if the
// publisher's connection drops mid-keystroke.
func (s *Signal) Arm(sess *store.Session, chatID, uid string) {
	sess.OnDisconnectSet(store.ChatTyping(chatID, uid), jsonFalse)
}

// Watch observes the peer's flag. Callers pass the remote participant's
// uid; a client never observes its own typing record.
func (s *Signal) Watch(chatID, peerUID string, fn func(bool)) store.UnsubscribeFunc {
	return s.st.Subscribe(store.ChatTyping(chatID, peerUID), func(ev store.Event) {
		typing := false
		if ev.Value != nil {
			json.Unmarshal(ev.Value, &typing)
		}
		fn(typing)
	})
}

// Close stops all pending timers without publishing anything; fallback
// writes cover the cleanup.
func (s *Signal) Close() {
	s.mu.Lock()
	s.closed = true
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
}

func (s *Signal) expire(chatID, uid string) {
	s.cancelTimer(chatID + "/" + uid)
	if err := s.st.Set(context.Background(), store.ChatTyping(chatID, uid), jsonFalse); err != nil {
		s.log.WithField("chat", chatID).Warnf("failed to clear typing flag on idle: %s", err)
	}
}

func (s *Signal) cancelTimer(key string) {
	s.mu.Lock()
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
}
