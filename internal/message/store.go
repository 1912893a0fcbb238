// Package message owns the per-chat append-only log and its overlays:
// reactions, read receipts and soft-delete tombstones.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pingup_core/internal/domain"
	"pingup_core/internal/store"
)

var ErrMessageNotFound = errors.New("message not found")

type Store struct {
	st  store.Store
	now func() time.Time
	seq atomic.Uint64
}

func NewStore(st store.Store) *Store {
	return &Store{st: st, now: time.Now}
}

// WithClock pins the append clock; tests use it to force timestamp ties.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Append validates the payload, assigns a store-generated id and a
// creation timestamp, and commits the message body together with the
// chat's lastMessage pointer in one atomic write. Prior entries are never
// touched: ids are zero-padded nanos plus a process-local sequence, so
// they sort in insertion order under the messages prefix.
func (s *Store) Append(ctx context.Context, chatID, senderID string, payload domain.Payload) (*domain.Message, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if senderID == "" {
		return nil, errors.New("sender id is required")
	}

	now := s.now()
	msg := &domain.Message{
		ID:        fmt.Sprintf("%019d-%010d-%s", now.UnixNano(), s.seq.Add(1), uuid.NewString()[:8]),
		ChatID:    chatID,
		SenderID:  senderID,
		Payload:   payload,
		Timestamp: now.UnixMilli(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	err = s.st.Update(ctx, map[store.Path]json.RawMessage{
		store.ChatMessage(chatID, msg.ID): body,
		store.ChatLastMessage(chatID):     body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// Messages returns the full log for chatID, tombstones included, ordered
// by timestamp with ties broken by id (insertion order).
func (s *Store) Messages(ctx context.Context, chatID string) ([]domain.Message, error) {
	entries, err := s.st.List(ctx, store.ChatMessages(chatID))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", chatID, err)
	}
	return assemble(entries)
}

// VisibleMessages is the display query: the log without tombstones.
func (s *Store) VisibleMessages(ctx context.Context, chatID string) ([]domain.Message, error) {
	msgs, err := s.Messages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	visible := msgs[:0]
	for _, m := range msgs {
		if !m.Deleted {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// Message fetches one message with its overlays attached. Soft-deleted
// messages remain fetchable.
func (s *Store) Message(ctx context.Context, chatID, messageID string) (*domain.Message, error) {
	entries, err := s.st.List(ctx, store.ChatMessage(chatID, messageID))
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", messageID, err)
	}
	msgs, err := assemble(entries)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrMessageNotFound
	}
	return &msgs[0], nil
}

// React upserts the caller's reaction. One reaction per user per message;
// repeated calls replace the previous emoji.
func (s *Store) React(ctx context.Context, chatID, messageID, uid, emoji string) error {
	if _, err := s.st.Get(ctx, store.ChatMessage(chatID, messageID)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("failed to read message %s: %w", messageID, err)
	}
	value, err := json.Marshal(emoji)
	if err != nil {
		return fmt.Errorf("failed to marshal reaction: %w", err)
	}
	if err := s.st.Set(ctx, store.MessageReaction(chatID, messageID, uid), value); err != nil {
		return fmt.Errorf("failed to set reaction: %w", err)
	}
	return nil
}

// MarkRead upserts readBy[uid]. The receipt is monotonic: an earlier
// timestamp never moves an existing receipt backward (clock skew guard).
func (s *Store) MarkRead(ctx context.Context, chatID, messageID, uid string, at int64) error {
	path := store.MessageReadBy(chatID, messageID, uid)
	if v, err := s.st.Get(ctx, path); err == nil {
		var existing int64
		if json.Unmarshal(v, &existing) == nil && existing >= at {
			return nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to read receipt: %w", err)
	}
	if err := s.st.Set(ctx, path, json.RawMessage(strconv.FormatInt(at, 10))); err != nil {
		return fmt.Errorf("failed to set receipt: %w", err)
	}
	return nil
}

// MarkChatRead acknowledges every message in the chat the caller has not
// read yet, in one atomic multi-path write.
func (s *Store) MarkChatRead(ctx context.Context, chatID, uid string, at int64) error {
	msgs, err := s.Messages(ctx, chatID)
	if err != nil {
		return err
	}
	writes := make(map[store.Path]json.RawMessage)
	value := json.RawMessage(strconv.FormatInt(at, 10))
	for _, m := range msgs {
		if m.SenderID == uid {
			continue
		}
		if _, read := m.ReadBy[uid]; read {
			continue
		}
		writes[store.MessageReadBy(chatID, m.ID, uid)] = value
	}
	if len(writes) == 0 {
		return nil
	}
	if err := s.st.Update(ctx, writes); err != nil {
		return fmt.Errorf("failed to mark chat read: %w", err)
	}
	return nil
}

// SoftDelete sets the tombstone flag. The entry stays in the log and its
// overlays stay queryable.
func (s *Store) SoftDelete(ctx context.Context, chatID, messageID string) error {
	body, err := s.st.Get(ctx, store.ChatMessage(chatID, messageID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("failed to read message %s: %w", messageID, err)
	}
	var msg domain.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message %s: %w", messageID, err)
	}
	msg.Deleted = true
	updated, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", messageID, err)
	}
	if err := s.st.Set(ctx, store.ChatMessage(chatID, messageID), updated); err != nil {
		return fmt.Errorf("failed to tombstone message %s: %w", messageID, err)
	}
	return nil
}

// assemble joins body leaves with their reaction/readBy overlay leaves
// and sorts by (timestamp, id).
func assemble(entries []store.Entry) ([]domain.Message, error) {
	bodies := make(map[string]*domain.Message)
	for _, e := range entries {
		if _, msgID, ok := store.SplitChatMessage(e.Path); ok {
			var msg domain.Message
			if err := json.Unmarshal(e.Value, &msg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal message at %s: %w", e.Path, err)
			}
			bodies[msgID] = &msg
		}
	}
	for _, e := range entries {
		_, msgID, kind, uid, ok := store.SplitMessageOverlay(e.Path)
		if !ok {
			continue
		}
		msg, ok := bodies[msgID]
		if !ok {
			continue
		}
		switch kind {
		case "reactions":
			var emoji string
			if json.Unmarshal(e.Value, &emoji) == nil {
				if msg.Reactions == nil {
					msg.Reactions = make(map[string]string)
				}
				msg.Reactions[uid] = emoji
			}
		case "readBy":
			var at int64
			if json.Unmarshal(e.Value, &at) == nil {
				if msg.ReadBy == nil {
					msg.ReadBy = make(map[string]int64)
				}
				msg.ReadBy[uid] = at
			}
		}
	}

	msgs := make([]domain.Message, 0, len(bodies))
	for _, m := range bodies {
		msgs = append(msgs, *m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}
