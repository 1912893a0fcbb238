package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pingup_core/internal/chatid"
	"pingup_core/internal/domain"
	"pingup_core/internal/store"
)

var jsonTrue = json.RawMessage(`true`)

// EnsureChat derives the canonical id for the pair and registers the chat
// under both users' rosters in one atomic write.
func (s *Store) EnsureChat(ctx context.Context, uidA, uidB string) (string, error) {
	chatID, err := chatid.Identify(uidA, uidB)
	if err != nil {
		return "", err
	}
	err = s.st.Update(ctx, map[store.Path]json.RawMessage{
		store.UserChat(uidA, chatID): jsonTrue,
		store.UserChat(uidB, chatID): jsonTrue,
	})
	if err != nil {
		return "", fmt.Errorf("failed to register chat %s: %w", chatID, err)
	}
	return chatID, nil
}

// Summaries builds the roster view for uid, most recent activity first.
// Chats with no messages yet sort last.
func (s *Store) Summaries(ctx context.Context, uid string) ([]domain.ChatSummary, error) {
	entries, err := s.st.List(ctx, store.UserChats(uid))
	if err != nil {
		return nil, fmt.Errorf("failed to list chats for %s: %w", uid, err)
	}

	summaries := make([]domain.ChatSummary, 0, len(entries))
	for _, e := range entries {
		chatID := lastSegment(e.Path)
		other, err := chatid.Recipient(chatID, uid)
		if err != nil {
			continue // malformed roster entry, skip rather than fail the view
		}
		summary := domain.ChatSummary{ChatID: chatID, OtherUID: other}

		raw, err := s.st.Get(ctx, store.ChatLastMessage(chatID))
		if err == nil {
			var last domain.Message
			if json.Unmarshal(raw, &last) == nil {
				summary.LastMessage = last.Payload.Preview()
				summary.LastTimestamp = last.Timestamp
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to read last message of %s: %w", chatID, err)
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastTimestamp > summaries[j].LastTimestamp
	})
	return summaries, nil
}

func lastSegment(p store.Path) string {
	parts := strings.Split(string(p), "/")
	return parts[len(parts)-1]
}
