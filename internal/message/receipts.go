package message

import (
	"encoding/json"

	"github.com/samber/lo"

	"pingup_core/internal/domain"
	"pingup_core/internal/store"
)

// IsReadByAll reports whether every participant other than the sender has
// acknowledged the message. Drives the "seen" indicator; purely
// read-side, recomputed whenever a receipt lands.
func IsReadByAll(msg *domain.Message, participants []string) bool {
	return lo.EveryBy(participants, func(uid string) bool {
		if uid == msg.SenderID {
			return true
		}
		_, read := msg.ReadBy[uid]
		return read
	})
}

// ReadReceipt is one acknowledgment event observed on a chat.
type ReadReceipt struct {
	ChatID    string
	MessageID string
	UID       string
	At        int64
}

// WatchReads fires fn for every receipt landing anywhere in the chat.
func (s *Store) WatchReads(chatID string, fn func(ReadReceipt)) store.UnsubscribeFunc {
	return s.st.Subscribe(store.ChatMessages(chatID), func(ev store.Event) {
		_, msgID, kind, uid, ok := store.SplitMessageOverlay(ev.Path)
		if !ok || kind != "readBy" || ev.Value == nil {
			return
		}
		var at int64
		if err := json.Unmarshal(ev.Value, &at); err != nil {
			return
		}
		fn(ReadReceipt{ChatID: chatID, MessageID: msgID, UID: uid, At: at})
	})
}
