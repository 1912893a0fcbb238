package store

import "strings"

// Typed builders for every path shape the core writes. Keeping them here
// means separator and shape bugs have exactly one place to live.

func UserPresence(uid string) Path { return join("users", uid, "presence") }
func UserLastSeen(uid string) Path { return join("users", uid, "lastSeen") }

func ChatRoot() Path { return Path("chats") }

func ChatMessages(chatID string) Path       { return join("chats", chatID, "messages") }
func ChatMessage(chatID, msgID string) Path { return join("chats", chatID, "messages", msgID) }
func ChatLastMessage(chatID string) Path    { return join("chats", chatID, "lastMessage") }
func ChatTyping(chatID, uid string) Path    { return join("chats", chatID, "typing", uid) }

func MessageReaction(chatID, msgID, uid string) Path {
	return join("chats", chatID, "messages", msgID, "reactions", uid)
}

func MessageReadBy(chatID, msgID, uid string) Path {
	return join("chats", chatID, "messages", msgID, "readBy", uid)
}

func UserChats(uid string) Path        { return join("userChats", uid) }
func UserChat(uid, chatID string) Path { return join("userChats", uid, chatID) }

func join(parts ...string) Path { return Path(strings.Join(parts, "/")) }

// SplitChatMessage reports whether p addresses a message body
// (chats/{chatID}/messages/{msgID}, nothing deeper) and returns its ids.
func SplitChatMessage(p Path) (chatID, msgID string, ok bool) {
	parts := strings.Split(string(p), "/")
	if len(parts) != 4 || parts[0] != "chats" || parts[2] != "messages" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

// SplitMessageOverlay matches the reaction and read-receipt leaves under a
// message body. kind is "reactions" or "readBy".
func SplitMessageOverlay(p Path) (chatID, msgID, kind, uid string, ok bool) {
	parts := strings.Split(string(p), "/")
	if len(parts) != 6 || parts[0] != "chats" || parts[2] != "messages" {
		return "", "", "", "", false
	}
	if parts[4] != "reactions" && parts[4] != "readBy" {
		return "", "", "", "", false
	}
	return parts[1], parts[3], parts[4], parts[5], true
}

// SplitTyping matches chats/{chatID}/typing/{uid}.
func SplitTyping(p Path) (chatID, uid string, ok bool) {
	parts := strings.Split(string(p), "/")
	if len(parts) != 4 || parts[0] != "chats" || parts[2] != "typing" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

// hasPrefix reports whether p equals prefix or lies under it.
func (p Path) hasPrefix(prefix Path) bool {
	if p == prefix {
		return true
	}
	return strings.HasPrefix(string(p), string(prefix)+"/")
}
