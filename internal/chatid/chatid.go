// Package chatid derives the canonical conversation key for a pair of users.
// The key is order independent: both participants compute the same id.
package chatid

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins the two participant uids. Uids must never contain it,
// otherwise the key could not be split back into its participants.
const Separator = "_"

var ErrInvalidIdentity = errors.New("invalid chat identity")

// Identify returns the canonical chat id for the pair (a, b).
// Identify(a, b) == Identify(b, a) for every valid pair.
func Identify(a, b string) (string, error) {
	if err := validateUID(a); err != nil {
		return "", err
	}
	if err := validateUID(b); err != nil {
		return "", err
	}
	if a > b {
		a, b = b, a
	}
	return a + Separator + b, nil
}

// Participants recovers the two uids a chat id was built from.
func Participants(chatID string) (string, string, error) {
	parts := strings.Split(chatID, Separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: malformed chat id %q", ErrInvalidIdentity, chatID)
	}
	return parts[0], parts[1], nil
}

// Recipient resolves the participant of chatID that is not senderID.
// The sender must be one of the two participants, and the resolved
// recipient must differ from the sender.
func Recipient(chatID, senderID string) (string, error) {
	a, b, err := Participants(chatID)
	if err != nil {
		return "", err
	}
	var recipient string
	switch senderID {
	case a:
		recipient = b
	case b:
		recipient = a
	default:
		return "", fmt.Errorf("%w: sender %q is not a participant of %q", ErrInvalidIdentity, senderID, chatID)
	}
	if recipient == senderID {
		return "", fmt.Errorf("%w: chat %q resolves to the sender itself", ErrInvalidIdentity, chatID)
	}
	return recipient, nil
}

func validateUID(uid string) error {
	if uid == "" {
		return fmt.Errorf("%w: empty uid", ErrInvalidIdentity)
	}
	if strings.Contains(uid, Separator) {
		return fmt.Errorf("%w: uid %q contains reserved separator %q", ErrInvalidIdentity, uid, Separator)
	}
	return nil
}
