// Package notify fans a new-message notification out to every delivery
// endpoint the recipient has registered, across heterogeneous push
// backends, with per-endpoint result accounting.
package notify

import (
	"context"

	"pingup_core/internal/domain"
)

// Notification is the backend-agnostic payload. Data carries the
// correlation ids a client needs to deep-link without a further fetch.
type Notification struct {
	Title     string
	Body      string
	ChatID    string
	SenderID  string
	MessageID string
}

// Data returns the correlation map sent alongside the alert.
func (n *Notification) Data() map[string]string {
	return map[string]string{
		"chatId":    n.ChatID,
		"senderId":  n.SenderID,
		"messageId": n.MessageID,
	}
}

// Backend is one push provider. Deliver attempts a single endpoint and
// must honor ctx cancellation where the underlying client allows it.
type Backend interface {
	Platform() domain.Platform
	Deliver(ctx context.Context, token domain.NotificationToken, n *Notification) error
}

// DeliveryResult is the outcome of one isolated attempt.
type DeliveryResult struct {
	Token     string
	Platform  domain.Platform
	Delivered bool
	Reason    string // failure reason, empty on success
}

// Report aggregates the independent attempts of one dispatch.
type Report struct {
	Successful int
	Failed     int
	Results    []DeliveryResult
}

// AllFailed reports whether every attempted delivery failed. An empty
// dispatch (no registered endpoints) is not a failure.
func (r *Report) AllFailed() bool {
	return r.Failed > 0 && r.Successful == 0
}
