package notify

import (
	"context"
	"fmt"

	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"

	"pingup_core/internal/domain"
)

// Expo delivers through Expo's public push endpoint, the lightweight
// broadcast strategy.
type Expo struct {
	client *expo.PushClient
}

func NewExpo() *Expo {
	return &Expo{client: expo.NewPushClient(nil)}
}

func (e *Expo) Platform() domain.Platform { return domain.PlatformExpo }

func (e *Expo) Deliver(_ context.Context, token domain.NotificationToken, n *Notification) error {
	pushToken, err := expo.NewExponentPushToken(token.Token)
	if err != nil {
		return fmt.Errorf("invalid expo token: %w", err)
	}

	response, err := e.client.Publish(&expo.PushMessage{
		To:       []expo.ExponentPushToken{pushToken},
		Title:    n.Title,
		Body:     n.Body,
		Data:     n.Data(),
		Sound:    "default",
		Priority: expo.DefaultPriority,
	})
	if err != nil {
		return fmt.Errorf("expo publish failed: %w", err)
	}
	if err := response.ValidateResponse(); err != nil {
		return fmt.Errorf("expo rejected delivery: %w", err)
	}
	return nil
}
