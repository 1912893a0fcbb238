package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"

	"pingup_core/internal/domain"
)

// FCM delivers through Firebase Cloud Messaging, the platform push
// gateway strategy.
type FCM struct {
	client *messaging.Client
}

func NewFCM(ctx context.Context, projectID string) (*FCM, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize messaging client: %w", err)
	}
	return &FCM{client: client}, nil
}

func (f *FCM) Platform() domain.Platform { return domain.PlatformFCM }

func (f *FCM) Deliver(ctx context.Context, token domain.NotificationToken, n *Notification) error {
	badge := 1
	_, err := f.client.Send(ctx, &messaging.Message{
		Token: token.Token,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data(),
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "messages",
				Sound:     "default",
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Badge: &badge,
					Sound: "default",
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("fcm send failed: %w", err)
	}
	return nil
}
