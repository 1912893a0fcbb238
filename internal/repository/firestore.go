package repository

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pingup_core/internal/domain"
)

const userCollection = "users"

// FirestoreDirectory reads profiles and tokens from Firestore documents,
// for deployments that keep user data in Firebase rather than Postgres.
type FirestoreDirectory struct {
	client *firestore.Client
}

func NewFirestoreDirectory(ctx context.Context, projectID string) (*FirestoreDirectory, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firestore client: %w", err)
	}
	return &FirestoreDirectory{client: client}, nil
}

type firestoreUser struct {
	Name      string           `firestore:"name"`
	Username  string           `firestore:"username"`
	Email     string           `firestore:"email"`
	CreatedAt time.Time        `firestore:"createdAt"`
	Tokens    []firestoreToken `firestore:"tokens"`
}

type firestoreToken struct {
	Token    string `firestore:"token"`
	Platform string `firestore:"platform"`
}

func (d *FirestoreDirectory) User(ctx context.Context, uid string) (*domain.User, error) {
	doc, err := d.get(ctx, uid)
	if err != nil {
		return nil, err
	}
	return &domain.User{
		UID:       uid,
		Name:      doc.Name,
		Username:  doc.Username,
		Email:     doc.Email,
		CreatedAt: doc.CreatedAt,
	}, nil
}

func (d *FirestoreDirectory) Tokens(ctx context.Context, uid string) ([]domain.NotificationToken, error) {
	doc, err := d.get(ctx, uid)
	if err != nil {
		return nil, err
	}
	tokens := make([]domain.NotificationToken, 0, len(doc.Tokens))
	for _, t := range doc.Tokens {
		tokens = append(tokens, domain.NotificationToken{
			UID:      uid,
			Token:    t.Token,
			Platform: domain.Platform(t.Platform),
		})
	}
	return tokens, nil
}

func (d *FirestoreDirectory) Close() error {
	return d.client.Close()
}

func (d *FirestoreDirectory) get(ctx context.Context, uid string) (*firestoreUser, error) {
	snap, err := d.client.Collection(userCollection).Doc(uid).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user document %s: %w", uid, err)
	}
	var doc firestoreUser
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user document %s: %w", uid, err)
	}
	return &doc, nil
}
