// Package repository holds the profile collaborator: durable user
// records, the follow graph and registered notification endpoints. The
// realtime core only reads from it, except for token registration.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pingup_core/internal/domain"
)

var ErrUserNotFound = errors.New("user not found")

// Directory is the read side consumed by the notification dispatcher.
type Directory interface {
	User(ctx context.Context, uid string) (*domain.User, error)
	Tokens(ctx context.Context, uid string) ([]domain.NotificationToken, error)
}

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (uid, name, username, email, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uid) DO NOTHING
	`, u.UID, u.Name, u.Username, u.Email, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *UserRepository) User(ctx context.Context, uid string) (*domain.User, error) {
	u := &domain.User{}
	err := r.db.QueryRowContext(ctx, `
		SELECT uid, name, username, email, created_at FROM users WHERE uid = $1
	`, uid).Scan(&u.UID, &u.Name, &u.Username, &u.Email, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %s: %w", uid, err)
	}

	u.Following, err = r.edges(ctx, `SELECT followee FROM follows WHERE follower = $1`, uid)
	if err != nil {
		return nil, err
	}
	u.Followers, err = r.edges(ctx, `SELECT follower FROM follows WHERE followee = $1`, uid)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// SearchUsers matches username prefixes for the sidebar search box.
func (r *UserRepository) SearchUsers(ctx context.Context, query string, limit int) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT uid, name, username, email, created_at
		FROM users
		WHERE username ILIKE $1 || '%'
		ORDER BY username
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.UID, &u.Name, &u.Username, &u.Email, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Follow records the edge once; both the follower's "following" view and
// the followee's "followers" view read from the same row, so the mutation
// is symmetric by construction.
func (r *UserRepository) Follow(ctx context.Context, follower, followee string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO follows (follower, followee) VALUES ($1, $2)
		ON CONFLICT (follower, followee) DO NOTHING
	`, follower, followee)
	if err != nil {
		return fmt.Errorf("failed to follow: %w", err)
	}
	return nil
}

func (r *UserRepository) Unfollow(ctx context.Context, follower, followee string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM follows WHERE follower = $1 AND followee = $2
	`, follower, followee)
	if err != nil {
		return fmt.Errorf("failed to unfollow: %w", err)
	}
	return nil
}

// RegisterToken upserts a delivery endpoint. Tokens are never pruned
// here, even when a provider later rejects them; rejections only surface
// in dispatch reports.
func (r *UserRepository) RegisterToken(ctx context.Context, t domain.NotificationToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_tokens (token, uid, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET uid = $2, platform = $3
	`, t.Token, t.UID, t.Platform)
	if err != nil {
		return fmt.Errorf("failed to register token: %w", err)
	}
	return nil
}

func (r *UserRepository) Tokens(ctx context.Context, uid string) ([]domain.NotificationToken, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT token, uid, platform FROM notification_tokens WHERE uid = $1
	`, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tokens for %s: %w", uid, err)
	}
	defer rows.Close()

	var tokens []domain.NotificationToken
	for rows.Next() {
		var t domain.NotificationToken
		if err := rows.Scan(&t.Token, &t.UID, &t.Platform); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (r *UserRepository) edges(ctx context.Context, query, uid string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, query, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch follow edges for %s: %w", uid, err)
	}
	defer rows.Close()

	edges := make(map[string]bool)
	for rows.Next() {
		var other string
		if err := rows.Scan(&other); err != nil {
			return nil, err
		}
		edges[other] = true
	}
	return edges, rows.Err()
}
