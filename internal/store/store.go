// Package store persists broker session tokens between process runs.
package store

import (
	"context"
	"time"

	"tradegate/internal/models"
)

// TokenStore saves and restores the token triple issued to a user's live
// session. Implementations must be safe for concurrent use.
type TokenStore interface {
	Save(ctx context.Context, userID string, kind models.BrokerKind, tokens models.Tokens) error
	// Load returns the stored tokens and the time they were saved.
	Load(ctx context.Context, userID string, kind models.BrokerKind) (models.Tokens, time.Time, error)
	Delete(ctx context.Context, userID string, kind models.BrokerKind) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Record describes a stored session without its secrets.
type Record struct {
	UserID     string
	Kind       models.BrokerKind
	ClientCode string
	Encrypted  bool
	IssuedAt   time.Time
	UpdatedAt  time.Time
}
