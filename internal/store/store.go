package store

import (
	"context"
	"errors"

	"github.com/eoger/lockbox-bridge/internal/model"
)

var (
	// ErrNotFound is returned when a login or meta key is not found.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when creating a login whose ID is already taken.
	ErrExists = errors.New("already exists")
)

// Change is one incoming sync record: either an upsert or a deletion by ID.
type Change struct {
	Upsert   *model.StoredLogin
	DeleteID string
}

// Store defines the persistence operations for login records. Passwords are
// stored sealed; the store never sees plaintext.
type Store interface {
	CreateLogin(ctx context.Context, l *model.StoredLogin) error
	GetLogin(ctx context.Context, id string) (*model.StoredLogin, error)
	ListLogins(ctx context.Context) ([]*model.StoredLogin, error)
	UpdateLogin(ctx context.Context, l *model.StoredLogin) error
	DeleteLogin(ctx context.Context, id string) error
	ListChanged(ctx context.Context) ([]*model.StoredLogin, error)
	ApplyIncoming(ctx context.Context, changes []Change) error
	MarkSynced(ctx context.Context, ids []string, serverModified int64) error
	GetMeta(ctx context.Context, key string) ([]byte, error)
	SetMeta(ctx context.Context, key string, value []byte) error
	Close() error
}
