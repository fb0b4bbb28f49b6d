package store

import (
	"context"
	"errors"

	"github.com/kurameshinatsuki/supremus/internal/conversation"
)

// Backend names reported by [Selection].
const (
	BackendRelational = "relational"
	BackendFile       = "file"
)

// Selection reasons reported by [Selection].
const (
	ReasonConfigured    = "configured"
	ReasonNotConfigured = "not_configured"
	ReasonInitFailed    = "init_failed"
)

// ErrPoolTimeout is returned when a relational operation could not
// obtain a connection (or finish) within the configured acquire
// timeout.
var ErrPoolTimeout = errors.New("relational pool timeout")

// Backend is the persistence contract shared by the relational and
// file backends. Load methods report found=false with a nil error when
// the key does not exist. Save methods upsert: the full history (and
// participant map) is replaced and the stored creation time is kept.
//
// The auth methods back the credential store; keys are opaque strings
// and values are JSON documents.
type Backend interface {
	Name() string

	LoadUser(ctx context.Context, id string) (*conversation.UserRecord, bool, error)
	SaveUser(ctx context.Context, r *conversation.UserRecord) error
	LoadGroup(ctx context.Context, id string) (*conversation.GroupRecord, bool, error)
	SaveGroup(ctx context.Context, r *conversation.GroupRecord) error
	ListKeys(ctx context.Context) (users, groups []string, err error)

	GetAuth(ctx context.Context, key string) ([]byte, bool, error)
	SetAuth(ctx context.Context, key string, value []byte) error
	DeleteAuth(ctx context.Context, key string) error
	AuthKeys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}
