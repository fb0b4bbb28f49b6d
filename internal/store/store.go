// Package store persists per-conversation state. It selects a relational
// backend when one is configured and reachable and otherwise falls back
// to a single JSON snapshot file. Every read-modify-write of a record
// runs under a per-key lock so concurrent turns on the same chat never
// lose an update.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kurameshinatsuki/supremus/internal/conversation"
	"github.com/kurameshinatsuki/supremus/internal/events"
)

// Default pool and timeout settings applied when the config leaves them
// unset.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultAcquireTimeout = 5 * time.Second
	DefaultMigrateWorkers = 4
)

// Config selects and tunes the backend.
type Config struct {
	// Relational is used when its DSN is non-empty.
	Relational RelationalConfig
	// FallbackPath is the snapshot file used when the relational backend
	// is not configured or fails to initialize. It is also the source
	// file for [Store.Migrate].
	FallbackPath string
	// ConnectTimeout bounds relational initialization.
	ConnectTimeout time.Duration
	// MigrateWorkers bounds how many keys migrate in parallel.
	MigrateWorkers int
	// Limits sets history retention.
	Limits conversation.Limits
}

// Selection describes which backend is active and why.
type Selection struct {
	Backend string
	Reason  string
}

func (s Selection) String() string {
	return s.Backend + " (" + s.Reason + ")"
}

// Store is the conversation memory store.
type Store struct {
	backend   Backend
	selection Selection
	cfg       Config
	locks     *keyLocks
	logger    *slog.Logger
	bus       *events.Bus
}

// Open selects the backend. A relational initialization failure is
// logged and falls back to the file backend; only a file backend that
// cannot be opened is an error.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, bus *events.Bus) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Relational.AcquireTimeout <= 0 {
		cfg.Relational.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.MigrateWorkers <= 0 {
		cfg.MigrateWorkers = DefaultMigrateWorkers
	}
	if cfg.Limits == (conversation.Limits{}) {
		cfg.Limits = conversation.DefaultLimits()
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid limits: %w", err)
	}

	s := &Store{
		cfg:    cfg,
		locks:  newKeyLocks(),
		logger: logger,
		bus:    bus,
	}

	reason := ReasonNotConfigured
	if cfg.Relational.DSN != "" {
		connCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		rel, err := NewRelational(connCtx, cfg.Relational, logger)
		cancel()
		if err == nil {
			s.backend = rel
			s.selection = Selection{Backend: BackendRelational, Reason: ReasonConfigured}
		} else {
			logger.Warn("relational backend unavailable, using file fallback",
				"driver", cfg.Relational.Driver,
				"error", err,
			)
			reason = ReasonInitFailed + ": " + err.Error()
		}
	}

	if s.backend == nil {
		if cfg.FallbackPath == "" {
			return nil, fmt.Errorf("no relational backend and no fallback path configured")
		}
		fs, err := NewFileStore(cfg.FallbackPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open fallback store: %w", err)
		}
		s.backend = fs
		s.selection = Selection{Backend: BackendFile, Reason: reason}
	}

	logger.Info("conversation store ready",
		"backend", s.selection.Backend,
		"reason", s.selection.Reason,
	)
	s.publish(events.KindBackendSelected, map[string]any{
		"backend": s.selection.Backend,
		"reason":  s.selection.Reason,
	})
	return s, nil
}

// Selection reports the active backend and the reason it was chosen.
func (s *Store) Selection() Selection { return s.selection }

// Limits returns the retention and context bounds in effect.
func (s *Store) Limits() conversation.Limits { return s.cfg.Limits }

// Backend exposes the active backend. The credential store persists
// through it.
func (s *Store) Backend() Backend { return s.backend }

// Close releases the backend.
func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) publish(kind string, data map[string]any) {
	s.bus.Emit(events.SourceStore, kind, data)
}

func userLockKey(id string) string  { return "user:" + id }
func groupLockKey(id string) string { return "group:" + id }

// User returns the record for id. It never returns nil: a missing
// record or a read failure yields an empty record, and the failure is
// logged.
func (s *Store) User(ctx context.Context, id string) *conversation.UserRecord {
	rec, err := s.loadUser(ctx, id)
	if err != nil {
		s.logger.Error("user record read failed, using empty record",
			"user", id,
			"backend", s.selection.Backend,
			"error", err,
		)
		return conversation.NewUserRecord(id)
	}
	return rec
}

func (s *Store) loadUser(ctx context.Context, id string) (*conversation.UserRecord, error) {
	rec, ok, err := s.backend.LoadUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return conversation.NewUserRecord(id), nil
	}
	rec.Normalize()
	return rec, nil
}

// Group returns the record for id with the same guarantees as
// [Store.User].
func (s *Store) Group(ctx context.Context, id string) *conversation.GroupRecord {
	rec, err := s.loadGroup(ctx, id)
	if err != nil {
		s.logger.Error("group record read failed, using empty record",
			"group", id,
			"backend", s.selection.Backend,
			"error", err,
		)
		return conversation.NewGroupRecord(id)
	}
	return rec
}

func (s *Store) loadGroup(ctx context.Context, id string) (*conversation.GroupRecord, error) {
	rec, ok, err := s.backend.LoadGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return conversation.NewGroupRecord(id), nil
	}
	rec.Normalize()
	return rec, nil
}

// SaveUser upserts rec, replacing its history. The creation time of an
// existing record is preserved; UpdatedAt is set to the save time.
func (s *Store) SaveUser(ctx context.Context, rec *conversation.UserRecord) error {
	defer s.locks.lock(userLockKey(rec.ID))()
	return s.saveUser(ctx, rec)
}

func (s *Store) saveUser(ctx context.Context, rec *conversation.UserRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Normalize()
	if err := s.backend.SaveUser(ctx, rec); err != nil {
		return fmt.Errorf("save user %s: %w", rec.ID, err)
	}
	return nil
}

// SaveGroup upserts rec, replacing its history and participant map.
// UpdatedAt is set to the save time.
func (s *Store) SaveGroup(ctx context.Context, rec *conversation.GroupRecord) error {
	defer s.locks.lock(groupLockKey(rec.ID))()
	return s.saveGroup(ctx, rec)
}

func (s *Store) saveGroup(ctx context.Context, rec *conversation.GroupRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Normalize()
	if err := s.backend.SaveGroup(ctx, rec); err != nil {
		return fmt.Errorf("save group %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateUser runs fn on the current record and saves the result, all
// while holding the key's lock. If fn returns an error nothing is
// saved. A read failure aborts the update rather than overwriting the
// stored history with an empty one.
func (s *Store) UpdateUser(ctx context.Context, id string, fn func(*conversation.UserRecord) error) (*conversation.UserRecord, error) {
	defer s.locks.lock(userLockKey(id))()

	rec, err := s.loadUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := s.saveUser(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateGroup is the group counterpart of [Store.UpdateUser].
func (s *Store) UpdateGroup(ctx context.Context, id string, fn func(*conversation.GroupRecord) error) (*conversation.GroupRecord, error) {
	defer s.locks.lock(groupLockKey(id))()

	rec, err := s.loadGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load group %s: %w", id, err)
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := s.saveGroup(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// AppendUser appends e to the user's history, trims it to the
// retention bound and saves it.
func (s *Store) AppendUser(ctx context.Context, id string, e conversation.Entry) (*conversation.UserRecord, error) {
	rec, err := s.UpdateUser(ctx, id, func(r *conversation.UserRecord) error {
		r.Append(e, s.cfg.Limits.UserRetention)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(events.KindMessageAppended, map[string]any{
		"key":       id,
		"direction": string(e.Direction),
		"history":   len(rec.History),
	})
	return rec, nil
}

// AppendGroup appends e to the group's history, trims it to the
// retention bound and saves it.
func (s *Store) AppendGroup(ctx context.Context, id string, e conversation.GroupEntry) (*conversation.GroupRecord, error) {
	rec, err := s.UpdateGroup(ctx, id, func(r *conversation.GroupRecord) error {
		r.Append(e, s.cfg.Limits.GroupRetention)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(events.KindMessageAppended, map[string]any{
		"key":       id,
		"direction": string(e.Direction),
		"history":   len(rec.History),
	})
	return rec, nil
}

// ResetUser empties the user's history. The record itself is kept.
func (s *Store) ResetUser(ctx context.Context, id string) error {
	_, err := s.UpdateUser(ctx, id, func(r *conversation.UserRecord) error {
		r.Reset()
		return nil
	})
	return err
}

// ResetGroup empties the group's history and participant map.
func (s *Store) ResetGroup(ctx context.Context, id string) error {
	_, err := s.UpdateGroup(ctx, id, func(r *conversation.GroupRecord) error {
		r.Reset()
		return nil
	})
	return err
}

// Keys lists every stored user and group key.
func (s *Store) Keys(ctx context.Context) (users, groups []string, err error) {
	users, groups, err = s.backend.ListKeys(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list keys: %w", err)
	}
	return users, groups, nil
}
