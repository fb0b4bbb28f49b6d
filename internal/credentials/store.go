package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kurameshinatsuki/supremus/internal/events"
)

const (
	recordKey = "creds"
	keyPrefix = "key:"
)

// KV is the persistence the credential store needs. Both store
// backends implement it; values are JSON documents.
type KV interface {
	GetAuth(ctx context.Context, key string) ([]byte, bool, error)
	SetAuth(ctx context.Context, key string, value []byte) error
	DeleteAuth(ctx context.Context, key string) error
	AuthKeys(ctx context.Context, prefix string) ([]string, error)
}

// Store is the credential store. The working record lives in memory
// and is mutated with Update; Save persists it only when it is valid.
type Store struct {
	kv     KV
	logger *slog.Logger
	bus    *events.Bus

	mu      sync.Mutex
	working Record
}

// New returns a store over kv with an empty working record.
func New(kv KV, logger *slog.Logger, bus *events.Bus) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger, bus: bus}
}

// Load replaces the working record with the persisted one. A persisted
// record that is unreadable or incomplete is not loaded; the working
// record becomes empty and the returned state is Empty.
func (s *Store) Load(ctx context.Context) (State, error) {
	data, ok, err := s.kv.GetAuth(ctx, recordKey)
	if err != nil {
		return Empty, fmt.Errorf("load credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.working = Record{}
	if !ok {
		return Empty, nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("persisted credentials unreadable, starting empty", "error", err)
		return Empty, nil
	}
	if err := rec.Validate(); err != nil {
		s.logger.Warn("persisted credentials rejected, starting empty", "error", err)
		return Empty, nil
	}
	s.working = rec
	return Valid, nil
}

// Record returns a copy of the working record.
func (s *Store) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working.Clone()
}

// State reports the state of the working record.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working.State()
}

// Update mutates the working record in memory. Nothing is persisted
// until Save.
func (s *Store) Update(fn func(*Record)) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.working)
	return s.working.State()
}

// Save persists the working record if it is valid and reports whether
// it did. An incomplete record is logged and skipped, leaving whatever
// was persisted before untouched.
func (s *Store) Save(ctx context.Context) (bool, error) {
	s.mu.Lock()
	rec := s.working.Clone()
	s.mu.Unlock()

	if !rec.Valid() {
		missing := describeMissing(&rec)
		s.logger.Warn("credentials incomplete, save skipped",
			"state", rec.State().String(),
			"missing", missing,
		)
		s.bus.Emit(events.SourceCredentials, events.KindCredentialsSkipped, map[string]any{
			"missing": missing,
		})
		return false, nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal credentials: %w", err)
	}
	if err := s.kv.SetAuth(ctx, recordKey, data); err != nil {
		return false, fmt.Errorf("save credentials: %w", err)
	}

	account := ""
	if rec.Account != nil {
		account = rec.Account.ID
	}
	s.logger.Debug("credentials saved", "account", account, "registered", rec.Registered)
	s.bus.Emit(events.SourceCredentials, events.KindCredentialsSaved, map[string]any{
		"account": account,
	})
	return true, nil
}

func keyName(typ, id string) string {
	return keyPrefix + typ + ":" + id
}

// GetKeys returns the stored values for ids of the given key type.
// Missing ids are absent from the result.
func (s *Store) GetKeys(ctx context.Context, typ string, ids []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(ids))
	for _, id := range ids {
		data, ok, err := s.kv.GetAuth(ctx, keyName(typ, id))
		if err != nil {
			return nil, fmt.Errorf("get %s key %s: %w", typ, id, err)
		}
		if ok {
			out[id] = json.RawMessage(data)
		}
	}
	return out, nil
}

// SetKeys stores values for the given key type. A nil value removes
// the key.
func (s *Store) SetKeys(ctx context.Context, typ string, values map[string]json.RawMessage) error {
	for id, v := range values {
		if v == nil {
			if err := s.RemoveKey(ctx, typ, id); err != nil {
				return err
			}
			continue
		}
		if err := s.kv.SetAuth(ctx, keyName(typ, id), v); err != nil {
			return fmt.Errorf("set %s key %s: %w", typ, id, err)
		}
	}
	return nil
}

// RemoveKey deletes one key record.
func (s *Store) RemoveKey(ctx context.Context, typ, id string) error {
	if err := s.kv.DeleteAuth(ctx, keyName(typ, id)); err != nil {
		return fmt.Errorf("remove %s key %s: %w", typ, id, err)
	}
	return nil
}

// KeyCount returns the number of stored key records, by type.
func (s *Store) KeyCount(ctx context.Context) (map[string]int, error) {
	keys, err := s.kv.AuthKeys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list key records: %w", err)
	}
	counts := map[string]int{}
	for _, k := range keys {
		typ, _, _ := strings.Cut(strings.TrimPrefix(k, keyPrefix), ":")
		counts[typ]++
	}
	return counts, nil
}

// Clear removes the persisted record and every key record and resets
// the working record to Empty.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.kv.AuthKeys(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("list key records: %w", err)
	}
	for _, k := range keys {
		if err := s.kv.DeleteAuth(ctx, k); err != nil {
			return fmt.Errorf("clear key record %s: %w", k, err)
		}
	}
	if err := s.kv.DeleteAuth(ctx, recordKey); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}

	s.mu.Lock()
	s.working = Record{}
	s.mu.Unlock()
	s.logger.Info("credentials cleared", "key_records", len(keys))
	return nil
}
