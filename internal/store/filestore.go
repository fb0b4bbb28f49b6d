package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kurameshinatsuki/supremus/internal/chatid"
	"github.com/kurameshinatsuki/supremus/internal/conversation"
)

// snapshotVersion is written into every fallback file.
const snapshotVersion = 1

// Snapshot is the decoded content of a fallback file.
type Snapshot struct {
	Users  map[string]*conversation.UserRecord
	Groups map[string]*conversation.GroupRecord
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Users:  map[string]*conversation.UserRecord{},
		Groups: map[string]*conversation.GroupRecord{},
	}
}

// fileLayout is the on-disk shape of the fallback file.
type fileLayout struct {
	Version int                                  `json:"version"`
	Users   map[string]*conversation.UserRecord  `json:"users"`
	Groups  map[string]*conversation.GroupRecord `json:"groups"`
}

// rawRecord carries the structured parts of a record undecoded so that
// history and participants go through validation and upgrade.
type rawRecord struct {
	ID           string          `json:"id"`
	DisplayName  string          `json:"displayName"`
	NumericID    string          `json:"numericId"`
	Participants json.RawMessage `json:"participants"`
	History      json.RawMessage `json:"history"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// FileStore keeps the whole state in one JSON file and rewrites it on
// every save. Credential data lives in a sibling auth.json. It is the
// substitute store when no relational backend is configured or
// reachable; a crash mid-write can lose the snapshot.
type FileStore struct {
	path     string
	authPath string
	logger   *slog.Logger

	mu   sync.Mutex
	snap *Snapshot
	auth map[string]json.RawMessage
}

// NewFileStore loads the snapshot at path. A missing file is an empty
// snapshot. A file that cannot be parsed is moved aside and replaced by
// an empty snapshot so later saves do not overwrite the evidence.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	f := &FileStore{
		path:     path,
		authPath: filepath.Join(filepath.Dir(path), "auth.json"),
		logger:   logger,
	}

	snap, err := ReadSnapshot(path, logger)
	if err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		logger.Error("fallback snapshot unreadable, starting empty",
			"path", path,
			"moved_to", aside,
			"error", err,
		)
		if renameErr := os.Rename(path, aside); renameErr != nil {
			return nil, fmt.Errorf("move corrupt snapshot aside: %w", renameErr)
		}
		snap = newSnapshot()
	}
	f.snap = snap

	auth, err := readAuthFile(f.authPath)
	if err != nil {
		return nil, fmt.Errorf("read auth file: %w", err)
	}
	f.auth = auth
	return f, nil
}

// ReadSnapshot decodes the fallback file at path without opening it as
// a backend. A missing file yields an empty snapshot. Besides the
// current versioned layout it accepts the legacy flat layout, a single
// object mapping chat identifiers to records, where group records are
// recognized by their identifier.
func ReadSnapshot(path string, logger *slog.Logger) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return newSnapshot(), nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return newSnapshot(), nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	users := map[string]json.RawMessage{}
	groups := map[string]json.RawMessage{}
	if _, versioned := top["version"]; versioned {
		if raw, ok := top["users"]; ok && string(raw) != "null" {
			if err := json.Unmarshal(raw, &users); err != nil {
				return nil, fmt.Errorf("parse users: %w", err)
			}
		}
		if raw, ok := top["groups"]; ok && string(raw) != "null" {
			if err := json.Unmarshal(raw, &groups); err != nil {
				return nil, fmt.Errorf("parse groups: %w", err)
			}
		}
	} else {
		for id, raw := range top {
			if chatid.IsGroup(id) {
				groups[id] = raw
			} else {
				users[id] = raw
			}
		}
	}

	snap := newSnapshot()
	for id, raw := range users {
		rec, err := decodeUser(id, raw, logger)
		if err != nil {
			logger.Warn("skipping malformed user record", "user", id, "error", err)
			continue
		}
		snap.Users[id] = rec
	}
	for id, raw := range groups {
		rec, err := decodeGroup(id, raw, logger)
		if err != nil {
			logger.Warn("skipping malformed group record", "group", id, "error", err)
			continue
		}
		snap.Groups[id] = rec
	}
	return snap, nil
}

func decodeUser(id string, raw json.RawMessage, logger *slog.Logger) (*conversation.UserRecord, error) {
	var rr rawRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, err
	}
	history, err := conversation.DecodeHistory(rr.History, logger.With("user", id))
	if err != nil {
		return nil, err
	}
	return &conversation.UserRecord{
		ID:          id,
		DisplayName: rr.DisplayName,
		NumericID:   rr.NumericID,
		History:     history,
		CreatedAt:   rr.CreatedAt,
		UpdatedAt:   rr.UpdatedAt,
	}, nil
}

func decodeGroup(id string, raw json.RawMessage, logger *slog.Logger) (*conversation.GroupRecord, error) {
	var rr rawRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, err
	}
	gl := logger.With("group", id)
	members, err := conversation.DecodeParticipants(rr.Participants, gl)
	if err != nil {
		return nil, err
	}
	history, err := conversation.DecodeGroupHistory(rr.History, gl)
	if err != nil {
		return nil, err
	}
	return &conversation.GroupRecord{
		ID:           id,
		Participants: members,
		History:      history,
		CreatedAt:    rr.CreatedAt,
		UpdatedAt:    rr.UpdatedAt,
	}, nil
}

func readAuthFile(path string) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

// Name implements Backend.
func (f *FileStore) Name() string { return BackendFile }

// Path returns the snapshot file path.
func (f *FileStore) Path() string { return f.path }

// Close implements Backend. The file is already on disk after every
// save, so there is nothing to flush.
func (f *FileStore) Close() error { return nil }

// LoadUser implements Backend.
func (f *FileStore) LoadUser(_ context.Context, id string) (*conversation.UserRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.snap.Users[id]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

// SaveUser implements Backend.
func (f *FileStore) SaveUser(_ context.Context, rec *conversation.UserRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := rec.Clone()
	prev, existed := f.snap.Users[rec.ID]
	if existed && !prev.CreatedAt.IsZero() {
		next.CreatedAt = prev.CreatedAt
	}
	f.snap.Users[rec.ID] = next
	if err := f.writeLocked(); err != nil {
		if existed {
			f.snap.Users[rec.ID] = prev
		} else {
			delete(f.snap.Users, rec.ID)
		}
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadGroup implements Backend.
func (f *FileStore) LoadGroup(_ context.Context, id string) (*conversation.GroupRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.snap.Groups[id]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

// SaveGroup implements Backend.
func (f *FileStore) SaveGroup(_ context.Context, rec *conversation.GroupRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := rec.Clone()
	prev, existed := f.snap.Groups[rec.ID]
	if existed && !prev.CreatedAt.IsZero() {
		next.CreatedAt = prev.CreatedAt
	}
	f.snap.Groups[rec.ID] = next
	if err := f.writeLocked(); err != nil {
		if existed {
			f.snap.Groups[rec.ID] = prev
		} else {
			delete(f.snap.Groups, rec.ID)
		}
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ListKeys implements Backend.
func (f *FileStore) ListKeys(_ context.Context) ([]string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.snap.Users), sortedKeys(f.snap.Groups), nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// writeLocked rewrites the whole snapshot. Must be called with f.mu
// held.
func (f *FileStore) writeLocked() error {
	data, err := json.MarshalIndent(fileLayout{
		Version: snapshotVersion,
		Users:   f.snap.Users,
		Groups:  f.snap.Groups,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return writeFile(f.path, data)
}

// writeFile writes data to a fresh temp file next to path and renames
// it into place. The temp file is removed on any failure.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp for %s: %w", path, err)
	}
	return nil
}

// GetAuth implements Backend.
func (f *FileStore) GetAuth(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.auth[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// SetAuth implements Backend.
func (f *FileStore) SetAuth(_ context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("set auth %s: value is not valid JSON", key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, existed := f.auth[key]
	f.auth[key] = append(json.RawMessage(nil), value...)
	if err := f.writeAuthLocked(); err != nil {
		if existed {
			f.auth[key] = prev
		} else {
			delete(f.auth, key)
		}
		return fmt.Errorf("set auth %s: %w", key, err)
	}
	return nil
}

// DeleteAuth implements Backend.
func (f *FileStore) DeleteAuth(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, existed := f.auth[key]
	if !existed {
		return nil
	}
	delete(f.auth, key)
	if err := f.writeAuthLocked(); err != nil {
		f.auth[key] = prev
		return fmt.Errorf("delete auth %s: %w", key, err)
	}
	return nil
}

// AuthKeys implements Backend.
func (f *FileStore) AuthKeys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for _, k := range sortedKeys(f.auth) {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *FileStore) writeAuthLocked() error {
	data, err := json.MarshalIndent(f.auth, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal auth: %w", err)
	}
	return writeFile(f.authPath, data)
}
