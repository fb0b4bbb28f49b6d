// Package conversation defines the per-user and per-group conversation
// records, the bounded-history windowing policy applied to them, and
// the rendering of history windows into prompt context.
//
// Records are plain values. They are loaded from and written back to
// the memory store within a single processing turn; nothing in this
// package holds on to a record.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Direction records which side of the conversation produced an entry.
type Direction string

const (
	// Inbound entries were sent by a human participant.
	Inbound Direction = "inbound"
	// Outbound entries were generated by the assistant.
	Outbound Direction = "outbound"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Inbound || d == Outbound
}

// DirectionFor maps the isBot flag used by callers to a Direction.
func DirectionFor(isBot bool) Direction {
	if isBot {
		return Outbound
	}
	return Inbound
}

// Entry is a single message in a private conversation. Entries are
// immutable once appended and are only removed by window truncation.
type Entry struct {
	ID            string    `json:"id,omitempty"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
	Direction     Direction `json:"direction"`
	HasImage      bool      `json:"hasImage,omitempty"`
	HasAudio      bool      `json:"hasAudio,omitempty"`
	ImageAnalysis string    `json:"imageAnalysis,omitempty"`
}

// NewEntry returns an entry stamped with a fresh UUIDv7 and the current
// UTC time.
func NewEntry(text string, dir Direction) Entry {
	e := Entry{
		Text:      text,
		Timestamp: time.Now().UTC(),
		Direction: dir,
	}
	if id, err := uuid.NewV7(); err == nil {
		e.ID = id.String()
	}
	return e
}

// GroupEntry is a message in a group conversation, tagged with its
// sender.
type GroupEntry struct {
	Entry
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
}

// NewGroupEntry returns a stamped group entry for the given sender.
func NewGroupEntry(text string, dir Direction, senderID, senderName string) GroupEntry {
	return GroupEntry{
		Entry:      NewEntry(text, dir),
		SenderID:   senderID,
		SenderName: senderName,
	}
}

// Participant describes one member of a group as last seen by the
// assistant. NumericID is always the digit-only derivation of ChatID.
type Participant struct {
	DisplayName string `json:"displayName"`
	ChatID      string `json:"chatId"`
	NumericID   string `json:"numericId"`
}

// UserRecord is the persisted state of a private conversation.
type UserRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName,omitempty"`
	NumericID   string    `json:"numericId,omitempty"`
	History     []Entry   `json:"history"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewUserRecord returns an empty record for id. History is non-nil so
// that an empty record encodes as `{"history": []}`.
func NewUserRecord(id string) *UserRecord {
	return &UserRecord{ID: id, History: []Entry{}}
}

// GroupRecord is the persisted state of a group conversation.
type GroupRecord struct {
	ID           string                 `json:"id"`
	Participants map[string]Participant `json:"participants"`
	History      []GroupEntry           `json:"history"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// NewGroupRecord returns an empty group record for id.
func NewGroupRecord(id string) *GroupRecord {
	return &GroupRecord{
		ID:           id,
		Participants: map[string]Participant{},
		History:      []GroupEntry{},
	}
}

// Normalize replaces nil collections with empty ones. Backends call it
// after decoding so that callers never see a nil history or directory.
func (r *UserRecord) Normalize() {
	if r.History == nil {
		r.History = []Entry{}
	}
}

// Normalize replaces nil collections with empty ones.
func (r *GroupRecord) Normalize() {
	if r.History == nil {
		r.History = []GroupEntry{}
	}
	if r.Participants == nil {
		r.Participants = map[string]Participant{}
	}
}

// Clone returns a deep copy of r.
func (r *UserRecord) Clone() *UserRecord {
	c := *r
	c.History = append([]Entry(nil), r.History...)
	c.Normalize()
	return &c
}

// Clone returns a deep copy of r.
func (r *GroupRecord) Clone() *GroupRecord {
	c := *r
	c.History = append([]GroupEntry(nil), r.History...)
	c.Participants = make(map[string]Participant, len(r.Participants))
	for k, v := range r.Participants {
		c.Participants[k] = v
	}
	c.Normalize()
	return &c
}
