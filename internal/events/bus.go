// Package events is a small publish/subscribe bus for operational
// events. The store, the credential store and the turn handler publish;
// the CLI and tests subscribe. Publish on a nil *Bus is a no-op, so
// components never need to check whether a bus was wired.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceStore       = "store"
	SourceCredentials = "credentials"
	SourceTurn        = "turn"
)

// Kinds.
const (
	// KindBackendSelected is published once by store.Open.
	// Data: backend, reason.
	KindBackendSelected = "backend_selected"
	// KindMigrationComplete ends a snapshot migration.
	// Data: users, groups, failed.
	KindMigrationComplete = "migration_complete"
	// KindMessageAppended follows every successful history append.
	// Data: key, direction, history.
	KindMessageAppended = "message_appended"

	// KindCredentialsSaved follows a persisted credential record.
	// Data: account.
	KindCredentialsSaved = "credentials_saved"
	// KindCredentialsSkipped is published when a save is refused
	// because the working record is incomplete.
	// Data: missing.
	KindCredentialsSkipped = "credentials_skipped"

	// KindTurnStart marks an inbound message accepted for a reply.
	// Data: request_id, chat_id, group.
	KindTurnStart = "turn_start"
	// KindTurnComplete marks a reply handed to the transport.
	// Data: request_id, chat_id, mentions, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnDropped marks an inbound message that produced no reply.
	// Data: chat_id, reason.
	KindTurnDropped = "turn_dropped"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A subscriber
// whose buffer is full misses the event; publishers never block.
type Bus struct {
	mu sync.RWMutex
	// subs is keyed by the receive-only view handed to the subscriber
	// and holds the send side.
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has buffer room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event stamped with the current
// time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a new subscriber with the given buffer size. The
// caller must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Collect drains ch until it is empty or timeout passes without a new
// event. It is meant for CLI reporting and tests.
func Collect(ch <-chan Event, timeout time.Duration) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-time.After(timeout):
			return out
		}
	}
}
