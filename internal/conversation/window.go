package conversation

import (
	"fmt"
	"time"
)

// Default bounds. Retention bounds cap what is persisted; context
// bounds cap what is rendered into the next prompt.
const (
	DefaultUserRetention  = 100
	DefaultGroupRetention = 500
	DefaultPrivateContext = 30
	DefaultGroupContext   = 20
)

// Limits holds the retention and context bounds for both conversation
// kinds.
type Limits struct {
	UserRetention  int
	GroupRetention int
	PrivateContext int
	GroupContext   int
}

// DefaultLimits returns the standard bounds.
func DefaultLimits() Limits {
	return Limits{
		UserRetention:  DefaultUserRetention,
		GroupRetention: DefaultGroupRetention,
		PrivateContext: DefaultPrivateContext,
		GroupContext:   DefaultGroupContext,
	}
}

// Validate checks that every bound is positive and that no context
// bound exceeds its retention bound.
func (l Limits) Validate() error {
	if l.UserRetention <= 0 || l.GroupRetention <= 0 {
		return fmt.Errorf("retention bounds must be positive (user %d, group %d)", l.UserRetention, l.GroupRetention)
	}
	if l.PrivateContext <= 0 || l.GroupContext <= 0 {
		return fmt.Errorf("context bounds must be positive (private %d, group %d)", l.PrivateContext, l.GroupContext)
	}
	if l.PrivateContext > l.UserRetention {
		return fmt.Errorf("private context bound %d exceeds user retention %d", l.PrivateContext, l.UserRetention)
	}
	if l.GroupContext > l.GroupRetention {
		return fmt.Errorf("group context bound %d exceeds group retention %d", l.GroupContext, l.GroupRetention)
	}
	return nil
}

// Tail returns the last n elements of s. The result shares no backing
// array with s so that later appends cannot alias.
func Tail[T any](s []T, n int) []T {
	if n <= 0 {
		return []T{}
	}
	if len(s) <= n {
		return append([]T{}, s...)
	}
	return append([]T{}, s[len(s)-n:]...)
}

// Append adds e to the record's history and drops the oldest entries
// so that at most limit remain.
func (r *UserRecord) Append(e Entry, limit int) {
	r.Normalize()
	r.History = append(r.History, e)
	if len(r.History) > limit {
		r.History = Tail(r.History, limit)
	}
	r.UpdatedAt = time.Now().UTC()
}

// Append adds e to the group's history and drops the oldest entries so
// that at most limit remain.
func (r *GroupRecord) Append(e GroupEntry, limit int) {
	r.Normalize()
	r.History = append(r.History, e)
	if len(r.History) > limit {
		r.History = Tail(r.History, limit)
	}
	r.UpdatedAt = time.Now().UTC()
}

// Reset empties the history, keeping identity fields and the creation
// time.
func (r *UserRecord) Reset() {
	r.History = []Entry{}
	r.UpdatedAt = time.Now().UTC()
}

// Reset empties the history and the participant directory.
func (r *GroupRecord) Reset() {
	r.History = []GroupEntry{}
	r.Participants = map[string]Participant{}
	r.UpdatedAt = time.Now().UTC()
}

// sameEntry reports whether a and b are the same stored message. Entries
// written by this package carry IDs; legacy entries fall back to text
// and timestamp.
func sameEntry(a, b Entry) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return a.Text == b.Text && a.Timestamp.Equal(b.Timestamp)
}
