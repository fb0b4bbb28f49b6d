// Package participants maintains the per-group directory that maps
// members' chat identifiers to their display names and numeric ids.
//
// A Directory is a view over a group record's participant map: Observe
// writes through to that map, so the caller persists the change by
// saving the group record it came from. Entries are never evicted;
// only an explicit group reset clears them.
package participants

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kurameshinatsuki/supremus/internal/chatid"
	"github.com/kurameshinatsuki/supremus/internal/conversation"
)

// Directory indexes a group's participants by chat identifier and by
// numeric id.
type Directory struct {
	members   map[string]conversation.Participant
	byNumeric map[string]string // numeric id -> chat id
}

// New wraps members. A nil map yields an empty, writable directory
// that is not attached to any record.
func New(members map[string]conversation.Participant) *Directory {
	if members == nil {
		members = map[string]conversation.Participant{}
	}
	d := &Directory{
		members:   members,
		byNumeric: make(map[string]string, len(members)),
	}
	for id, p := range members {
		d.index(id, p.NumericID)
	}
	return d
}

// ForGroup returns a directory attached to g's participant map.
func ForGroup(g *conversation.GroupRecord) *Directory {
	g.Normalize()
	return New(g.Participants)
}

// index records num -> id, keeping the lexically smallest chat id when
// two identifiers share a numeric id so lookups stay deterministic.
func (d *Directory) index(id, num string) {
	if num == "" {
		return
	}
	if cur, ok := d.byNumeric[num]; ok && cur < id {
		return
	}
	d.byNumeric[num] = id
}

// Observe upserts the participant identified by chatID. It is a no-op
// when displayName is empty. Malformed identifiers are rejected with an
// error wrapping [chatid.ErrMalformed]; callers skip them. The returned
// bool reports whether the directory changed.
func (d *Directory) Observe(chatID, displayName string) (bool, error) {
	chatID = strings.TrimSpace(chatID)
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return false, nil
	}
	num, err := chatid.NumericID(chatID)
	if err != nil {
		return false, fmt.Errorf("observe participant: %w", err)
	}

	next := conversation.Participant{
		DisplayName: displayName,
		ChatID:      chatID,
		NumericID:   num,
	}
	if cur, ok := d.members[chatID]; ok && cur == next {
		return false, nil
	}
	d.members[chatID] = next
	d.index(chatID, num)
	return true, nil
}

// Lookup returns the participant with the given chat identifier.
func (d *Directory) Lookup(chatID string) (conversation.Participant, bool) {
	p, ok := d.members[chatID]
	return p, ok
}

// ByNumericID returns the participant whose numeric id equals num.
func (d *Directory) ByNumericID(num string) (conversation.Participant, bool) {
	id, ok := d.byNumeric[num]
	if !ok {
		return conversation.Participant{}, false
	}
	p, ok := d.members[id]
	return p, ok
}

// Len returns the number of known participants.
func (d *Directory) Len() int {
	return len(d.members)
}

// List returns all participants ordered by display name, then chat id.
func (d *Directory) List() []conversation.Participant {
	out := make([]conversation.Participant, 0, len(d.members))
	for _, p := range d.members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if a != b {
			return a < b
		}
		return out[i].ChatID < out[j].ChatID
	})
	return out
}

// Render formats the directory for the system prompt, one line per
// participant with the @-mention form the model should use. An empty
// directory renders as the empty string.
func (d *Directory) Render() string {
	if d.Len() == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range d.List() {
		fmt.Fprintf(&sb, "- %s: mention as @%s\n", p.DisplayName, p.NumericID)
	}
	return sb.String()
}
