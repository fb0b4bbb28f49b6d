// Package mention translates between the numeric @-mention syntax used
// in message text and the chat identifiers of group participants.
//
// The wire syntax is "@" immediately followed by five or more ASCII
// digits, wherever it appears in the text. Everything here is a pure
// function of the text and a participant directory.
package mention

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kurameshinatsuki/supremus/internal/conversation"
)

// MinDigits is the minimum number of digits in a numeric mention.
const MinDigits = 5

// UnknownName labels numeric mentions that match no participant.
const UnknownName = "unknown"

var numericMention = regexp.MustCompile(`@(\d{5,})`)

// Directory is the lookup surface the resolver needs. It is satisfied
// by *participants.Directory.
type Directory interface {
	ByNumericID(num string) (conversation.Participant, bool)
	List() []conversation.Participant
}

// Annotation describes one numeric mention found in inbound text.
type Annotation struct {
	NumericID string
	Name      string // participant display name, or UnknownName
	ChatID    string // empty when unknown
}

// Known reports whether the mention matched a participant.
func (a Annotation) Known() bool {
	return a.ChatID != ""
}

// Result is the outcome of outgoing resolution: the text to deliver and
// the chat identifiers the transport should attach as mentions, in
// first-seen order without duplicates.
type Result struct {
	Text     string
	Mentions []string
}

// Numbers returns the distinct numeric mention sequences in text in
// first-seen order.
func Numbers(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range numericMention.FindAllStringSubmatch(text, -1) {
		num := m[1]
		if seen[num] {
			continue
		}
		seen[num] = true
		out = append(out, num)
	}
	return out
}

// Annotate extracts the numeric mentions in inbound text and resolves
// each against dir. The text itself is never modified.
func Annotate(text string, dir Directory) []Annotation {
	nums := Numbers(text)
	if len(nums) == 0 {
		return nil
	}
	out := make([]Annotation, 0, len(nums))
	for _, num := range nums {
		a := Annotation{NumericID: num, Name: UnknownName}
		if dir != nil {
			if p, ok := dir.ByNumericID(num); ok {
				a.Name = p.DisplayName
				a.ChatID = p.ChatID
			}
		}
		out = append(out, a)
	}
	return out
}

// FormatAnnotations renders annotations as a prompt block so the model
// can tell who an inbound message refers to. No annotations render as
// the empty string.
func FormatAnnotations(anns []Annotation) string {
	if len(anns) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, a := range anns {
		fmt.Fprintf(&sb, "- @%s refers to %s\n", a.NumericID, a.Name)
	}
	return sb.String()
}

// Resolve maps the numeric mentions in generated text to participant
// chat identifiers. Numbers with no matching participant stay plain
// text and produce no mention, so the transport never notifies a
// contact that is not in the group. The text is returned unchanged.
func Resolve(text string, dir Directory) Result {
	res := Result{Text: text}
	if dir == nil {
		return res
	}
	seen := map[string]bool{}
	for _, num := range Numbers(text) {
		p, ok := dir.ByNumericID(num)
		if !ok || seen[p.ChatID] {
			continue
		}
		seen[p.ChatID] = true
		res.Mentions = append(res.Mentions, p.ChatID)
	}
	return res
}
