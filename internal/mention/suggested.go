package mention

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kurameshinatsuki/supremus/internal/chatid"
	"github.com/kurameshinatsuki/supremus/internal/conversation"
)

// minSubstring is the shortest fragment allowed to match part of a
// display name rather than a whole alias.
const minSubstring = 3

// ResolveSuggested resolves mentions the assistant suggested by name
// rather than by number. Each suggestion is a display fragment (with or
// without a leading "@") matched case-insensitively against the
// participants' aliases: full display name, first name, and numeric id.
//
// Occurrences of "@fragment" standing as a whole token in text are
// rewritten to the numeric form so the transport renders them as
// mentions; "@fragment" inside a longer word is left alone. When none of the resolved
// fragments appears anywhere in the text, the mention tags are
// prepended instead, so a resolved mention is never silently lost.
// Numeric mentions already present in text are resolved as by
// [Resolve].
func ResolveSuggested(text string, suggestions []string, dir Directory) Result {
	base := Resolve(text, dir)
	if dir == nil || len(suggestions) == 0 {
		return base
	}

	seen := map[string]bool{}
	for _, id := range base.Mentions {
		seen[id] = true
	}

	var (
		out      = text
		tags     []string
		found    bool
		mentions = base.Mentions
	)
	for _, raw := range suggestions {
		frag := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
		if frag == "" {
			continue
		}
		p, ok := matchParticipant(frag, dir)
		if !ok || seen[p.ChatID] {
			continue
		}
		seen[p.ChatID] = true
		mentions = append(mentions, p.ChatID)
		tag := "@" + p.NumericID
		tags = append(tags, tag)

		if rewritten, ok := replaceToken(out, frag, tag); ok {
			out = rewritten
			found = true
			continue
		}
		if strings.Contains(out, tag) || strings.Contains(strings.ToLower(out), strings.ToLower(frag)) {
			found = true
		}
	}

	if len(tags) > 0 && !found {
		out = strings.Join(tags, " ") + " " + out
	}
	return Result{Text: out, Mentions: mentions}
}

// replaceToken rewrites every "@frag" in text (case-insensitively) that
// is not joined to a letter, digit or underscore on either side. It
// reports whether anything was rewritten.
func replaceToken(text, frag, tag string) (string, bool) {
	re := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(frag))
	var sb strings.Builder
	last, hit := 0, false
	for _, m := range re.FindAllStringIndex(text, -1) {
		if wordBefore(text, m[0]) || wordAt(text, m[1]) {
			continue
		}
		sb.WriteString(text[last:m[0]])
		sb.WriteString(tag)
		last, hit = m[1], true
	}
	if !hit {
		return text, false
	}
	sb.WriteString(text[last:])
	return sb.String(), true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func wordBefore(text string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return isWordRune(r)
}

func wordAt(text string, i int) bool {
	if i >= len(text) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return isWordRune(r)
}

// matchParticipant finds the participant best matching frag. Whole
// alias matches win over substring matches; ties keep directory order.
func matchParticipant(frag string, dir Directory) (conversation.Participant, bool) {
	if num := strings.TrimPrefix(frag, "+"); chatid.IsDigits(num) {
		if p, ok := dir.ByNumericID(num); ok {
			return p, true
		}
	}

	needle := strings.ToLower(frag)
	members := dir.List()
	for _, p := range members {
		for _, alias := range aliases(p) {
			if alias == needle {
				return p, true
			}
		}
	}
	if len(needle) < minSubstring {
		return conversation.Participant{}, false
	}
	for _, p := range members {
		if strings.Contains(strings.ToLower(p.DisplayName), needle) {
			return p, true
		}
	}
	return conversation.Participant{}, false
}

func aliases(p conversation.Participant) []string {
	name := strings.ToLower(strings.TrimSpace(p.DisplayName))
	out := []string{name, p.NumericID}
	if fields := strings.Fields(name); len(fields) > 1 {
		out = append(out, fields[0])
	}
	return out
}
