package conversation

import (
	"fmt"
	"strings"

	"github.com/kurameshinatsuki/supremus/internal/chatid"
)

// timeLayout is the timestamp format used in rendered context lines.
const timeLayout = "2006-01-02 15:04"

// RenderOptions controls how history lines are labelled.
type RenderOptions struct {
	// AssistantName labels outbound entries. Defaults to "Assistant".
	AssistantName string
	// UserName labels inbound entries in private conversations.
	// Defaults to "User".
	UserName string
}

func (o RenderOptions) assistant() string {
	if o.AssistantName == "" {
		return "Assistant"
	}
	return o.AssistantName
}

func (o RenderOptions) user() string {
	if o.UserName == "" {
		return "User"
	}
	return o.UserName
}

// PrivateContext selects the entries rendered for a private
// conversation: the last limit entries, plus quoted when it falls
// outside that window.
func PrivateContext(history []Entry, limit int, quoted *Entry) []Entry {
	window := Tail(history, limit)
	if quoted == nil {
		return window
	}
	for _, e := range window {
		if sameEntry(e, *quoted) {
			return window
		}
	}
	return append(window, *quoted)
}

// GroupContext selects the entries rendered for a group conversation.
func GroupContext(history []GroupEntry, limit int, quoted *GroupEntry) []GroupEntry {
	window := Tail(history, limit)
	if quoted == nil {
		return window
	}
	for _, e := range window {
		if sameEntry(e.Entry, quoted.Entry) {
			return window
		}
	}
	return append(window, *quoted)
}

// RenderPrivate renders the context window of a private conversation,
// one line per entry. An empty history renders as the empty string.
func RenderPrivate(history []Entry, limit int, quoted *Entry, opts RenderOptions) string {
	entries := PrivateContext(history, limit, quoted)
	if len(entries) == 0 {
		return ""
	}

	windowLen := len(Tail(history, limit))
	var sb strings.Builder
	for i, e := range entries {
		speaker := opts.user()
		if e.Direction == Outbound {
			speaker = opts.assistant()
		}
		if i >= windowLen {
			speaker += " (quoted)"
		}
		writeLine(&sb, e, speaker)
	}
	return sb.String()
}

// RenderGroup renders the context window of a group conversation.
// Inbound lines are labelled with the sender's name and numeric id so
// the model can produce @-mentions for them.
func RenderGroup(history []GroupEntry, limit int, quoted *GroupEntry, opts RenderOptions) string {
	entries := GroupContext(history, limit, quoted)
	if len(entries) == 0 {
		return ""
	}

	windowLen := len(Tail(history, limit))
	var sb strings.Builder
	for i, e := range entries {
		speaker := opts.assistant()
		if e.Direction == Inbound {
			speaker = senderLabel(e)
		}
		if i >= windowLen {
			speaker += " (quoted)"
		}
		writeLine(&sb, e.Entry, speaker)
	}
	return sb.String()
}

func senderLabel(e GroupEntry) string {
	name := e.SenderName
	if name == "" {
		name = "Unknown"
	}
	if num, err := chatid.NumericID(e.SenderID); err == nil {
		return fmt.Sprintf("%s (@%s)", name, num)
	}
	return name
}

func writeLine(sb *strings.Builder, e Entry, speaker string) {
	if !e.Timestamp.IsZero() {
		fmt.Fprintf(sb, "[%s] ", e.Timestamp.Format(timeLayout))
	}
	sb.WriteString(speaker)
	sb.WriteString(": ")
	sb.WriteString(e.Text)
	if e.HasImage {
		sb.WriteString(" [image]")
	}
	if e.HasAudio {
		sb.WriteString(" [audio]")
	}
	if e.ImageAnalysis != "" {
		fmt.Fprintf(sb, " (image: %s)", e.ImageAnalysis)
	}
	sb.WriteString("\n")
}
