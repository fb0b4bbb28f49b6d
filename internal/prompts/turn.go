package prompts

import (
	"fmt"
	"strings"
)

// Turn carries the already-rendered parts of one reply prompt.
type Turn struct {
	AssistantName string
	// Training is the operator's training context. Empty omits the
	// section.
	Training string
	Group    bool
	// Directory is the rendered participant list (groups only).
	Directory string
	// Annotations explains the @number references in Text.
	Annotations string
	// History is the rendered history window, oldest first.
	History string

	SenderName    string
	SenderNumber  string
	Text          string
	Quoted        string
	HasImage      bool
	HasAudio      bool
	ImageAnalysis string
}

// TurnPrompt assembles the full prompt: base instructions, training
// context, participants, mention annotations, history window and the
// message being answered, in that order.
func TurnPrompt(t Turn) string {
	var sb strings.Builder
	sb.WriteString(BaseSystemPrompt(t.AssistantName))

	if t.Training != "" {
		section(&sb, "Training")
		sb.WriteString(t.Training)
		sb.WriteString("\n")
	}

	if t.Group {
		section(&sb, "Participants")
		if t.Directory == "" {
			sb.WriteString("No one in this group has been seen yet.\n")
		} else {
			sb.WriteString(t.Directory)
		}
	}

	if t.Annotations != "" {
		section(&sb, "Mentions in this message")
		sb.WriteString(t.Annotations)
	}

	section(&sb, "Conversation so far")
	if t.History == "" {
		sb.WriteString("(no earlier messages)\n")
	} else {
		sb.WriteString(t.History)
	}

	section(&sb, "Current message")
	sb.WriteString(senderLine(t))
	if t.Quoted != "" {
		fmt.Fprintf(&sb, "In reply to: %q\n", t.Quoted)
	}
	if t.HasImage {
		sb.WriteString("[the message includes an image]\n")
		if t.ImageAnalysis != "" {
			fmt.Fprintf(&sb, "Image description: %s\n", t.ImageAnalysis)
		}
	}
	if t.HasAudio {
		sb.WriteString("[the message includes a voice note]\n")
	}
	sb.WriteString(t.Text)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Reply as %s.", t.AssistantName)
	return sb.String()
}

func section(sb *strings.Builder, title string) {
	sb.WriteString("\n\n## ")
	sb.WriteString(title)
	sb.WriteString("\n")
}

func senderLine(t Turn) string {
	name := t.SenderName
	if name == "" {
		name = "Unknown"
	}
	if t.SenderNumber == "" {
		return "From " + name + ":\n"
	}
	return fmt.Sprintf("From %s (@%s):\n", name, t.SenderNumber)
}
