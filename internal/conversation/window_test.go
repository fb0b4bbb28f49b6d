package conversation

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestUserRecordAppend_RetentionBound(t *testing.T) {
	for _, n := range []int{0, 1, 99, 100, 101, 250} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			r := NewUserRecord("15551234567@s.whatsapp.net")
			for i := 0; i < n; i++ {
				r.Append(Entry{Text: fmt.Sprintf("msg %d", i), Direction: Inbound}, DefaultUserRetention)
			}

			want := min(n, DefaultUserRetention)
			if len(r.History) != want {
				t.Fatalf("len(History) = %d, want %d", len(r.History), want)
			}
			// Survivors are exactly the last `want` messages in order.
			for i, e := range r.History {
				wantText := fmt.Sprintf("msg %d", n-want+i)
				if e.Text != wantText {
					t.Fatalf("History[%d] = %q, want %q", i, e.Text, wantText)
				}
			}
		})
	}
}

func TestGroupRecordAppend_RetentionBound(t *testing.T) {
	r := NewGroupRecord("120363025246125888@g.us")
	const n = 620
	for i := 0; i < n; i++ {
		r.Append(NewGroupEntry(fmt.Sprintf("g %d", i), Inbound, "15551234567@s.whatsapp.net", "Alice"), DefaultGroupRetention)
	}
	if len(r.History) != DefaultGroupRetention {
		t.Fatalf("len(History) = %d, want %d", len(r.History), DefaultGroupRetention)
	}
	if got := r.History[0].Text; got != "g 120" {
		t.Errorf("oldest surviving = %q, want %q", got, "g 120")
	}
	if got := r.History[len(r.History)-1].Text; got != "g 619" {
		t.Errorf("newest = %q, want %q", got, "g 619")
	}
}

func TestAppend_NilHistory(t *testing.T) {
	r := &UserRecord{ID: "x@s.whatsapp.net"}
	r.Append(Entry{Text: "hi"}, DefaultUserRetention)
	if len(r.History) != 1 {
		t.Fatalf("len(History) = %d, want 1", len(r.History))
	}
	if r.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set by Append")
	}
}

func TestGroupReset(t *testing.T) {
	r := NewGroupRecord("g@g.us")
	r.Participants["1@s.whatsapp.net"] = Participant{DisplayName: "A", ChatID: "1@s.whatsapp.net", NumericID: "1"}
	r.Append(NewGroupEntry("hi", Inbound, "1@s.whatsapp.net", "A"), 10)
	r.Reset()
	if len(r.History) != 0 || r.History == nil {
		t.Errorf("History after Reset = %#v, want empty non-nil", r.History)
	}
	if len(r.Participants) != 0 || r.Participants == nil {
		t.Errorf("Participants after Reset = %#v, want empty non-nil", r.Participants)
	}
}

func TestLimitsValidate(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Fatalf("DefaultLimits().Validate() error: %v", err)
	}

	bad := DefaultLimits()
	bad.PrivateContext = bad.UserRetention + 1
	if err := bad.Validate(); err == nil {
		t.Error("Validate() with context > retention should error")
	}

	bad = DefaultLimits()
	bad.GroupRetention = 0
	if err := bad.Validate(); err == nil {
		t.Error("Validate() with zero retention should error")
	}
}

func TestTailDoesNotAlias(t *testing.T) {
	src := []int{1, 2, 3, 4}
	got := Tail(src, 2)
	got[0] = 99
	if src[2] != 3 {
		t.Errorf("Tail aliased source slice: %v", src)
	}
}

func TestRenderPrivate_Empty(t *testing.T) {
	if got := RenderPrivate(nil, DefaultPrivateContext, nil, RenderOptions{}); got != "" {
		t.Errorf("RenderPrivate(empty) = %q, want empty", got)
	}
	if got := RenderGroup([]GroupEntry{}, DefaultGroupContext, nil, RenderOptions{}); got != "" {
		t.Errorf("RenderGroup(empty) = %q, want empty", got)
	}
}

func TestRenderPrivate_ContextBound(t *testing.T) {
	var history []Entry
	for i := 0; i < 50; i++ {
		history = append(history, Entry{ID: fmt.Sprintf("id-%d", i), Text: fmt.Sprintf("m%d", i), Direction: Inbound})
	}

	out := RenderPrivate(history, DefaultPrivateContext, nil, RenderOptions{UserName: "Bob"})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != DefaultPrivateContext {
		t.Fatalf("rendered %d lines, want %d", len(lines), DefaultPrivateContext)
	}
	if lines[0] != "Bob: m20" {
		t.Errorf("first line = %q, want %q", lines[0], "Bob: m20")
	}
}

func TestRenderPrivate_QuotedOutsideWindow(t *testing.T) {
	var history []Entry
	for i := 0; i < 40; i++ {
		history = append(history, Entry{ID: fmt.Sprintf("id-%d", i), Text: fmt.Sprintf("m%d", i), Direction: Outbound})
	}
	quoted := history[2]

	out := RenderPrivate(history, DefaultPrivateContext, &quoted, RenderOptions{})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != DefaultPrivateContext+1 {
		t.Fatalf("rendered %d lines, want %d", len(lines), DefaultPrivateContext+1)
	}
	if last := lines[len(lines)-1]; last != "Assistant (quoted): m2" {
		t.Errorf("last line = %q, want quoted entry", last)
	}

	// A quoted entry already inside the window is not duplicated.
	inside := history[39]
	out = RenderPrivate(history, DefaultPrivateContext, &inside, RenderOptions{})
	if n := strings.Count(out, "\n"); n != DefaultPrivateContext {
		t.Errorf("rendered %d lines with in-window quote, want %d", n, DefaultPrivateContext)
	}
}

func TestRenderGroup_SenderLabels(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 0, 0, time.UTC)
	history := []GroupEntry{
		{Entry: Entry{Text: "hello", Direction: Inbound, Timestamp: ts}, SenderID: "15551234567@s.whatsapp.net", SenderName: "Alice"},
		{Entry: Entry{Text: "hi Alice", Direction: Outbound, Timestamp: ts, HasImage: true, ImageAnalysis: "a cat"}},
	}

	out := RenderGroup(history, DefaultGroupContext, nil, RenderOptions{AssistantName: "Supremus"})
	want := "[2026-03-04 05:06] Alice (@15551234567): hello\n" +
		"[2026-03-04 05:06] Supremus: hi Alice [image] (image: a cat)\n"
	if out != want {
		t.Errorf("RenderGroup() =\n%s\nwant\n%s", out, want)
	}
}
