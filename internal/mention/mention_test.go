package mention

import (
	"reflect"
	"testing"

	"github.com/kurameshinatsuki/supremus/internal/conversation"
	"github.com/kurameshinatsuki/supremus/internal/participants"
)

func testDirectory() *participants.Directory {
	return participants.New(map[string]conversation.Participant{
		"+15551234567@x": {DisplayName: "Alice Smith", ChatID: "+15551234567@x", NumericID: "15551234567"},
		"447700900123@s.whatsapp.net": {
			DisplayName: "Bob", ChatID: "447700900123@s.whatsapp.net", NumericID: "447700900123",
		},
	})
}

func TestNumbers(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"hello @15551234567 bye", []string{"15551234567"}},
		{"@12345 and @12345 again", []string{"12345"}},
		{"@1234 is too short", nil},
		{"mail me at joe@123456.example", []string{"123456"}},
		{"hey@15551234567 look", []string{"15551234567"}},
		{"@12345@67890", []string{"12345", "67890"}},
		{"(@55555), @66666.", []string{"55555", "66666"}},
		{"@handle is plain text", nil},
	}
	for _, tt := range tests {
		if got := Numbers(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Numbers(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestResolve_Deterministic(t *testing.T) {
	dir := testDirectory()
	text := "hello @15551234567 bye"

	got := Resolve(text, dir)
	if got.Text != text {
		t.Errorf("Resolve() text = %q, want unchanged %q", got.Text, text)
	}
	if want := []string{"+15551234567@x"}; !reflect.DeepEqual(got.Mentions, want) {
		t.Errorf("Resolve() mentions = %v, want %v", got.Mentions, want)
	}
}

func TestResolve_UnmatchedStaysText(t *testing.T) {
	got := Resolve("ping @99999 please", testDirectory())
	if len(got.Mentions) != 0 {
		t.Errorf("Resolve() mentions = %v, want none", got.Mentions)
	}
	if got.Text != "ping @99999 please" {
		t.Errorf("Resolve() text = %q", got.Text)
	}
}

func TestResolve_DedupFirstSeenOrder(t *testing.T) {
	text := "@447700900123 then @15551234567 then @447700900123 and @99999"
	got := Resolve(text, testDirectory())
	want := []string{"447700900123@s.whatsapp.net", "+15551234567@x"}
	if !reflect.DeepEqual(got.Mentions, want) {
		t.Errorf("Resolve() mentions = %v, want %v", got.Mentions, want)
	}
}

func TestResolve_AttachedToWord(t *testing.T) {
	dir := testDirectory()
	text := "hey@15551234567 look"

	got := Resolve(text, dir)
	if want := []string{"+15551234567@x"}; !reflect.DeepEqual(got.Mentions, want) {
		t.Errorf("Resolve() mentions = %v, want %v", got.Mentions, want)
	}
	if got.Text != text {
		t.Errorf("Resolve() text = %q, want unchanged", got.Text)
	}
	anns := Annotate(text, dir)
	if len(anns) != 1 || anns[0].Name != "Alice Smith" {
		t.Errorf("Annotate() = %+v, want one annotation for Alice Smith", anns)
	}
}

func TestResolve_NilDirectory(t *testing.T) {
	got := Resolve("@15551234567", nil)
	if len(got.Mentions) != 0 {
		t.Errorf("Resolve(nil dir) mentions = %v", got.Mentions)
	}
}

func TestAnnotate(t *testing.T) {
	text := "what do you think @447700900123 and @12121212?"
	got := Annotate(text, testDirectory())
	want := []Annotation{
		{NumericID: "447700900123", Name: "Bob", ChatID: "447700900123@s.whatsapp.net"},
		{NumericID: "12121212", Name: UnknownName},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Annotate() = %+v, want %+v", got, want)
	}
	if !got[0].Known() || got[1].Known() {
		t.Error("Known() mismatch")
	}

	block := FormatAnnotations(got)
	wantBlock := "- @447700900123 refers to Bob\n- @12121212 refers to unknown\n"
	if block != wantBlock {
		t.Errorf("FormatAnnotations() = %q, want %q", block, wantBlock)
	}
	if FormatAnnotations(nil) != "" {
		t.Error("FormatAnnotations(nil) not empty")
	}
}

func TestResolveSuggested(t *testing.T) {
	dir := testDirectory()

	tests := []struct {
		name         string
		text         string
		suggestions  []string
		wantText     string
		wantMentions []string
	}{
		{
			name:         "at fragment rewritten",
			text:         "thanks @alice for the help",
			suggestions:  []string{"alice"},
			wantText:     "thanks @15551234567 for the help",
			wantMentions: []string{"+15551234567@x"},
		},
		{
			name:         "bare name kept",
			text:         "Bob, that is right",
			suggestions:  []string{"@Bob"},
			wantText:     "Bob, that is right",
			wantMentions: []string{"447700900123@s.whatsapp.net"},
		},
		{
			name:         "no fragment in text prepends tags",
			text:         "see you tomorrow",
			suggestions:  []string{"SMITH", "bob"},
			wantText:     "@15551234567 @447700900123 see you tomorrow",
			wantMentions: []string{"+15551234567@x", "447700900123@s.whatsapp.net"},
		},
		{
			name:         "unknown suggestion ignored",
			text:         "hello",
			suggestions:  []string{"zed"},
			wantText:     "hello",
			wantMentions: nil,
		},
		{
			name:         "fragment prefix of longer token untouched",
			text:         "ping @Alicesmith_bot and hi",
			suggestions:  []string{"Ali"},
			wantText:     "ping @Alicesmith_bot and hi",
			wantMentions: []string{"+15551234567@x"},
		},
		{
			name:         "fragment followed by punctuation rewritten",
			text:         "@Ali, over to you",
			suggestions:  []string{"Ali"},
			wantText:     "@15551234567, over to you",
			wantMentions: []string{"+15551234567@x"},
		},
		{
			name:         "fragment inside address untouched",
			text:         "write to bob@bob.example",
			suggestions:  []string{"bob"},
			wantText:     "write to bob@bob.example",
			wantMentions: []string{"447700900123@s.whatsapp.net"},
		},
		{
			name:         "numeric mention plus suggestion dedup",
			text:         "@447700900123 ok",
			suggestions:  []string{"Bob"},
			wantText:     "@447700900123 ok",
			wantMentions: []string{"447700900123@s.whatsapp.net"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveSuggested(tt.text, tt.suggestions, dir)
			if got.Text != tt.wantText {
				t.Errorf("text = %q, want %q", got.Text, tt.wantText)
			}
			if !reflect.DeepEqual(got.Mentions, tt.wantMentions) {
				t.Errorf("mentions = %v, want %v", got.Mentions, tt.wantMentions)
			}
		})
	}
}
