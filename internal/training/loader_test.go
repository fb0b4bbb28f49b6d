package training

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func write(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

// touch bumps the modification time so the change is visible even on
// filesystems with coarse timestamps.
func touch(t *testing.T, path string, d time.Duration) {
	t.Helper()
	ts := time.Now().Add(d)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatal(err)
	}
}

func TestLoader_EmptyPath(t *testing.T) {
	got, err := NewLoader("", nil).Content(ScopePrivate)
	if err != nil || got != "" {
		t.Errorf("Content() = %q, %v; want empty", got, err)
	}
}

func TestLoader_MissingPath(t *testing.T) {
	got, err := NewLoader(filepath.Join(t.TempDir(), "nope.md"), nil).Content(ScopeGroup)
	if err != nil || got != "" {
		t.Errorf("Content() = %q, %v; want empty", got, err)
	}
}

func TestLoader_SingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "training.md")
	write(t, path, "You are helpful.\n")

	l := NewLoader(path, nil)
	got, err := l.Content(ScopePrivate)
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if got != "You are helpful." {
		t.Errorf("Content() = %q", got)
	}
}

func TestLoader_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "training.md")
	write(t, path, "first")
	touch(t, path, -time.Hour)

	l := NewLoader(path, nil)
	if got, _ := l.Content(ScopePrivate); got != "first" {
		t.Fatalf("initial Content() = %q", got)
	}

	write(t, path, "second version")
	touch(t, path, 0)
	if got, _ := l.Content(ScopePrivate); got != "second version" {
		t.Errorf("Content() after change = %q", got)
	}
}

func TestLoader_KeepsPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "training.md")
	write(t, path, "stable")

	l := NewLoader(path, nil)
	if got, _ := l.Content(ScopePrivate); got != "stable" {
		t.Fatalf("Content() = %q", got)
	}

	// Replace the file with a directory containing an unreadable entry.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(dir, "missing-target"), filepath.Join(path, "broken.md")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	got, err := l.Content(ScopePrivate)
	if err != nil {
		t.Fatalf("Content() error = %v, want previous content", err)
	}
	if got != "stable" {
		t.Errorf("Content() = %q, want previous content", got)
	}
}

func TestLoader_DirectoryAndScopes(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "01-core.md"), "Core rules.")
	write(t, filepath.Join(dir, "02-group.md"), "---\ntags: [group]\n---\nGroup etiquette.")
	write(t, filepath.Join(dir, "03-private.md"), "---\ntags: [private]\n---\n\nPrivate tone.")
	write(t, filepath.Join(dir, "notes.txt"), "ignored")

	l := NewLoader(dir, nil)
	group, err := l.Content(ScopeGroup)
	if err != nil {
		t.Fatalf("Content(group): %v", err)
	}
	if want := "Core rules." + separator + "Group etiquette."; group != want {
		t.Errorf("group content = %q, want %q", group, want)
	}
	private, _ := l.Content(ScopePrivate)
	if want := "Core rules." + separator + "Private tone."; private != want {
		t.Errorf("private content = %q, want %q", private, want)
	}

	sections, _ := l.Sections()
	var names []string
	for _, s := range sections {
		names = append(names, s.Name)
	}
	if !reflect.DeepEqual(names, []string{"01-core", "02-group", "03-private"}) {
		t.Errorf("section names = %v", names)
	}
}

func TestParseFrontmatter(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantTags []string
		wantBody string
	}{
		{"none", "plain body", nil, "plain body"},
		{"tags", "---\ntags: [group, private]\n---\nbody", []string{"group", "private"}, "body"},
		{"block list", "---\ntags:\n  - group\n---\nbody", []string{"group"}, "body"},
		{"no tags key", "---\ntitle: x\n---\nbody", nil, "body"},
		{"unclosed", "---\ntags: [a]\nbody", nil, "---\ntags: [a]\nbody"},
		{"rule not frontmatter", "--- intro", nil, "--- intro"},
		{"crlf", "---\r\ntags: [group]\r\n---\r\nbody", []string{"group"}, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tags, body := parseFrontmatter(tt.raw)
			if !reflect.DeepEqual(tags, tt.wantTags) {
				t.Errorf("tags = %v, want %v", tags, tt.wantTags)
			}
			if body != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}
