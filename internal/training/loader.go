// Package training loads the training context that opens every prompt.
// The source is a markdown file or a directory of markdown files; it is
// re-read whenever it changes on disk.
package training

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Scope is the kind of conversation a prompt is built for.
type Scope string

// Scopes. A section tagged with a scope is only used for that kind of
// conversation; untagged sections are always used.
const (
	ScopePrivate Scope = "private"
	ScopeGroup   Scope = "group"
)

const separator = "\n\n---\n\n"

// Section is one training file with its frontmatter parsed.
type Section struct {
	Name    string   // file name without .md
	Tags    []string // from frontmatter, nil when untagged
	Content string   // markdown with frontmatter stripped
}

type frontmatter struct {
	Tags []string `yaml:"tags"`
}

// Loader reads training sections and caches them until the source
// changes. It is safe for concurrent use.
type Loader struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	sig      string
	sections []Section
}

// NewLoader returns a loader for path. An empty path yields no
// training context.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{path: path, logger: logger}
}

// Sections returns the current sections, reloading them if any source
// file was added, removed or modified since the last call. If a reload
// fails after an earlier success, the previous sections are kept and
// the failure is logged.
func (l *Loader) Sections() ([]Section, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path == "" {
		return nil, nil
	}

	files, sig, err := l.scan()
	if err != nil {
		if l.sig != "" {
			l.logger.Warn("training source unreadable, keeping previous content",
				"path", l.path,
				"error", err,
			)
			return l.sections, nil
		}
		return nil, err
	}
	if sig == l.sig {
		return l.sections, nil
	}

	sections := make([]Section, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			if l.sig != "" {
				l.logger.Warn("training file unreadable, keeping previous content",
					"file", f,
					"error", err,
				)
				return l.sections, nil
			}
			return nil, fmt.Errorf("read training file %s: %w", f, err)
		}
		tags, content := parseFrontmatter(string(data))
		sections = append(sections, Section{
			Name:    strings.TrimSuffix(filepath.Base(f), ".md"),
			Tags:    tags,
			Content: strings.TrimSpace(content),
		})
	}

	if l.sig != "" {
		l.logger.Info("training context reloaded", "path", l.path, "sections", len(sections))
	}
	l.sig = sig
	l.sections = sections
	return sections, nil
}

// Content returns the sections that apply to scope, joined with a
// horizontal rule.
func (l *Loader) Content(scope Scope) (string, error) {
	sections, err := l.Sections()
	if err != nil {
		return "", err
	}
	var parts []string
	for _, s := range sections {
		if s.Content == "" || !applies(s, scope) {
			continue
		}
		parts = append(parts, s.Content)
	}
	return strings.Join(parts, separator), nil
}

func applies(s Section, scope Scope) bool {
	if len(s.Tags) == 0 {
		return true
	}
	for _, t := range s.Tags {
		if Scope(t) == scope {
			return true
		}
	}
	return false
}

// scan lists the source files and builds a signature from their names,
// sizes and modification times. A missing source is an empty list.
func (l *Loader) scan() ([]string, string, error) {
	info, err := os.Stat(l.path)
	if os.IsNotExist(err) {
		return nil, "missing", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("stat training source: %w", err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(l.path)
		if err != nil {
			return nil, "", fmt.Errorf("read training dir: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
				files = append(files, filepath.Join(l.path, e.Name()))
			}
		}
		sort.Strings(files)
	} else {
		files = []string{l.path}
	}

	var sb strings.Builder
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			return nil, "", fmt.Errorf("stat training file: %w", err)
		}
		fmt.Fprintf(&sb, "%s|%d|%d;", f, fi.Size(), fi.ModTime().UnixNano())
	}
	if sb.Len() == 0 {
		return files, "empty", nil
	}
	return files, sb.String(), nil
}

// parseFrontmatter splits an optional YAML frontmatter block delimited
// by "---" lines from the markdown body. A block that does not parse is
// treated as part of the body.
func parseFrontmatter(raw string) ([]string, string) {
	rest, ok := strings.CutPrefix(raw, "---")
	if !ok {
		return nil, raw
	}
	rest = strings.TrimLeft(rest, " \t")
	switch {
	case strings.HasPrefix(rest, "\r\n"):
		rest = rest[2:]
	case strings.HasPrefix(rest, "\n"):
		rest = rest[1:]
	default:
		return nil, raw
	}

	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, raw
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, raw
	}
	body := strings.TrimLeft(rest[end+len("\n---"):], "\r\n")
	if len(fm.Tags) == 0 {
		return nil, body
	}
	return fm.Tags, body
}
