// Package paths resolves named path prefixes such as "data:" in
// configured file locations.
package paths

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps prefixes to directories. A nil *Resolver resolves
// every path to itself.
type Resolver struct {
	dirs  map[string]string // "data:" -> "/home/u/.local/share/supremus"
	order []string          // longest prefix first
}

// New builds a Resolver. Keys are prefix names with or without the
// trailing colon; directories have a leading ~ expanded. It returns nil
// for an empty map.
func New(prefixes map[string]string) *Resolver {
	if len(prefixes) == 0 {
		return nil
	}
	r := &Resolver{dirs: make(map[string]string, len(prefixes))}
	for name, dir := range prefixes {
		if !strings.HasSuffix(name, ":") {
			name += ":"
		}
		r.dirs[name] = ExpandHome(dir)
		r.order = append(r.order, name)
	}
	sort.Slice(r.order, func(i, j int) bool {
		if len(r.order[i]) != len(r.order[j]) {
			return len(r.order[i]) > len(r.order[j])
		}
		return r.order[i] < r.order[j]
	})
	return r
}

// Resolve expands a prefixed path. A bare prefix yields the directory
// itself. Paths without a known prefix have a leading ~ expanded and are
// otherwise returned unchanged.
func (r *Resolver) Resolve(path string) string {
	if r != nil {
		for _, prefix := range r.order {
			rel, ok := strings.CutPrefix(path, prefix)
			if !ok {
				continue
			}
			if rel == "" {
				return r.dirs[prefix]
			}
			return filepath.Join(r.dirs[prefix], rel)
		}
	}
	return ExpandHome(path)
}

// Prefixes returns the registered prefix names without colons, sorted.
func (r *Resolver) Prefixes() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.dirs))
	for prefix := range r.dirs {
		names = append(names, strings.TrimSuffix(prefix, ":"))
	}
	sort.Strings(names)
	return names
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
