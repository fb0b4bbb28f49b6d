package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/kurameshinatsuki/supremus/examples"
)

// runInit initializes a working directory: a data directory, the
// example config and the shipped training sections. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Supremus workspace in %s\n", dir)

	for _, sub := range []string{"data", "training"} {
		p := filepath.Join(dir, sub)
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
	}

	// The config may hold a database password; keep it private.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(w, configPath, examples.ConfigYAML, 0o600); err != nil {
		return err
	}

	err := fs.WalkDir(examples.Training, "training", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".md" {
			return nil
		}

		content, err := examples.Training.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", p, err)
		}

		dest := filepath.Join(dir, "training", d.Name())
		return writeIfMissing(w, dest, content, 0o644)
	})
	if err != nil {
		return fmt.Errorf("install training: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and the files under training/ to customize your installation.")
	return nil
}

// writeIfMissing creates p with content and reports the outcome to w.
// An existing file is left untouched, so init never overwrites user
// customizations.
func writeIfMissing(w io.Writer, p string, content []byte, perm os.FileMode) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if errors.Is(err, fs.ErrExist) {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", p)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", p, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", p)
	return nil
}
