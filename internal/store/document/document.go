// Package document provides atomic JSON document IO for the data directory.
//
// Writes go to a temp file in the same directory and are renamed over the
// target, which is atomic on POSIX. Reads distinguish three outcomes:
// present, absent (ErrAbsent), and unparseable (Corrupt). There is no
// caching: every read hits disk, because other processes mutate the same
// files and cache invalidation across processes is not worth the cost.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kaptinlin/jsonrepair"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
)

// ErrAbsent is returned when the document file does not exist.
var ErrAbsent = errors.New("document absent")

// Read unmarshals the JSON document at path into out.
// Returns ErrAbsent if the file is missing. If the content does not parse,
// a repair pass is attempted; if that also fails, a Corrupt fault is
// returned and callers decide whether to recover or fail.
func Read(path string, out any) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: paths come from the fixed layout
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrAbsent
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}

	// The document exists but does not parse. Try a repair pass before
	// surfacing corruption; truncated writes from a crashed process are
	// often recoverable.
	repaired, repairErr := jsonrepair.JSONRepair(string(data))
	if repairErr == nil {
		if err := json.Unmarshal([]byte(repaired), out); err == nil {
			log.Warn(log.CatStore, "Recovered corrupt document via repair", "path", path)
			return nil
		}
	}

	return faults.New(faults.Corrupt, "unparseable document %s", path)
}

// Write marshals v and atomically replaces the document at path.
// The parent directory is created if missing.
func Write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// AppendLine appends one JSON-encoded line to the JSONL file at path.
// Whole-line small writes are atomic on POSIX (under PIPE_BUF), so no
// locking is taken; concurrent appenders interleave at line granularity.
func AppendLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding line for %s: %w", path, err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) //nolint:gosec // G304: fixed layout
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return nil
}

// Exists reports whether the document file is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Subdirs lists the names of subdirectories under dir. A missing dir is
// an empty result, not an error.
func Subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
