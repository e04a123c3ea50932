// Package persist provides atomic, version-tagged JSON persistence for the
// dispatcher's long-lived subsystem state (seasonal bias, reliability
// windows, reaction-timing episodes, reserve-floor event log, learner
// table). Every file is written via a temp file in the same directory
// followed by rename, so a reader never observes a partially written file.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrVersionMismatch is returned by Load when a file's version tag does not
// match the version the caller expects. Callers treat this the same as a
// missing file: discard and start fresh.
var ErrVersionMismatch = errors.New("persist: schema version mismatch")

// Envelope wraps a persisted payload with a schema version tag.
type Envelope[T any] struct {
	Version int `json:"version"`
	Data    T   `json:"data"`
}

// SaveAtomic writes data as an Envelope to path using a temp-file-then-rename
// sequence so concurrent readers never see a half-written file.
func SaveAtomic[T any](path string, version int, data T) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("persist: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Envelope[T]{Version: version, Data: data}); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("persist: rename: %w", err)
	}
	return nil
}

// Load reads and decodes an Envelope from path, rejecting payloads whose
// version does not equal wantVersion. A missing file, unreadable file, or
// version mismatch is reported via the returned error but is never fatal:
// callers are expected to fall back to a fresh zero-value state.
func Load[T any](path string, wantVersion int) (T, error) {
	var zero T

	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()

	var env Envelope[T]
	if err := json.NewDecoder(f).Decode(&env); err != nil {
		return zero, fmt.Errorf("persist: decode %s: %w", path, err)
	}
	if env.Version != wantVersion {
		return zero, fmt.Errorf("%w: file=%d want=%d", ErrVersionMismatch, env.Version, wantVersion)
	}
	return env.Data, nil
}
