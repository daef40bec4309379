package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// snapshotEntry is one element of the persisted array: [key, {"translation": value}]
type snapshotEntry struct {
	Key         string
	Translation string
}

type snapshotValue struct {
	Translation string `json:"translation"`
}

// MarshalJSON encodes the entry as a two element array
func (e snapshotEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Key, snapshotValue{Translation: e.Translation}})
}

// UnmarshalJSON decodes a two element array
func (e *snapshotEntry) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("cache entry has %d elements, want 2", len(parts))
	}
	if err := json.Unmarshal(parts[0], &e.Key); err != nil {
		return fmt.Errorf("cache entry key: %w", err)
	}
	var v snapshotValue
	if err := json.Unmarshal(parts[1], &v); err != nil {
		return fmt.Errorf("cache entry value: %w", err)
	}
	e.Translation = v.Translation
	return nil
}

// encodeSnapshot renders entries in the persisted JSON format
func encodeSnapshot(entries []Entry) ([]byte, error) {
	out := make([]snapshotEntry, len(entries))
	for i, e := range entries {
		out[i] = snapshotEntry{Key: e.Key, Translation: e.Value}
	}
	return json.Marshal(out)
}

// decodeSnapshot parses the persisted JSON format
func decodeSnapshot(data []byte) ([]Entry, error) {
	var in []snapshotEntry
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode cache snapshot: %w", err)
	}
	entries := make([]Entry, len(in))
	for i, e := range in {
		entries[i] = Entry{Key: e.Key, Value: e.Translation}
	}
	return entries, nil
}

// FilePersister keeps the cache in a JSON file
type FilePersister struct {
	path string
}

// NewFilePersister creates a persister writing to path
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Path returns the snapshot file location
func (p *FilePersister) Path() string {
	return p.path
}

// Load reads the snapshot file. A missing file yields an empty snapshot.
func (p *FilePersister) Load(ctx context.Context) ([]Entry, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.path, err)
	}
	return decodeSnapshot(data)
}

// Save writes the snapshot to a temporary file and renames it into place,
// so readers never see a partial file.
func (p *FilePersister) Save(ctx context.Context, entries []Entry) error {
	data, err := encodeSnapshot(entries)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()

	buf := bufio.NewWriter(f)
	if _, err := buf.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := buf.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, p.path)
}

// Close is a no-op
func (p *FilePersister) Close() error {
	return nil
}
