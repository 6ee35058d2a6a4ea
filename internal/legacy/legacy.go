// Package legacy reads the flat key-value store that predates the slice
// database. It is strictly read-only; the migration is its only consumer.
package legacy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Store is a read-only view of legacy entries. Each entry is the raw string
// the old store held: JSON, optionally wrapped in a {data, lastUpdated}
// envelope.
type Store interface {
	Lookup(key string) (value string, ok bool, err error)
}

// MapStore is an in-memory legacy store.
type MapStore map[string]string

// Lookup implements Store.
func (m MapStore) Lookup(key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

// FileStore is a legacy store dumped to a JSON object file. String members
// are taken as the stored entry; any other member is taken verbatim as its
// JSON text.
type FileStore struct {
	path    string
	entries map[string]string
}

// OpenFile loads the dump at path.
func OpenFile(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read legacy dump: %w", err)
	}
	return Parse(path, data)
}

// Parse builds a FileStore from dump bytes; name is used in errors only.
func Parse(name string, data []byte) (*FileStore, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("decode legacy dump %s: %w", name, err)
	}
	entries := make(map[string]string, len(members))
	for key, raw := range members {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '"' {
			var s string
			if err := json.Unmarshal(trimmed, &s); err != nil {
				return nil, fmt.Errorf("decode legacy entry %s: %w", key, err)
			}
			entries[key] = s
			continue
		}
		entries[key] = string(trimmed)
	}
	return &FileStore{path: name, entries: entries}, nil
}

// Lookup implements Store.
func (f *FileStore) Lookup(key string) (string, bool, error) {
	v, ok := f.entries[key]
	return v, ok, nil
}

// Keys lists every entry key in lexical order, including keys outside the
// slice catalog.
func (f *FileStore) Keys() []string {
	out := make([]string, 0, len(f.entries))
	for k := range f.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Path returns the dump location.
func (f *FileStore) Path() string { return f.path }
