package slices

import (
	"errors"
	"testing"

	"hearth/pkg/domain"
)

func TestCatalogKeysAreUniqueAndParse(t *testing.T) {
	seen := map[Key]bool{}
	for _, spec := range Catalog() {
		if seen[spec.Key] {
			t.Fatalf("duplicate key %s", spec.Key)
		}
		seen[spec.Key] = true
		if spec.Since < 1 || spec.Since > SchemaVersion {
			t.Fatalf("%s introduced at version %d outside 1..%d", spec.Key, spec.Since, SchemaVersion)
		}
		if _, err := Parse(string(spec.Key)); err != nil {
			t.Fatalf("parse %s: %v", spec.Key, err)
		}
	}
	if _, err := Parse("bogus"); !errors.Is(err, ErrUnknownSlice) {
		t.Fatalf("expected ErrUnknownSlice, got %v", err)
	}
}

func TestSchemaVersionsAreAdditive(t *testing.T) {
	prev := AtVersion(1)
	for v := 2; v <= SchemaVersion; v++ {
		next := AtVersion(v)
		for _, k := range prev.Stores {
			if !next.Contains(k) {
				t.Fatalf("version %d drops store %s", v, k)
			}
		}
		prev = next
	}
	current := Current()
	if len(current.Stores) != len(Catalog()) {
		t.Fatalf("current schema has %d stores, catalog %d", len(current.Stores), len(Catalog()))
	}
	names := current.StoreNames()
	if names[len(names)-1] != MetaStore {
		t.Fatalf("meta store should be listed last, got %v", names)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		key  Key
		raw  string
		ok   bool
	}{
		{"tasks", KeyTasks, `[{"id":1,"text":"a"}]`, true},
		{"empty tasks", KeyTasks, `[]`, true},
		{"tasks missing text", KeyTasks, `[{"id":1}]`, false},
		{"tasks wrong container", KeyTasks, `{"id":1}`, false},
		{"habits", KeyHabits, `[{"id":1,"name":"Read"}]`, true},
		{"settings", KeySettings, `{"darkMode":true}`, true},
		{"settings wrong type", KeySettings, `{"darkMode":"yes"}`, false},
		{"sync null", KeyLastSyncedAt, `null`, true},
		{"sync string", KeyLastSyncedAt, `"2024-01-01T00:00:00Z"`, true},
		{"drafts", KeyJournalDrafts, `{"2024-01-01":{"date":"2024-01-01","text":"hi"}}`, true},
		{"not json", KeyTasks, `not-json{`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.key, []byte(tc.raw))
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidValue) {
				t.Fatalf("expected ErrInvalidValue, got %v", err)
			}
		})
	}
	if err := Validate("nope", []byte(`1`)); !errors.Is(err, ErrUnknownSlice) {
		t.Fatalf("expected ErrUnknownSlice, got %v", err)
	}
}

func TestValidateContainer(t *testing.T) {
	cases := []struct {
		name string
		key  Key
		raw  string
		ok   bool
	}{
		{"string id", KeyTasks, `[{"id":"1712345","text":"water plants"}]`, true},
		{"missing required field", KeyHabits, `[{"id":1,"title":"Read"}]`, true},
		{"settings loose types", KeySettings, `{"darkMode":"yes"}`, true},
		{"drafts without text", KeyJournalDrafts, `{"2024-01-01":{}}`, true},
		{"sync null", KeyLastSyncedAt, `null`, true},
		{"list as object", KeyTasks, `{"id":1}`, false},
		{"settings as list", KeySettings, `[]`, false},
		{"sync number", KeyLastSyncedAt, `42`, false},
		{"null list", KeyTasks, `null`, false},
		{"not json", KeyHabits, `[{`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateContainer(tc.key, []byte(tc.raw))
			if tc.ok && err != nil {
				t.Fatalf("expected valid container, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidValue) {
				t.Fatalf("expected ErrInvalidValue, got %v", err)
			}
		})
	}
	if err := ValidateContainer("nope", []byte(`[]`)); !errors.Is(err, ErrUnknownSlice) {
		t.Fatalf("expected ErrUnknownSlice, got %v", err)
	}
}

func TestTypedSliceRoundTrip(t *testing.T) {
	raw, err := Tasks.Encode([]domain.Task{{ID: 1, Text: "a"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := Validate(Tasks.Key(), raw); err != nil {
		t.Fatalf("encoded tasks should validate: %v", err)
	}
	got, err := Tasks.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Text != "a" {
		t.Fatalf("unexpected decode result %+v", got)
	}
	if _, err := Settings.Decode([]byte(`[1]`)); err == nil {
		t.Fatalf("expected decode error for mismatched shape")
	}
}
