// Package slices is the single shared definition of the hearth slice database:
// its name, schema version, the closed catalog of slice keys, and the shape of
// every slice value. Both the application store and the export agent derive
// the physical schema from this package so the two can never drift apart.
package slices

import (
	"errors"
	"fmt"
	"sort"
)

const (
	// DatabaseName is the fixed name of the slice database.
	DatabaseName = "hearth"
	// SchemaVersion is the schema version the running code expects. Bump it
	// whenever a slice is added to the catalog.
	SchemaVersion = 3
	// MetaStore is the reserved sub-store holding store-internal flags.
	MetaStore = "_meta"
	// MigrationCompleteFlag gates the one-time legacy migration.
	MigrationCompleteFlag = "legacyMigrationComplete"
	// ExportFilename is the file name offered for full-state exports.
	ExportFilename = "hearth-backup.json"
)

// Key names one slice of application state.
type Key string

func (k Key) String() string { return string(k) }

// Catalog keys.
const (
	KeyTasks                Key = "tasks"
	KeyHabits               Key = "habits"
	KeyShoppingItems        Key = "shoppingItems"
	KeyCalendarEvents       Key = "calendarEvents"
	KeySettings             Key = "settings"
	KeyLastSyncedAt         Key = "lastSyncedAt"
	KeyWorkoutPlans         Key = "workoutPlans"
	KeyWorkoutHistory       Key = "workoutHistory"
	KeyJournalEntries       Key = "journalEntries"
	KeyJournalDrafts        Key = "journalDrafts"
	KeyJournalPromptHistory Key = "journalPromptHistory"
	KeyMoodLogs             Key = "moodLogs"
	KeyAffirmations         Key = "affirmations"
	KeyInsightCache         Key = "insightCache"
	KeySwingAnalyses        Key = "swingAnalyses"
)

// ErrUnknownSlice is returned for keys outside the catalog.
var ErrUnknownSlice = errors.New("slices: unknown slice key")

// Spec describes one catalog entry.
type Spec struct {
	Key         Key
	Since       int // schema version that introduced the slice
	Description string
	JSONSchema  string
}

// Schema is the physical layout every store opener derives from the catalog.
type Schema struct {
	Name      string
	Version   int
	Stores    []Key
	MetaStore string
}

// StoreNames returns the physical sub-store names, slice stores first and the
// meta store last.
func (s Schema) StoreNames() []string {
	out := make([]string, 0, len(s.Stores)+1)
	for _, k := range s.Stores {
		out = append(out, string(k))
	}
	if s.MetaStore != "" {
		out = append(out, s.MetaStore)
	}
	return out
}

// Contains reports whether key is one of the schema's slice stores.
func (s Schema) Contains(key Key) bool {
	for _, k := range s.Stores {
		if k == key {
			return true
		}
	}
	return false
}

// Current returns the schema for the running code.
func Current() Schema {
	return Schema{
		Name:      DatabaseName,
		Version:   SchemaVersion,
		Stores:    Keys(),
		MetaStore: MetaStore,
	}
}

// AtVersion returns the schema as it was at version v. Used to exercise
// upgrades from older on-device layouts.
func AtVersion(v int) Schema {
	keys := make([]Key, 0, len(catalog))
	for _, spec := range catalog {
		if spec.Since <= v {
			keys = append(keys, spec.Key)
		}
	}
	return Schema{Name: DatabaseName, Version: v, Stores: keys, MetaStore: MetaStore}
}

// Catalog returns a copy of every slice spec in declaration order.
func Catalog() []Spec {
	out := make([]Spec, len(catalog))
	copy(out, catalog)
	return out
}

// Keys returns every catalog key in declaration order.
func Keys() []Key {
	out := make([]Key, len(catalog))
	for i, spec := range catalog {
		out[i] = spec.Key
	}
	return out
}

// SortedKeys returns the catalog keys in lexical order.
func SortedKeys() []Key {
	out := Keys()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lookup returns the spec for key.
func Lookup(key Key) (Spec, bool) {
	spec, ok := byKey[key]
	return spec, ok
}

// Parse converts a raw string into a catalog key.
func Parse(raw string) (Key, error) {
	key := Key(raw)
	if _, ok := byKey[key]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSlice, raw)
	}
	return key, nil
}

var byKey = func() map[Key]Spec {
	m := make(map[Key]Spec, len(catalog))
	for _, spec := range catalog {
		if _, dup := m[spec.Key]; dup {
			panic(fmt.Sprintf("slices: duplicate catalog key %q", spec.Key))
		}
		m[spec.Key] = spec
	}
	return m
}()

var catalog = []Spec{
	{Key: KeyTasks, Since: 1, Description: "to-do items", JSONSchema: listOf(`{"type":"object","required":["id","text"],"properties":{"id":{"type":"integer"},"text":{"type":"string"},"done":{"type":"boolean"}}}`)},
	{Key: KeyHabits, Since: 1, Description: "tracked habits", JSONSchema: listOf(`{"type":"object","required":["id","name"],"properties":{"id":{"type":"integer"},"name":{"type":"string"},"completedDates":{"type":"array","items":{"type":"string"}}}}`)},
	{Key: KeyShoppingItems, Since: 1, Description: "shopping list", JSONSchema: listOf(`{"type":"object","required":["id","name"],"properties":{"id":{"type":"integer"},"name":{"type":"string"},"checked":{"type":"boolean"}}}`)},
	{Key: KeyCalendarEvents, Since: 1, Description: "calendar events", JSONSchema: listOf(`{"type":"object","required":["id","title","date"],"properties":{"id":{"type":"integer"},"title":{"type":"string"},"date":{"type":"string"}}}`)},
	{Key: KeySettings, Since: 1, Description: "preference flags", JSONSchema: `{"type":"object","properties":{"darkMode":{"type":"boolean"},"biometricLock":{"type":"boolean"},"notificationsEnabled":{"type":"boolean"}}}`},
	{Key: KeyLastSyncedAt, Since: 1, Description: "last sync timestamp", JSONSchema: `{"type":["string","null"]}`},
	{Key: KeyWorkoutPlans, Since: 2, Description: "workout plans", JSONSchema: listOf(`{"type":"object","required":["id","name"],"properties":{"id":{"type":"integer"},"name":{"type":"string"},"exercises":{"type":"array"}}}`)},
	{Key: KeyWorkoutHistory, Since: 2, Description: "completed workouts", JSONSchema: listOf(`{"type":"object","required":["id","date"],"properties":{"id":{"type":"integer"},"date":{"type":"string"}}}`)},
	{Key: KeyJournalEntries, Since: 2, Description: "journal entries", JSONSchema: listOf(`{"type":"object","required":["id","text"],"properties":{"id":{"type":"integer"},"text":{"type":"string"},"tags":{"type":"array","items":{"type":"string"}}}}`)},
	{Key: KeyJournalDrafts, Since: 2, Description: "unsaved journal drafts by date", JSONSchema: `{"type":"object","additionalProperties":{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}}`},
	{Key: KeyJournalPromptHistory, Since: 2, Description: "recently used journal prompts", JSONSchema: listOf(`{"type":"string"}`)},
	{Key: KeyMoodLogs, Since: 2, Description: "mood ratings", JSONSchema: listOf(`{"type":"object","required":["date","rating"],"properties":{"date":{"type":"string"},"rating":{"type":"integer"}}}`)},
	{Key: KeyAffirmations, Since: 2, Description: "saved affirmations", JSONSchema: listOf(`{"type":"object","required":["id","text"],"properties":{"id":{"type":"integer"},"text":{"type":"string"}}}`)},
	{Key: KeyInsightCache, Since: 3, Description: "generated insights by topic", JSONSchema: `{"type":"object","additionalProperties":{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}}`},
	{Key: KeySwingAnalyses, Since: 3, Description: "swing analysis summaries", JSONSchema: listOf(`{"type":"object","required":["id","date"],"properties":{"id":{"type":"integer"},"date":{"type":"string"},"feedback":{"type":"array","items":{"type":"string"}}}}`)},
}

func listOf(item string) string {
	return `{"type":"array","items":` + item + `}`
}
