package migration

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"hearth/internal/durable"
	"hearth/internal/infra/persistence/memory"
	"hearth/internal/legacy"
	"hearth/pkg/slices"
)

type countingSource struct {
	legacy.MapStore
	lookups int
}

func (c *countingSource) Lookup(key string) (string, bool, error) {
	c.lookups++
	return c.MapStore.Lookup(key)
}

func openHandle(t *testing.T) *durable.Handle {
	t.Helper()
	o := durable.NewOpener(memory.NewDevice(t.Name()))
	h, err := o.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return h
}

func TestScenarioEnvelopeAndCorruptEntry(t *testing.T) {
	ctx := context.Background()
	h := openHandle(t)
	source := legacy.MapStore{
		"habits": `{"data":[{"id":1,"name":"Read"}]}`,
		"tasks":  `not-json{`,
	}
	report, err := Run(ctx, h, source)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	raw, ok, err := h.Get(ctx, slices.KeyHabits)
	if err != nil || !ok || string(raw) != `[{"id":1,"name":"Read"}]` {
		t.Fatalf("habits: %s ok=%v err=%v", raw, ok, err)
	}
	if _, ok, _ := h.Get(ctx, slices.KeyTasks); ok {
		t.Fatalf("corrupt tasks entry must be skipped")
	}
	done, err := h.GetMeta(ctx, slices.MigrationCompleteFlag)
	if err != nil || !done {
		t.Fatalf("migration flag must be set: %v %v", done, err)
	}
	if got := report.SkippedKeys(); !reflect.DeepEqual(got, []slices.Key{slices.KeyTasks}) {
		t.Fatalf("skipped = %v", got)
	}
	if !errors.Is(report.Skipped[0].Err, ErrMigrationEntryCorrupt) {
		t.Fatalf("expected ErrMigrationEntryCorrupt, got %v", report.Skipped[0].Err)
	}
	if !reflect.DeepEqual(report.Migrated, []slices.Key{slices.KeyHabits}) {
		t.Fatalf("migrated = %v", report.Migrated)
	}
}

func TestNonconformingEntriesAreKept(t *testing.T) {
	ctx := context.Background()
	h := openHandle(t)
	source := legacy.MapStore{
		"tasks":  `{"data":[{"id":"1712345","text":"water plants"}]}`,
		"habits": `[{"id":1,"title":"Read"}]`,
	}
	report, err := Run(ctx, h, source)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Skipped) != 0 {
		t.Fatalf("nothing may be skipped, got %+v", report.Skipped)
	}
	want := []slices.Key{slices.KeyTasks, slices.KeyHabits}
	if !reflect.DeepEqual(report.Migrated, want) {
		t.Fatalf("migrated = %v", report.Migrated)
	}
	if !reflect.DeepEqual(report.Nonconforming, want) {
		t.Fatalf("nonconforming = %v", report.Nonconforming)
	}
	tests := []struct {
		key  slices.Key
		want string
	}{
		{key: slices.KeyTasks, want: `[{"id":"1712345","text":"water plants"}]`},
		{key: slices.KeyHabits, want: `[{"id":1,"title":"Read"}]`},
	}
	for _, tc := range tests {
		raw, ok, err := h.Get(ctx, tc.key)
		if err != nil || !ok || string(raw) != tc.want {
			t.Fatalf("%s: %s ok=%v err=%v", tc.key, raw, ok, err)
		}
	}
}

func TestRunIsIdempotentAndSkipsLegacyReads(t *testing.T) {
	ctx := context.Background()
	h := openHandle(t)
	source := &countingSource{MapStore: legacy.MapStore{
		"tasks":    `[{"id":1,"text":"a"}]`,
		"settings": `{"darkMode":true}`,
	}}
	if _, err := Run(ctx, h, source); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := h.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	reads := source.lookups
	if reads != len(slices.Keys()) {
		t.Fatalf("expected one lookup per catalog key, got %d", reads)
	}

	source.MapStore["tasks"] = `[{"id":2,"text":"changed"}]`
	report, err := Run(ctx, h, source)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !report.AlreadyComplete {
		t.Fatalf("second run should short-circuit")
	}
	if source.lookups != reads {
		t.Fatalf("second run performed %d legacy reads", source.lookups-reads)
	}
	second, err := h.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("second run changed durable state")
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	h := openHandle(t)
	source := legacy.MapStore{
		"tasks":          `[{"id":1,"text":"a"}]`,
		"habits":         `[{"id":1,"name":"Run"}]`,
		"moodLogs":       `{"data":[{"date":"2024-05-01","rating":4}],"lastUpdated":"2024-05-01T10:00:00Z"}`,
		"calendarEvents": `[{"id":1,"title":"x"`,
		"lastSyncedAt":   `"2024-05-01T10:00:00Z"`,
	}
	report, err := Run(ctx, h, source)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Migrated) != 4 || len(report.Skipped) != 1 {
		t.Fatalf("expected 4 migrated and 1 skipped, got %+v", report)
	}
	want := map[slices.Key]string{
		slices.KeyTasks:        `[{"id":1,"text":"a"}]`,
		slices.KeyHabits:       `[{"id":1,"name":"Run"}]`,
		slices.KeyMoodLogs:     `[{"date":"2024-05-01","rating":4}]`,
		slices.KeyLastSyncedAt: `"2024-05-01T10:00:00Z"`,
	}
	all, err := h.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != len(want) {
		t.Fatalf("expected %d slices, got %d", len(want), len(all))
	}
	for key, v := range want {
		if string(all[key]) != v {
			t.Fatalf("%s = %s, want %s", key, all[key], v)
		}
	}
	if done, _ := h.GetMeta(ctx, slices.MigrationCompleteFlag); !done {
		t.Fatalf("flag must be set despite the skipped entry")
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		key     slices.Key
		raw     string
		want    string
		corrupt bool
	}{
		{name: "bare", key: slices.KeyTasks, raw: `[ {"id": 1, "text": "a"} ]`, want: `[{"id":1,"text":"a"}]`},
		{name: "envelope", key: slices.KeySettings, raw: `{"data":{"darkMode":true},"lastUpdated":"x"}`, want: `{"darkMode":true}`},
		{name: "envelope without lastUpdated", key: slices.KeyAffirmations, raw: `{"data":[]}`, want: `[]`},
		{name: "object without data", key: slices.KeySettings, raw: `{"darkMode":false}`, want: `{"darkMode":false}`},
		{name: "null timestamp", key: slices.KeyLastSyncedAt, raw: `null`, want: `null`},
		{name: "malformed", key: slices.KeyTasks, raw: `not-json{`, corrupt: true},
		{name: "string id kept", key: slices.KeyTasks, raw: `{"data":[{"id":"a1","text":"x"}]}`, want: `[{"id":"a1","text":"x"}]`},
		{name: "unknown fields kept", key: slices.KeyHabits, raw: `[{"title":"Read"}]`, want: `[{"title":"Read"}]`},
		{name: "wrong container", key: slices.KeyTasks, raw: `{"data":{"id":1}}`, corrupt: true},
		{name: "null data", key: slices.KeyTasks, raw: `{"data":null}`, corrupt: true},
		{name: "empty", key: slices.KeyHabits, raw: ``, corrupt: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.key, tc.raw)
			if tc.corrupt {
				if !errors.Is(err, ErrMigrationEntryCorrupt) {
					t.Fatalf("expected ErrMigrationEntryCorrupt, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

type fakeTarget struct {
	metaErr  error
	putErr   error
	flag     bool
	puts     map[slices.Key]json.RawMessage
	setCalls int
}

func (f *fakeTarget) GetMeta(context.Context, string) (bool, error) { return f.flag, f.metaErr }
func (f *fakeTarget) SetMeta(_ context.Context, _ string, v bool) error {
	f.setCalls++
	f.flag = v
	return nil
}
func (f *fakeTarget) Put(_ context.Context, key slices.Key, v json.RawMessage) error {
	if f.putErr != nil {
		return f.putErr
	}
	if f.puts == nil {
		f.puts = map[slices.Key]json.RawMessage{}
	}
	f.puts[key] = v
	return nil
}

func TestWriteFailureIsSkipped(t *testing.T) {
	target := &fakeTarget{putErr: durable.ErrWriteFailed}
	report, err := Run(context.Background(), target, legacy.MapStore{"tasks": `[]`})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Skipped) != 1 || !errors.Is(report.Skipped[0].Err, durable.ErrWriteFailed) {
		t.Fatalf("expected write failure to be skipped, got %+v", report.Skipped)
	}
	if !target.flag {
		t.Fatalf("flag must still be set")
	}
}

func TestFlagReadFailureAborts(t *testing.T) {
	target := &fakeTarget{metaErr: errors.New("closed")}
	if _, err := Run(context.Background(), target, legacy.MapStore{"tasks": `[]`}); err == nil {
		t.Fatalf("expected error")
	}
	if target.setCalls != 0 || len(target.puts) != 0 {
		t.Fatalf("nothing may be written when the flag cannot be read")
	}
}

func TestCancelledRunLeavesFlagUnset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	target := &fakeTarget{}
	if _, err := Run(ctx, target, legacy.MapStore{"tasks": `[]`}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if target.flag {
		t.Fatalf("cancelled run must not set the flag")
	}
}

func TestNilSourceMarksComplete(t *testing.T) {
	target := &fakeTarget{}
	report, err := Run(context.Background(), target, nil, WithKeys([]slices.Key{slices.KeyTasks}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !target.flag || len(report.Absent) != 1 {
		t.Fatalf("expected flag set with one absent key, got %+v", report)
	}
}
