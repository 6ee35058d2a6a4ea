// Package enginetest holds the conformance suite every storage engine runs.
package enginetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"

	"hearth/pkg/domain"
)

// Factory returns a connector to a fresh, empty database location.
type Factory func(t *testing.T) domain.Connector

// Run exercises the domain.Engine contract against the engine built by newConnector.
func Run(t *testing.T, newConnector Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, domain.Connector)
	}{
		{"FreshDatabaseIsVersionZero", testFresh},
		{"UpgradeCreatesStores", testUpgradeCreatesStores},
		{"UpgradeIsAdditive", testUpgradeIsAdditive},
		{"GetPutRoundTrip", testGetPut},
		{"MissingStore", testMissingStore},
		{"ScanReadsSelfKeyedRecords", testScan},
		{"PersistsAcrossConnections", testPersists},
		{"ClosedEngine", testClosed},
		{"ConcurrentPuts", testConcurrentPuts},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newConnector(t))
		})
	}
}

func connect(t *testing.T, c domain.Connector) domain.Engine {
	t.Helper()
	eng, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect %s: %v", c.Location(), err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func upgrade(t *testing.T, eng domain.Engine, version int, stores ...string) {
	t.Helper()
	if err := eng.Upgrade(context.Background(), version, stores); err != nil {
		t.Fatalf("upgrade to %d: %v", version, err)
	}
}

// JSONEqual reports whether a and b encode the same JSON value. Engines may
// normalise whitespace and key order.
func JSONEqual(a, b []byte) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func testFresh(t *testing.T, c domain.Connector) {
	eng := connect(t, c)
	v, err := eng.Version(context.Background())
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected version 0, got %d", v)
	}
	stores, err := eng.Stores(context.Background())
	if err != nil {
		t.Fatalf("stores: %v", err)
	}
	if len(stores) != 0 {
		t.Fatalf("expected no stores, got %v", stores)
	}
}

func testUpgradeCreatesStores(t *testing.T, c domain.Connector) {
	ctx := context.Background()
	eng := connect(t, c)
	upgrade(t, eng, 1, "tasks", "settings", "_meta")
	v, err := eng.Version(ctx)
	if err != nil || v != 1 {
		t.Fatalf("expected version 1, got %d (%v)", v, err)
	}
	stores, err := eng.Stores(ctx)
	if err != nil {
		t.Fatalf("stores: %v", err)
	}
	sort.Strings(stores)
	if want := []string{"_meta", "settings", "tasks"}; !reflect.DeepEqual(stores, want) {
		t.Fatalf("expected %v, got %v", want, stores)
	}
	// repeating the same upgrade is a no-op
	upgrade(t, eng, 1, "tasks", "settings", "_meta")
}

func testUpgradeIsAdditive(t *testing.T, c domain.Connector) {
	ctx := context.Background()
	eng := connect(t, c)
	upgrade(t, eng, 1, "tasks", "_meta")
	if err := eng.Put(ctx, "tasks", "tasks", []byte(`[{"id":1,"text":"keep"}]`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	upgrade(t, eng, 2, "tasks", "moodLogs", "_meta")
	raw, ok, err := eng.Get(ctx, "tasks", "tasks")
	if err != nil || !ok {
		t.Fatalf("tasks lost by upgrade: ok=%v err=%v", ok, err)
	}
	if !JSONEqual(raw, []byte(`[{"id":1,"text":"keep"}]`)) {
		t.Fatalf("tasks changed by upgrade: %s", raw)
	}
	if _, ok, err := eng.Get(ctx, "moodLogs", "moodLogs"); err != nil || ok {
		t.Fatalf("new store should exist and be empty: ok=%v err=%v", ok, err)
	}
	if v, _ := eng.Version(ctx); v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}
}

func testGetPut(t *testing.T, c domain.Connector) {
	ctx := context.Background()
	eng := connect(t, c)
	upgrade(t, eng, 1, "settings", "_meta")
	if _, ok, err := eng.Get(ctx, "settings", "settings"); err != nil || ok {
		t.Fatalf("expected absent record, ok=%v err=%v", ok, err)
	}
	for i, v := range []string{`{"darkMode":false}`, `{"darkMode":true}`} {
		if err := eng.Put(ctx, "settings", "settings", []byte(v)); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	raw, ok, err := eng.Get(ctx, "settings", "settings")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !JSONEqual(raw, []byte(`{"darkMode":true}`)) {
		t.Fatalf("expected last write to win, got %s", raw)
	}
	if err := eng.Put(ctx, "_meta", "legacyMigrationComplete", []byte(`true`)); err != nil {
		t.Fatalf("put meta: %v", err)
	}
	raw, ok, err = eng.Get(ctx, "_meta", "legacyMigrationComplete")
	if err != nil || !ok || !JSONEqual(raw, []byte(`true`)) {
		t.Fatalf("meta flag: %s ok=%v err=%v", raw, ok, err)
	}
}

func testMissingStore(t *testing.T, c domain.Connector) {
	ctx := context.Background()
	eng := connect(t, c)
	upgrade(t, eng, 1, "tasks")
	if _, _, err := eng.Get(ctx, "nope", "nope"); !errors.Is(err, domain.ErrNoSuchStore) {
		t.Fatalf("get: expected ErrNoSuchStore, got %v", err)
	}
	if err := eng.Put(ctx, "nope", "nope", []byte(`1`)); !errors.Is(err, domain.ErrNoSuchStore) {
		t.Fatalf("put: expected ErrNoSuchStore, got %v", err)
	}
}

func testScan(t *testing.T, c domain.Connector) {
	ctx := context.Background()
	eng := connect(t, c)
	upgrade(t, eng, 1, "tasks", "habits", "settings", "_meta")
	mustPut := func(store, key, value string) {
		t.Helper()
		if err := eng.Put(ctx, store, key, []byte(value)); err != nil {
			t.Fatalf("put %s/%s: %v", store, key, err)
		}
	}
	mustPut("tasks", "tasks", `[]`)
	mustPut("settings", "settings", `{"darkMode":true}`)
	mustPut("habits", "other", `[1]`)
	mustPut("_meta", "_meta", `true`)

	got, err := eng.Scan(ctx, []string{"tasks", "habits", "settings", "missing"})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d: %v", len(got), keys(got))
	}
	if !JSONEqual(got["tasks"], []byte(`[]`)) || !JSONEqual(got["settings"], []byte(`{"darkMode":true}`)) {
		t.Fatalf("unexpected scan result %v", keys(got))
	}
}

func testPersists(t *testing.T, c domain.Connector) {
	ctx := context.Background()
	first, err := c.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := first.Upgrade(ctx, 3, []string{"tasks", "_meta"}); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if err := first.Put(ctx, "tasks", "tasks", []byte(`[{"id":7,"text":"persist"}]`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := connect(t, c)
	if v, err := second.Version(ctx); err != nil || v != 3 {
		t.Fatalf("expected version 3 after reconnect, got %d (%v)", v, err)
	}
	raw, ok, err := second.Get(ctx, "tasks", "tasks")
	if err != nil || !ok || !JSONEqual(raw, []byte(`[{"id":7,"text":"persist"}]`)) {
		t.Fatalf("record not persisted: %s ok=%v err=%v", raw, ok, err)
	}
}

func testClosed(t *testing.T, c domain.Connector) {
	ctx := context.Background()
	eng, err := c.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := eng.Upgrade(ctx, 1, []string{"tasks"}); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, _, err := eng.Get(ctx, "tasks", "tasks"); !errors.Is(err, domain.ErrEngineClosed) {
		t.Fatalf("get after close: expected ErrEngineClosed, got %v", err)
	}
	if err := eng.Put(ctx, "tasks", "tasks", []byte(`[]`)); !errors.Is(err, domain.ErrEngineClosed) {
		t.Fatalf("put after close: expected ErrEngineClosed, got %v", err)
	}
}

func testConcurrentPuts(t *testing.T, c domain.Connector) {
	ctx := context.Background()
	eng := connect(t, c)
	names := make([]string, 8)
	for i := range names {
		names[i] = fmt.Sprintf("store%d", i)
	}
	upgrade(t, eng, 1, names...)

	var wg sync.WaitGroup
	errs := make(chan error, len(names))
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			errs <- eng.Put(ctx, name, name, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		}(i, name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent put: %v", err)
		}
	}
	got, err := eng.Scan(ctx, names)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != len(names) {
		t.Fatalf("expected %d records, got %d", len(names), len(got))
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
