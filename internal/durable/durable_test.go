package durable

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"hearth/internal/infra/persistence/memory"
	"hearth/pkg/slices"
)

func mustOpen(t *testing.T, o *Opener) *Handle {
	t.Helper()
	h, err := o.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return h
}

func TestOpenFreshDeviceCreatesSchema(t *testing.T) {
	ctx := context.Background()
	dev := memory.NewDevice(t.Name())
	o := NewOpener(dev)
	h := mustOpen(t, o)
	defer o.Close()

	if h.Version() != slices.SchemaVersion {
		t.Fatalf("expected version %d, got %d", slices.SchemaVersion, h.Version())
	}
	eng, err := dev.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer eng.Close()
	stores, err := eng.Stores(ctx)
	if err != nil {
		t.Fatalf("stores: %v", err)
	}
	if len(stores) != len(slices.Keys())+1 {
		t.Fatalf("expected %d stores, got %d: %v", len(slices.Keys())+1, len(stores), stores)
	}
	if _, ok, err := h.Get(ctx, slices.KeyTasks); err != nil || ok {
		t.Fatalf("fresh slice should be absent: ok=%v err=%v", ok, err)
	}
}

func TestPutGetAndGetAll(t *testing.T) {
	ctx := context.Background()
	o := NewOpener(memory.NewDevice(t.Name()))
	h := mustOpen(t, o)
	defer o.Close()

	if err := h.Put(ctx, slices.KeyTasks, json.RawMessage(`[{"id":1,"text":"a"}]`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := h.Put(ctx, slices.KeySettings, json.RawMessage(`{"darkMode":true}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, ok, err := h.Get(ctx, slices.KeyTasks)
	if err != nil || !ok || string(raw) != `[{"id":1,"text":"a"}]` {
		t.Fatalf("get tasks: %s ok=%v err=%v", raw, ok, err)
	}
	all, err := h.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected only written slices, got %d", len(all))
	}
	if string(all[slices.KeySettings]) != `{"darkMode":true}` {
		t.Fatalf("unexpected settings %s", all[slices.KeySettings])
	}
}

func TestConcurrentOpenSharesOneConnection(t *testing.T) {
	dev := memory.NewDevice(t.Name())
	o := NewOpener(dev)
	defer o.Close()

	const n = 16
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := o.Open(context.Background())
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("expected every caller to share one handle")
		}
	}
	if dev.Connections() != 1 {
		t.Fatalf("expected 1 connection, got %d", dev.Connections())
	}
}

func TestUpgradeKeepsExistingSlices(t *testing.T) {
	ctx := context.Background()
	dev := memory.NewDevice(t.Name())
	old := NewOpener(dev, WithSchema(slices.AtVersion(1)))
	h := mustOpen(t, old)
	if err := h.Put(ctx, slices.KeyTasks, json.RawMessage(`[{"id":9,"text":"old"}]`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, _, err := h.Get(ctx, slices.KeyInsightCache); !errors.Is(err, slices.ErrUnknownSlice) {
		t.Fatalf("v1 handle must not know insightCache, got %v", err)
	}
	_ = old.Close()

	current := NewOpener(dev)
	h = mustOpen(t, current)
	defer current.Close()
	raw, ok, err := h.Get(ctx, slices.KeyTasks)
	if err != nil || !ok || string(raw) != `[{"id":9,"text":"old"}]` {
		t.Fatalf("tasks lost across upgrade: %s ok=%v err=%v", raw, ok, err)
	}
	if err := h.Put(ctx, slices.KeyInsightCache, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("new store unusable after upgrade: %v", err)
	}
}

func TestDowngradeIsStorageUnavailable(t *testing.T) {
	dev := memory.NewDevice(t.Name())
	dev.SetVersion(slices.SchemaVersion + 1)
	_, err := NewOpener(dev).Open(context.Background())
	if !errors.Is(err, ErrStorageUnavailable) || !errors.Is(err, ErrVersionDowngrade) {
		t.Fatalf("expected downgrade error, got %v", err)
	}
	if dev.Connections() != 0 {
		t.Fatalf("failed open leaked a connection")
	}
}

func TestDeniedDeviceIsStorageUnavailable(t *testing.T) {
	dev := memory.NewDevice(t.Name())
	dev.Deny(nil)
	if _, err := NewOpener(dev).Open(context.Background()); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if _, err := NewOpener(nil).Open(context.Background()); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable for nil connector, got %v", err)
	}
}

func TestPinnedConnectionBlocksUpgrade(t *testing.T) {
	dev := memory.NewDevice(t.Name())
	release := dev.Pin()
	o := NewOpener(dev)
	if _, err := o.Open(context.Background()); !errors.Is(err, ErrVersionChangeBlocked) {
		t.Fatalf("expected ErrVersionChangeBlocked, got %v", err)
	}
	release()
	h := mustOpen(t, o)
	defer o.Close()
	if h.Version() != slices.SchemaVersion {
		t.Fatalf("unexpected version %d", h.Version())
	}
}

func TestVersionChangeClosesOlderHandles(t *testing.T) {
	ctx := context.Background()
	dev := memory.NewDevice(t.Name())
	hub := NewHub()

	older := NewOpener(dev, WithHub(hub), WithSchema(slices.AtVersion(2)))
	oldHandle := mustOpen(t, older)
	peer := NewOpener(dev, WithHub(hub), WithSchema(slices.AtVersion(2)), ReadOnly())
	peerHandle := mustOpen(t, peer)
	if hub.OpenHandles(dev.Location()) != 2 {
		t.Fatalf("expected 2 registered handles, got %d", hub.OpenHandles(dev.Location()))
	}

	newer := NewOpener(dev, WithHub(hub))
	newHandle := mustOpen(t, newer)
	defer newer.Close()

	for _, h := range []*Handle{oldHandle, peerHandle} {
		if !h.Closed() {
			t.Fatalf("older handle should close itself on version change")
		}
		if _, _, err := h.Get(ctx, slices.KeyTasks); !errors.Is(err, ErrVersionChangeBlocked) {
			t.Fatalf("expected ErrVersionChangeBlocked from closed handle, got %v", err)
		}
	}
	if hub.OpenHandles(dev.Location()) != 1 {
		t.Fatalf("expected only the new handle registered, got %d", hub.OpenHandles(dev.Location()))
	}
	if newHandle.Closed() {
		t.Fatalf("upgrading handle must stay open")
	}
	// the stale opener cannot reopen a database that is now ahead of it
	if _, err := older.Open(ctx); !errors.Is(err, ErrVersionDowngrade) {
		t.Fatalf("expected downgrade on reopen, got %v", err)
	}
}

func TestSameVersionOpenersCoexist(t *testing.T) {
	dev := memory.NewDevice(t.Name())
	hub := NewHub()
	a := NewOpener(dev, WithHub(hub))
	ha := mustOpen(t, a)
	defer a.Close()
	b := NewOpener(dev, WithHub(hub), ReadOnly())
	hb := mustOpen(t, b)
	defer b.Close()
	if ha.Closed() || hb.Closed() {
		t.Fatalf("openers at the same version must not close each other")
	}
}

func TestClosedHandleReopens(t *testing.T) {
	ctx := context.Background()
	o := NewOpener(memory.NewDevice(t.Name()))
	h := mustOpen(t, o)
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := h.Get(ctx, slices.KeyTasks); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	again := mustOpen(t, o)
	defer o.Close()
	if again == h || again.Closed() {
		t.Fatalf("expected a fresh open handle")
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	o := NewOpener(memory.NewDevice(t.Name()), ReadOnly())
	h := mustOpen(t, o)
	defer o.Close()
	if !h.ReadOnly() {
		t.Fatalf("expected read-only handle")
	}
	if err := h.Put(ctx, slices.KeyTasks, json.RawMessage(`[]`)); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if err := h.SetMeta(ctx, slices.MigrationCompleteFlag, true); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestWriteFailures(t *testing.T) {
	ctx := context.Background()
	dev := memory.NewDevice(t.Name())
	o := NewOpener(dev)
	h := mustOpen(t, o)
	defer o.Close()

	if err := h.Put(ctx, slices.KeyTasks, json.RawMessage(`[{`)); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed for invalid JSON, got %v", err)
	}
	dev.FailWrites(errors.New("quota exceeded"))
	if err := h.Put(ctx, slices.KeyTasks, json.RawMessage(`[]`)); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if err := h.Put(ctx, slices.Key("bogus"), json.RawMessage(`[]`)); !errors.Is(err, slices.ErrUnknownSlice) {
		t.Fatalf("expected ErrUnknownSlice, got %v", err)
	}
}

func TestMetaFlags(t *testing.T) {
	ctx := context.Background()
	o := NewOpener(memory.NewDevice(t.Name()))
	h := mustOpen(t, o)
	defer o.Close()

	done, err := h.GetMeta(ctx, slices.MigrationCompleteFlag)
	if err != nil || done {
		t.Fatalf("unset flag should read false: %v %v", done, err)
	}
	if err := h.SetMeta(ctx, slices.MigrationCompleteFlag, true); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	done, err = h.GetMeta(ctx, slices.MigrationCompleteFlag)
	if err != nil || !done {
		t.Fatalf("flag should read true: %v %v", done, err)
	}
	all, err := h.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("meta flags must not appear as slices, got %d", len(all))
	}
}
