package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// mustOpen creates an in-memory cache and registers cleanup
func mustOpen(t *testing.T) (*Cache, context.Context) {
	t.Helper()
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, context.Background()
}

func TestGetMiss(t *testing.T) {
	c, ctx := mustOpen(t)

	e, err := c.Get(ctx, "AK", 2024, 0)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if e != nil {
		t.Errorf("expected miss, got %+v", e)
	}
}

func TestPutAndGet(t *testing.T) {
	c, ctx := mustOpen(t)

	if err := c.Put(ctx, "ak", 2024, []byte(`[{"x":1}]`), 1); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	e, err := c.Get(ctx, "AK", 2024, time.Hour)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if e == nil {
		t.Fatal("expected hit")
	}
	if string(e.Payload) != `[{"x":1}]` {
		t.Errorf("Payload = %q", e.Payload)
	}
	if e.State != "AK" || e.EndYear != 2024 || e.RowCount != 1 {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.ID == "" {
		t.Error("entry ID is empty")
	}
}

func TestPutReplaces(t *testing.T) {
	c, ctx := mustOpen(t)

	if err := c.Put(ctx, "OK", 2023, []byte("old"), 1); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := c.Put(ctx, "OK", 2023, []byte("new"), 2); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	e, err := c.Get(ctx, "OK", 2023, 0)
	if err != nil || e == nil {
		t.Fatalf("Get = %v, %v", e, err)
	}
	if string(e.Payload) != "new" || e.RowCount != 2 {
		t.Errorf("entry not replaced: %+v", e)
	}

	entries, err := c.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Entries returned %d, want 1", len(entries))
	}
}

func TestTTLExpiry(t *testing.T) {
	c, ctx := mustOpen(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	if err := c.Put(ctx, "AK", 2020, []byte("x"), 1); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	c.now = func() time.Time { return base.Add(2 * time.Hour) }

	if e, _ := c.Get(ctx, "AK", 2020, time.Hour); e != nil {
		t.Error("entry older than TTL should be a miss")
	}
	if e, _ := c.Get(ctx, "AK", 2020, 3*time.Hour); e == nil {
		t.Error("entry within TTL should be a hit")
	}
	if e, _ := c.Get(ctx, "AK", 2020, 0); e == nil {
		t.Error("zero TTL should never expire")
	}
}

func TestClear(t *testing.T) {
	c, ctx := mustOpen(t)

	for _, k := range []struct {
		state string
		year  int
	}{{"AK", 2022}, {"AK", 2023}, {"OK", 2023}} {
		if err := c.Put(ctx, k.state, k.year, []byte("x"), 1); err != nil {
			t.Fatalf("Put error: %v", err)
		}
	}

	n, err := c.Clear(ctx, "ak")
	if err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if n != 2 {
		t.Errorf("Clear(ak) removed %d, want 2", n)
	}

	entries, _ := c.Entries(ctx)
	if len(entries) != 1 || entries[0].State != "OK" {
		t.Errorf("remaining entries = %+v", entries)
	}

	n, err = c.Clear(ctx, "")
	if err != nil {
		t.Fatalf("Clear all error: %v", err)
	}
	if n != 1 {
		t.Errorf("Clear(all) removed %d, want 1", n)
	}
}

func TestEntriesOrderedWithoutPayload(t *testing.T) {
	c, ctx := mustOpen(t)

	_ = c.Put(ctx, "OK", 2024, []byte("a"), 3)
	_ = c.Put(ctx, "AK", 2025, []byte("b"), 4)
	_ = c.Put(ctx, "AK", 2021, []byte("c"), 5)

	entries, err := c.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries error: %v", err)
	}
	want := []struct {
		state string
		year  int
	}{{"AK", 2021}, {"AK", 2025}, {"OK", 2024}}
	if len(entries) != len(want) {
		t.Fatalf("Entries returned %d, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].State != w.state || entries[i].EndYear != w.year {
			t.Errorf("entries[%d] = %s %d, want %s %d", i, entries[i].State, entries[i].EndYear, w.state, w.year)
		}
		if entries[i].Payload != nil {
			t.Errorf("entries[%d] carries a payload", i)
		}
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer func() { _ = c.Close() }()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
	if c.Path() != path {
		t.Errorf("Path() = %q, want %q", c.Path(), path)
	}
}

func TestPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := c.Put(ctx, "OK", 2019, []byte("persisted"), 1); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	_ = c.Close()

	c, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer func() { _ = c.Close() }()

	e, err := c.Get(ctx, "OK", 2019, 0)
	if err != nil || e == nil {
		t.Fatalf("Get after reopen = %v, %v", e, err)
	}
	if string(e.Payload) != "persisted" {
		t.Errorf("Payload = %q", e.Payload)
	}
}
