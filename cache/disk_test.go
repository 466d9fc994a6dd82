package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestDiskCache(t *testing.T) *DiskCache {
	t.Helper()
	d, err := NewDiskCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func contentCount(t *testing.T, d *DiskCache) int {
	t.Helper()
	files, err := os.ReadDir(filepath.Join(d.root, "content"))
	if err != nil {
		t.Fatal(err)
	}
	return len(files)
}

func TestDiskCacheDedupesContent(t *testing.T) {
	d := newTestDiskCache(t)
	ctx := context.Background()
	payload := []byte("identical envelope bytes")

	if err := d.Put(ctx, "key-one", payload); err != nil {
		t.Fatal(err)
	}
	if err := d.Put(ctx, "key-two", payload); err != nil {
		t.Fatal(err)
	}
	if n := contentCount(t, d); n != 1 {
		t.Fatalf("Content files: %d", n)
	}
	for _, key := range []string{"key-one", "key-two"} {
		if value, ok, err := d.Get(ctx, key); err != nil || !ok || string(value) != string(payload) {
			t.Fatalf("Get(%s) = %q, %v, %v", key, value, ok, err)
		}
	}
}

func TestDiskCacheSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	d, err := NewDiskCache(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Put(ctx, "key", []byte("durable")); err != nil {
		t.Fatal(err)
	}
	d.Close()

	reopened, err := NewDiskCache(dir)
	if err != nil {
		t.Fatal(err)
	}
	value, ok, err := reopened.Get(ctx, "key")
	if err != nil || !ok || string(value) != "durable" {
		t.Fatalf("Get after reopen = %q, %v, %v", value, ok, err)
	}
}

func TestDiskCacheStreaming(t *testing.T) {
	d := newTestDiskCache(t)
	ctx := context.Background()
	body := strings.Repeat("large-body-", 10000)

	if err := d.PutReader(ctx, "key", strings.NewReader(body)); err != nil {
		t.Fatal(err)
	}
	r, ok, err := d.GetReader(ctx, "key")
	if err != nil || !ok {
		t.Fatalf("GetReader = %v, %v", ok, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != body {
		t.Fatalf("Streamed %d bytes back", len(data))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestDiskCacheFailedWriteLeavesOldEntry(t *testing.T) {
	d := newTestDiskCache(t)
	ctx := context.Background()
	if err := d.Put(ctx, "key", []byte("old")); err != nil {
		t.Fatal(err)
	}
	if err := d.PutReader(ctx, "key", failingReader{}); err == nil {
		t.Fatal("PutReader with failing reader succeeded")
	}
	value, ok, err := d.Get(ctx, "key")
	if err != nil || !ok || string(value) != "old" {
		t.Fatalf("Get after failed write = %q, %v, %v", value, ok, err)
	}
}

func TestDiskCachePrune(t *testing.T) {
	d := newTestDiskCache(t)
	ctx := context.Background()
	d.Put(ctx, "keep", []byte("keep me"))
	d.Put(ctx, "drop", []byte("drop me"))
	d.Delete(ctx, "drop")

	removed, err := d.Prune()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("Pruned %d files", removed)
	}
	if value, ok, _ := d.Get(ctx, "keep"); !ok || string(value) != "keep me" {
		t.Fatalf("Kept entry is %q, %v", value, ok)
	}
}
