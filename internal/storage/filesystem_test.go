package storage

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"

	"server/internal/domain"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func TestFileStorePutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key, err := store.Put(ctx, "generated/images/job-1/primary.png", []byte("payload"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key != "generated/images/job-1/primary.png" {
		t.Fatalf("canonical key = %q", key)
	}

	data, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(data, []byte("payload")) {
		t.Fatalf("Get returned %q, want payload", data)
	}
}

func TestFileStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get(context.Background(), "missing/key.png"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get missing key err = %v, want ErrNotFound", err)
	}
}

func TestFileStoreDeleteIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "a/b.txt", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, "a/b.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "a/b.txt"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if ok, _ := store.Exists(ctx, "a/b.txt"); ok {
		t.Fatalf("key still exists after delete")
	}
}

func TestFileStoreListPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"generated/images/a/primary.png", "generated/images/a/thumb.png", "generated/videos/b/primary.mp4"} {
		if _, err := store.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "generated/images/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(keys)
	want := []string{"generated/images/a/primary.png", "generated/images/a/thumb.png"}
	if len(keys) != len(want) {
		t.Fatalf("List returned %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("List[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	cases := []struct {
		name string
		key  string
		ok   bool
	}{
		{"plain", "a/b/c.png", true},
		{"leading slash stripped", "/a/b.png", true},
		{"dot slash stripped", "./a.png", true},
		{"empty", "  ", false},
		{"parent escape", "../secrets.txt", false},
		{"nested escape", "a/../../etc/passwd", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := sanitizeKey(tc.key)
			if tc.ok && err != nil {
				t.Fatalf("sanitizeKey(%q) = %v, want ok", tc.key, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("sanitizeKey(%q) accepted, want error", tc.key)
			}
		})
	}
}
