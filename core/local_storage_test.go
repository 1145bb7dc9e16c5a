package core

import (
	"context"
	"sort"
	"testing"
)

func TestFileLocalStore_SetGetDelete(t *testing.T) {
	s := NewFileLocalStore(t.TempDir())
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect(ctx)

	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Fatalf("Get(missing) = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	if err := s.Set("k1", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get("k1")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("Get(k1) = (%q, %v, %v), want (v1, true, nil)", v, ok, err)
	}

	if err := s.Delete("k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get("k1"); ok {
		t.Fatal("key should be gone after Delete")
	}
}

func TestFileLocalStore_DeleteMissingIsNotError(t *testing.T) {
	s := NewFileLocalStore(t.TempDir())
	s.Connect(context.Background())
	if err := s.Delete("never-existed"); err != nil {
		t.Fatalf("Delete on missing key should not error: %v", err)
	}
}

func TestFileLocalStore_KeysPrefixFilter(t *testing.T) {
	s := NewFileLocalStore(t.TempDir())
	s.Connect(context.Background())

	for _, k := range []string{"pending/transfer/a", "pending/transfer/b", "token/x"} {
		if err := s.Set(k, []byte("v")); err != nil {
			t.Fatalf("Set(%q): %v", k, err)
		}
	}

	keys, err := s.Keys("pending/transfer/")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	sort.Strings(keys)
	want := []string{"pending/transfer/a", "pending/transfer/b"}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", keys, want)
		}
	}
}

func TestFileLocalStore_KeysEmptyPrefixListsAll(t *testing.T) {
	s := NewFileLocalStore(t.TempDir())
	s.Connect(context.Background())
	s.Set("a", []byte("1"))
	s.Set("b", []byte("2"))

	keys, err := s.Keys("")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys('') = %v, want 2 entries", keys)
	}
}

func TestEncodeDecodeKeyFilenameRoundtrip(t *testing.T) {
	for _, key := range []string{"simple", "pending/transfer/abc-123", "with spaces", ""} {
		enc := encodeKeyFilename(key)
		dec := decodeKeyFilename(enc)
		if dec != key {
			t.Fatalf("roundtrip(%q) = %q", key, dec)
		}
	}
}
