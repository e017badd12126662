package mcdb

import (
	"path/filepath"
	"testing"

	"github.com/duorou/mcs/pkg/compression"
	"github.com/duorou/mcs/pkg/kv"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.mcdb")

	store := kv.New(nil, 4)
	defer store.Close()
	store.Select(3)
	store.Set("foo", "bar")
	store.Pexpire("foo", 60000)

	if err := Save(store, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := kv.New(nil, 4)
	defer restored.Close()
	if err := Load(restored, path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restored.CurrentDB() != 3 {
		t.Fatalf("current db = %d, want 3", restored.CurrentDB())
	}
	restored.Select(3)
	if v, ok := restored.Get("foo"); !ok || v != "bar" {
		t.Fatalf("Get(foo) = %q, %v", v, ok)
	}
	if ttl := restored.Pttl("foo"); ttl <= 0 || ttl > 60000 {
		t.Fatalf("pttl = %d, want in (0, 60000]", ttl)
	}
}

func TestSaveLoadRoundTripPerAlgorithm(t *testing.T) {
	for _, algo := range []compression.Algorithm{compression.None, compression.LZ4, compression.Snappy, compression.Zstd} {
		algo := algo
		t.Run(string(algo)+"-or-none", func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "dump.mcdb")

			store := kv.New(nil, 2)
			defer store.Close()
			store.Set("k", "v")

			if err := SaveWithAlgorithm(store, path, algo); err != nil {
				t.Fatalf("SaveWithAlgorithm(%s): %v", algo, err)
			}

			restored := kv.New(nil, 2)
			defer restored.Close()
			if err := Load(restored, path); err != nil {
				t.Fatalf("Load(%s): %v", algo, err)
			}
			if v, ok := restored.Get("k"); !ok || v != "v" {
				t.Fatalf("Get(k) = %q, %v", v, ok)
			}
		})
	}
}

func TestSiblingPath(t *testing.T) {
	got := SiblingPath("/etc/mcs/mcs.conf", "dump.mcdb")
	want := filepath.Join("/etc/mcs", "dump.mcdb")
	if got != want {
		t.Fatalf("SiblingPath = %q, want %q", got, want)
	}
}
