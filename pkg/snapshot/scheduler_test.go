package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duorou/mcs/internal/config"
	"github.com/duorou/mcs/internal/mcslog"
	"github.com/duorou/mcs/pkg/kv"
	"github.com/duorou/mcs/pkg/mcdb"
)

func TestSaveNowWritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mcs.conf")
	if err := os.WriteFile(cfgPath, []byte("port 6379\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	store := kv.New(mcslog.Nop(), kv.DefaultDatabaseCount)
	defer store.Close()
	store.Set("k", "v")

	s := New(mcslog.Nop(), cfg, store)
	if err := s.SaveNow(); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}

	snapPath := cfg.ResolvePath(config.MCDBFilename)
	if !mcdb.Exists(snapPath) {
		t.Fatalf("expected snapshot at %s", snapPath)
	}
}

func TestTickHonorsSaveConditions(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mcs.conf")
	content := "port 6379\nsave 0 1\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	store := kv.New(mcslog.Nop(), kv.DefaultDatabaseCount)
	defer store.Close()
	store.Set("k", "v")

	s := New(mcslog.Nop(), cfg, store)
	s.lastSave = time.Now().Add(-time.Hour)
	s.tick()

	snapPath := cfg.ResolvePath(config.MCDBFilename)
	if !mcdb.Exists(snapPath) {
		t.Fatalf("expected save-condition tick to write snapshot")
	}
}
