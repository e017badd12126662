package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.conf"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bind != "127.0.0.1" || cfg.Port != 6379 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxMemoryPolicy != "noeviction" {
		t.Fatalf("expected default maxmemory-policy, got %q", cfg.MaxMemoryPolicy)
	}
}

func TestLoadParsesDirectives(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcs.conf")
	content := `
bind 0.0.0.0
port 7000
requirepass s3cret
maxmemory 100mb
maxmemory-policy allkeys-lru
appendonly yes
appendfilename appendonly.aof
save_immediate yes
save 900 1
save 300 10
save 0 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bind != "0.0.0.0" || cfg.Port != 7000 {
		t.Fatalf("unexpected bind/port: %+v", cfg)
	}
	if cfg.RequirePass != "s3cret" {
		t.Fatalf("unexpected requirepass: %q", cfg.RequirePass)
	}
	if cfg.MaxMemory != 100*1024*1024 {
		t.Fatalf("unexpected maxmemory: %d", cfg.MaxMemory)
	}
	if !cfg.AppendOnly || !cfg.SaveImmediate {
		t.Fatalf("expected appendonly and save_immediate true")
	}
	if len(cfg.SaveConditions) != 3 {
		t.Fatalf("expected 3 save conditions, got %d", len(cfg.SaveConditions))
	}
	if cfg.SaveConditions[2] != (SaveCondition{Seconds: 0, Changes: 2}) {
		t.Fatalf("unexpected third save condition: %+v", cfg.SaveConditions[2])
	}
}

func TestResolvePath(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "nonexistent.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.ResolvePath("/abs/path.aof"); got != "/abs/path.aof" {
		t.Fatalf("expected absolute path to pass through, got %q", got)
	}
	rel := cfg.ResolvePath("appendonly.aof")
	if filepath.Base(rel) != "appendonly.aof" {
		t.Fatalf("unexpected resolved path: %q", rel)
	}
}

func TestParseMemorySuffixes(t *testing.T) {
	cases := map[string]int64{
		"":      0,
		"1024":  1024,
		"1kb":   1024,
		"2mb":   2 * 1024 * 1024,
		"1gb":   1024 * 1024 * 1024,
		"3GB":   3 * 1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := parseMemory(in)
		if err != nil {
			t.Fatalf("parseMemory(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseMemory(%q) = %d, want %d", in, got, want)
		}
	}
}
