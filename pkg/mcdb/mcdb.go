// Package mcdb implements the MCDB snapshot file format: an opaque,
// gob-encoded serialization of a kv.DataStore's full state, equivalent
// to replaying a SELECT/SET/PEXPIRE sequence against an empty store.
// Grounded on the source's saveMCDB/loadMCDB call sites in main.cpp and
// Aof.hpp's rewrite path, which treat the file as an unstructured blob
// swapped in atomically.
package mcdb

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/duorou/mcs/internal/mcserr"
	"github.com/duorou/mcs/pkg/compression"
	"github.com/duorou/mcs/pkg/kv"
)

// magic guards against loading an unrelated file as a snapshot. The
// newline-terminated line following it names the compression.Algorithm the gob payload was
// compressed with, so Load never has to be told which one to expect.
const magic = "MCDB1\n"

// DefaultAlgorithm is used by Save when none is specified; zstd gives
// the best ratio for the sparse/repetitive gob encoding a keyspace
// snapshot produces without needing per-call tuning.
const DefaultAlgorithm = compression.Zstd

// Save serializes store's current state to path, replacing any existing
// file atomically via a temp-file rename. The payload is compressed
// with DefaultAlgorithm.
func Save(store *kv.DataStore, path string) error {
	return SaveWithAlgorithm(store, path, DefaultAlgorithm)
}

// SaveWithAlgorithm is Save with an explicit compression.Algorithm,
// letting callers trade ratio for CPU (e.g. compression.None for a
// fast local dev loop).
func SaveWithAlgorithm(store *kv.DataStore, path string, algo compression.Algorithm) error {
	snap := store.Snapshot()

	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(snap); err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "encode snapshot")
	}

	comp, err := compression.NewCompressor(algo)
	if err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "resolve snapshot compressor")
	}
	payload, err := comp.Compress(raw.Bytes())
	if err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "compress snapshot")
	}

	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.Write(algo.EncodeHeader())
	buf.Write(payload)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "write snapshot temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "replace snapshot file")
	}
	return nil
}

// Load reads path and restores its snapshot into store.
func Load(store *kv.DataStore, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "read snapshot file")
	}
	if len(data) < len(magic) || string(data[:len(magic)]) != magic {
		return mcserr.New(mcserr.PersistenceFailed, "not an MCDB snapshot file")
	}
	rest := data[len(magic):]

	algo, payload, err := compression.DecodeHeader(rest)
	if err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "malformed snapshot header")
	}

	comp, err := compression.NewCompressor(algo)
	if err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "resolve snapshot compressor")
	}
	raw, err := comp.Decompress(payload)
	if err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "decompress snapshot")
	}

	var snap kv.Snapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "decode snapshot")
	}
	store.Restore(snap)
	return nil
}

// Exists reports whether path refers to a regular, readable file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// SiblingPath resolves an MCDB filename relative to the directory
// holding the server's config file, matching the source's placement of
// dump.mcdb next to the config it was started with.
func SiblingPath(configPath, filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(filepath.Dir(configPath), filename)
}
