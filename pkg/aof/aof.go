// Package aof implements the append-only log: durable write-command
// logging with crash replay and from-state compaction (rewrite).
// Grounded on the source's AofWriter in Aof.hpp.
package aof

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/duorou/mcs/internal/mcserr"
	"github.com/duorou/mcs/internal/metrics"
	"github.com/duorou/mcs/pkg/kv"
	"github.com/duorou/mcs/pkg/resp"
)

const replayChunkSize = 8192

// Writer appends RESP-framed write commands to path, fsyncing the file
// after every write so a completed Append survives a crash.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewWriter opens path for appending, creating it if absent.
func NewWriter(path string) (*Writer, error) {
	w := &Writer{path: path}
	if err := w.openAppend(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openAppend() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "open AOF for append")
	}
	w.f = f
	return nil
}

// Append writes one RESP array for args and fsyncs the file.
func (w *Writer) Append(args []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		if err := w.openAppend(); err != nil {
			return err
		}
	}
	wire := resp.Encode(args)
	if _, err := w.f.Write(wire); err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "append to AOF")
	}
	if err := w.f.Sync(); err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "flush AOF")
	}
	metrics.AofBytesWritten.WithLabelValues().Add(float64(len(wire)))
	return nil
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Apply is the dispatch callback Replay feeds every parsed command to.
// Return value is ignored; errors are handled by the blanket catch-all
// documented below, exactly as the source preserves.
type Apply func(args []string)

// Replay sets store.loading, reads path in 8 KiB chunks into a parse
// buffer, repeatedly parsing and applying complete commands, and clears
// loading on the way out. It returns true if the file existed and
// reading reached EOF without a hard I/O failure; an incomplete final
// command in the tail is silently ignored rather than treated as an
// error — the source's blanket catch-all also means any panic from
// apply leaves whatever state was already mutated in place rather than
// rolling back, which this preserves by not recovering mid-loop.
func Replay(path string, store *kv.DataStore, apply Apply) (ok bool, err error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		if os.IsNotExist(openErr) {
			return false, nil
		}
		return false, mcserr.Wrap(mcserr.PersistenceFailed, openErr, "open AOF for replay")
	}
	defer f.Close()

	store.SetLoading(true)
	defer store.SetLoading(false)

	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	var buf []byte
	chunk := make([]byte, replayChunkSize)
	for {
		n, readErr := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				args, consumed := resp.Parse(buf)
				if args == nil {
					break
				}
				apply(args)
				buf = buf[consumed:]
			}
		}
		if readErr == io.EOF {
			return true, nil
		}
		if readErr != nil {
			return false, mcserr.Wrap(mcserr.PersistenceFailed, readErr, "read AOF")
		}
	}
}

// Rewrite writes a minimal equivalent log reconstructed from store's
// live state to outPath, then atomically replaces target. loading
// suppression is held across the whole procedure so the rewrite does
// not re-log itself through any installed apply-callback, and the
// store's current DB is restored afterward.
func Rewrite(store *kv.DataStore, target string) error {
	outPath := target + ".tmp"

	wasLoading := store.IsLoading()
	store.SetLoading(true)
	defer store.SetLoading(wasLoading)

	f, err := os.Create(outPath)
	if err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "create AOF rewrite temp file")
	}
	bw := bufio.NewWriter(f)

	info := store.Info()
	numDBs, currentDB := parseInfoCounts(info)

	for i := 0; i < numDBs; i++ {
		if !store.Select(i) {
			break
		}
		if _, err := bw.Write(resp.Encode([]string{"SELECT", strconv.Itoa(i)})); err != nil {
			f.Close()
			return mcserr.Wrap(mcserr.PersistenceFailed, err, "write AOF rewrite SELECT")
		}
		for _, k := range store.Keys("*") {
			v, ok := store.Get(k)
			if !ok {
				continue
			}
			if _, err := bw.Write(resp.Encode([]string{"SET", k, v})); err != nil {
				f.Close()
				return mcserr.Wrap(mcserr.PersistenceFailed, err, "write AOF rewrite SET")
			}
		}
	}
	store.Select(currentDB)

	if err := bw.Flush(); err != nil {
		f.Close()
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "flush AOF rewrite")
	}
	if err := f.Close(); err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "close AOF rewrite temp file")
	}

	os.Remove(target)
	if err := os.Rename(outPath, target); err != nil {
		return mcserr.Wrap(mcserr.PersistenceFailed, err, "replace AOF file")
	}
	return nil
}

func parseInfoCounts(info string) (numDBs, current int) {
	numDBs = kv.DefaultDatabaseCount
	for _, line := range strings.Split(info, "\n") {
		switch {
		case strings.HasPrefix(line, "databases:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "databases:")); err == nil {
				numDBs = n
			}
		case strings.HasPrefix(line, "current_db:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "current_db:")); err == nil {
				current = n
			}
		}
	}
	return numDBs, current
}
