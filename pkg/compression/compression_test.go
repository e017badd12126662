package compression

import (
	"bytes"
	"strings"
	"testing"
)

// gobLikePayload stands in for the kind of data mcdb actually compresses:
// a repetitive, text-heavy gob encoding of a keyspace snapshot, rather
// than arbitrary bytes.
func gobLikePayload() []byte {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("key:session:")
		b.WriteString(strings.Repeat("a", i%7))
		b.WriteString(" -> value-blob-")
		b.WriteString(strings.Repeat("x", 16))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func TestCompressorRoundTrip(t *testing.T) {
	payload := gobLikePayload()

	for _, algo := range []Algorithm{LZ4, Snappy, Zstd} {
		t.Run(string(algo), func(t *testing.T) {
			c, err := NewCompressor(algo)
			if err != nil {
				t.Fatalf("NewCompressor(%s): %v", algo, err)
			}
			if c.Algorithm() != algo {
				t.Fatalf("Algorithm() = %s, want %s", c.Algorithm(), algo)
			}

			compressed, err := c.Compress(payload)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if len(compressed) >= len(payload) {
				t.Errorf("%s: expected compression to shrink a repetitive %d-byte payload, got %d", algo, len(payload), len(compressed))
			}

			decompressed, err := c.Decompress(compressed)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(payload, decompressed) {
				t.Fatalf("%s: round trip mismatch", algo)
			}
		})
	}
}

func TestNoneCompressorIsIdentity(t *testing.T) {
	c, err := NewCompressor(None)
	if err != nil {
		t.Fatalf("NewCompressor(None): %v", err)
	}
	payload := gobLikePayload()
	compressed, _ := c.Compress(payload)
	if !bytes.Equal(compressed, payload) {
		t.Fatal("None compressor must pass data through unchanged")
	}
	decompressed, _ := c.Decompress(compressed)
	if !bytes.Equal(decompressed, payload) {
		t.Fatal("None decompressor must pass data through unchanged")
	}
}

func TestEmptyPayloadRoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{None, LZ4, Snappy, Zstd} {
		t.Run(string(algo), func(t *testing.T) {
			c, err := NewCompressor(algo)
			if err != nil {
				t.Fatalf("NewCompressor(%s): %v", algo, err)
			}
			compressed, err := c.Compress(nil)
			if err != nil {
				t.Fatalf("Compress(nil): %v", err)
			}
			decompressed, err := c.Decompress(compressed)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if len(decompressed) != 0 {
				t.Errorf("%s: expected empty round trip, got %d bytes", algo, len(decompressed))
			}
		})
	}
}

func TestNewCompressorUnsupportedAlgorithm(t *testing.T) {
	if _, err := NewCompressor("rot13"); err == nil {
		t.Fatal("expected an error for an unrecognized algorithm")
	}
}

// TestHeaderRoundTrip exercises the exact tag format mcdb writes right
// after its file magic and reads back on Load.
func TestHeaderRoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{None, LZ4, Snappy, Zstd} {
		payload := []byte("compressed-payload-bytes")
		header := algo.EncodeHeader()

		rest := append(append([]byte{}, header...), payload...)
		gotAlgo, gotPayload, err := DecodeHeader(rest)
		if err != nil {
			t.Fatalf("DecodeHeader(%s): %v", algo, err)
		}
		if gotAlgo != algo {
			t.Fatalf("DecodeHeader algo = %q, want %q", gotAlgo, algo)
		}
		if !bytes.Equal(gotPayload, payload) {
			t.Fatalf("DecodeHeader payload = %q, want %q", gotPayload, payload)
		}
	}
}

func TestDecodeHeaderMissingNewline(t *testing.T) {
	if _, _, err := DecodeHeader([]byte("zstd-no-newline")); err == nil {
		t.Fatal("expected an error when the header has no terminating newline")
	}
}
