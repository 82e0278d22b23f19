package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"govault/internal/bundle"
	"govault/internal/chunkid"
	"govault/internal/chunkindex"
)

func newTestDirs(t *testing.T) (bundlesDir, tmpDir, indexDir string) {
	t.Helper()
	root := t.TempDir()
	bundlesDir = filepath.Join(root, "bundles")
	tmpDir = filepath.Join(root, "tmp")
	indexDir = filepath.Join(root, "index")
	for _, d := range []string{bundlesDir, tmpDir, indexDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	return bundlesDir, tmpDir, indexDir
}

func TestWriterDedupsRepeatedAdd(t *testing.T) {
	bundlesDir, tmpDir, indexDir := newTestDirs(t)
	codec, _ := bundle.Lookup("zstd")
	idx := chunkindex.New(0)
	w := NewWriter(idx, bundlesDir, tmpDir, indexDir, nil, Config{Codec: codec})

	id := chunkid.OfBytes([]byte("hello"))
	stored, err := w.Add(id, []byte("hello"))
	if err != nil || !stored {
		t.Fatalf("first Add: stored=%v err=%v", stored, err)
	}
	stored, err = w.Add(id, []byte("hello"))
	if err != nil || stored {
		t.Fatalf("second Add: stored=%v err=%v, want false, nil", stored, err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestWriterRollsOverAtMaxPayloadSize(t *testing.T) {
	bundlesDir, tmpDir, indexDir := newTestDirs(t)
	codec, _ := bundle.Lookup("zstd")
	idx := chunkindex.New(0)
	w := NewWriter(idx, bundlesDir, tmpDir, indexDir, nil, Config{BundleMaxPayloadSize: 16, Codec: codec})

	chunks := [][]byte{
		bytes.Repeat([]byte("a"), 10),
		bytes.Repeat([]byte("b"), 10),
		bytes.Repeat([]byte("c"), 10),
	}
	var ids []chunkid.ID
	for i, c := range chunks {
		id := chunkid.OfBytes(append(append([]byte{}, c...), byte(i)))
		ids = append(ids, id)
		stored, err := w.Add(id, c)
		if err != nil || !stored {
			t.Fatalf("Add %d: stored=%v err=%v", i, stored, err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	seen := map[string]bool{}
	for _, id := range ids {
		bid, ok := idx.FindByID(id)
		if !ok {
			t.Fatalf("chunk %s missing from index after commit", id)
		}
		seen[bid.String()] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected chunks to land in at least 2 bundles from rollover, got %d", len(seen))
	}
}

func TestWriterThenReaderRoundTrip(t *testing.T) {
	bundlesDir, tmpDir, indexDir := newTestDirs(t)
	codec, _ := bundle.Lookup("lz4")
	idx := chunkindex.New(0)
	key := bytes.Repeat([]byte{0x42}, 16)
	w := NewWriter(idx, bundlesDir, tmpDir, indexDir, key, Config{Codec: codec})

	payloads := map[string][]byte{}
	var ids []chunkid.ID
	for i := 0; i < 5; i++ {
		data := bytes.Repeat([]byte{byte('A' + i)}, 100)
		id := chunkid.OfBytes(append(append([]byte{}, data...), byte(i)))
		ids = append(ids, id)
		payloads[id.String()] = data
		if stored, err := w.Add(id, data); err != nil || !stored {
			t.Fatalf("Add %d: stored=%v err=%v", i, stored, err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r, err := NewReader(idx, bundlesDir, key, 1<<20, 1<<20)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	for _, id := range ids {
		got, err := r.Get(id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if !bytes.Equal(got, payloads[id.String()]) {
			t.Fatalf("Get %s mismatch", id)
		}
	}
}

func TestReaderMissingChunkErrors(t *testing.T) {
	bundlesDir, _, _ := newTestDirs(t)
	idx := chunkindex.New(0)
	r, err := NewReader(idx, bundlesDir, nil, 1<<20, 1<<20)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := r.Get(chunkid.OfBytes([]byte("nope"))); err == nil {
		t.Fatal("expected error for chunk absent from index")
	}
}
