package chunker

import (
	"bytes"
	"math/rand"
	"testing"

	"govault/internal/bundleid"
	"govault/internal/chunkid"
	"govault/internal/chunkindex"
	"govault/internal/instruction"
)

// memStore is a minimal Finder+Adder backed by an in-memory chunkindex.Index,
// standing in for internal/storage.Writer in these package-local tests.
type memStore struct {
	idx    *chunkindex.Index
	bundle bundleid.ID
	chunks map[chunkid.ID][]byte
}

func newMemStore(t *testing.T) *memStore {
	t.Helper()
	id, err := bundleid.New()
	if err != nil {
		t.Fatalf("bundleid.New: %v", err)
	}
	return &memStore{idx: chunkindex.New(0), bundle: id, chunks: map[chunkid.ID][]byte{}}
}

func (m *memStore) Find(rh uint64, src chunkid.Source) (bundleid.ID, bool) {
	return m.idx.Find(rh, src)
}

func (m *memStore) Add(id chunkid.ID, data []byte) (bool, error) {
	if _, ok := m.idx.FindByID(id); ok {
		return false, nil
	}
	m.idx.Add(id, m.bundle)
	m.chunks[id] = append([]byte(nil), data...)
	return true, nil
}

// reassemble reconstructs the bytes an instruction stream describes,
// resolving chunk references against store.
func reassemble(t *testing.T, store *memStore, ins []instruction.Instruction) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, i := range ins {
		switch i.Kind {
		case instruction.KindLiteral:
			buf.Write(i.Literal)
		case instruction.KindChunkRef:
			data, ok := store.chunks[i.Chunk]
			if !ok {
				t.Fatalf("dangling chunk reference %s", i.Chunk)
			}
			buf.Write(data)
		}
	}
	return buf.Bytes()
}

func TestRunEmptyInputProducesNoInstructions(t *testing.T) {
	store := newMemStore(t)
	c := New(Config{ChunkMaxSize: 64}, store, store)
	ins, err := c.Run(nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ins) != 0 {
		t.Fatalf("expected no instructions for empty input, got %d", len(ins))
	}
}

func TestRunRoundTripsShortLiteral(t *testing.T) {
	store := newMemStore(t)
	c := New(Config{ChunkMaxSize: 64, SmallLiteralThreshold: 128}, store, store)
	data := []byte("short tail below the literal threshold")
	ins, err := c.Run(data)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := reassemble(t, store, ins); !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, data)
	}
	if len(store.chunks) != 0 {
		t.Fatalf("expected no stored chunks for a below-threshold tail, got %d", len(store.chunks))
	}
}

func TestRunExactlyOneWindowStoresOneChunk(t *testing.T) {
	store := newMemStore(t)
	c := New(Config{ChunkMaxSize: 64, SmallLiteralThreshold: 8}, store, store)
	data := bytes.Repeat([]byte{0}, 64)

	ins, err := c.Run(data)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.chunks) != 1 {
		t.Fatalf("expected exactly one stored chunk, got %d", len(store.chunks))
	}
	if got := reassemble(t, store, ins); !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}

	// A second pass over the same bytes must not add a new chunk.
	ins2, err := c.Run(data)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(store.chunks) != 1 {
		t.Fatalf("expected no new chunks on repeat input, got %d total", len(store.chunks))
	}
	if got := reassemble(t, store, ins2); !bytes.Equal(got, data) {
		t.Fatalf("second round trip mismatch")
	}
}

func TestRunLargeRandomRoundTripsAndDedupsOnRepeat(t *testing.T) {
	store := newMemStore(t)
	c := New(Config{ChunkMaxSize: 4096, SmallLiteralThreshold: 128}, store, store)

	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 64*1024)
	rng.Read(data)

	ins, err := c.Run(data)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := reassemble(t, store, ins); !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}
	firstChunkCount := len(store.chunks)
	if firstChunkCount == 0 {
		t.Fatal("expected at least one stored chunk for 64 KiB of random data")
	}

	doubled := append(append([]byte{}, data...), data...)
	ins2, err := c.Run(doubled)
	if err != nil {
		t.Fatalf("Run on doubled input: %v", err)
	}
	if got := reassemble(t, store, ins2); !bytes.Equal(got, doubled) {
		t.Fatalf("doubled round trip mismatch")
	}
	if len(store.chunks) != firstChunkCount {
		t.Fatalf("expected zero new chunks from the repeated half, got %d new", len(store.chunks)-firstChunkCount)
	}
}

func TestCompactShrinksRepetitiveInputAndReportsIterations(t *testing.T) {
	store := newMemStore(t)
	data := bytes.Repeat([]byte("abcdefgh"), 4096) // 32 KiB, highly repetitive

	final, iterations, err := Compact(Config{ChunkMaxSize: 64, SmallLiteralThreshold: 16}, store, store, data)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(final) >= len(data) {
		t.Fatalf("expected compaction to shrink repetitive input, final=%d original=%d", len(final), len(data))
	}
	if iterations == 0 {
		t.Fatal("expected at least one successful recursive compaction pass")
	}
}

func TestCompactOnEmptyInputReportsZeroIterations(t *testing.T) {
	store := newMemStore(t)
	final, iterations, err := Compact(Config{ChunkMaxSize: 64}, store, store, nil)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(final) != 0 {
		t.Fatalf("expected empty final stream, got %d bytes", len(final))
	}
	if iterations != 0 {
		t.Fatalf("expected zero iterations for empty input, got %d", iterations)
	}
}
