package chunkindex

import (
	"testing"

	"govault/internal/bundleid"
	"govault/internal/chunkid"
)

func mustBundle(t *testing.T) bundleid.ID {
	t.Helper()
	id, err := bundleid.New()
	if err != nil {
		t.Fatalf("bundleid.New: %v", err)
	}
	return id
}

func TestAddAndFind(t *testing.T) {
	idx := New(4)
	bundle := mustBundle(t)
	id := chunkid.OfBytes([]byte("payload one"))

	if !idx.Add(id, bundle) {
		t.Fatal("expected first Add to report a new insertion")
	}
	if idx.Add(id, mustBundle(t)) {
		t.Fatal("expected duplicate Add to report no insertion")
	}

	got, ok := idx.FindByID(id)
	if !ok {
		t.Fatal("expected FindByID to find the chunk")
	}
	if got != bundle {
		t.Fatalf("FindByID bundle = %s, want %s (duplicate Add must not overwrite)", got, bundle)
	}
}

func TestFindMiss(t *testing.T) {
	idx := New(4)
	id := chunkid.OfBytes([]byte("never added"))
	if _, ok := idx.FindByID(id); ok {
		t.Fatal("expected miss on empty index")
	}
}

func TestFindRollingHashCollisionWalksChain(t *testing.T) {
	idx := New(4)
	a := chunkid.OfBytes([]byte("chunk a"))
	b := chunkid.OfBytes([]byte("chunk b"))
	bundleA := mustBundle(t)
	bundleB := mustBundle(t)

	idx.Add(a, bundleA)
	idx.Add(b, bundleB)

	gotA, ok := idx.FindByID(a)
	if !ok || gotA != bundleA {
		t.Fatalf("FindByID(a) = %s,%v want %s,true", gotA, ok, bundleA)
	}
	gotB, ok := idx.FindByID(b)
	if !ok || gotB != bundleB {
		t.Fatalf("FindByID(b) = %s,%v want %s,true", gotB, ok, bundleB)
	}
}

func TestAddBundleSpansSlabs(t *testing.T) {
	idx := New(2) // tiny slab size to exercise the multi-slab path
	bundle := mustBundle(t)
	info := BundleInfo{}
	for i := 0; i < 10; i++ {
		info.Chunks = append(info.Chunks, ChunkRecord{
			ID:   chunkid.OfBytes([]byte{byte(i)}),
			Size: uint32(i + 1),
		})
	}
	idx.AddBundle(bundle, info)

	for _, c := range info.Chunks {
		got, ok := idx.FindByID(c.ID)
		if !ok || got != bundle {
			t.Fatalf("chunk %s: FindByID = %s,%v want %s,true", c.ID, got, ok, bundle)
		}
	}
}

func TestBundleInfoEncodeDecodeRoundTrip(t *testing.T) {
	info := BundleInfo{Chunks: []ChunkRecord{
		{ID: chunkid.OfBytes([]byte("x")), Size: 1},
		{ID: chunkid.OfBytes([]byte("y")), Size: 2},
	}}
	encoded := info.Encode()
	decoded, err := DecodeBundleInfo(encoded)
	if err != nil {
		t.Fatalf("DecodeBundleInfo: %v", err)
	}
	if len(decoded.Chunks) != 2 || decoded.Chunks[0] != info.Chunks[0] || decoded.Chunks[1] != info.Chunks[1] {
		t.Fatalf("round trip mismatch: got %+v", decoded)
	}
	if decoded.TotalSize() != 3 {
		t.Fatalf("TotalSize = %d, want 3", decoded.TotalSize())
	}
}

func TestWriterLoadAllRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := []byte("0123456789abcdef")

	bundleA := mustBundle(t)
	bundleB := mustBundle(t)
	infoA := BundleInfo{Chunks: []ChunkRecord{{ID: chunkid.OfBytes([]byte("a1")), Size: 10}}}
	infoB := BundleInfo{Chunks: []ChunkRecord{{ID: chunkid.OfBytes([]byte("b1")), Size: 20}}}

	w, err := NewWriter(dir, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.AddBundle(bundleA, infoA)
	w.AddBundle(bundleB, infoB)
	if _, err := w.Commit(dir); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	idx := New(0)
	if err := idx.LoadAll(dir, key); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if got, ok := idx.FindByID(infoA.Chunks[0].ID); !ok || got != bundleA {
		t.Fatalf("after reload, chunk a -> %s,%v want %s,true", got, ok, bundleA)
	}
	if got, ok := idx.FindByID(infoB.Chunks[0].ID); !ok || got != bundleB {
		t.Fatalf("after reload, chunk b -> %s,%v want %s,true", got, ok, bundleB)
	}
}

func TestBundlesAndBundleInfoFor(t *testing.T) {
	idx := New(0)
	bundle := mustBundle(t)
	info := BundleInfo{Chunks: []ChunkRecord{{ID: chunkid.OfBytes([]byte("z")), Size: 5}}}
	idx.AddBundle(bundle, info)

	bundles := idx.Bundles()
	if len(bundles) != 1 || bundles[0] != bundle {
		t.Fatalf("Bundles() = %v, want [%s]", bundles, bundle)
	}
	got, ok := idx.BundleInfoFor(bundle)
	if !ok || len(got.Chunks) != 1 || got.Chunks[0] != info.Chunks[0] {
		t.Fatalf("BundleInfoFor = %+v,%v, want %+v,true", got, ok, info)
	}
	if _, ok := idx.BundleInfoFor(mustBundle(t)); ok {
		t.Fatal("expected miss for a bundle never added")
	}
}

func TestLoadAllMissingDirectoryIsNotError(t *testing.T) {
	idx := New(0)
	if err := idx.LoadAll("/nonexistent/path/for/govault/test", nil); err != nil {
		t.Fatalf("LoadAll on missing dir: %v", err)
	}
}
