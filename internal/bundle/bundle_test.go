package bundle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"govault/internal/chunkid"
	"govault/internal/chunkindex"
	"govault/internal/container"
	"govault/internal/format"
)

func TestCreatorReaderRoundTripZstd(t *testing.T) {
	roundTripWithCodec(t, zstdCodec{})
}

func TestCreatorReaderRoundTripLZ4(t *testing.T) {
	roundTripWithCodec(t, lz4Codec{})
}

func roundTripWithCodec(t *testing.T, codec Codec) {
	t.Helper()
	key := bytes.Repeat([]byte{0x5a}, 16)

	c := NewCreator(codec)
	payloads := [][]byte{
		[]byte("first chunk payload"),
		[]byte("second, somewhat longer chunk payload here"),
		{}, // zero-length payload never happens in practice but exercise it anyway
	}
	ids := make([]chunkid.ID, len(payloads))
	for i, p := range payloads {
		ids[i] = chunkid.OfBytes(append(p, byte(i)))
		if err := c.AddChunk(ids[i], p); err != nil {
			t.Fatalf("AddChunk %d: %v", i, err)
		}
	}

	var buf bytes.Buffer
	if err := c.WriteTo(&buf, key); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	r, err := OpenReader(&buf, key)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	for i, p := range payloads {
		got, ok := r.Get(ids[i])
		if !ok {
			t.Fatalf("chunk %d not found", i)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("chunk %d = %q, want %q", i, got, p)
		}
	}
}

func TestCreatorRejectsDuplicateChunk(t *testing.T) {
	c := NewCreator(zstdCodec{})
	id := chunkid.OfBytes([]byte("dup"))
	if err := c.AddChunk(id, []byte("dup")); err != nil {
		t.Fatalf("first AddChunk: %v", err)
	}
	if err := c.AddChunk(id, []byte("dup")); err == nil {
		t.Fatal("expected ErrDuplicateChunks on second AddChunk with the same id")
	}
}

func TestVersionForLzmaCompat(t *testing.T) {
	if got := VersionFor("lzma"); got != 1 {
		t.Fatalf("VersionFor(lzma) = %d, want 1", got)
	}
	if got := VersionFor("zstd"); got != 2 {
		t.Fatalf("VersionFor(zstd) = %d, want 2", got)
	}
	if got := VersionFor("lz4"); got != 2 {
		t.Fatalf("VersionFor(lz4) = %d, want 2", got)
	}
}

func TestValidateVersionRejectsFuture(t *testing.T) {
	if err := ValidateVersion(3); err == nil {
		t.Fatal("expected version 3 to be rejected")
	}
	if err := ValidateVersion(2); err != nil {
		t.Fatalf("expected version 2 to be accepted, got %v", err)
	}
}

func TestBitFlipDetectedAsIntegrityError(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	c := NewCreator(zstdCodec{})
	id := chunkid.OfBytes([]byte("tamper"))
	if err := c.AddChunk(id, bytes.Repeat([]byte("tamper me"), 50)); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}

	var buf bytes.Buffer
	if err := c.WriteTo(&buf, key); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	corrupt := buf.Bytes()
	corrupt[len(corrupt)/2] ^= 0xFF

	if _, err := OpenReader(bytes.NewReader(corrupt), key); err == nil {
		t.Fatal("expected corrupted bundle to fail to open")
	}
}

// writeBundleWithInfo mirrors Creator.WriteTo but lets the caller supply an
// info block independent of the actual payload, to simulate metadata that
// has been tampered with (and its checksums correctly recomputed over the
// tampered bytes) rather than randomly corrupted.
func writeBundleWithInfo(t *testing.T, codec Codec, payload []byte, info chunkindex.BundleInfo, key []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	out := container.NewOutputStream(&buf, key)

	hdr := format.Header{Type: format.TypeBundle, Version: VersionFor(codec.Name())}
	hb := hdr.Encode()
	if _, err := out.Write(hb[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	container.WriteBlock(out, []byte(codec.Name()))
	container.WriteBlock(out, info.Encode())

	var sumBuf [4]byte
	metaSum := container.Adler32(out.Bytes())
	binary.LittleEndian.PutUint32(sumBuf[:], metaSum)
	if _, err := out.Write(sumBuf[:]); err != nil {
		t.Fatalf("write metadata checksum: %v", err)
	}

	compressed, err := codec.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := out.Write(compressed); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	out.WriteAdler32()
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestOpenReaderRejectsInfoClaimingMoreThanPayload(t *testing.T) {
	key := bytes.Repeat([]byte{0x7}, 16)
	id := chunkid.OfBytes([]byte("real chunk"))
	payload := []byte("actual payload bytes")

	// info claims a chunk bigger than the payload actually decodes to: if
	// Reader.Get trusted this blindly, a later lookup of that chunk would
	// slice past the end of the payload and panic instead of surfacing as
	// corruption here, at open time.
	info := chunkindex.BundleInfo{Chunks: []chunkindex.ChunkRecord{{ID: id, Size: uint32(len(payload) + 100)}}}
	raw := writeBundleWithInfo(t, zstdCodec{}, payload, info, key)

	_, err := OpenReader(bytes.NewReader(raw), key)
	if !errors.Is(err, ErrTooLittleData) {
		t.Fatalf("OpenReader err = %v, want ErrTooLittleData", err)
	}
}

func TestOpenReaderRejectsInfoClaimingLessThanPayload(t *testing.T) {
	key := bytes.Repeat([]byte{0x8}, 16)
	id := chunkid.OfBytes([]byte("real chunk"))
	payload := []byte("actual payload bytes, quite a few of them")

	// info claims a chunk smaller than the payload actually decodes to, so
	// the decoder produced more data than the metadata accounts for.
	info := chunkindex.BundleInfo{Chunks: []chunkindex.ChunkRecord{{ID: id, Size: 4}}}
	raw := writeBundleWithInfo(t, zstdCodec{}, payload, info, key)

	_, err := OpenReader(bytes.NewReader(raw), key)
	if !errors.Is(err, ErrTooMuchData) {
		t.Fatalf("OpenReader err = %v, want ErrTooMuchData", err)
	}
}

func TestLZ4CodecHandlesIncompressibleData(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, 64*1024)
	rng.Read(data)

	codec := lz4Codec{}
	compressed, err := codec.Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := codec.Decode(compressed)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatal("round trip mismatch for incompressible data")
	}
}
