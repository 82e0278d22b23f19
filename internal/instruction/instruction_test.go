package instruction

import (
	"bytes"
	"testing"

	"govault/internal/chunkid"
)

func TestEncodeDecodeStreamRoundTrip(t *testing.T) {
	ins := []Instruction{
		ChunkRef(chunkid.OfBytes([]byte("first chunk"))),
		Literal([]byte("an inline literal run")),
		ChunkRef(chunkid.OfBytes([]byte("second chunk"))),
		Literal(nil),
	}

	encoded := EncodeStream(ins)
	got, err := DecodeStream(encoded)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if len(got) != len(ins) {
		t.Fatalf("got %d instructions, want %d", len(got), len(ins))
	}
	for i := range ins {
		if got[i].Kind != ins[i].Kind {
			t.Fatalf("instruction %d: Kind = %v, want %v", i, got[i].Kind, ins[i].Kind)
		}
		switch ins[i].Kind {
		case KindChunkRef:
			if got[i].Chunk != ins[i].Chunk {
				t.Fatalf("instruction %d: Chunk = %s, want %s", i, got[i].Chunk, ins[i].Chunk)
			}
		case KindLiteral:
			if !bytes.Equal(got[i].Literal, ins[i].Literal) {
				t.Fatalf("instruction %d: Literal = %q, want %q", i, got[i].Literal, ins[i].Literal)
			}
		}
	}
}

func TestEncodeEmptyStream(t *testing.T) {
	encoded := EncodeStream(nil)
	if len(encoded) != 0 {
		t.Fatalf("expected empty encoding, got %d bytes", len(encoded))
	}
	got, err := DecodeStream(encoded)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no instructions, got %d", len(got))
	}
}

func TestDecodeStreamTruncatedHeader(t *testing.T) {
	if _, err := DecodeStream([]byte{byte(KindLiteral), 0x01}); err == nil {
		t.Fatal("expected an error decoding a truncated record header")
	}
}

func TestDecodeStreamTruncatedPayload(t *testing.T) {
	encoded := EncodeStream([]Instruction{Literal([]byte("hello"))})
	if _, err := DecodeStream(encoded[:len(encoded)-2]); err == nil {
		t.Fatal("expected an error decoding a truncated record payload")
	}
}

func TestDecodeStreamMalformedChunkRef(t *testing.T) {
	encoded := EncodeStream([]Instruction{Literal([]byte("x"))})
	encoded[0] = byte(KindChunkRef)
	if _, err := DecodeStream(encoded); err == nil {
		t.Fatal("expected an error decoding a chunk reference of the wrong size")
	}
}

func TestDecodeStreamUnknownKind(t *testing.T) {
	encoded := EncodeStream([]Instruction{Literal([]byte("x"))})
	encoded[0] = 0xFF
	if _, err := DecodeStream(encoded); err == nil {
		t.Fatal("expected an error decoding an unknown record kind")
	}
}
