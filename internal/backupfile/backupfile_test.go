package backupfile

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x9}, 16)
	data := []byte("an instruction stream's worth of bytes")
	info := Info{
		SHA256:     sha256.Sum256(data),
		Size:       uint64(len(data)),
		Time:       1700000000,
		Iterations: 2,
		BackupData: data,
	}

	var buf bytes.Buffer
	if err := Write(&buf, key, info); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(&buf, key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.SHA256 != info.SHA256 || got.Size != info.Size || got.Time != info.Time || got.Iterations != info.Iterations {
		t.Fatalf("round trip metadata mismatch: got %+v, want %+v", got, info)
	}
	if !bytes.Equal(got.BackupData, data) {
		t.Fatalf("BackupData mismatch: got %q, want %q", got.BackupData, data)
	}
}

func TestReadRejectsCorruption(t *testing.T) {
	key := bytes.Repeat([]byte{0x9}, 16)
	info := Info{BackupData: bytes.Repeat([]byte("x"), 64)}

	var buf bytes.Buffer
	if err := Write(&buf, key, info); err != nil {
		t.Fatalf("Write: %v", err)
	}
	corrupt := buf.Bytes()
	corrupt[len(corrupt)/2] ^= 0xFF

	if _, err := Read(bytes.NewReader(corrupt), key); err == nil {
		t.Fatal("expected corrupted backup file to fail to read")
	}
}

func TestPlaintextRoundTrip(t *testing.T) {
	info := Info{BackupData: []byte("no encryption configured")}
	var buf bytes.Buffer
	if err := Write(&buf, nil, info); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(&buf, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got.BackupData, info.BackupData) {
		t.Fatalf("BackupData mismatch: got %q", got.BackupData)
	}
}
