// Package backupfile implements the on-disk backup file: the
// container-framed BackupInfo record a backup command writes and a restore
// command (or the garbage collector's chunk tracer) reads back.
package backupfile

import (
	"encoding/binary"
	"io"

	"govault/internal/container"
	"govault/internal/format"
	"govault/internal/verrors"
)

const fileVersion = 1

// ShaSize is the length of Info.SHA256.
const ShaSize = 32

// Info describes one backup: the restored payload's checksum and size, the
// wall-clock time it was taken, how many recursive compaction rounds its
// instruction stream went through, and the instruction stream itself.
type Info struct {
	SHA256     [ShaSize]byte
	Size       uint64
	Time       uint64
	Iterations uint32
	BackupData []byte
}

// Encode serializes i as sha256 ∥ size ∥ time ∥ iterations ∥ len(data) ∥ data.
func (i Info) Encode() []byte {
	buf := make([]byte, ShaSize+8+8+4+4+len(i.BackupData))
	cursor := 0
	cursor += copy(buf[cursor:], i.SHA256[:])
	binary.LittleEndian.PutUint64(buf[cursor:cursor+8], i.Size)
	cursor += 8
	binary.LittleEndian.PutUint64(buf[cursor:cursor+8], i.Time)
	cursor += 8
	binary.LittleEndian.PutUint32(buf[cursor:cursor+4], i.Iterations)
	cursor += 4
	binary.LittleEndian.PutUint32(buf[cursor:cursor+4], uint32(len(i.BackupData)))
	cursor += 4
	copy(buf[cursor:], i.BackupData)
	return buf
}

// DecodeInfo parses the encoding produced by Info.Encode.
func DecodeInfo(data []byte) (Info, error) {
	const fixed = ShaSize + 8 + 8 + 4 + 4
	if len(data) < fixed {
		return Info{}, verrors.Integrityf("backupfile: truncated info")
	}
	var i Info
	cursor := 0
	copy(i.SHA256[:], data[cursor:cursor+ShaSize])
	cursor += ShaSize
	i.Size = binary.LittleEndian.Uint64(data[cursor : cursor+8])
	cursor += 8
	i.Time = binary.LittleEndian.Uint64(data[cursor : cursor+8])
	cursor += 8
	i.Iterations = binary.LittleEndian.Uint32(data[cursor : cursor+4])
	cursor += 4
	n := binary.LittleEndian.Uint32(data[cursor : cursor+4])
	cursor += 4
	if cursor+int(n) != len(data) {
		return Info{}, verrors.Integrityf("backupfile: backup_data length mismatch")
	}
	i.BackupData = append([]byte(nil), data[cursor:]...)
	return i, nil
}

// Write serializes info through the encrypted container to w.
func Write(w io.Writer, key []byte, info Info) error {
	out := container.NewOutputStream(w, key)
	hdr := format.Header{Type: format.TypeBackup, Version: fileVersion}
	hb := hdr.Encode()
	if _, err := out.Write(hb[:]); err != nil {
		return err
	}
	if _, err := out.Write(info.Encode()); err != nil {
		return err
	}
	out.WriteAdler32()
	return out.Close()
}

// Read reads, decrypts, and validates a backup file from r.
func Read(r io.Reader, key []byte) (Info, error) {
	in, err := container.NewInputStream(r, key)
	if err != nil {
		return Info{}, err
	}

	hdrBuf := in.Next(format.HeaderSize)
	hdr, err := format.DecodeAndValidate(hdrBuf, format.TypeBackup)
	if err != nil {
		return Info{}, verrors.Integrityf("backupfile: %v", err)
	}
	if hdr.Version != fileVersion {
		return Info{}, verrors.Integrityf("backupfile: unsupported version %d", hdr.Version)
	}

	body := in.Next(in.Remaining() - 4)
	info, err := DecodeInfo(body)
	if err != nil {
		return Info{}, err
	}
	if err := in.CheckAdler32(); err != nil {
		return Info{}, err
	}
	return info, nil
}
