// Package repository manages the on-disk repository directory: its fixed
// subdirectory layout, the two metadata files describing storage
// configuration and (optionally) encryption parameters, and the password
// check performed when opening an encrypted repository.
package repository

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // PBKDF2/HMAC-SHA1 key wrap, per the on-disk format this repository reads and writes.
	"encoding/binary"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"govault/internal/chunkindex"
	"govault/internal/container"
	"govault/internal/format"
	"govault/internal/verrors"
)

// Layout names the repository's fixed subdirectories, adapted from the
// teacher's home directory manager to a shared multi-user repository root
// rather than a single-user application home.
type Layout struct {
	root string
}

// New returns a Layout rooted at root. It does not touch the filesystem.
func New(root string) Layout { return Layout{root: root} }

func (l Layout) Root() string       { return l.root }
func (l Layout) BundlesDir() string { return filepath.Join(l.root, "bundles") }
func (l Layout) IndexDir() string   { return filepath.Join(l.root, "index") }
func (l Layout) BackupsDir() string { return filepath.Join(l.root, "backups") }
func (l Layout) TmpDir() string     { return filepath.Join(l.root, "tmp") }
func (l Layout) infoPath() string   { return filepath.Join(l.root, "info") }
func (l Layout) extendedInfoPath() string {
	return filepath.Join(l.root, "info_extended")
}

// ensureDirs creates every fixed subdirectory (and the root itself) if
// missing. Idempotent.
func (l Layout) ensureDirs() error {
	for _, d := range []string{l.root, l.BundlesDir(), l.IndexDir(), l.BackupsDir(), l.TmpDir()} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return verrors.IOf(err, "repository: create directory %s", d)
		}
	}
	return nil
}

// cleanTmp deletes every entry under tmp/: the idempotent-recovery rule for
// an abortive process kill, which only ever leaves partial bundle, index or
// backup files there (those writes land via stage-in-tmp-then-rename; info
// and info_extended are written in place by Init).
func (l Layout) cleanTmp() error {
	entries, err := os.ReadDir(l.TmpDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return verrors.IOf(err, "repository: read tmp directory")
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(l.TmpDir(), e.Name())); err != nil {
			return verrors.IOf(err, "repository: clean tmp entry %s", e.Name())
		}
	}
	return nil
}

const (
	saltSize          = 16
	dekSize           = 16
	checkInputSize    = 16
	defaultIterations = 10000
)

// KeyInfo is the encryption-key material stored (in cleartext, inside the
// plaintext `info` file) alongside a repository's storage configuration. The
// data-encryption key itself is never stored: it is wrapped under a
// password-derived key-encryption key and can only be recovered by a caller
// who supplies the right password.
type KeyInfo struct {
	Salt       [saltSize]byte
	Iterations uint32
	WrappedDEK [dekSize]byte
	CheckInput [checkInputSize]byte
	CheckHMAC  [sha1.Size]byte
}

// newKeyInfo mints a fresh random data-encryption key, wraps it under a
// PBKDF2-HMAC-SHA1 key derived from password, and returns both the
// persistable KeyInfo and the unwrapped DEK for immediate use.
func newKeyInfo(password []byte) (KeyInfo, []byte, error) {
	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return KeyInfo{}, nil, verrors.IOf(err, "repository: generate salt")
	}
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return KeyInfo{}, nil, verrors.IOf(err, "repository: generate data-encryption key")
	}

	kek := pbkdf2.Key(password, salt[:], defaultIterations, dekSize, sha1.New)
	block, err := aes.NewCipher(kek)
	if err != nil {
		return KeyInfo{}, nil, verrors.Integrityf("repository: build key-wrap cipher: %v", err)
	}
	var wrapped [dekSize]byte
	block.Encrypt(wrapped[:], dek)

	var checkInput [checkInputSize]byte
	if _, err := rand.Read(checkInput[:]); err != nil {
		return KeyInfo{}, nil, verrors.IOf(err, "repository: generate check input")
	}
	mac := hmac.New(sha1.New, dek)
	mac.Write(checkInput[:])

	info := KeyInfo{
		Salt:       salt,
		Iterations: defaultIterations,
		WrappedDEK: wrapped,
		CheckInput: checkInput,
	}
	copy(info.CheckHMAC[:], mac.Sum(nil))
	return info, dek, nil
}

// unwrap recovers the data-encryption key given password, verifying it
// against CheckHMAC. A wrong password yields a KindAuth error.
func (k KeyInfo) unwrap(password []byte) ([]byte, error) {
	kek := pbkdf2.Key(password, k.Salt[:], int(k.Iterations), dekSize, sha1.New)
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, verrors.Integrityf("repository: build key-unwrap cipher: %v", err)
	}
	dek := make([]byte, dekSize)
	block.Decrypt(dek, k.WrappedDEK[:])

	mac := hmac.New(sha1.New, dek)
	mac.Write(k.CheckInput[:])
	if !hmac.Equal(mac.Sum(nil), k.CheckHMAC[:]) {
		return nil, verrors.Authf("repository: wrong password")
	}
	return dek, nil
}

// StorageInfo is the repository's storage-configuration descriptor,
// persisted plaintext in `info` (no encryption, no IV — so a repository's
// chunk sizing and whether it is encrypted at all can always be read back
// without a password).
type StorageInfo struct {
	ChunkMaxSize          uint32
	BundleMaxPayloadSize  uint32
	SmallLiteralThreshold uint32
	Encrypted             bool
	Key                   KeyInfo
}

func (s StorageInfo) encode() []byte {
	size := 4 + 4 + 4 + 1
	if s.Encrypted {
		size += saltSize + 4 + dekSize + checkInputSize + sha1.Size
	}
	buf := make([]byte, size)
	cursor := 0
	binary.LittleEndian.PutUint32(buf[cursor:], s.ChunkMaxSize)
	cursor += 4
	binary.LittleEndian.PutUint32(buf[cursor:], s.BundleMaxPayloadSize)
	cursor += 4
	binary.LittleEndian.PutUint32(buf[cursor:], s.SmallLiteralThreshold)
	cursor += 4
	if s.Encrypted {
		buf[cursor] = 1
	}
	cursor++
	if s.Encrypted {
		cursor += copy(buf[cursor:], s.Key.Salt[:])
		binary.LittleEndian.PutUint32(buf[cursor:], s.Key.Iterations)
		cursor += 4
		cursor += copy(buf[cursor:], s.Key.WrappedDEK[:])
		cursor += copy(buf[cursor:], s.Key.CheckInput[:])
		cursor += copy(buf[cursor:], s.Key.CheckHMAC[:])
	}
	return buf
}

func decodeStorageInfo(data []byte) (StorageInfo, error) {
	const fixed = 4 + 4 + 4 + 1
	if len(data) < fixed {
		return StorageInfo{}, verrors.Integrityf("repository: truncated storage info")
	}
	var s StorageInfo
	cursor := 0
	s.ChunkMaxSize = binary.LittleEndian.Uint32(data[cursor:])
	cursor += 4
	s.BundleMaxPayloadSize = binary.LittleEndian.Uint32(data[cursor:])
	cursor += 4
	s.SmallLiteralThreshold = binary.LittleEndian.Uint32(data[cursor:])
	cursor += 4
	s.Encrypted = data[cursor] != 0
	cursor++
	if s.Encrypted {
		const keyFixed = saltSize + 4 + dekSize + checkInputSize + sha1.Size
		if len(data)-cursor < keyFixed {
			return StorageInfo{}, verrors.Integrityf("repository: truncated key info")
		}
		cursor += copy(s.Key.Salt[:], data[cursor:])
		s.Key.Iterations = binary.LittleEndian.Uint32(data[cursor:])
		cursor += 4
		cursor += copy(s.Key.WrappedDEK[:], data[cursor:])
		cursor += copy(s.Key.CheckInput[:], data[cursor:])
		cursor += copy(s.Key.CheckHMAC[:], data[cursor:])
	}
	return s, nil
}

const storageInfoVersion = 1

func writeStorageInfo(path string, s StorageInfo) error {
	f, err := os.Create(path)
	if err != nil {
		return verrors.IOf(err, "repository: create info file")
	}
	defer f.Close()

	out := container.NewOutputStream(f, nil)
	hdr := format.Header{Type: format.TypeStorageInfo, Version: storageInfoVersion}
	hb := hdr.Encode()
	if _, err := out.Write(hb[:]); err != nil {
		return err
	}
	if _, err := out.Write(s.encode()); err != nil {
		return err
	}
	out.WriteAdler32()
	return out.Close()
}

func readStorageInfo(path string) (StorageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return StorageInfo{}, verrors.IOf(err, "repository: open info file")
	}
	defer f.Close()

	in, err := container.NewInputStream(f, nil)
	if err != nil {
		return StorageInfo{}, err
	}
	hdrBuf := in.Next(format.HeaderSize)
	hdr, err := format.DecodeAndValidate(hdrBuf, format.TypeStorageInfo)
	if err != nil {
		return StorageInfo{}, verrors.Integrityf("repository: info file: %v", err)
	}
	if hdr.Version != storageInfoVersion {
		return StorageInfo{}, verrors.Integrityf("repository: info file: unsupported version %d", hdr.Version)
	}
	body := in.Next(in.Remaining() - 4)
	s, err := decodeStorageInfo(body)
	if err != nil {
		return StorageInfo{}, err
	}
	if err := in.CheckAdler32(); err != nil {
		return StorageInfo{}, err
	}
	return s, nil
}

// ExtendedInfo carries configuration that, unlike StorageInfo, is only
// meaningful once a repository is already unlocked: today, just the
// compression method name.
type ExtendedInfo struct {
	CompressionMethod string
}

const extendedInfoVersion = 1

func writeExtendedInfo(path string, key []byte, info ExtendedInfo) error {
	f, err := os.Create(path)
	if err != nil {
		return verrors.IOf(err, "repository: create extended info file")
	}
	defer f.Close()

	out := container.NewOutputStream(f, key)
	hdr := format.Header{Type: format.TypeExtendedInfo, Version: extendedInfoVersion}
	hb := hdr.Encode()
	if _, err := out.Write(hb[:]); err != nil {
		return err
	}
	container.WriteBlock(out, []byte(info.CompressionMethod))
	out.WriteAdler32()
	return out.Close()
}

func readExtendedInfo(path string, key []byte) (ExtendedInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return ExtendedInfo{}, verrors.IOf(err, "repository: open extended info file")
	}
	defer f.Close()

	in, err := container.NewInputStream(f, key)
	if err != nil {
		return ExtendedInfo{}, err
	}
	hdrBuf := in.Next(format.HeaderSize)
	hdr, err := format.DecodeAndValidate(hdrBuf, format.TypeExtendedInfo)
	if err != nil {
		return ExtendedInfo{}, verrors.Integrityf("repository: extended info file: %v", err)
	}
	if hdr.Version != extendedInfoVersion {
		return ExtendedInfo{}, verrors.Integrityf("repository: extended info file: unsupported version %d", hdr.Version)
	}
	method, err := container.ReadBlock(in)
	if err != nil {
		return ExtendedInfo{}, err
	}
	if err := in.CheckAdler32(); err != nil {
		return ExtendedInfo{}, err
	}
	return ExtendedInfo{CompressionMethod: string(method)}, nil
}

// InitConfig bounds a new repository's storage configuration. A nil
// Password selects a non-encrypted repository.
type InitConfig struct {
	ChunkMaxSize          uint32
	BundleMaxPayloadSize  uint32
	SmallLiteralThreshold uint32
	CompressionMethod     string
	Password              []byte
}

// Repository is an opened repository: its layout, its storage configuration,
// the data-encryption key (nil if not encrypted), and its loaded chunk
// index.
type Repository struct {
	Layout   Layout
	Storage  StorageInfo
	Extended ExtendedInfo
	Key      []byte
	Index    *chunkindex.Index
}

// Init creates a new repository at root. The directory must not already
// contain an `info` file.
func Init(root string, cfg InitConfig) (*Repository, error) {
	l := New(root)
	if _, err := os.Stat(l.infoPath()); err == nil {
		return nil, verrors.Overwritef("repository: %s is already initialized", root)
	}
	if err := l.ensureDirs(); err != nil {
		return nil, err
	}

	info := StorageInfo{
		ChunkMaxSize:          cfg.ChunkMaxSize,
		BundleMaxPayloadSize:  cfg.BundleMaxPayloadSize,
		SmallLiteralThreshold: cfg.SmallLiteralThreshold,
	}
	var key []byte
	if cfg.Password != nil {
		keyInfo, dek, err := newKeyInfo(cfg.Password)
		if err != nil {
			return nil, err
		}
		info.Encrypted = true
		info.Key = keyInfo
		key = dek
	}
	if err := writeStorageInfo(l.infoPath(), info); err != nil {
		return nil, err
	}

	extended := ExtendedInfo{CompressionMethod: cfg.CompressionMethod}
	if err := writeExtendedInfo(l.extendedInfoPath(), key, extended); err != nil {
		return nil, err
	}

	idx := chunkindex.New(0)
	return &Repository{Layout: l, Storage: info, Extended: extended, Key: key, Index: idx}, nil
}

// Open reads an existing repository's metadata, verifies password (if the
// repository is encrypted), cleans up any stale tmp/ files from an
// abortive prior run, and loads the chunk index.
func Open(root string, password []byte) (*Repository, error) {
	l := New(root)
	info, err := readStorageInfo(l.infoPath())
	if err != nil {
		return nil, err
	}

	var key []byte
	if info.Encrypted {
		key, err = info.Key.unwrap(password)
		if err != nil {
			return nil, err
		}
	}

	extended, err := readExtendedInfo(l.extendedInfoPath(), key)
	if err != nil {
		return nil, err
	}

	if err := l.cleanTmp(); err != nil {
		return nil, err
	}

	idx := chunkindex.New(0)
	if err := idx.LoadAll(l.IndexDir(), key); err != nil {
		return nil, err
	}

	return &Repository{Layout: l, Storage: info, Extended: extended, Key: key, Index: idx}, nil
}
