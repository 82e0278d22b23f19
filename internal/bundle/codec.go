package bundle

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"govault/internal/verrors"
)

// seekableFrameSize is the uncompressed frame size used by the zstd codec's
// seekable framing. Bundles are capped at a few MiB, so a full bundle spans
// several frames; the framing exists so a future reader could fetch a
// single chunk's bytes without decompressing the whole bundle, even though
// today's Reader always decompresses the whole payload up front.
const seekableFrameSize = 256 << 10

// Codec compresses and decompresses one bundle's concatenated chunk
// payload as a single in-memory buffer.
type Codec interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(compressed []byte) ([]byte, error)
}

var registry = map[string]Codec{}

func register(c Codec) {
	registry[c.Name()] = c
}

// Lookup returns the registered codec for name.
func Lookup(name string) (Codec, bool) {
	c, ok := registry[name]
	return c, ok
}

func init() {
	register(zstdCodec{})
	register(lz4Codec{})
}

// zstdCodec streams the payload through the seekable zstd framing: each
// Write to the seekable writer starts an independent frame, enabling
// frame-granular random access in principle, though Reader (this package)
// always decompresses the full payload at once.
type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func getZstdEncoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		var err error
		zstdEnc, err = zstd.NewWriter(nil)
		if err != nil {
			panic("bundle: init zstd encoder: " + err.Error())
		}
	})
	return zstdEnc
}

func getZstdDecoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		var err error
		zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			panic("bundle: init zstd decoder: " + err.Error())
		}
	})
	return zstdDec
}

func (zstdCodec) Encode(plain []byte) ([]byte, error) {
	var out bytes.Buffer
	sw, err := seekable.NewWriter(&out, getZstdEncoder())
	if err != nil {
		return nil, verrors.Integrityf("bundle: zstd: open seekable writer: %v", err)
	}
	for off := 0; off < len(plain); off += seekableFrameSize {
		end := off + seekableFrameSize
		if end > len(plain) {
			end = len(plain)
		}
		if _, err := sw.Write(plain[off:end]); err != nil {
			_ = sw.Close()
			return nil, verrors.Integrityf("bundle: zstd: compress frame: %v", err)
		}
	}
	if err := sw.Close(); err != nil {
		return nil, verrors.Integrityf("bundle: zstd: close seekable writer: %v", err)
	}
	return out.Bytes(), nil
}

func (zstdCodec) Decode(compressed []byte) ([]byte, error) {
	sr, err := seekable.NewReader(bytes.NewReader(compressed), getZstdDecoder())
	if err != nil {
		return nil, verrors.Integrityf("bundle: zstd: open seekable reader: %v", err)
	}
	defer sr.Close()
	plain, err := io.ReadAll(sr)
	if err != nil {
		return nil, verrors.Integrityf("bundle: zstd: decompress: %v", err)
	}
	return plain, nil
}

// lz4Codec is a one-shot block codec: a 1-byte flag (lz4Compressed, or
// lz4Raw when CompressBlock cannot shrink the input), a uint32
// little-endian original-size prefix, then either a single compressed block
// or the raw bytes. This is the generic
// "no-stream + prepended-size" adapter shape for block-oriented codecs that
// don't offer their own framing — the Go rendering of the LZO-family
// adapter the design calls for, applied here to lz4's block API.
type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Encode(plain []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(plain))
	tmp := make([]byte, bound)

	var c lz4.Compressor
	n, err := c.CompressBlock(plain, tmp)
	if err != nil {
		return nil, verrors.Integrityf("bundle: lz4: compress: %v", err)
	}

	// CompressBlock reports n==0 for incompressible input rather than
	// expanding the block; store it verbatim in that case (and whenever
	// the "compressed" form would not actually be smaller).
	const headerSize = 5 // 1 flag byte + 4 LE size bytes
	if n == 0 || n >= len(plain) {
		buf := make([]byte, headerSize+len(plain))
		buf[0] = lz4Raw
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(plain)))
		copy(buf[headerSize:], plain)
		return buf, nil
	}

	buf := make([]byte, headerSize+n)
	buf[0] = lz4Compressed
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(plain)))
	copy(buf[headerSize:], tmp[:n])
	return buf, nil
}

const (
	lz4Raw        = 0
	lz4Compressed = 1
)

func (lz4Codec) Decode(compressed []byte) ([]byte, error) {
	const headerSize = 5
	if len(compressed) < headerSize {
		return nil, verrors.Integrityf("bundle: lz4: truncated header")
	}
	flag := compressed[0]
	size := binary.LittleEndian.Uint32(compressed[1:5])
	body := compressed[headerSize:]

	switch flag {
	case lz4Raw:
		if uint32(len(body)) != size {
			return nil, verrors.Integrityf("bundle: lz4: raw block size mismatch")
		}
		plain := make([]byte, size)
		copy(plain, body)
		return plain, nil
	case lz4Compressed:
		plain := make([]byte, size)
		if size == 0 {
			return plain, nil
		}
		n, err := lz4.UncompressBlock(body, plain)
		if err != nil {
			return nil, verrors.Integrityf("bundle: lz4: decompress: %v", err)
		}
		return plain[:n], nil
	default:
		return nil, verrors.Integrityf("bundle: lz4: unknown block flag %d", flag)
	}
}
