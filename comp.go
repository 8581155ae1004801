package squashfs

import (
	"fmt"
	"io"
)

// Compression identifies the compressor used for data and metadata blocks
// in a SquashFS image (spec §6.3's "codec id").
type Compression uint16

const (
	GZip Compression = 1
	LZMA Compression = 2
	LZO  Compression = 3
	XZ   Compression = 4
	LZ4  Compression = 5
	ZSTD Compression = 6
)

func (s Compression) String() string {
	switch s {
	case GZip:
		return "GZip"
	case LZMA:
		return "LZMA"
	case LZO:
		return "LZO"
	case XZ:
		return "XZ"
	case LZ4:
		return "LZ4"
	case ZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("Compression(%d)", s)
}

// Codec is the abstract compressor contract core components are built
// against (spec §6.3). A concrete backend wraps a real compression library
// and registers a factory for its Compression id via RegisterCodec.
//
// do_block semantics: Compress returning a nil/empty slice means "does not
// fit, or not beneficial — store this block uncompressed", mirroring the
// C API's produced_len == 0. An error means the codec itself failed.
type Codec interface {
	// ID returns the Compression id this codec implements.
	ID() Compression

	// Compress returns the compressed form of buf, or nil if compressing
	// did not help (caller should store buf uncompressed in that case).
	Compress(buf []byte) ([]byte, error)

	// Decompress returns the uncompressed form of buf.
	Decompress(buf []byte) ([]byte, error)

	// WriteOptions serializes this codec's tunables as the single
	// uncompressed meta-block that follows the super-block when
	// COMPRESSOR_OPTIONS is set. Returning 0 means "use defaults, write
	// nothing".
	WriteOptions(w io.Writer) (int, error)

	// ReadOptions parses the options meta-block written by WriteOptions.
	ReadOptions(r io.Reader) error
}

// CodecFactory builds a Codec instance, optionally parsing a previously
// read options blob (nil when none was present).
type CodecFactory func(options []byte) (Codec, error)

var codecRegistry = map[Compression]CodecFactory{}

// RegisterCodec registers the factory used to build a Codec for id. Codec
// backends call this from an init() func, the same pattern the teacher
// repository uses for its build-tagged comp_xz.go/comp_zstd.go files.
func RegisterCodec(id Compression, factory CodecFactory) {
	codecRegistry[id] = factory
}

// newCodec builds the Codec registered for id, parsing options if given.
func newCodec(id Compression, options []byte) (Codec, error) {
	factory, ok := codecRegistry[id]
	if !ok {
		return nil, wrapErr("newCodec", KindUnsupported, fmt.Errorf("%w: no codec registered for %s", ErrUnsupported, id))
	}
	return factory(options)
}

// decompressIfNeeded decompresses buf with c when compressed is true;
// otherwise buf is already the uncompressed payload and is returned as is. This is the shared tail of every
// meta-block and data-block read path (spec §4.1, §4.6).
func decompressIfNeeded(c Codec, buf []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return buf, nil
	}
	return c.Decompress(buf)
}

// compressOrStore runs c.Compress(buf) and falls back to the raw payload
// when compression did not help, matching the meta-block writer's rule in
// spec §4.1 ("if compressed size < uncompressed size, use compressed").
func compressOrStore(c Codec, buf []byte) (data []byte, storedCompressed bool, err error) {
	compressed, err := c.Compress(buf)
	if err != nil {
		return nil, false, err
	}
	if len(compressed) == 0 || len(compressed) >= len(buf) {
		return buf, false, nil
	}
	return compressed, true, nil
}
