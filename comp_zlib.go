package squashfs

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
)

// zlibCodec implements Codec for Compression id GZip. SquashFS's "gzip"
// blocks are raw zlib (RFC 1950) streams, not gzip (RFC 1952) streams, so
// the zlib reader/writer from klauspost/compress is the correct tool.
// This is the only codec built unconditionally: every other backend is
// behind a build tag so programs that only ever read/write GZip images
// don't pay for xz/zstd/lz4 in their binary.
type zlibCodec struct {
	level int
}

func init() {
	RegisterCodec(GZip, func(options []byte) (Codec, error) {
		c := &zlibCodec{level: zlib.DefaultCompression}
		if len(options) > 0 {
			if err := c.ReadOptions(bytes.NewReader(options)); err != nil {
				return nil, err
			}
		}
		return c, nil
	})
}

func (z *zlibCodec) ID() Compression { return GZip }

func (z *zlibCodec) Compress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := zlib.NewWriterLevel(&out, z.level)
	if err != nil {
		return nil, wrapErr("zlibCodec.Compress", KindCompressor, err)
	}
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, wrapErr("zlibCodec.Compress", KindCompressor, err)
	}
	if err := w.Close(); err != nil {
		return nil, wrapErr("zlibCodec.Compress", KindCompressor, err)
	}
	return out.Bytes(), nil
}

func (z *zlibCodec) Decompress(buf []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, wrapErr("zlibCodec.Decompress", KindCompressor, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, wrapErr("zlibCodec.Decompress", KindCompressor, err)
	}
	return data, nil
}

// gzipOptions is the on-disk layout of the optional GZip compressor
// options block: compression_level, window_log2, strategies bitfield.
type gzipOptions struct {
	Level      int32
	WindowSize int32
	Strategies int32
}

func (z *zlibCodec) WriteOptions(w io.Writer) (int, error) {
	// Defaults only: this backend never emits a non-default configuration,
	// so there is nothing to record on disk.
	return 0, nil
}

func (z *zlibCodec) ReadOptions(r io.Reader) error {
	var opt gzipOptions
	if err := binaryReadLE(r, &opt); err != nil {
		return wrapErr("zlibCodec.ReadOptions", KindCorrupted, err)
	}
	if opt.Level > 0 && opt.Level <= 9 {
		z.level = int(opt.Level)
	}
	return nil
}
