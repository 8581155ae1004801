//go:build zstd

package squashfs

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// zstdCodec implements Codec for Compression id ZSTD. Gated behind the
// zstd build tag like the teacher's comp_zstd.go, but fleshed out into a
// full Codec instead of a bare decompressor registration since the writer
// side needs Compress too.
type zstdCodec struct {
	level zstd.EncoderLevel
}

func init() {
	RegisterCodec(ZSTD, func(options []byte) (Codec, error) {
		return &zstdCodec{level: zstd.SpeedDefault}, nil
	})
}

func (c *zstdCodec) ID() Compression { return ZSTD }

func (c *zstdCodec) Compress(buf []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, wrapErr("zstdCodec.Compress", KindCompressor, err)
	}
	defer enc.Close()
	return enc.EncodeAll(buf, nil), nil
}

func (c *zstdCodec) Decompress(buf []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, wrapErr("zstdCodec.Decompress", KindCompressor, err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(buf, nil)
	if err != nil {
		return nil, wrapErr("zstdCodec.Decompress", KindCompressor, err)
	}
	return out, nil
}

// zstdOptions is the on-disk layout of the zstd compressor options block:
// a single int32 compression level.
type zstdOptions struct {
	CompressionLevel int32
}

func (c *zstdCodec) WriteOptions(w io.Writer) (int, error) {
	return 0, nil
}

func (c *zstdCodec) ReadOptions(r io.Reader) error {
	var opt zstdOptions
	if err := binaryReadLE(r, &opt); err != nil {
		return wrapErr("zstdCodec.ReadOptions", KindCorrupted, err)
	}
	if opt.CompressionLevel > 0 {
		c.level = zstd.EncoderLevelFromZstd(int(opt.CompressionLevel))
	}
	return nil
}
