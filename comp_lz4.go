//go:build lz4

package squashfs

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4"
)

// lz4Codec implements Codec for Compression id LZ4. Not part of the
// teacher's own go.mod; pulled in from the diskfs-go-diskfs example
// repository, which depends on the same pierrec/lz4 package for its own
// filesystem backends.
type lz4Codec struct {
	highCompression bool
}

func init() {
	RegisterCodec(LZ4, func(options []byte) (Codec, error) {
		c := &lz4Codec{}
		if len(options) > 0 {
			if err := c.ReadOptions(bytes.NewReader(options)); err != nil {
				return nil, err
			}
		}
		return c, nil
	})
}

func (c *lz4Codec) ID() Compression { return LZ4 }

func (c *lz4Codec) Compress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if c.highCompression {
		w.Header.HighCompression = true
	}
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, wrapErr("lz4Codec.Compress", KindCompressor, err)
	}
	if err := w.Close(); err != nil {
		return nil, wrapErr("lz4Codec.Compress", KindCompressor, err)
	}
	return out.Bytes(), nil
}

func (c *lz4Codec) Decompress(buf []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(buf))
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, wrapErr("lz4Codec.Decompress", KindCompressor, err)
	}
	return data, nil
}

// lz4Options is the on-disk layout of the lz4 compressor options block:
// version plus a flags word (bit 0 = high-compression mode).
type lz4Options struct {
	Version uint32
	Flags   uint32
}

const lz4FlagHighCompression = 1 << 0

func (c *lz4Codec) WriteOptions(w io.Writer) (int, error) {
	if !c.highCompression {
		return 0, nil
	}
	opt := lz4Options{Version: 1, Flags: lz4FlagHighCompression}
	if err := binaryWriteLE(w, &opt); err != nil {
		return 0, wrapErr("lz4Codec.WriteOptions", KindIO, err)
	}
	return 8, nil
}

func (c *lz4Codec) ReadOptions(r io.Reader) error {
	var opt lz4Options
	if err := binaryReadLE(r, &opt); err != nil {
		return wrapErr("lz4Codec.ReadOptions", KindCorrupted, err)
	}
	c.highCompression = opt.Flags&lz4FlagHighCompression != 0
	return nil
}
