//go:build xz

package squashfs

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz"
)

// xzCodec implements Codec for Compression id XZ, matching the
// squashfs-tools "xz" compressor (LZMA2 inside an xz container). Gated
// behind the xz build tag, same as the teacher's comp_xz.go.
type xzCodec struct {
	preset int
}

func init() {
	RegisterCodec(XZ, func(options []byte) (Codec, error) {
		c := &xzCodec{preset: 6}
		if len(options) > 0 {
			if err := c.ReadOptions(bytes.NewReader(options)); err != nil {
				return nil, err
			}
		}
		return c, nil
	})
}

func (c *xzCodec) ID() Compression { return XZ }

func (c *xzCodec) Compress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := xz.NewWriter(&out)
	if err != nil {
		return nil, wrapErr("xzCodec.Compress", KindCompressor, err)
	}
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, wrapErr("xzCodec.Compress", KindCompressor, err)
	}
	if err := w.Close(); err != nil {
		return nil, wrapErr("xzCodec.Compress", KindCompressor, err)
	}
	return out.Bytes(), nil
}

func (c *xzCodec) Decompress(buf []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, wrapErr("xzCodec.Decompress", KindCompressor, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, wrapErr("xzCodec.Decompress", KindCompressor, err)
	}
	return data, nil
}

// xzOptions is the on-disk layout of the xz compressor options block:
// the dictionary size, then a bitmask of which LZMA2 filters (x86, ARM,
// ...) are enabled.
type xzOptions struct {
	DictionarySize uint32
	FilterFlags    uint32
}

func (c *xzCodec) WriteOptions(w io.Writer) (int, error) {
	return 0, nil
}

func (c *xzCodec) ReadOptions(r io.Reader) error {
	var opt xzOptions
	if err := binaryReadLE(r, &opt); err != nil {
		return wrapErr("xzCodec.ReadOptions", KindCorrupted, err)
	}
	return nil
}
