package squashfs

import (
	"bytes"
	"io"
)

// writeTable chunks data into meta-blocks via a non-deferring metaWriter,
// then appends a 64-bit location table recording each meta-block's file
// offset. It returns the file offset the location table was written at,
// the single pointer the super-block needs (spec §4.3 "write_table").
func writeTable(w io.WriteSeeker, codec Codec, data []byte) (uint64, error) {
	var locations []uint64
	mw := newMetaWriter(w, codec, false)
	for off := 0; off < len(data); off += metablockSize {
		end := off + metablockSize
		if end > len(data) {
			end = len(data)
		}
		blockOffset, err := w.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, wrapErr("writeTable", KindIO, err)
		}
		locations = append(locations, uint64(blockOffset))
		if err := mw.append(data[off:end]); err != nil {
			return 0, err
		}
		if err := mw.flush(); err != nil {
			return 0, err
		}
	}

	locStart, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, wrapErr("writeTable", KindIO, err)
	}
	buf := make([]byte, 8*len(locations))
	for i, loc := range locations {
		putLE64(buf[i*8:], loc)
	}
	if _, err := w.Write(buf); err != nil {
		return 0, wrapErr("writeTable", KindIO, err)
	}

	return uint64(locStart), nil
}

// readTable reverses writeTable: it reads the location array (count
// entries, size bytes of payload total) and reassembles the concatenated
// table payload, validating every recorded block lies in [lower, upper).
func readTable(fs io.ReaderAt, codec Codec, size int, locationsOffset uint64, lower, upper int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	numBlocks := (size + metablockSize - 1) / metablockSize
	locBuf := make([]byte, 8*numBlocks)
	if _, err := fs.ReadAt(locBuf, int64(locationsOffset)); err != nil {
		return nil, wrapErr("readTable", KindIO, err)
	}

	out := make([]byte, 0, size)
	for i := 0; i < numBlocks; i++ {
		blockStart := int64(getLE64(locBuf[i*8:]))
		if blockStart < lower || blockStart >= upper {
			return nil, wrapErr("readTable", KindOutOfBounds, ErrOutOfBounds)
		}
		mr := newMetaReader(fs, codec, lower, upper)
		if err := mr.seek(blockStart, 0); err != nil {
			return nil, err
		}
		want := size - len(out)
		if want > len(mr.payload) {
			want = len(mr.payload)
		}
		out = append(out, mr.payload[:want]...)
	}
	return out, nil
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getLE64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// tableReader is a thin bytes.Reader over a fully-materialized table
// payload, for decoding fixed-size records sequentially. The ID, fragment
// and xattr-id lookups in this package read their entries through a
// metaReader instead and do not use it.
type tableReader struct {
	*bytes.Reader
}

func newTableReaderFromBytes(data []byte) *tableReader {
	return &tableReader{bytes.NewReader(data)}
}
