package squashfs

import (
	"io"
)

const (
	metablockSize       = 8192
	metablockLenMask    = 0x7fff
	metablockRawFlag    = 0x8000
	metablockHeaderSize = 2
)

// metaReader walks a stream of 8 KiB meta-blocks (spec §4.1 "Reader"). It is
// cheap to copy: a copy shares the file and codec but gets its own position
// and payload buffer, matching the spec's "the reader is copyable" note.
type metaReader struct {
	fs    io.ReaderAt
	codec Codec
	lower int64
	upper int64

	blockStart int64
	nextBlock  int64
	payload    []byte
	off        int
}

func newMetaReader(fs io.ReaderAt, codec Codec, lower, upper int64) *metaReader {
	return &metaReader{fs: fs, codec: codec, lower: lower, upper: upper, blockStart: -1}
}

func (r *metaReader) copy() *metaReader {
	cp := *r
	cp.payload = append([]byte(nil), r.payload...)
	return &cp
}

// seek moves to blockStart (a file offset within [lower, upper)) and sets
// the read cursor to offsetInBlock within that block's decompressed
// payload.
func (r *metaReader) seek(blockStart int64, offsetInBlock int) error {
	if blockStart < r.lower || blockStart >= r.upper {
		return wrapErr("metaReader.seek", KindOutOfBounds, ErrOutOfBounds)
	}
	if blockStart != r.blockStart {
		if err := r.readBlock(blockStart); err != nil {
			return err
		}
	}
	if offsetInBlock < 0 || offsetInBlock > len(r.payload) {
		return wrapErr("metaReader.seek", KindOutOfBounds, ErrOutOfBounds)
	}
	r.off = offsetInBlock
	return nil
}

func (r *metaReader) readBlock(blockStart int64) error {
	hdr := make([]byte, metablockHeaderSize)
	if _, err := r.fs.ReadAt(hdr, blockStart); err != nil {
		return wrapErr("metaReader.readBlock", KindIO, err)
	}
	lenN := uint16(hdr[0]) | uint16(hdr[1])<<8
	raw := lenN&metablockRawFlag != 0
	size := int64(lenN & metablockLenMask)

	end := blockStart + metablockHeaderSize + size
	if end > r.upper {
		return wrapErr("metaReader.readBlock", KindOutOfBounds, ErrOutOfBounds)
	}

	buf := make([]byte, size)
	if _, err := r.fs.ReadAt(buf, blockStart+metablockHeaderSize); err != nil {
		return wrapErr("metaReader.readBlock", KindIO, err)
	}

	payload, err := decompressIfNeeded(r.codec, buf, !raw)
	if err != nil {
		return wrapErr("metaReader.readBlock", KindCompressor, err)
	}
	if len(payload) > metablockSize {
		return wrapErr("metaReader.readBlock", KindCorrupted, ErrCorrupted)
	}

	r.blockStart = blockStart
	r.nextBlock = end
	r.payload = payload
	r.off = 0
	return nil
}

// read copies bytes from the current position into buf, crossing into
// successive meta-blocks as needed; it never returns io.EOF, mirroring the
// spec's "implicitly seek(next_block, 0)" rule — callers that know the
// total table size stop asking once they've consumed it.
func (r *metaReader) read(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		if r.off >= len(r.payload) {
			if err := r.seek(r.nextBlock, 0); err != nil {
				return n, err
			}
		}
		c := copy(buf[n:], r.payload[r.off:])
		r.off += c
		n += c
	}
	return n, nil
}

func (r *metaReader) Read(p []byte) (int, error) {
	return r.read(p)
}

// position returns the current block start (relative to lower) and offset
// within the block's payload, the (block, offset) pair a metadata reference
// encodes.
func (r *metaReader) position() (int64, int) {
	return r.blockStart - r.lower, r.off
}

// metaWriter accumulates appended bytes into 8 KiB staging buffers and
// emits them as meta-blocks, optionally deferring the actual file write
// (spec §4.1 "Writer", the "keep in memory" flag used for the directory
// table).
type metaWriter struct {
	w     io.Writer
	codec Codec
	deferred bool

	staging []byte
	queued  [][]byte // only used when deferred is set

	blockOffset int64 // cumulative emitted-meta-block bytes
}

func newMetaWriter(w io.Writer, codec Codec, deferWrites bool) *metaWriter {
	return &metaWriter{w: w, codec: codec, deferred: deferWrites}
}

// append copies data into the staging buffer, flushing whenever it fills.
func (w *metaWriter) append(data []byte) error {
	for len(data) > 0 {
		room := metablockSize - len(w.staging)
		if room == 0 {
			if err := w.flush(); err != nil {
				return err
			}
			room = metablockSize
		}
		n := room
		if n > len(data) {
			n = len(data)
		}
		w.staging = append(w.staging, data[:n]...)
		data = data[n:]
	}
	return nil
}

// flush compresses (or stores raw) the staging buffer as one meta-block,
// either writing it immediately or queueing it for write_to_file.
func (w *metaWriter) flush() error {
	if len(w.staging) == 0 {
		return nil
	}
	payload := w.staging
	w.staging = nil

	data, compressed, err := compressOrStore(w.codec, payload)
	if err != nil {
		return wrapErr("metaWriter.flush", KindCompressor, err)
	}

	hdr := uint16(len(data))
	if !compressed {
		hdr |= metablockRawFlag
	}
	block := make([]byte, 0, metablockHeaderSize+len(data))
	block = append(block, byte(hdr), byte(hdr>>8))
	block = append(block, data...)

	w.blockOffset += int64(len(block))

	if w.deferred {
		w.queued = append(w.queued, block)
		return nil
	}
	_, err = w.w.Write(block)
	return wrapErr("metaWriter.flush", KindIO, err)
}

// writeToFile flushes any queued (deferred) meta-blocks to the underlying
// writer in order. A no-op for non-deferring writers.
func (w *metaWriter) writeToFile() error {
	for _, block := range w.queued {
		if _, err := w.w.Write(block); err != nil {
			return wrapErr("metaWriter.writeToFile", KindIO, err)
		}
	}
	w.queued = nil
	return nil
}

// position returns (block_offset_within_table, offset_within_current_block),
// the form a metadata reference is built from.
func (w *metaWriter) position() (int64, int) {
	return w.blockOffset, len(w.staging)
}

// reset zeros the cumulative block offset, for reusing a writer on a
// second table.
func (w *metaWriter) reset() {
	w.blockOffset = 0
}
