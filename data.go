package squashfs

import (
	"io"
	"math"
)

const (
	fragEntrySize  = 16
	fragsPerBlock  = metablockSize / fragEntrySize
	idEntrySize    = 4
	idsPerBlock    = metablockSize / idEntrySize
	fragSizeRawBit = 1 << 24
)

// fragmentEntry resolves fragment index idx to its on-disk (start, size,
// uncompressed) via the two-level array-in-metablocks lookup described in
// spec §3 "Fragment table entry": a flat 64-bit location array (pointed to
// directly by super.FragTableStart) locates the meta-block holding the
// 16-byte descriptor at idx%fragsPerBlock.
func (s *Superblock) fragmentEntry(idx uint32) (start uint64, size uint32, uncompressed bool, err error) {
	locOff := int64(s.FragTableStart) + int64(idx/fragsPerBlock)*8
	locBuf := make([]byte, 8)
	if _, err := s.fs.ReadAt(locBuf, locOff); err != nil {
		return 0, 0, false, wrapErr("fragmentEntry", KindIO, err)
	}
	blockStart := int64(getLE64(locBuf))

	mr := newMetaReader(s.fs, s.codec, 0, math.MaxInt64)
	if err := mr.seek(blockStart, int(idx%fragsPerBlock)*fragEntrySize); err != nil {
		return 0, 0, false, err
	}
	var e struct {
		Start  uint64
		Size   uint32
		Unused uint32
	}
	if err := binaryReadLE(mr, &e); err != nil {
		return 0, 0, false, wrapErr("fragmentEntry", KindCorrupted, err)
	}
	return e.Start, e.Size &^ fragSizeRawBit, e.Size&fragSizeRawBit != 0, nil
}

// idEntry resolves an ID-table index (spec §3 "ID table") to its 32-bit
// uid/gid value.
func (s *Superblock) idEntry(idx uint16) (uint32, error) {
	locOff := int64(s.IdTableStart) + int64(int(idx)/idsPerBlock)*8
	locBuf := make([]byte, 8)
	if _, err := s.fs.ReadAt(locBuf, locOff); err != nil {
		return 0, wrapErr("idEntry", KindIO, err)
	}
	blockStart := int64(getLE64(locBuf))

	mr := newMetaReader(s.fs, s.codec, 0, math.MaxInt64)
	if err := mr.seek(blockStart, (int(idx)%idsPerBlock)*idEntrySize); err != nil {
		return 0, err
	}
	var v uint32
	if err := binaryReadLE(mr, &v); err != nil {
		return 0, wrapErr("idEntry", KindCorrupted, err)
	}
	return v, nil
}

// GetUid and GetGid resolve an inode's UID/GID indices through the ID
// table (supplements the teacher's reader, which left these unresolved).
func (s *Superblock) GetUid(i *Inode) (uint32, error) { return s.idEntry(i.UidIdx) }
func (s *Superblock) GetGid(i *Inode) (uint32, error) { return s.idEntry(i.GidIdx) }

// dataReader lazily decompresses one data block and one fragment block at
// a time, cached by absolute file offset / fragment index respectively
// (spec §4.6).
type dataReader struct {
	sb *Superblock

	blockOffset int64
	blockData   []byte

	fragIndex uint32
	fragData  []byte
	haveFrag  bool
}

func newDataReader(sb *Superblock) *dataReader {
	return &dataReader{sb: sb}
}

// getBlock decompresses (or zero-fills, for a sparse block) block index of
// ino, returning a slice owned by the reader's cache — callers must copy
// before the next getBlock/getFragment call invalidates it.
func (dr *dataReader) getBlock(ino *Inode, index int) ([]byte, error) {
	if index < 0 || index >= len(ino.Blocks) {
		return nil, wrapErr("dataReader.getBlock", KindOutOfBounds, ErrOutOfBounds)
	}
	d := ino.Blocks[index]
	if d.sparse() {
		return make([]byte, dr.sb.BlockSize), nil
	}

	offset := int64(ino.StartBlock)
	for i := 0; i < index; i++ {
		offset += int64(ino.Blocks[i].size())
	}

	if dr.blockData != nil && dr.blockOffset == offset {
		return dr.blockData, nil
	}

	raw := make([]byte, d.size())
	if _, err := dr.sb.fs.ReadAt(raw, offset); err != nil {
		return nil, wrapErr("dataReader.getBlock", KindIO, err)
	}
	payload, err := decompressIfNeeded(dr.sb.codec, raw, !d.uncompressed())
	if err != nil {
		return nil, wrapErr("dataReader.getBlock", KindCompressor, err)
	}

	dr.blockOffset = offset
	dr.blockData = payload
	return payload, nil
}

// getFragment returns the tail bytes of ino, copied out of the cached
// fragment block.
func (dr *dataReader) getFragment(ino *Inode) ([]byte, error) {
	if ino.FragBlk == noFragment {
		return nil, nil
	}
	if !dr.haveFrag || dr.fragIndex != ino.FragBlk {
		start, size, uncompressed, err := dr.sb.fragmentEntry(ino.FragBlk)
		if err != nil {
			return nil, err
		}
		raw := make([]byte, size)
		if _, err := dr.sb.fs.ReadAt(raw, int64(start)); err != nil {
			return nil, wrapErr("dataReader.getFragment", KindIO, err)
		}
		payload, err := decompressIfNeeded(dr.sb.codec, raw, !uncompressed)
		if err != nil {
			return nil, wrapErr("dataReader.getFragment", KindCompressor, err)
		}
		dr.fragData = payload
		dr.fragIndex = ino.FragBlk
		dr.haveFrag = true
	}

	tailSize := ino.FileSize % uint64(dr.sb.BlockSize)
	if tailSize == 0 && ino.FileSize > 0 {
		tailSize = uint64(dr.sb.BlockSize)
	}
	end := int(ino.FragOfft) + int(tailSize)
	if end > len(dr.fragData) {
		return nil, wrapErr("dataReader.getFragment", KindCorrupted, ErrCorrupted)
	}
	out := make([]byte, tailSize)
	copy(out, dr.fragData[ino.FragOfft:end])
	return out, nil
}

// read performs a random-access read of ino at offset into buf, walking
// the block list and appending from the fragment when the read crosses
// into the tail (spec §4.6 "read").
func (dr *dataReader) read(ino *Inode, offset int64, buf []byte) (int, error) {
	if uint64(offset) >= ino.FileSize {
		return 0, nil
	}
	if uint64(offset)+uint64(len(buf)) > ino.FileSize {
		buf = buf[:ino.FileSize-uint64(offset)]
	}

	n := 0
	blockSize := int64(dr.sb.BlockSize)
	fullBlocks := int64(len(ino.Blocks)) // excludes the trailing fragment, if any

	block := offset / blockSize
	within := offset % blockSize

	for n < len(buf) && block < fullBlocks {
		data, err := dr.getBlock(ino, int(block))
		if err != nil {
			return n, err
		}
		c := copy(buf[n:], data[within:])
		n += c
		block++
		within = 0
	}

	if n < len(buf) {
		frag, err := dr.getFragment(ino)
		if err != nil {
			return n, err
		}
		fragStart := fullBlocks * blockSize
		fragOff := offset + int64(n) - fragStart
		if fragOff >= 0 && int(fragOff) < len(frag) {
			n += copy(buf[n:], frag[fragOff:])
		}
	}

	return n, nil
}

// dataStream is a sequential view over ino's content, pulling one block
// per refill and producing sparse-block zeros without I/O (spec §4.6
// "create_stream").
type dataStream struct {
	dr     *dataReader
	ino    *Inode
	offset int64
}

func (dr *dataReader) createStream(ino *Inode) *dataStream {
	return &dataStream{dr: dr, ino: ino}
}

func (s *dataStream) Read(p []byte) (int, error) {
	if uint64(s.offset) >= s.ino.FileSize {
		return 0, io.EOF
	}
	n, err := s.dr.read(s.ino, s.offset, p)
	s.offset += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}
