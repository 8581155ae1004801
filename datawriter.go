package squashfs

import (
	"bytes"
	"hash/crc32"
	"io"
)

// BlockFlags tags a submission to the data/fragment block writer (spec
// §4.7 "write(size, checksum, flags, data, -> location)").
type BlockFlags uint16

const (
	FirstBlock BlockFlags = 1 << iota
	LastBlock
	FragmentBlock
	SparseBlock
	Compressed
	Align
	DontDeduplicate
)

// imageFile is the file object the writer side is built against (spec
// §6.1): random-access writer/reader/truncator over a growing byte stream.
// A thin wrapper around *os.File satisfies it (os.File itself lacks
// Size); tests use an in-memory implementation.
type imageFile interface {
	io.ReaderAt
	WriteAt(p []byte, off int64) (int, error)
	Size() (int64, error)
	Truncate(size int64) error
}

// dedupEntry is one (file_offset, encoded hash) pair the deduplicator
// tracks per written block (spec §4.7 "the writer maintains a growing
// array of (file_offset, hash) pairs").
type dedupEntry struct {
	fileOffset int64
	checksum   uint32
	encSize    uint32 // bit 24 set if uncompressed, 0 if sparse, else compressed size
}

func (e dedupEntry) sparse() bool { return e.encSize == 0 }

func (a dedupEntry) matches(b dedupEntry) bool {
	return a.checksum == b.checksum && a.encSize == b.encSize
}

// dataWriter is the deduplicating data/fragment block writer (spec §4.7).
// Callers drive it with already-compressed blocks, in order; parallel
// producers are allowed upstream as long as submissions reach write() in
// the original block order (spec §5).
type dataWriter struct {
	f               imageFile
	deviceBlockSize int64
	hashOnly        bool

	blocks    []dedupEntry
	fileStart int
	curSize   int64

	scratchA []byte
	scratchB []byte
}

func newDataWriter(f imageFile, deviceBlockSize int64, hashOnly bool) (*dataWriter, error) {
	size, err := f.Size()
	if err != nil {
		return nil, wrapErr("newDataWriter", KindIO, err)
	}
	return &dataWriter{f: f, deviceBlockSize: deviceBlockSize, hashOnly: hashOnly, curSize: size}, nil
}

func (dw *dataWriter) blockCount() int { return len(dw.blocks) }

// write submits one already-compressed block and returns the file offset
// its content ultimately lives at (which may belong to an earlier,
// identical run of blocks after deduplication).
func (dw *dataWriter) write(size uint32, flags BlockFlags, data []byte) (location int64, err error) {
	if (flags&FirstBlock != 0 || flags&FragmentBlock != 0) && flags&Align != 0 {
		if err := dw.pad(); err != nil {
			return 0, err
		}
		dw.blocks = append(dw.blocks, dedupEntry{fileOffset: dw.curSize})
	}

	if flags&FirstBlock != 0 {
		dw.fileStart = len(dw.blocks)
	}

	location = dw.curSize
	if flags&SparseBlock != 0 {
		dw.blocks = append(dw.blocks, dedupEntry{fileOffset: dw.curSize})
	} else if size > 0 {
		encSize := size
		if flags&Compressed == 0 {
			encSize |= 1 << 24
		}
		entry := dedupEntry{fileOffset: dw.curSize, checksum: crc32.ChecksumIEEE(data), encSize: encSize}
		dw.blocks = append(dw.blocks, entry)
		location = dw.curSize
		if _, err := dw.f.WriteAt(data, dw.curSize); err != nil {
			return 0, wrapErr("dataWriter.write", KindIO, err)
		}
		dw.curSize += int64(len(data))
	}

	if (flags&LastBlock != 0 || flags&FragmentBlock != 0) && flags&Align != 0 {
		if err := dw.pad(); err != nil {
			return 0, err
		}
	}

	if flags&LastBlock != 0 {
		loc, err := dw.deduplicate(flags&DontDeduplicate != 0)
		if err != nil {
			return 0, err
		}
		if loc >= 0 {
			location = loc
		} else if dw.fileStart < len(dw.blocks) {
			// No rewind happened: report where this run actually started,
			// not the offset of the block this particular call just wrote.
			location = dw.blocks[dw.fileStart].fileOffset
		}
	}

	return location, nil
}

func (dw *dataWriter) pad() error {
	if dw.deviceBlockSize <= 0 {
		return nil
	}
	rem := dw.curSize % dw.deviceBlockSize
	if rem == 0 {
		return nil
	}
	padLen := dw.deviceBlockSize - rem
	zeros := make([]byte, padLen)
	if _, err := dw.f.WriteAt(zeros, dw.curSize); err != nil {
		return wrapErr("dataWriter.pad", KindIO, err)
	}
	dw.curSize += padLen
	return nil
}

// deduplicate runs step 5 of spec §4.7: search for an earlier run of
// blocks identical to the current file's run, and if found, rewind.
// Returns -1 if no rewind happened (caller keeps its own tentative
// location), otherwise the offset the current file's data now aliases.
func (dw *dataWriter) deduplicate(skip bool) (int64, error) {
	count := len(dw.blocks) - dw.fileStart
	if skip || count <= 0 {
		return -1, nil
	}
	cur := dw.blocks[dw.fileStart:]

	for i := 0; i+count <= dw.fileStart; i++ {
		candidate := dw.blocks[i : i+count]
		if !dw.runMatches(candidate, cur) {
			continue
		}

		matched := true
		if !dw.hashOnly {
			ok, err := dw.runEqualBytes(candidate, cur)
			if err != nil {
				return 0, err
			}
			matched = ok
		}
		if !matched {
			continue
		}

		loc := dw.blocks[i].fileOffset
		if i+count > dw.fileStart {
			dw.blocks = dw.blocks[:i+count]
		} else {
			dw.blocks = dw.blocks[:dw.fileStart]
		}
		newSize := dw.blocks[len(dw.blocks)-1].fileOffset + int64(dw.blocks[len(dw.blocks)-1].encSize&0xffffff)
		if err := dw.f.Truncate(newSize); err != nil {
			return 0, wrapErr("dataWriter.deduplicate", KindIO, err)
		}
		dw.curSize = newSize
		return loc, nil
	}

	return -1, nil
}

func (dw *dataWriter) runMatches(a, b []dedupEntry) bool {
	for i := range a {
		if !a[i].matches(b[i]) {
			return false
		}
	}
	return true
}

func (dw *dataWriter) runEqualBytes(a, b []dedupEntry) (bool, error) {
	if cap(dw.scratchA) == 0 {
		dw.scratchA = make([]byte, 0, 1<<20)
		dw.scratchB = make([]byte, 0, 1<<20)
	}
	for i := range a {
		if a[i].sparse() || b[i].sparse() {
			if a[i].sparse() != b[i].sparse() {
				return false, nil
			}
			continue
		}
		size := int(a[i].encSize & 0xffffff)
		bufA := growBuf(&dw.scratchA, size)
		bufB := growBuf(&dw.scratchB, size)
		if _, err := dw.f.ReadAt(bufA, a[i].fileOffset); err != nil {
			return false, wrapErr("dataWriter.runEqualBytes", KindIO, err)
		}
		if _, err := dw.f.ReadAt(bufB, b[i].fileOffset); err != nil {
			return false, wrapErr("dataWriter.runEqualBytes", KindIO, err)
		}
		if !bytes.Equal(bufA, bufB) {
			return false, nil
		}
	}
	return true, nil
}

func growBuf(buf *[]byte, n int) []byte {
	if cap(*buf) < n {
		*buf = make([]byte, n)
		return *buf
	}
	*buf = (*buf)[:n]
	return *buf
}
