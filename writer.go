package squashfs

import (
	"bytes"
	"io"
	"io/fs"
	"strings"
	"time"
)

// writerConfig accumulates WriterOption settings before NewWriter builds the
// image's fixed parameters (block size, compressor, super-block flags).
type writerConfig struct {
	blockSize       uint32
	comp            Compression
	modTime         uint32
	flags           Flags
	deviceBlockSize int64
	hashOnly        bool
	exportable      bool
	noDedup         bool
}

// WriterOption configures a Writer at construction time (spec §6.5 "init").
type WriterOption func(*writerConfig)

// WithBlockSize sets the data block size in bytes. Must be a power of two
// between 4 KiB and 1 MiB; defaults to 128 KiB.
func WithBlockSize(n uint32) WriterOption {
	return func(c *writerConfig) { c.blockSize = n }
}

// WithCompression selects the data/metadata compressor; defaults to GZip.
// The chosen Compression must have a Codec registered via RegisterCodec.
func WithCompression(comp Compression) WriterOption {
	return func(c *writerConfig) { c.comp = comp }
}

// WithModTime sets the super-block's build timestamp, truncated to a Unix
// second (spec's ModTime is a 32-bit unsigned value, so this rolls over in
// 2106).
func WithModTime(t time.Time) WriterOption {
	return func(c *writerConfig) { c.modTime = uint32(t.Unix()) }
}

// WithFlags ORs additional super-block hint flags into the image. The
// writer already manages NO_FRAGMENTS, EXPORTABLE, NO_XATTRS, NO_DUPLICATES
// and COMPRESSOR_OPTIONS itself; use this for flags it has no opinion on
// (e.g. CHECK).
func WithFlags(f Flags) WriterOption {
	return func(c *writerConfig) { c.flags |= f }
}

// WithExportable builds the NFS export (inode number -> inode reference)
// table, setting the super-block's EXPORTABLE flag.
func WithExportable(exportable bool) WriterOption {
	return func(c *writerConfig) { c.exportable = exportable }
}

// WithDeduplication controls whether identical runs of data blocks are
// collapsed to a single on-disk copy (spec §4.7 step 5). Defaults to
// enabled; disabling it sets the super-block's NO_DUPLICATES flag.
func WithDeduplication(enabled bool) WriterOption {
	return func(c *writerConfig) { c.noDedup = !enabled }
}

// WithHashOnlyCompare skips the byte-for-byte confirmation read after a
// checksum match during deduplication, trusting the checksum alone. Faster,
// at the cost of tolerating (extremely unlikely) checksum collisions.
func WithHashOnlyCompare(hashOnly bool) WriterOption {
	return func(c *writerConfig) { c.hashOnly = hashOnly }
}

// WithDeviceBlockSize aligns every data/fragment run to a multiple of n
// bytes, so the image can be written directly to a block device with that
// sector size. 0 (the default) disables alignment.
func WithDeviceBlockSize(n int64) WriterOption {
	return func(c *writerConfig) { c.deviceBlockSize = n }
}

// Writer assembles a SquashFS image from a source tree (spec §4.9, §6.5).
// Add a tree with AddTree, then call Finalize to lay out and write every
// table in the order the format requires: data, inode table, directory
// table, export table, ID table, xattr tables, and finally the super-block
// at offset 0.
type Writer struct {
	f     imageFile
	codec Codec

	blockSize       uint32
	comp            Compression
	modTime         uint32
	flags           Flags
	deviceBlockSize int64
	hashOnly        bool
	exportable      bool
	noDedup         bool

	dw      *dataWriter
	inodeMW *metaWriter
	dirMW   *metaWriter
	xattrMW *metaWriter
	dirW    *dirWriter
	xw      *xattrWriter

	optionsWritten bool

	inoCounter uint32
	exportRefs []inodeRef

	idTable []uint32
	idIdx   map[uint32]uint16

	rootRef inodeRef
	rootIno uint32
}

// NewWriter prepares f to receive a new image: it reserves the super-block
// (and, if the chosen codec has tunables, the options meta-block that
// follows it) so the data area starts at the right offset, then wires up
// the data writer and the deferred inode/directory/xattr meta-writers.
func NewWriter(f imageFile, opts ...WriterOption) (*Writer, error) {
	cfg := writerConfig{blockSize: 131072, comp: GZip}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.blockSize < minBlockSize || cfg.blockSize > maxBlockSize || cfg.blockSize&(cfg.blockSize-1) != 0 {
		return nil, wrapErr("NewWriter", KindArgInvalid, ErrInvalidSuper)
	}

	codec, err := newCodec(cfg.comp, nil)
	if err != nil {
		return nil, wrapErr("NewWriter", KindUnsupported, err)
	}

	if err := f.Truncate(superblockLen); err != nil {
		return nil, wrapErr("NewWriter", KindIO, err)
	}

	var optionsWritten bool
	var optBuf bytes.Buffer
	n, err := codec.WriteOptions(&optBuf)
	if err != nil {
		return nil, wrapErr("NewWriter", KindCompressor, err)
	}
	if n > 0 {
		mw := newMetaWriter(&ioWriterAt{f: f, pos: superblockLen}, codec, false)
		if err := mw.append(optBuf.Bytes()[:n]); err != nil {
			return nil, err
		}
		if err := mw.flush(); err != nil {
			return nil, err
		}
		optionsWritten = true
	}

	dw, err := newDataWriter(f, cfg.deviceBlockSize, cfg.hashOnly)
	if err != nil {
		return nil, err
	}

	dirMW := newMetaWriter(io.Discard, codec, true)
	w := &Writer{
		f:               f,
		codec:           codec,
		blockSize:       cfg.blockSize,
		comp:            cfg.comp,
		modTime:         cfg.modTime,
		flags:           cfg.flags,
		deviceBlockSize: cfg.deviceBlockSize,
		hashOnly:        cfg.hashOnly,
		exportable:      cfg.exportable,
		noDedup:         cfg.noDedup,
		dw:              dw,
		inodeMW:         newMetaWriter(io.Discard, codec, true),
		dirMW:           dirMW,
		xattrMW:         newMetaWriter(io.Discard, codec, true),
		dirW:            newDirWriter(dirMW),
		xw:              newXattrWriter(),
		optionsWritten:  optionsWritten,
		idIdx:           make(map[uint32]uint16),
	}
	return w, nil
}

func (w *Writer) allocIno() uint32 {
	w.inoCounter++
	return w.inoCounter
}

func (w *Writer) internID(id uint32) uint16 {
	if idx, ok := w.idIdx[id]; ok {
		return idx
	}
	idx := uint16(len(w.idTable))
	w.idTable = append(w.idTable, id)
	w.idIdx[id] = idx
	return idx
}

func (w *Writer) setExportRef(ino uint32, ref inodeRef) {
	for uint32(len(w.exportRefs)) < ino {
		w.exportRefs = append(w.exportRefs, 0)
	}
	w.exportRefs[ino-1] = ref
}

// writeInode serializes ino into the inode meta-stream and returns the
// reference that addresses it.
func (w *Writer) writeInode(ino *Inode) (inodeRef, error) {
	blockOffset, offset := w.inodeMW.position()
	ref := newInodeRef(blockOffset, offset)

	var buf bytes.Buffer
	if err := encodeInode(&buf, ino); err != nil {
		return 0, err
	}
	if err := w.inodeMW.append(buf.Bytes()); err != nil {
		return 0, err
	}
	if w.exportable {
		w.setExportRef(ino.Ino, ref)
	}
	return ref, nil
}

func (w *Writer) pullXattrs(it SourceIterator) (uint32, error) {
	xs, err := it.ReadXattrs()
	if err != nil {
		return 0, err
	}
	if len(xs) == 0 {
		return noXattr, nil
	}
	w.xw.begin()
	for _, x := range xs {
		w.xw.add(x.Key, x.Value)
	}
	return w.xw.end(), nil
}

// AddTree builds the entire image from it, a SourceIterator positioned at
// the tree's root. Wrap it with WithHardLinkFilter/WithTypeFilter beforehand
// if that behavior is wanted; AddTree imposes no filtering of its own.
// root describes the root directory's own metadata (mode, uid, gid, mtime);
// its Name is ignored.
func (w *Writer) AddTree(it SourceIterator, root SourceEntry) error {
	ino := w.allocIno()
	ref, err := w.buildDir(it, root, ino, ino)
	if err != nil {
		return err
	}
	w.rootRef = ref
	w.rootIno = ino
	return nil
}

// buildDir recurses into it (already open on one directory's contents),
// writing every child before writing this directory's own listing and
// inode record — entries must be produced in ASCIIbetical order by it
// (spec §9), since dirWriter does not sort.
func (w *Writer) buildDir(it SourceIterator, self SourceEntry, inoNum, parentIno uint32) (inodeRef, error) {
	type childEntry struct {
		name   string
		typ    Type
		inoNum uint32
		ref    inodeRef
	}
	var children []childEntry
	nlink := uint32(2)

	for {
		se, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}

		if err := validateEntryName(se.Name); err != nil {
			return 0, err
		}

		switch {
		case se.Mode.IsDir():
			sub, err := it.OpenSubdir()
			if err != nil {
				return 0, err
			}
			childIno := w.allocIno()
			ref, err := w.buildDir(sub, se, childIno, inoNum)
			if err != nil {
				return 0, err
			}
			nlink++
			children = append(children, childEntry{name: se.Name, typ: DirType, inoNum: childIno, ref: ref})

		case se.Mode&fs.ModeSymlink != 0:
			ref, childIno, err := w.buildSymlink(it, se)
			if err != nil {
				return 0, err
			}
			children = append(children, childEntry{name: se.Name, typ: SymlinkType, inoNum: childIno, ref: ref})

		case se.Mode.IsRegular():
			ref, childIno, err := w.buildFile(it, se)
			if err != nil {
				return 0, err
			}
			children = append(children, childEntry{name: se.Name, typ: FileType, inoNum: childIno, ref: ref})

		default:
			ref, childIno, typ, err := w.buildSpecial(se)
			if err != nil {
				return 0, err
			}
			children = append(children, childEntry{name: se.Name, typ: typ, inoNum: childIno, ref: ref})
		}
	}

	ref := w.dirW.begin()
	for _, c := range children {
		w.dirW.add(c.name, c.typ, c.inoNum, c.ref)
	}
	if err := w.dirW.end(); err != nil {
		return 0, err
	}

	xattrIdx, err := w.pullXattrs(it)
	if err != nil {
		return 0, err
	}

	ino := w.dirW.createInode(ref, nlink, xattrIdx, parentIno)
	ino.Perm = uint16(modeToUnix(self.Mode) & 07777)
	ino.UidIdx = w.internID(self.Uid)
	ino.GidIdx = w.internID(self.Gid)
	ino.ModTime = modTimeOf(self.ModTime, w.modTime)
	ino.Ino = inoNum

	return w.writeInode(ino)
}

// buildFile reads it's currently-selected regular file fully into memory,
// compresses it block by block, and writes a FileType inode. Fragment
// packing is not implemented (the image is always written with
// NO_FRAGMENTS): a file's final partial block is stored as an ordinary,
// possibly-short, last data block instead of being packed into a shared
// fragment block. An all-zero chunk is submitted as a SparseBlock instead
// of being compressed and written out (spec §4.7 step 1), so holes in the
// source file cost no disk space and round-trip as a zero-size block
// descriptor the reader expands back to BlockSize zero bytes.
func (w *Writer) buildFile(it SourceIterator, se SourceEntry) (inodeRef, uint32, error) {
	inoNum := w.allocIno()

	rc, err := it.OpenFile()
	if err != nil {
		return 0, 0, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return 0, 0, wrapErr("Writer.buildFile", KindIO, err)
	}

	var blocks []blockDescriptor
	startLoc := int64(-1)
	var sparseBytes uint64

	for off := 0; off < len(data); off += int(w.blockSize) {
		end := off + int(w.blockSize)
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		isFirst := off == 0
		isLast := end == len(data)
		isSparse := allZero(chunk)

		var flags BlockFlags
		if isFirst {
			flags |= FirstBlock
		}
		if isLast {
			flags |= LastBlock
		}
		if w.deviceBlockSize > 0 {
			flags |= Align
		}
		if w.noDedup {
			flags |= DontDeduplicate
		}
		if isSparse {
			flags |= SparseBlock
		}

		var payload []byte
		var compressed bool
		if !isSparse {
			var err error
			payload, compressed, err = compressOrStore(w.codec, chunk)
			if err != nil {
				return 0, 0, wrapErr("Writer.buildFile", KindCompressor, err)
			}
			if compressed {
				flags |= Compressed
			}
		}

		loc, err := w.dw.write(uint32(len(payload)), flags, payload)
		if err != nil {
			return 0, 0, err
		}
		if isLast {
			startLoc = loc
		}
		if isSparse {
			sparseBytes += uint64(len(chunk))
			blocks = append(blocks, makeBlockDescriptor(0, false))
		} else {
			blocks = append(blocks, makeBlockDescriptor(uint32(len(payload)), !compressed))
		}
	}

	xattrIdx, err := w.pullXattrs(it)
	if err != nil {
		return 0, 0, err
	}

	if startLoc < 0 {
		startLoc = 0
	}
	ino := &Inode{
		Type:       FileType,
		Perm:       uint16(modeToUnix(se.Mode) & 07777),
		UidIdx:     w.internID(se.Uid),
		GidIdx:     w.internID(se.Gid),
		ModTime:    modTimeOf(se.ModTime, w.modTime),
		Ino:        inoNum,
		StartBlock: uint64(startLoc),
		FileSize:   uint64(len(data)),
		Sparse:     sparseBytes,
		FragBlk:    noFragment,
		Blocks:     blocks,
		NLink:      1,
		XattrIdx:   xattrIdx,
	}
	ref, err := w.writeInode(ino)
	return ref, inoNum, err
}

func (w *Writer) buildSymlink(it SourceIterator, se SourceEntry) (inodeRef, uint32, error) {
	inoNum := w.allocIno()
	target, err := it.ReadLink()
	if err != nil {
		return 0, 0, err
	}
	xattrIdx, err := w.pullXattrs(it)
	if err != nil {
		return 0, 0, err
	}
	ino := &Inode{
		Type:      SymlinkType,
		Perm:      uint16(modeToUnix(se.Mode) & 07777),
		UidIdx:    w.internID(se.Uid),
		GidIdx:    w.internID(se.Gid),
		ModTime:   modTimeOf(se.ModTime, w.modTime),
		Ino:       inoNum,
		SymTarget: []byte(target),
		NLink:     1,
		XattrIdx:  xattrIdx,
	}
	ref, err := w.writeInode(ino)
	return ref, inoNum, err
}

func (w *Writer) buildSpecial(se SourceEntry) (inodeRef, uint32, Type, error) {
	inoNum := w.allocIno()
	var typ Type
	switch {
	case se.Mode&fs.ModeDevice != 0 && se.Mode&fs.ModeCharDevice != 0:
		typ = CharDevType
	case se.Mode&fs.ModeDevice != 0:
		typ = BlockDevType
	case se.Mode&fs.ModeNamedPipe != 0:
		typ = FifoType
	case se.Mode&fs.ModeSocket != 0:
		typ = SocketType
	default:
		return 0, 0, 0, wrapErr("Writer.buildSpecial", KindUnsupported, ErrUnsupported)
	}

	ino := &Inode{
		Type:    typ,
		Perm:    uint16(modeToUnix(se.Mode) & 07777),
		UidIdx:  w.internID(se.Uid),
		GidIdx:  w.internID(se.Gid),
		ModTime: modTimeOf(se.ModTime, w.modTime),
		Ino:     inoNum,
		Rdev:    uint32(se.Rdev),
		NLink:   1,
	}
	ref, err := w.writeInode(ino)
	return ref, inoNum, typ, err
}

// validateEntryName enforces spec §3's directory entry name rules: a
// SourceIterator is a public interface, so unlike os.ReadDir (which already
// satisfies these) a caller's own implementation could hand back a name
// that would otherwise corrupt the directory table silently.
func validateEntryName(name string) error {
	switch {
	case name == "":
		return wrapErr("validateEntryName", KindArgInvalid, ErrInvalidName)
	case name == "." || name == "..":
		return wrapErr("validateEntryName", KindArgInvalid, ErrInvalidName)
	case strings.Contains(name, "/"):
		return wrapErr("validateEntryName", KindArgInvalid, ErrInvalidName)
	}
	return nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func modTimeOf(t time.Time, fallback uint32) uint32 {
	if t.IsZero() {
		return fallback
	}
	return uint32(t.Unix())
}

// Finalize lays out and writes every remaining table after the data area
// (spec §6.4): inode table, directory table, export table, ID table, xattr
// tables, then rewrites the super-block at offset 0. It returns the
// resulting Superblock, ready to be wrapped with NewFS without a re-read.
func (w *Writer) Finalize() (*Superblock, error) {
	dataEnd, err := w.f.Size()
	if err != nil {
		return nil, wrapErr("Writer.Finalize", KindIO, err)
	}
	sw := &seqWriter{f: w.f, pos: dataEnd}

	inodeTableStart := uint64(sw.pos)
	w.inodeMW.w = sw
	if err := w.inodeMW.flush(); err != nil {
		return nil, err
	}
	if err := w.inodeMW.writeToFile(); err != nil {
		return nil, err
	}

	dirTableStart := uint64(sw.pos)
	w.dirMW.w = sw
	if err := w.dirMW.flush(); err != nil {
		return nil, err
	}
	if err := w.dirMW.writeToFile(); err != nil {
		return nil, err
	}

	exportTableStart := uint64(noTableOffset)
	if w.exportable {
		var buf bytes.Buffer
		for _, ref := range w.exportRefs {
			if err := binaryWriteLE(&buf, uint64(ref)); err != nil {
				return nil, wrapErr("Writer.Finalize", KindIO, err)
			}
		}
		off, err := writeTable(sw, w.codec, buf.Bytes())
		if err != nil {
			return nil, err
		}
		exportTableStart = off
	}

	idTableStart := uint64(noTableOffset)
	if len(w.idTable) > 0 {
		var buf bytes.Buffer
		for _, id := range w.idTable {
			if err := binaryWriteLE(&buf, id); err != nil {
				return nil, wrapErr("Writer.Finalize", KindIO, err)
			}
		}
		off, err := writeTable(sw, w.codec, buf.Bytes())
		if err != nil {
			return nil, err
		}
		idTableStart = off
	}

	xattrIdTableStart := uint64(noTableOffset)
	if len(w.xw.runs) > 0 {
		kvStart := uint64(sw.pos)
		w.xattrMW.w = sw
		descriptors, err := w.xw.flush(w.xattrMW)
		if err != nil {
			return nil, err
		}
		if err := w.xattrMW.flush(); err != nil {
			return nil, err
		}
		if err := w.xattrMW.writeToFile(); err != nil {
			return nil, err
		}
		off, err := writeXattrIdTable(sw, w.codec, kvStart, descriptors)
		if err != nil {
			return nil, err
		}
		xattrIdTableStart = off
	}

	flags := w.flags | NO_FRAGMENTS
	if w.exportable {
		flags |= EXPORTABLE
	}
	if w.noDedup {
		flags |= NO_DUPLICATES
	}
	if xattrIdTableStart == noTableOffset {
		flags |= NO_XATTRS
	}
	if w.optionsWritten {
		flags |= COMPRESSOR_OPTIONS
	}

	sb := &Superblock{
		Magic:             magicLE,
		InodeCount:        w.inoCounter,
		ModTime:           w.modTime,
		BlockSize:         w.blockSize,
		FragCount:         0,
		Comp:              w.comp,
		BlockLog:          uint16(log2u32(w.blockSize)),
		Flags:             flags,
		IdCount:           uint16(len(w.idTable)),
		VMajor:            versionMajor,
		VMinor:            versionMinor,
		RootInode:         uint64(w.rootRef),
		BytesUsed:         uint64(sw.pos),
		IdTableStart:      idTableStart,
		XattrIdTableStart: xattrIdTableStart,
		InodeTableStart:   inodeTableStart,
		DirTableStart:     dirTableStart,
		FragTableStart:    noTableOffset,
		ExportTableStart:  exportTableStart,
		fs:                w.f,
		codec:             w.codec,
	}

	data, err := sb.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if _, err := w.f.WriteAt(data, 0); err != nil {
		return nil, wrapErr("Writer.Finalize", KindIO, err)
	}

	if err := padToDeviceBlock(w.f, sb.BytesUsed, w.deviceBlockSize); err != nil {
		return nil, err
	}

	root, err := sb.getInode(w.rootRef)
	if err != nil {
		return nil, err
	}
	sb.root = root
	return sb, nil
}

// defaultDeviceBlockSize is the final-padding alignment spec §6.4 calls for
// when the caller never set WithDeviceBlockSize: the image still ends up a
// multiple of 4096 bytes even though no ALIGN flag was ever set on a block.
const defaultDeviceBlockSize = 4096

// padToDeviceBlock zero-extends the image file from size up to the next
// multiple of blockSize (falling back to defaultDeviceBlockSize when the
// writer has no explicit device-block size), the last step of Finalize
// (spec §6.4, §2's control-flow summary: "pad to device-block alignment").
func padToDeviceBlock(f imageFile, size uint64, blockSize int64) error {
	if blockSize <= 0 {
		blockSize = defaultDeviceBlockSize
	}
	rem := int64(size) % blockSize
	if rem == 0 {
		return nil
	}
	padLen := blockSize - rem
	if _, err := f.WriteAt(make([]byte, padLen), int64(size)); err != nil {
		return wrapErr("padToDeviceBlock", KindIO, err)
	}
	return nil
}

// seqWriter adapts an imageFile's random-access WriteAt to the sequential
// io.Writer / io.WriteSeeker (current-position-only) that metaWriter and
// writeTable/writeXattrIdTable are built against.
type seqWriter struct {
	f   imageFile
	pos int64
}

func (s *seqWriter) Write(p []byte) (int, error) {
	n, err := s.f.WriteAt(p, s.pos)
	s.pos += int64(n)
	if err != nil {
		return n, wrapErr("seqWriter.Write", KindIO, err)
	}
	return n, nil
}

func (s *seqWriter) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekCurrent:
		return s.pos, nil
	case io.SeekStart:
		s.pos = offset
		return s.pos, nil
	default:
		return 0, wrapErr("seqWriter.Seek", KindUnsupported, ErrUnsupported)
	}
}

// ioWriterAt adapts an imageFile to a fixed-position io.Writer, for the
// one-shot compressor-options meta-block written right after the
// super-block, before the data area (and before a seqWriter even exists).
type ioWriterAt struct {
	f   imageFile
	pos int64
}

func (a *ioWriterAt) Write(p []byte) (int, error) {
	n, err := a.f.WriteAt(p, a.pos)
	a.pos += int64(n)
	if err != nil {
		return n, wrapErr("ioWriterAt.Write", KindIO, err)
	}
	return n, nil
}
