package squashfs

import "bytes"

// dirWriterEntry is one queued, not-yet-segmented directory entry.
type dirWriterEntry struct {
	name   string
	typ    Type
	inoNum uint32
	ref    inodeRef
}

// dirWriter collects one directory's entries and segments them into
// headers+entries at the four boundary rules from spec §3 / §4.5: same
// target inode meta-block, |Δinode| fits in int16, run length ≤ 256, and
// header+entries fit in the current meta-block's remaining space.
type dirWriter struct {
	mw *metaWriter

	pending []dirWriterEntry

	size       int // total uncompressed bytes consumed in the directory meta-stream
	entryCount int
	index      []byte // encoded extended-directory index tuples
	idxCount   int
}

func newDirWriter(mw *metaWriter) *dirWriter {
	return &dirWriter{mw: mw}
}

// begin snapshots the meta-writer's current position as the reference this
// directory will be addressed by, and resets per-directory accumulators.
func (dw *dirWriter) begin() inodeRef {
	blockOffset, offset := dw.mw.position()
	dw.pending = nil
	dw.size = 0
	dw.entryCount = 0
	dw.index = nil
	dw.idxCount = 0
	return newInodeRef(blockOffset, offset)
}

// add queues one entry. Entries must be fed in ASCIIbetical name order
// (spec §9); add does not sort.
func (dw *dirWriter) add(name string, typ Type, inoNum uint32, ref inodeRef) {
	dw.pending = append(dw.pending, dirWriterEntry{name: name, typ: typ.Basic(), inoNum: inoNum, ref: ref})
}

func entryRecordSize(name string) int {
	return 8 + len(name)
}

// end segments the queued entries into runs and writes each as a header
// followed by its entries (spec §4.5 "end()").
func (dw *dirWriter) end() error {
	i := 0
	for i < len(dw.pending) {
		base := dw.pending[i]
		targetBlock := base.ref.Index()
		baseIno := int32(base.inoNum)

		_, blockOff := dw.mw.position()
		if blockOff+12 > metablockSize {
			if err := dw.mw.flush(); err != nil {
				return err
			}
			blockOff = 0
		}

		used := 12 + entryRecordSize(base.name)
		runEnd := i + 1
		for runEnd < len(dw.pending) && runEnd-i < 256 {
			e := dw.pending[runEnd]
			if e.ref.Index() != targetBlock {
				break
			}
			delta := int64(e.inoNum) - int64(baseIno)
			if delta < -32768 || delta > 32767 {
				break
			}
			sz := entryRecordSize(e.name)
			if blockOff+used+sz > metablockSize {
				break
			}
			used += sz
			runEnd++
		}

		if err := dw.writeRun(targetBlock, baseIno, dw.pending[i:runEnd]); err != nil {
			return err
		}
		i = runEnd
	}
	return dw.mw.flush()
}

func (dw *dirWriter) writeRun(targetBlock uint32, baseIno int32, run []dirWriterEntry) error {
	var buf bytes.Buffer
	hdr := struct {
		Count      uint32
		StartBlock uint32
		InodeNum   int32
	}{uint32(len(run) - 1), targetBlock, baseIno}
	if err := binaryWriteLE(&buf, &hdr); err != nil {
		return wrapErr("dirWriter.writeRun", KindIO, err)
	}

	for _, e := range run {
		rec := struct {
			Offset   uint16
			InoDelta int16
			Type     uint16
			NameSize uint16
		}{
			Offset:   uint16(e.ref.Offset()),
			InoDelta: int16(int64(e.inoNum) - int64(baseIno)),
			Type:     uint16(e.typ),
			NameSize: uint16(len(e.name) - 1),
		}
		if err := binaryWriteLE(&buf, &rec); err != nil {
			return wrapErr("dirWriter.writeRun", KindIO, err)
		}
		buf.WriteString(e.name)
	}

	dirBlock, _ := dw.mw.position()
	dw.index = append(dw.index, encodeDirIndexEntry(uint32(dw.size), uint32(dirBlock), []byte(run[0].name))...)
	dw.idxCount++

	if err := dw.mw.append(buf.Bytes()); err != nil {
		return err
	}
	dw.size += buf.Len()
	dw.entryCount += len(run)
	return nil
}

func (dw *dirWriter) getSize() int       { return dw.size }
func (dw *dirWriter) getEntryCount() int { return dw.entryCount }
func (dw *dirWriter) getIndexSize() int  { return len(dw.index) }

// createInode builds a ready-to-serialize directory Inode from the state
// accumulated since begin()/end() (spec §4.5 "create_inode"). ref must be
// the value begin() returned for this directory.
func (dw *dirWriter) createInode(ref inodeRef, nlinks uint32, xattrIdx uint32, parentIno uint32) *Inode {
	ino := &Inode{
		Type:       DirType,
		StartBlock: uint64(ref.Index()),
		Offset:     uint16(ref.Offset()),
		DirSize:    uint64(dw.size),
		NLink:      nlinks,
		ParentIno:  parentIno,
		XattrIdx:   xattrIdx,
		IdxCount:   uint16(dw.idxCount),
		dirIndex:   dw.index,
	}
	return ino
}
