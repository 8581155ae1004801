package squashfs

import (
	"io"
	"io/fs"
)

// dirState is the dirReader's little state machine (spec §4.4): None (never
// opened) -> Opened (synthetic "." queued) -> Dot (synthetic ".." queued)
// -> Entries (draining real entries) -> terminal.
type dirState int

const (
	dirStateNone dirState = iota
	dirStateOpened
	dirStateDot
	dirStateEntries
	dirStateDone
)

// direntry implements fs.DirEntry for one SquashFS directory entry.
type direntry struct {
	name string
	typ  Type
	ref  dirRef
	sb   *Superblock
}

func (de *direntry) Name() string { return de.name }
func (de *direntry) IsDir() bool  { return de.typ.IsDir() }
func (de *direntry) Type() fs.FileMode {
	return de.typ.Mode()
}
func (de *direntry) Info() (fs.FileInfo, error) {
	ino, err := de.sb.getInodeByDirRef(de.ref)
	if err != nil {
		return nil, err
	}
	return &fileinfo{name: de.name, ino: ino}, nil
}

// dirReader iterates the entries of one directory listing (spec §4.4). It
// is constructed from an already-opened inode and owns one meta-block
// cursor over the listing bytes; resolving an entry to its inode goes
// through the Superblock's getInode, which opens its own cursor into the
// inode table on every call.
type dirReader struct {
	sb *Superblock

	state dirState
	self  *Inode // directory this reader is iterating

	mr       *metaReader
	remain   int64 // remaining uncompressed bytes in the listing
	count    uint32
	curBlock uint32
	baseIno  int32

	includeDots bool
}

// openDir opens i for iteration. When includeDots is true, a synthetic "."
// entry is yielded before the real ones, followed by a synthetic ".." entry
// if the superblock's inode->ref cache has a record for i's parent.
func (sb *Superblock) openDir(i *Inode, includeDots bool) (*dirReader, error) {
	if !i.IsDir() {
		return nil, wrapErr("openDir", KindNotDir, ErrNotDirectory)
	}

	mr := newMetaReader(sb.fs, sb.codec, int64(sb.DirTableStart), sb.dirTableUpperBound())
	if err := mr.seek(int64(sb.DirTableStart)+int64(i.StartBlock), int(i.Offset)); err != nil {
		return nil, err
	}

	dr := &dirReader{
		sb:          sb,
		self:        i,
		mr:          mr,
		remain:      int64(i.DirSize),
		includeDots: includeDots,
		state:       dirStateNone,
	}
	return dr, nil
}

// openDirAt opens a new dirReader positioned by an extended-directory index
// tuple, jumping directly to the meta-block containing a header near the target
// name (spec §4.4 dirReader via §3 "Directory index").
func (sb *Superblock) openDirAt(i *Inode, entryIndex uint32, startBlock uint32, remaining int64) (*dirReader, error) {
	mr := newMetaReader(sb.fs, sb.codec, int64(sb.DirTableStart), sb.dirTableUpperBound())
	if err := mr.seek(int64(sb.DirTableStart)+int64(startBlock), int(entryIndex)&0x1fff); err != nil {
		return nil, err
	}
	return &dirReader{sb: sb, self: i, mr: mr, remain: remaining, state: dirStateEntries}, nil
}

func (sb *Superblock) dirTableUpperBound() int64 {
	if sb.hasTable(sb.FragTableStart) {
		return int64(sb.FragTableStart)
	}
	if sb.hasTable(sb.ExportTableStart) {
		return int64(sb.ExportTableStart)
	}
	return int64(sb.IdTableStart)
}

// next returns the next fs.DirEntry, or io.EOF once the listing (and any
// synthetic dot-entries) is exhausted.
func (dr *dirReader) next() (*direntry, error) {
	switch dr.state {
	case dirStateNone:
		dr.state = dirStateOpened
		if dr.includeDots {
			return &direntry{name: ".", typ: DirType, ref: newDirRef(uint32(dr.self.StartBlock), uint16(dr.self.Offset)), sb: dr.sb}, nil
		}
		fallthrough
	case dirStateOpened:
		dr.state = dirStateDot
		if dr.includeDots {
			parentRef, ok := dr.sb.lookupInodeRefCache(dr.self.ParentIno)
			if !ok {
				// Parent hasn't been visited via getInode yet; ".." is
				// simply skipped rather than failing the whole listing.
				return dr.next()
			}
			return &direntry{name: "..", typ: DirType, ref: dirRef(parentRef), sb: dr.sb}, nil
		}
		fallthrough
	case dirStateEntries, dirStateDot:
		dr.state = dirStateEntries
		return dr.nextReal()
	}
	return nil, io.EOF
}

func (dr *dirReader) nextReal() (*direntry, error) {
	if dr.remain <= 0 {
		dr.state = dirStateDone
		return nil, io.EOF
	}

	if dr.count == 0 {
		if err := dr.readHeader(); err != nil {
			return nil, err
		}
	}

	var e struct {
		Offset   uint16
		InoDelta int16
		Type     uint16
		NameSize uint16
	}
	if err := binaryReadLE(dr.mr, &e); err != nil {
		return nil, wrapErr("dirReader.nextReal", KindCorrupted, err)
	}
	name := make([]byte, int(e.NameSize)+1)
	if _, err := io.ReadFull(dr.mr, name); err != nil {
		return nil, wrapErr("dirReader.nextReal", KindCorrupted, err)
	}

	dr.remain -= int64(8 + len(name))
	dr.count--

	ref := newDirRef(dr.curBlock, e.Offset)
	return &direntry{name: string(name), typ: Type(e.Type), ref: ref, sb: dr.sb}, nil
}

func (dr *dirReader) readHeader() error {
	var h struct {
		Count      uint32
		StartBlock uint32
		InodeNum   int32
	}
	if err := binaryReadLE(dr.mr, &h); err != nil {
		return wrapErr("dirReader.readHeader", KindCorrupted, err)
	}
	dr.remain -= 12
	dr.count = h.Count + 1
	dr.curBlock = h.StartBlock
	dr.baseIno = h.InodeNum
	return nil
}

// ReadDir drains up to n entries (n<=0 means all), satisfying fs.ReadDirFile.
func (dr *dirReader) ReadDir(n int) ([]fs.DirEntry, error) {
	var out []fs.DirEntry
	for {
		e, err := dr.next()
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		out = append(out, e)
		if n > 0 && len(out) >= n {
			return out, nil
		}
	}
}

// getInodeByDirRef resolves a directory-entry reference to its inode,
// populating the inode->ref cache when it is a directory (spec §4.4
// "get_inode(ref)").
func (sb *Superblock) getInodeByDirRef(ref dirRef) (*Inode, error) {
	ino, err := sb.getInode(newInodeRef(int64(ref.startBlock()), int(ref.offset())))
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		sb.setInodeRefCache(ino.Ino, uint64(ref))
	}
	return ino, nil
}

// Directory index tuple encoding, used by both the extended-directory
// decoder (inode.go) and the directory writer (dirwriter.go): (index u32,
// start_block u32, name_size-1 u32, name bytes, no NUL).
func encodeDirIndexEntry(index, startBlock uint32, name []byte) []byte {
	buf := make([]byte, 12+len(name))
	putLE32(buf[0:], index)
	putLE32(buf[4:], startBlock)
	putLE32(buf[8:], uint32(len(name)-1))
	copy(buf[12:], name)
	return buf
}

type dirIndexEntry struct {
	Index      uint32
	StartBlock uint32
	Name       string
}

// decodeDirIndex parses a raw extended-directory index blob (as produced by
// encodeDirIndexEntry, count times) into tuples, for name lookup.
func decodeDirIndex(blob []byte, count int) []dirIndexEntry {
	out := make([]dirIndexEntry, 0, count)
	off := 0
	for n := 0; n < count && off+12 <= len(blob); n++ {
		index := getLE32(blob[off:])
		startBlock := getLE32(blob[off+4:])
		nameSize := int(getLE32(blob[off+8:])) + 1
		off += 12
		if off+nameSize > len(blob) {
			break
		}
		name := string(blob[off : off+nameSize])
		off += nameSize
		out = append(out, dirIndexEntry{Index: index, StartBlock: startBlock, Name: name})
	}
	return out
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// lookupDirIndex finds the last index tuple whose Name is <= target,
// giving an O(n-headers) seek starting point for a named lookup in a large
// extended directory (spec §3 "Directory index").
func lookupDirIndex(entries []dirIndexEntry, target string) (dirIndexEntry, bool) {
	var best dirIndexEntry
	found := false
	for _, e := range entries {
		if e.Name > target {
			break
		}
		best = e
		found = true
	}
	return best, found
}
