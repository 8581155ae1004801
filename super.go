package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"
	"sync"
)

const (
	magicLE       = 0x73717368 // "hsqs", little-endian on-disk images
	versionMajor  = 4
	versionMinor  = 0
	noTableOffset = 0xFFFFFFFFFFFFFFFF
	minBlockSize  = 4 * 1024
	maxBlockSize  = 1024 * 1024
	superblockLen = 96
)

// Superblock is the fixed 96-byte header at offset 0 of a SquashFS image
// (spec §3 "Super-block"). Field order defines the on-disk layout; do not
// reorder without updating superblockLen's callers.
type Superblock struct {
	Magic             uint32
	InodeCount        uint32
	ModTime           uint32
	BlockSize         uint32
	FragCount         uint32
	Comp              Compression
	BlockLog          uint16
	Flags             Flags
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         uint64
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64

	// Runtime-only state, not part of the on-disk layout: reflectUnmarshal
	// and reflectMarshal skip unexported fields, so these ride alongside the
	// serialized header without disturbing it (the same trick the teacher
	// repository uses for its own fs/order fields).
	fs    io.ReaderAt
	codec Codec

	cacheMu    sync.RWMutex
	inodeCache map[uint32]uint64 // inode number -> dirRef/inodeRef bits

	root *Inode
}

// lookupInodeRefCache returns the cached reference for an inode number, as
// populated by every prior getInode/getInodeByDirRef call on a directory
// (spec §4.4 "inode->reference cache").
func (s *Superblock) lookupInodeRefCache(ino uint32) (uint64, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	v, ok := s.inodeCache[ino]
	return v, ok
}

func (s *Superblock) setInodeRefCache(ino uint32, ref uint64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.inodeCache == nil {
		s.inodeCache = make(map[uint32]uint64)
	}
	s.inodeCache[ino] = ref
}

// getInode decodes the inode at ref from the inode table and, if it is a
// directory, records it in the inode->reference cache.
func (s *Superblock) getInode(ref inodeRef) (*Inode, error) {
	mr := newMetaReader(s.fs, s.codec, int64(s.InodeTableStart), s.inodeTableUpperBound())
	if err := mr.seek(int64(s.InodeTableStart)+int64(ref.Index()), int(ref.Offset())); err != nil {
		return nil, err
	}
	ino, err := decodeInode(mr, s)
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		s.setInodeRefCache(ino.Ino, uint64(ref))
	}
	return ino, nil
}

func (s *Superblock) inodeTableUpperBound() int64 {
	return int64(s.DirTableStart)
}

// newSuperblock fills in magic, version, sentinel table offsets and the
// derived block_log for a freshly-created image (spec §6.5 "init").
func newSuperblock(blockSize uint32, mtime uint32, comp Compression) (*Superblock, error) {
	if blockSize < minBlockSize || blockSize > maxBlockSize || blockSize&(blockSize-1) != 0 {
		return nil, wrapErr("newSuperblock", KindArgInvalid, ErrInvalidSuper)
	}
	return &Superblock{
		Magic:             magicLE,
		ModTime:           mtime,
		BlockSize:         blockSize,
		Comp:              comp,
		BlockLog:          uint16(log2u32(blockSize)),
		VMajor:            versionMajor,
		VMinor:            versionMinor,
		IdTableStart:      noTableOffset,
		XattrIdTableStart: noTableOffset,
		InodeTableStart:   noTableOffset,
		DirTableStart:     noTableOffset,
		FragTableStart:    noTableOffset,
		ExportTableStart:  noTableOffset,
	}, nil
}

func log2u32(v uint32) uint {
	var n uint
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// readSuperblock reads and validates the super-block at offset 0 of fs.
func readSuperblock(fs io.ReaderAt) (*Superblock, error) {
	buf := make([]byte, superblockLen)
	if _, err := fs.ReadAt(buf, 0); err != nil {
		return nil, wrapErr("readSuperblock", KindIO, err)
	}
	sb := &Superblock{}
	if err := sb.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return sb, nil
}

func (s *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < 4 || string(data[:4]) != "hsqs" {
		return wrapErr("Superblock.UnmarshalBinary", KindSuperMagic, ErrInvalidFile)
	}

	r := bytes.NewReader(data)
	if err := reflectUnmarshal(r, s); err != nil {
		return wrapErr("Superblock.UnmarshalBinary", KindCorrupted, err)
	}

	if s.VMajor != versionMajor || s.VMinor != versionMinor {
		return wrapErr("Superblock.UnmarshalBinary", KindSuperVersion, ErrInvalidVersion)
	}
	if s.BlockSize < minBlockSize || s.BlockSize > maxBlockSize || s.BlockSize&(s.BlockSize-1) != 0 {
		return wrapErr("Superblock.UnmarshalBinary", KindSuperBlockSize, ErrInvalidSuper)
	}
	if uint16(log2u32(s.BlockSize)) != s.BlockLog {
		return wrapErr("Superblock.UnmarshalBinary", KindSuperBlockSize, ErrInvalidSuper)
	}

	return nil
}

func (s *Superblock) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := reflectMarshal(&buf, s); err != nil {
		return nil, wrapErr("Superblock.MarshalBinary", KindIO, err)
	}
	return buf.Bytes(), nil
}

// WriteTo serializes the super-block to w at the writer's current position,
// which must be file offset 0 (spec §6.5 "write(file)").
func (s *Superblock) WriteTo(w io.Writer) (int64, error) {
	data, err := s.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// reflectUnmarshal/reflectMarshal decode and encode a struct's exported
// fields in declaration order as little-endian values, the same struct-walk
// the teacher repository uses for its Superblock (and reused here for the
// xattr id-table header in xattr.go).
func reflectUnmarshal(r io.Reader, v any) error {
	rv := reflect.ValueOf(v).Elem()
	for i := 0; i < rv.NumField(); i++ {
		f := rv.Type().Field(i)
		if !f.IsExported() {
			continue
		}
		if err := binary.Read(r, binary.LittleEndian, rv.Field(i).Addr().Interface()); err != nil {
			return err
		}
	}
	return nil
}

func reflectMarshal(w io.Writer, v any) error {
	rv := reflect.ValueOf(v).Elem()
	for i := 0; i < rv.NumField(); i++ {
		f := rv.Type().Field(i)
		if !f.IsExported() {
			continue
		}
		if err := binary.Write(w, binary.LittleEndian, rv.Field(i).Interface()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Superblock) hasTable(offset uint64) bool {
	return offset != noTableOffset
}
