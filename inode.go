package squashfs

import (
	"io"
	"io/fs"
)

const noXattr = 0xFFFFFFFF
const noFragment = 0xFFFFFFFF

// blockDescriptor is one 32-bit entry following a regular-file inode (spec
// §3 "N 32-bit block descriptors"): bit 24 set means stored uncompressed,
// the low 24 bits are the on-disk byte size (0 means a sparse block of
// BlockSize zero bytes).
type blockDescriptor uint32

func (b blockDescriptor) uncompressed() bool { return b&(1<<24) != 0 }
func (b blockDescriptor) size() uint32       { return uint32(b) & 0xffffff }
func (b blockDescriptor) sparse() bool       { return b.size() == 0 }

func makeBlockDescriptor(size uint32, uncompressed bool) blockDescriptor {
	d := blockDescriptor(size & 0xffffff)
	if uncompressed {
		d |= 1 << 24
	}
	return d
}

// Inode is a generic, fully-widened view over any of the 14 on-disk inode
// variants (spec §3 "Inode"). Which on-disk variant (basic or extended) is
// used is derived from the current field values at encode time, not stored
// separately — this is what makes promote/demote "automatic" per the spec's
// invariants.
type Inode struct {
	sb *Superblock

	Type    Type
	Perm    uint16
	UidIdx  uint16
	GidIdx  uint16
	ModTime uint32
	Ino     uint32

	// directory
	StartBlock uint64
	NLink      uint32
	DirSize    uint64
	Offset     uint16
	ParentIno  uint32
	IdxCount   uint16
	dirIndex   []byte // raw extended-directory index blob, decoded lazily

	// regular file
	FileSize uint64
	Sparse   uint64
	FragBlk  uint32
	FragOfft uint32
	Blocks   []blockDescriptor

	// symlink
	SymTarget []byte

	// device
	Rdev uint32

	XattrIdx uint32
}

func (i *Inode) HasXattr() bool { return i.XattrIdx != noXattr }

func (i *Inode) IsDir() bool     { return i.Type.IsDir() }
func (i *Inode) IsRegular() bool { return i.Type.IsRegular() }
func (i *Inode) IsSymlink() bool { return i.Type.IsSymlink() }

func (i *Inode) Mode() fs.FileMode {
	return unixToMode(uint32(i.Perm)) | i.Type.Mode()
}

// On-disk permission/type bits follow Linux's stat.h layout (squashfs
// stores unix mode bits directly); Perm only ever carries the low 12 bits
// (permissions + setuid/setgid/sticky) since file type rides on Inode.Type
// instead, but unixToMode/modeToUnix handle the full S_IFMT range for
// callers that hand in a raw mode_t (e.g. a device node's rdev-adjacent
// permission word).
const (
	sIFMT   = 0xf000
	sIFREG  = 0x8000
	sIFDIR  = 0x4000
	sIFBLK  = 0x6000
	sIFCHR  = 0x2000
	sIFIFO  = 0x1000
	sIFLNK  = 0xa000
	sIFSOCK = 0xc000

	sISVTX = 0x200
	sISGID = 0x400
	sISUID = 0x800
)

func unixToMode(mode uint32) fs.FileMode {
	res := fs.FileMode(mode & 0777)

	switch mode & sIFMT {
	case sIFCHR:
		res |= fs.ModeDevice | fs.ModeCharDevice
	case sIFBLK:
		res |= fs.ModeDevice
	case sIFDIR:
		res |= fs.ModeDir
	case sIFIFO:
		res |= fs.ModeNamedPipe
	case sIFLNK:
		res |= fs.ModeSymlink
	case sIFSOCK:
		res |= fs.ModeSocket
	}

	if mode&sISGID == sISGID {
		res |= fs.ModeSetgid
	}
	if mode&sISUID == sISUID {
		res |= fs.ModeSetuid
	}
	if mode&sISVTX == sISVTX {
		res |= fs.ModeSticky
	}

	return res
}

// modeToUnix is unixToMode's inverse, used by the writer side to turn a
// SourceEntry's fs.FileMode back into the mode_t-shaped Perm field an
// on-disk inode stores.
func modeToUnix(mode fs.FileMode) uint32 {
	res := uint32(mode.Perm())

	switch {
	case mode&fs.ModeCharDevice == fs.ModeCharDevice:
		res |= sIFCHR
	case mode&fs.ModeDevice == fs.ModeDevice:
		res |= sIFBLK
	case mode&fs.ModeDir == fs.ModeDir:
		res |= sIFDIR
	case mode&fs.ModeNamedPipe == fs.ModeNamedPipe:
		res |= sIFIFO
	case mode&fs.ModeSymlink == fs.ModeSymlink:
		res |= sIFLNK
	case mode&fs.ModeSocket == fs.ModeSocket:
		res |= sIFSOCK
	default:
		res |= sIFREG
	}

	if mode&fs.ModeSetgid == fs.ModeSetgid {
		res |= sISGID
	}
	if mode&fs.ModeSetuid == fs.ModeSetuid {
		res |= sISUID
	}
	if mode&fs.ModeSticky == fs.ModeSticky {
		res |= sISVTX
	}

	return res
}

// resolveType picks the basic or extended on-disk variant for i's current
// field values (spec §3 promote/demote invariants).
func (i *Inode) resolveType() Type {
	basic := i.Type.Basic()
	switch basic {
	case DirType:
		if i.DirSize > 0xffff || i.StartBlock > 0xffffffff || i.HasXattr() {
			return XDirType
		}
		return DirType
	case FileType:
		if i.FileSize > 0xffffffff || i.StartBlock > 0xffffffff || i.Sparse > 0 || i.NLink > 1 || i.HasXattr() {
			return XFileType
		}
		return FileType
	case SymlinkType, BlockDevType, CharDevType, FifoType, SocketType:
		if i.NLink > 1 || i.HasXattr() {
			return basic.Extended()
		}
		return basic
	default:
		return i.Type
	}
}

// decodeInode reads one inode from r (already positioned at the inode's
// start) using sb for block-size-dependent block-descriptor counting.
func decodeInode(r io.Reader, sb *Superblock) (*Inode, error) {
	ino := &Inode{sb: sb, XattrIdx: noXattr}

	var hdr struct {
		Type    uint16
		Perm    uint16
		UidIdx  uint16
		GidIdx  uint16
		ModTime uint32
		Ino     uint32
	}
	if err := binaryReadLE(r, &hdr); err != nil {
		return nil, wrapErr("decodeInode", KindCorrupted, err)
	}
	ino.Type = Type(hdr.Type)
	ino.Perm = hdr.Perm
	ino.UidIdx = hdr.UidIdx
	ino.GidIdx = hdr.GidIdx
	ino.ModTime = hdr.ModTime
	ino.Ino = hdr.Ino

	switch ino.Type {
	case DirType:
		var b struct {
			StartBlock uint32
			NLink      uint32
			Size       uint16
			Offset     uint16
			ParentIno  uint32
		}
		if err := binaryReadLE(r, &b); err != nil {
			return nil, wrapErr("decodeInode", KindCorrupted, err)
		}
		ino.StartBlock = uint64(b.StartBlock)
		ino.NLink = b.NLink
		ino.DirSize = uint64(b.Size)
		ino.Offset = b.Offset
		ino.ParentIno = b.ParentIno

	case XDirType:
		var b struct {
			NLink      uint32
			Size       uint32
			StartBlock uint32
			ParentIno  uint32
			IdxCount   uint16
			Offset     uint16
			XattrIdx   uint32
		}
		if err := binaryReadLE(r, &b); err != nil {
			return nil, wrapErr("decodeInode", KindCorrupted, err)
		}
		ino.NLink = b.NLink
		ino.DirSize = uint64(b.Size)
		ino.StartBlock = uint64(b.StartBlock)
		ino.ParentIno = b.ParentIno
		ino.IdxCount = b.IdxCount
		ino.Offset = b.Offset
		ino.XattrIdx = b.XattrIdx
		if ino.IdxCount > 0 {
			idx := make([]byte, 0)
			// Index entries are variable-length (trailing name); read them
			// one at a time rather than computing a fixed size.
			for n := 0; n < int(ino.IdxCount); n++ {
				var e struct {
					Index      uint32
					StartBlock uint32
					NameSize   uint32
				}
				if err := binaryReadLE(r, &e); err != nil {
					return nil, wrapErr("decodeInode", KindCorrupted, err)
				}
				name := make([]byte, e.NameSize+1)
				if _, err := io.ReadFull(r, name); err != nil {
					return nil, wrapErr("decodeInode", KindCorrupted, err)
				}
				idx = append(idx, encodeDirIndexEntry(e.Index, e.StartBlock, name)...)
			}
			ino.dirIndex = idx
		}

	case FileType:
		var b struct {
			StartBlock uint32
			FragBlk    uint32
			FragOfft   uint32
			Size       uint32
		}
		if err := binaryReadLE(r, &b); err != nil {
			return nil, wrapErr("decodeInode", KindCorrupted, err)
		}
		ino.StartBlock = uint64(b.StartBlock)
		ino.FragBlk = b.FragBlk
		ino.FragOfft = b.FragOfft
		ino.FileSize = uint64(b.Size)
		ino.NLink = 1
		if err := readBlockDescriptors(r, ino, sb); err != nil {
			return nil, err
		}

	case XFileType:
		var b struct {
			StartBlock uint64
			Size       uint64
			Sparse     uint64
			NLink      uint32
			FragBlk    uint32
			FragOfft   uint32
			XattrIdx   uint32
		}
		if err := binaryReadLE(r, &b); err != nil {
			return nil, wrapErr("decodeInode", KindCorrupted, err)
		}
		ino.StartBlock = b.StartBlock
		ino.FileSize = b.Size
		ino.Sparse = b.Sparse
		ino.NLink = b.NLink
		ino.FragBlk = b.FragBlk
		ino.FragOfft = b.FragOfft
		ino.XattrIdx = b.XattrIdx
		if err := readBlockDescriptors(r, ino, sb); err != nil {
			return nil, err
		}

	case SymlinkType, XSymlinkType:
		var b struct {
			NLink    uint32
			TargetSz uint32
		}
		if err := binaryReadLE(r, &b); err != nil {
			return nil, wrapErr("decodeInode", KindCorrupted, err)
		}
		if b.TargetSz > 4096 {
			return nil, wrapErr("decodeInode", KindCorrupted, ErrCorrupted)
		}
		ino.NLink = b.NLink
		target := make([]byte, b.TargetSz)
		if _, err := io.ReadFull(r, target); err != nil {
			return nil, wrapErr("decodeInode", KindCorrupted, err)
		}
		ino.SymTarget = target
		if ino.Type == XSymlinkType {
			var xattrIdx uint32
			if err := binaryReadLE(r, &xattrIdx); err != nil {
				return nil, wrapErr("decodeInode", KindCorrupted, err)
			}
			ino.XattrIdx = xattrIdx
		}

	case BlockDevType, CharDevType:
		var b struct {
			NLink uint32
			Rdev  uint32
		}
		if err := binaryReadLE(r, &b); err != nil {
			return nil, wrapErr("decodeInode", KindCorrupted, err)
		}
		ino.NLink = b.NLink
		ino.Rdev = b.Rdev

	case XBlockDevType, XCharDevType:
		var b struct {
			NLink    uint32
			Rdev     uint32
			XattrIdx uint32
		}
		if err := binaryReadLE(r, &b); err != nil {
			return nil, wrapErr("decodeInode", KindCorrupted, err)
		}
		ino.NLink = b.NLink
		ino.Rdev = b.Rdev
		ino.XattrIdx = b.XattrIdx

	case FifoType, SocketType:
		var nlink uint32
		if err := binaryReadLE(r, &nlink); err != nil {
			return nil, wrapErr("decodeInode", KindCorrupted, err)
		}
		ino.NLink = nlink

	case XFifoType, XSocketType:
		var b struct {
			NLink    uint32
			XattrIdx uint32
		}
		if err := binaryReadLE(r, &b); err != nil {
			return nil, wrapErr("decodeInode", KindCorrupted, err)
		}
		ino.NLink = b.NLink
		ino.XattrIdx = b.XattrIdx

	default:
		return nil, wrapErr("decodeInode", KindCorrupted, ErrCorrupted)
	}

	return ino, nil
}

func readBlockDescriptors(r io.Reader, ino *Inode, sb *Superblock) error {
	n := int(ino.FileSize / uint64(sb.BlockSize))
	if ino.FragBlk == noFragment && ino.FileSize%uint64(sb.BlockSize) != 0 {
		n++
	}
	ino.Blocks = make([]blockDescriptor, n)
	for i := 0; i < n; i++ {
		var d uint32
		if err := binaryReadLE(r, &d); err != nil {
			return wrapErr("readBlockDescriptors", KindCorrupted, err)
		}
		ino.Blocks[i] = blockDescriptor(d)
	}
	return nil
}

// encodeInode serializes i using the on-disk variant resolveType picks.
func encodeInode(w io.Writer, i *Inode) error {
	onDisk := i.resolveType()

	hdr := struct {
		Type    uint16
		Perm    uint16
		UidIdx  uint16
		GidIdx  uint16
		ModTime uint32
		Ino     uint32
	}{uint16(onDisk), i.Perm, i.UidIdx, i.GidIdx, i.ModTime, i.Ino}
	if err := binaryWriteLE(w, &hdr); err != nil {
		return wrapErr("encodeInode", KindIO, err)
	}

	switch onDisk {
	case DirType:
		b := struct {
			StartBlock uint32
			NLink      uint32
			Size       uint16
			Offset     uint16
			ParentIno  uint32
		}{uint32(i.StartBlock), i.NLink, uint16(i.DirSize), i.Offset, i.ParentIno}
		return wrapErr("encodeInode", KindIO, binaryWriteLE(w, &b))

	case XDirType:
		b := struct {
			NLink      uint32
			Size       uint32
			StartBlock uint32
			ParentIno  uint32
			IdxCount   uint16
			Offset     uint16
			XattrIdx   uint32
		}{i.NLink, uint32(i.DirSize), uint32(i.StartBlock), i.ParentIno, i.IdxCount, i.Offset, i.XattrIdx}
		if err := binaryWriteLE(w, &b); err != nil {
			return wrapErr("encodeInode", KindIO, err)
		}
		if len(i.dirIndex) > 0 {
			_, err := w.Write(i.dirIndex)
			return wrapErr("encodeInode", KindIO, err)
		}
		return nil

	case FileType:
		b := struct {
			StartBlock uint32
			FragBlk    uint32
			FragOfft   uint32
			Size       uint32
		}{uint32(i.StartBlock), i.FragBlk, i.FragOfft, uint32(i.FileSize)}
		if err := binaryWriteLE(w, &b); err != nil {
			return wrapErr("encodeInode", KindIO, err)
		}
		return writeBlockDescriptors(w, i)

	case XFileType:
		b := struct {
			StartBlock uint64
			Size       uint64
			Sparse     uint64
			NLink      uint32
			FragBlk    uint32
			FragOfft   uint32
			XattrIdx   uint32
		}{i.StartBlock, i.FileSize, i.Sparse, i.NLink, i.FragBlk, i.FragOfft, i.XattrIdx}
		if err := binaryWriteLE(w, &b); err != nil {
			return wrapErr("encodeInode", KindIO, err)
		}
		return writeBlockDescriptors(w, i)

	case SymlinkType, XSymlinkType:
		b := struct {
			NLink    uint32
			TargetSz uint32
		}{i.NLink, uint32(len(i.SymTarget))}
		if err := binaryWriteLE(w, &b); err != nil {
			return wrapErr("encodeInode", KindIO, err)
		}
		if _, err := w.Write(i.SymTarget); err != nil {
			return wrapErr("encodeInode", KindIO, err)
		}
		if onDisk == XSymlinkType {
			return wrapErr("encodeInode", KindIO, binaryWriteLE(w, i.XattrIdx))
		}
		return nil

	case BlockDevType, CharDevType:
		b := struct{ NLink, Rdev uint32 }{i.NLink, i.Rdev}
		return wrapErr("encodeInode", KindIO, binaryWriteLE(w, &b))

	case XBlockDevType, XCharDevType:
		b := struct{ NLink, Rdev, XattrIdx uint32 }{i.NLink, i.Rdev, i.XattrIdx}
		return wrapErr("encodeInode", KindIO, binaryWriteLE(w, &b))

	case FifoType, SocketType:
		return wrapErr("encodeInode", KindIO, binaryWriteLE(w, i.NLink))

	case XFifoType, XSocketType:
		b := struct{ NLink, XattrIdx uint32 }{i.NLink, i.XattrIdx}
		return wrapErr("encodeInode", KindIO, binaryWriteLE(w, &b))
	}

	return wrapErr("encodeInode", KindInternal, ErrCorrupted)
}

func writeBlockDescriptors(w io.Writer, i *Inode) error {
	for _, d := range i.Blocks {
		if err := binaryWriteLE(w, uint32(d)); err != nil {
			return wrapErr("writeBlockDescriptors", KindIO, err)
		}
	}
	return nil
}
