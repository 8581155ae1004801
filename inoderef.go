package squashfs

import "fmt"

// inodeRef is a metadata reference (spec §3 "Metadata reference"): the
// high 48 bits are a meta-block byte offset relative to the inode table's
// start, the low 16 bits are a byte offset into that block's payload.
type inodeRef uint64

func newInodeRef(blockOffset int64, offsetInBlock int) inodeRef {
	return inodeRef(uint64(blockOffset)<<16 | uint64(uint16(offsetInBlock)))
}

func (i inodeRef) Index() uint32 {
	return uint32((uint64(i) >> 16) & 0xffffffff)
}

func (i inodeRef) Offset() uint32 {
	return uint32(uint64(i) & 0xffff)
}

func (i inodeRef) String() string {
	return fmt.Sprintf("inodeRef(block=0x%x,offset=0x%x)", i.Index(), i.Offset())
}

// dirRef is the equivalent metadata-reference form used for directory
// entries: (header.start_block << 16) | entry.offset, relative to the
// directory table's start (spec §4.4 "ent_ref").
type dirRef uint64

func newDirRef(startBlock uint32, offset uint16) dirRef {
	return dirRef(uint64(startBlock)<<16 | uint64(offset))
}

func (d dirRef) startBlock() uint32 {
	return uint32(uint64(d) >> 16)
}

func (d dirRef) offset() uint16 {
	return uint16(d)
}
