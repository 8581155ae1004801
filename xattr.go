package squashfs

import (
	"bytes"
	"io"
	"math"
)

const (
	xattrPrefixUser     = 0
	xattrPrefixTrusted  = 1
	xattrPrefixSecurity = 2
	xattrPrefixMask     = 0xff
	xattrFlagOOL        = 0x100
)

var xattrPrefixNames = map[uint16]string{
	xattrPrefixUser:     "user.",
	xattrPrefixTrusted:  "trusted.",
	xattrPrefixSecurity: "security.",
}

// Xattr is one decoded key/value pair (spec §3 "Xattr on disk").
type Xattr struct {
	Key   string
	Value []byte
}

// xattrIdHeader is the fixed header at super.XattrIdTableStart, followed
// immediately by the location array for the xattr-id descriptor table
// (spec §4.8 "Flushing").
type xattrIdHeader struct {
	KVStart uint64
	IdCount uint32
	Unused  uint32
}

// GetXattrs resolves an inode's xattr index to its decoded key/value list.
// Returns nil if the image carries no xattrs or the inode has none.
func (s *Superblock) GetXattrs(i *Inode) ([]Xattr, error) {
	if i.XattrIdx == noXattr || !s.hasTable(s.XattrIdTableStart) {
		return nil, nil
	}

	hdrBuf := make([]byte, 16)
	if _, err := s.fs.ReadAt(hdrBuf, int64(s.XattrIdTableStart)); err != nil {
		return nil, wrapErr("GetXattrs", KindIO, err)
	}
	var hdr xattrIdHeader
	if err := reflectUnmarshal(bytes.NewReader(hdrBuf), &hdr); err != nil {
		return nil, wrapErr("GetXattrs", KindCorrupted, err)
	}

	const descSize = 16
	block := int(i.XattrIdx) * descSize / metablockSize
	offInBlock := int(i.XattrIdx) * descSize % metablockSize

	locBuf := make([]byte, 8)
	if _, err := s.fs.ReadAt(locBuf, int64(s.XattrIdTableStart)+16+int64(block)*8); err != nil {
		return nil, wrapErr("GetXattrs", KindIO, err)
	}
	blockStart := int64(getLE64(locBuf))

	mr := newMetaReader(s.fs, s.codec, 0, math.MaxInt64)
	if err := mr.seek(blockStart, offInBlock); err != nil {
		return nil, err
	}
	var desc struct {
		StartRef uint64
		Count    uint32
		Size     uint32
	}
	if err := binaryReadLE(mr, &desc); err != nil {
		return nil, wrapErr("GetXattrs", KindCorrupted, err)
	}

	kv := newMetaReader(s.fs, s.codec, int64(hdr.KVStart), int64(s.XattrIdTableStart))
	if err := kv.seek(int64(hdr.KVStart)+int64(desc.StartRef>>16), int(desc.StartRef&0xffff)); err != nil {
		return nil, err
	}

	out := make([]Xattr, 0, desc.Count)
	for n := 0; n < int(desc.Count); n++ {
		var keyHdr struct {
			Type    uint16
			NameLen uint16
		}
		if err := binaryReadLE(kv, &keyHdr); err != nil {
			return nil, wrapErr("GetXattrs", KindCorrupted, err)
		}
		name := make([]byte, keyHdr.NameLen)
		if _, err := io.ReadFull(kv, name); err != nil {
			return nil, wrapErr("GetXattrs", KindCorrupted, err)
		}

		var valLen uint32
		if err := binaryReadLE(kv, &valLen); err != nil {
			return nil, wrapErr("GetXattrs", KindCorrupted, err)
		}

		var value []byte
		if keyHdr.Type&xattrFlagOOL != 0 {
			refBuf := make([]byte, 8)
			if _, err := io.ReadFull(kv, refBuf); err != nil {
				return nil, wrapErr("GetXattrs", KindCorrupted, err)
			}
			ref := getLE64(refBuf)
			oolMr := newMetaReader(s.fs, s.codec, int64(hdr.KVStart), int64(s.XattrIdTableStart))
			if err := oolMr.seek(int64(hdr.KVStart)+int64(ref>>16), int(ref&0xffff)); err != nil {
				return nil, err
			}
			var realLen uint32
			if err := binaryReadLE(oolMr, &realLen); err != nil {
				return nil, wrapErr("GetXattrs", KindCorrupted, err)
			}
			value = make([]byte, realLen)
			if _, err := io.ReadFull(oolMr, value); err != nil {
				return nil, wrapErr("GetXattrs", KindCorrupted, err)
			}
		} else {
			value = make([]byte, valLen)
			if _, err := io.ReadFull(kv, value); err != nil {
				return nil, wrapErr("GetXattrs", KindCorrupted, err)
			}
		}

		prefix := xattrPrefixNames[keyHdr.Type&xattrPrefixMask]
		out = append(out, Xattr{Key: prefix + string(name), Value: value})
	}

	return out, nil
}
