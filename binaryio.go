package squashfs

import (
	"encoding/binary"
	"io"
)

// binaryReadLE and binaryWriteLE centralize the little-endian struct
// (de)serialization used throughout the block/metadata layer, the inode
// codec, and the directory codec (spec §6.4: "all multibyte integers on
// disk are little-endian").
func binaryReadLE(r io.Reader, data any) error {
	return binary.Read(r, binary.LittleEndian, data)
}

func binaryWriteLE(w io.Writer, data any) error {
	return binary.Write(w, binary.LittleEndian, data)
}
