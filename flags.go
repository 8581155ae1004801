package squashfs

import "strings"

// Flags holds the super-block's bit flags (spec §3). Bit positions follow
// the on-disk layout; several of them (NO_FRAGMENTS, ALWAYS_FRAGMENTS,
// NO_DUPLICATES, EXPORTABLE) change how a reader must interpret other
// tables, so they are parsed before anything else in the image.
type Flags uint16

const (
	UNCOMPRESSED_INODES Flags = 1 << iota
	UNCOMPRESSED_DATA
	CHECK
	UNCOMPRESSED_FRAGMENTS
	NO_FRAGMENTS
	ALWAYS_FRAGMENTS
	NO_DUPLICATES
	EXPORTABLE
	UNCOMPRESSED_XATTRS
	NO_XATTRS
	COMPRESSOR_OPTIONS
	UNCOMPRESSED_IDS
)

func (f Flags) String() string {
	var opt []string

	if f&UNCOMPRESSED_INODES != 0 {
		opt = append(opt, "UNCOMPRESSED_INODES")
	}
	if f&UNCOMPRESSED_DATA != 0 {
		opt = append(opt, "UNCOMPRESSED_DATA")
	}
	if f&CHECK != 0 {
		opt = append(opt, "CHECK")
	}
	if f&UNCOMPRESSED_FRAGMENTS != 0 {
		opt = append(opt, "UNCOMPRESSED_FRAGMENTS")
	}
	if f&NO_FRAGMENTS != 0 {
		opt = append(opt, "NO_FRAGMENTS")
	}
	if f&ALWAYS_FRAGMENTS != 0 {
		opt = append(opt, "ALWAYS_FRAGMENTS")
	}
	if f&NO_DUPLICATES != 0 {
		opt = append(opt, "NO_DUPLICATES")
	}
	if f&EXPORTABLE != 0 {
		opt = append(opt, "EXPORTABLE")
	}
	if f&UNCOMPRESSED_XATTRS != 0 {
		opt = append(opt, "UNCOMPRESSED_XATTRS")
	}
	if f&NO_XATTRS != 0 {
		opt = append(opt, "NO_XATTRS")
	}
	if f&COMPRESSOR_OPTIONS != 0 {
		opt = append(opt, "COMPRESSOR_OPTIONS")
	}
	if f&UNCOMPRESSED_IDS != 0 {
		opt = append(opt, "UNCOMPRESSED_IDS")
	}

	if len(opt) == 0 {
		return "NONE"
	}

	return strings.Join(opt, "|")
}

// Has reports whether all bits of what are set in f.
func (f Flags) Has(what Flags) bool {
	return f&what == what
}
