package squashfs_test

import (
	"testing"

	"github.com/caiyun-ks/squashfs"
)

func TestFlagsString(t *testing.T) {
	cases := []struct {
		flag     squashfs.Flags
		expected string
	}{
		{squashfs.UNCOMPRESSED_INODES, "UNCOMPRESSED_INODES"},
		{squashfs.UNCOMPRESSED_DATA, "UNCOMPRESSED_DATA"},
		{squashfs.CHECK, "CHECK"},
		{squashfs.UNCOMPRESSED_FRAGMENTS, "UNCOMPRESSED_FRAGMENTS"},
		{squashfs.NO_FRAGMENTS, "NO_FRAGMENTS"},
		{squashfs.ALWAYS_FRAGMENTS, "ALWAYS_FRAGMENTS"},
		{squashfs.NO_DUPLICATES, "NO_DUPLICATES"},
		{squashfs.EXPORTABLE, "EXPORTABLE"},
		{squashfs.UNCOMPRESSED_XATTRS, "UNCOMPRESSED_XATTRS"},
		{squashfs.NO_XATTRS, "NO_XATTRS"},
		{squashfs.COMPRESSOR_OPTIONS, "COMPRESSOR_OPTIONS"},
		{squashfs.UNCOMPRESSED_IDS, "UNCOMPRESSED_IDS"},
		{squashfs.EXPORTABLE | squashfs.NO_FRAGMENTS, "NO_FRAGMENTS|EXPORTABLE"},
		{0, "NONE"},
		{1 << 15, "NONE"}, // unknown bit
	}

	for _, tc := range cases {
		if got := tc.flag.String(); got != tc.expected {
			t.Errorf("Flags(%d).String() = %q, want %q", tc.flag, got, tc.expected)
		}
	}
}

func TestFlagsHas(t *testing.T) {
	flags := squashfs.EXPORTABLE | squashfs.UNCOMPRESSED_DATA

	if !flags.Has(squashfs.EXPORTABLE) {
		t.Error("flags should have EXPORTABLE")
	}
	if !flags.Has(squashfs.UNCOMPRESSED_DATA) {
		t.Error("flags should have UNCOMPRESSED_DATA")
	}
	if flags.Has(squashfs.NO_FRAGMENTS) {
		t.Error("flags should not have NO_FRAGMENTS")
	}
	if !flags.Has(squashfs.EXPORTABLE | squashfs.UNCOMPRESSED_DATA) {
		t.Error("flags should have both bits combined")
	}
}
