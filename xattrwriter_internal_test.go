package squashfs

import (
	"bytes"
	"io"
	"testing"
)

// In-package for the same reason as writer_internal_test.go: exercising
// dedup and out-of-line value promotion directly needs xattrWriter's
// unexported run/id bookkeeping, not just the public GetXattrs reader side.

// seekWriter is a minimal io.WriteSeeker over a growing buffer: writes
// always land at the current end, and Seek only answers io.SeekCurrent —
// exactly the access pattern metaWriter and writeXattrIdTable need.
type seekWriter struct {
	buf bytes.Buffer
	pos int64
}

func (s *seekWriter) Write(p []byte) (int, error) {
	n, err := s.buf.Write(p)
	s.pos += int64(n)
	return n, err
}

func (s *seekWriter) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekCurrent {
		return 0, wrapErr("seekWriter.Seek", KindUnsupported, ErrUnsupported)
	}
	return s.pos, nil
}

// TestXattrWriterDedupAndOOL covers spec scenario E5: identical per-inode
// xattr sets dedup to one xattr-id, and a value already stored inline gets
// promoted to an out-of-line reference the second time some kv pair uses it.
func TestXattrWriterDedupAndOOL(t *testing.T) {
	codec := newTestCodec(t)
	xw := newXattrWriter()

	xw.begin()
	xw.add("security.selinux", []byte("unconfined_u"))
	idA := xw.end()

	xw.begin()
	xw.add("security.selinux", []byte("unconfined_u"))
	xw.add("user.foo", []byte("bar"))
	idB := xw.end()

	xw.begin()
	xw.add("security.selinux", []byte("unconfined_u"))
	idC := xw.end()

	if idA != 0 {
		t.Errorf("idA = %d, want 0", idA)
	}
	if idB != 1 {
		t.Errorf("idB = %d, want 1", idB)
	}
	if idC != idA {
		t.Errorf("idC = %d, want %d (same single-pair set as A)", idC, idA)
	}
	if len(xw.runs) != 2 {
		t.Fatalf("got %d deduplicated runs, want 2", len(xw.runs))
	}

	sw := &seekWriter{}
	kvStart := uint64(sw.pos)
	mw := newMetaWriter(sw, codec, false)
	descriptors, err := xw.flush(mw)
	if err != nil {
		t.Fatalf("xattrWriter.flush: %s", err)
	}
	if err := mw.flush(); err != nil {
		t.Fatalf("metaWriter.flush: %s", err)
	}
	if len(descriptors) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(descriptors))
	}

	// B's run writes security.selinux first (run A already stored that same
	// value inline, so this is its second use overall): it must be promoted
	// to an out-of-line reference rather than stored a second time.
	if descriptors[1].Size >= descriptors[0].Size+uint32(len("unconfined_u")) {
		t.Errorf("run 1 size %d suggests unconfined_u was stored inline again instead of OOL-referenced (run 0 size %d)",
			descriptors[1].Size, descriptors[0].Size)
	}

	idTableStart, err := writeXattrIdTable(sw, codec, kvStart, descriptors)
	if err != nil {
		t.Fatalf("writeXattrIdTable: %s", err)
	}

	sb := &Superblock{
		fs:                bytes.NewReader(sw.buf.Bytes()),
		codec:             codec,
		XattrIdTableStart: idTableStart,
	}

	check := func(id uint32, want []Xattr) {
		t.Helper()
		got, err := sb.GetXattrs(&Inode{XattrIdx: id})
		if err != nil {
			t.Fatalf("GetXattrs(%d): %s", id, err)
		}
		if len(got) != len(want) {
			t.Fatalf("GetXattrs(%d) = %v, want %v", id, got, want)
		}
		for _, w := range want {
			found := false
			for _, g := range got {
				if g.Key == w.Key && bytes.Equal(g.Value, w.Value) {
					found = true
				}
			}
			if !found {
				t.Errorf("GetXattrs(%d) missing %s=%q, got %v", id, w.Key, w.Value, got)
			}
		}
	}

	check(idA, []Xattr{
		{Key: "security.selinux", Value: []byte("unconfined_u")},
	})
	check(idB, []Xattr{
		{Key: "security.selinux", Value: []byte("unconfined_u")},
		{Key: "user.foo", Value: []byte("bar")},
	})
}
