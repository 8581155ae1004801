package squashfs

import (
	"bytes"
	"fmt"
	"io"
	"testing"
)

// These tests live in-package (unlike the rest of the suite's black-box
// squashfs_test tests) because they exercise scenarios this writer's public
// API cannot reach: AddTree never emits a multi-link inode (without
// WithHardLinkFilter every visit becomes its own inode, and with it a repeat
// (dev, ino) visit becomes a synthetic symlink), so a real multi-link inode,
// or a directory large enough to force extended-directory header
// segmentation and a fast-lookup index, has to be assembled directly from
// the meta-block/inode/directory primitives the writer itself is built on.

func newTestCodec(t *testing.T) Codec {
	t.Helper()
	codec, err := newCodec(GZip, nil)
	if err != nil {
		t.Fatalf("newCodec: %s", err)
	}
	return codec
}

// testImage bundles the raw image bytes being assembled and the two
// deferred meta-writers every on-disk table is built through, mirroring
// Writer's own inodeMW/dirMW split (spec §6.4's inode-table-then-
// directory-table ordering).
type testImage struct {
	buf     bytes.Buffer
	codec   Codec
	inodeMW *metaWriter
	dirMW   *metaWriter
	dirW    *dirWriter
}

func newTestImage(t *testing.T, codec Codec) *testImage {
	t.Helper()
	return &testImage{
		codec:   codec,
		inodeMW: newMetaWriter(io.Discard, codec, true),
		dirMW:   newMetaWriter(io.Discard, codec, true),
	}
}

func (ti *testImage) writeInode(ino *Inode) inodeRef {
	blockOffset, off := ti.inodeMW.position()
	ref := newInodeRef(blockOffset, off)
	var buf bytes.Buffer
	if err := encodeInode(&buf, ino); err != nil {
		panic(err)
	}
	if err := ti.inodeMW.append(buf.Bytes()); err != nil {
		panic(err)
	}
	return ref
}

// finalize writes the data area (already in ti.buf from the caller) followed
// by the accumulated inode table then directory table, and returns a
// Superblock ready to read back through.
func (ti *testImage) finalize(t *testing.T) *Superblock {
	t.Helper()
	inodeTableStart := ti.buf.Len()

	ti.inodeMW.w = &ti.buf
	if err := ti.inodeMW.flush(); err != nil {
		t.Fatalf("inodeMW.flush: %s", err)
	}
	if err := ti.inodeMW.writeToFile(); err != nil {
		t.Fatalf("inodeMW.writeToFile: %s", err)
	}
	dirTableStart := ti.buf.Len()

	if ti.dirMW != nil {
		ti.dirMW.w = &ti.buf
		if err := ti.dirMW.flush(); err != nil {
			t.Fatalf("dirMW.flush: %s", err)
		}
		if err := ti.dirMW.writeToFile(); err != nil {
			t.Fatalf("dirMW.writeToFile: %s", err)
		}
	}

	return &Superblock{
		fs:               bytes.NewReader(ti.buf.Bytes()),
		codec:            ti.codec,
		BlockSize:        131072,
		InodeTableStart:  uint64(inodeTableStart),
		DirTableStart:    uint64(dirTableStart),
		FragTableStart:   noTableOffset,
		ExportTableStart: noTableOffset,
		IdTableStart:     uint64(ti.buf.Len()),
	}
}

// TestMultiLinkInodeResolution covers spec scenario E2: many directory
// entries sharing one real (non-synthetic) multi-link file inode must all
// resolve to the same inode number, and its content must read back intact.
func TestMultiLinkInodeResolution(t *testing.T) {
	codec := newTestCodec(t)
	ti := newTestImage(t, codec)

	content := bytes.Repeat([]byte{'x'}, 96)
	ti.buf.Write(content) // data area: one short, stored-raw block at offset 0

	fileIno := &Inode{
		Type:       FileType,
		Perm:       0644,
		Ino:        1,
		StartBlock: 0,
		FileSize:   uint64(len(content)),
		FragBlk:    noFragment,
		XattrIdx:   noXattr,
		NLink:      42,
		Blocks:     []blockDescriptor{makeBlockDescriptor(uint32(len(content)), true)},
	}
	fileRef := ti.writeInode(fileIno)

	ti.dirW = newDirWriter(ti.dirMW)
	dirRef := ti.dirW.begin()
	for n := 1; n <= 42; n++ {
		ti.dirW.add(fmt.Sprintf("%02d.sqfs", n), FileType, fileIno.Ino, fileRef)
	}
	if err := ti.dirW.end(); err != nil {
		t.Fatalf("dirWriter.end: %s", err)
	}
	dirIno := ti.dirW.createInode(dirRef, 2, noXattr, 2)
	dirIno.Ino = 2
	rootRef := ti.writeInode(dirIno)

	sb := ti.finalize(t)

	root, err := sb.getInode(rootRef)
	if err != nil {
		t.Fatalf("getInode(root): %s", err)
	}
	dr, err := sb.openDir(root, false)
	if err != nil {
		t.Fatalf("openDir: %s", err)
	}

	var resolved []uint32
	for {
		e, err := dr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("dirReader.next: %s", err)
		}
		ino, err := sb.getInodeByDirRef(e.ref)
		if err != nil {
			t.Fatalf("getInodeByDirRef(%s): %s", e.name, err)
		}
		resolved = append(resolved, ino.Ino)
		if ino.NLink != 42 {
			t.Errorf("%s: NLink = %d, want 42", e.name, ino.NLink)
		}
	}
	if len(resolved) != 42 {
		t.Fatalf("got %d directory entries, want 42", len(resolved))
	}
	for i, got := range resolved {
		if got != fileIno.Ino {
			t.Errorf("entry %d resolved to inode %d, want %d", i, got, fileIno.Ino)
		}
	}

	dr2 := newDataReader(sb)
	block, err := dr2.getBlock(fileIno, 0)
	if err != nil {
		t.Fatalf("getBlock: %s", err)
	}
	if !bytes.Equal(block, content) {
		t.Errorf("read back %q, want %q", block, content)
	}
}

// TestDirWriterHeaderSegmentation covers spec scenario E4: 300 entries
// sharing one inode meta-block, inode numbers 100..399, must segment into
// two headers of 256 and 44 entries (count field stores length-1: 255 then
// 43), every entry's inode delta non-negative and within the header's run.
func TestDirWriterHeaderSegmentation(t *testing.T) {
	codec := newTestCodec(t)
	dirMW := newMetaWriter(io.Discard, codec, true)
	dw := newDirWriter(dirMW)

	targetRef := newInodeRef(0, 0)
	dw.begin()
	for n := 0; n < 300; n++ {
		dw.add(fmt.Sprintf("entry-%03d", n), FileType, uint32(100+n), targetRef)
	}
	if err := dw.end(); err != nil {
		t.Fatalf("dirWriter.end: %s", err)
	}

	var buf bytes.Buffer
	dirMW.w = &buf
	if err := dirMW.writeToFile(); err != nil {
		t.Fatalf("dirMW.writeToFile: %s", err)
	}

	mr := newMetaReader(bytes.NewReader(buf.Bytes()), codec, 0, int64(buf.Len()))
	if err := mr.seek(0, 0); err != nil {
		t.Fatalf("seek: %s", err)
	}

	var headers []struct {
		count      uint32
		startBlock uint32
		baseIno    int32
	}
	remaining := 300
	for remaining > 0 {
		var hdr struct {
			Count      uint32
			StartBlock uint32
			InodeNum   int32
		}
		if err := binaryReadLE(mr, &hdr); err != nil {
			t.Fatalf("read header: %s", err)
		}
		headers = append(headers, struct {
			count      uint32
			startBlock uint32
			baseIno    int32
		}{hdr.Count, hdr.StartBlock, hdr.InodeNum})

		n := int(hdr.Count) + 1
		for i := 0; i < n; i++ {
			var e struct {
				Offset   uint16
				InoDelta int16
				Type     uint16
				NameSize uint16
			}
			if err := binaryReadLE(mr, &e); err != nil {
				t.Fatalf("read entry: %s", err)
			}
			name := make([]byte, int(e.NameSize)+1)
			if _, err := io.ReadFull(mr, name); err != nil {
				t.Fatalf("read name: %s", err)
			}
			if e.InoDelta < 0 || e.InoDelta > 255 {
				t.Errorf("header %d entry %d: inode_diff = %d, want [0,255]", len(headers)-1, i, e.InoDelta)
			}
		}
		remaining -= n
	}

	if len(headers) != 2 {
		t.Fatalf("got %d headers, want 2", len(headers))
	}
	if headers[0].count != 255 {
		t.Errorf("first header count = %d, want 255", headers[0].count)
	}
	if headers[1].count != 43 {
		t.Errorf("second header count = %d, want 43", headers[1].count)
	}
}

// TestDirWriterExtendedIndex covers spec scenario E6: a directory large
// enough to force an extended-directory inode gets a fast-lookup index
// whose tuples' byte offsets strictly increase, one per header written.
func TestDirWriterExtendedIndex(t *testing.T) {
	codec := newTestCodec(t)
	dirMW := newMetaWriter(io.Discard, codec, true)
	dw := newDirWriter(dirMW)

	targetRef := newInodeRef(0, 0)
	const total = 4000
	dirRef := dw.begin()
	for n := 0; n < total; n++ {
		dw.add(fmt.Sprintf("file-%05d.dat", n), FileType, uint32(1+n), targetRef)
	}
	if err := dw.end(); err != nil {
		t.Fatalf("dirWriter.end: %s", err)
	}
	ino := dw.createInode(dirRef, 2, noXattr, 1)
	ino.Ino = 2

	if ino.resolveType() != XDirType {
		t.Fatalf("resolveType() = %v, want XDirType (DirSize=%d)", ino.resolveType(), ino.DirSize)
	}
	if ino.IdxCount == 0 {
		t.Fatal("IdxCount == 0, want at least one header recorded")
	}

	entries := decodeDirIndex(ino.dirIndex, int(ino.IdxCount))
	if len(entries) != int(ino.IdxCount) {
		t.Fatalf("decoded %d index tuples, want %d", len(entries), ino.IdxCount)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Index <= entries[i-1].Index {
			t.Errorf("index tuple %d: Index %d does not strictly increase over %d",
				i, entries[i].Index, entries[i-1].Index)
		}
	}

	// A name lookup should land on the last tuple whose name is <= target.
	target, ok := lookupDirIndex(entries, "file-02000.dat")
	if !ok {
		t.Fatal("lookupDirIndex found no candidate tuple")
	}
	if target.Name > "file-02000.dat" {
		t.Errorf("lookupDirIndex returned tuple past the target: %q", target.Name)
	}
}
