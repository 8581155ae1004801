package squashfs_test

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caiyun-ks/squashfs"
)

// memFile is an in-memory imageFile implementation, growing as needed, for
// driving squashfs.Writer without touching a real file.
type memFile struct {
	buf []byte
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:end], p)
	return len(p), nil
}

func (m *memFile) Size() (int64, error) { return int64(len(m.buf)), nil }

func (m *memFile) Truncate(size int64) error {
	if size <= int64(len(m.buf)) {
		m.buf = m.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

// buildSampleTree lays out a small source tree under dir:
//
//	file.txt        ("hello world")
//	dup1.bin        (1 block of 'A', repeated)
//	dup2.bin        (byte-identical to dup1.bin)
//	sub/nested.txt  ("nested")
//	link            (symlink -> file.txt)
func buildSampleTree(t *testing.T, dir string) {
	t.Helper()
	mustWrite := func(name string, data []byte) {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatalf("WriteFile(%s): %s", name, err)
		}
	}
	mustWrite("file.txt", []byte("hello world"))
	block := bytes.Repeat([]byte{'A'}, 4096)
	mustWrite("dup1.bin", block)
	mustWrite("dup2.bin", block)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatalf("Mkdir: %s", err)
	}
	mustWrite("sub/nested.txt", []byte("nested"))
	if err := os.Symlink("file.txt", filepath.Join(dir, "link")); err != nil {
		t.Fatalf("Symlink: %s", err)
	}
}

func writeSampleImage(t *testing.T, dir string, opts ...squashfs.WriterOption) (*squashfs.Superblock, *memFile) {
	t.Helper()
	f := &memFile{}
	w, err := squashfs.NewWriter(f, opts...)
	if err != nil {
		t.Fatalf("NewWriter: %s", err)
	}

	it, err := squashfs.NewDirSourceIterator(dir)
	if err != nil {
		t.Fatalf("NewDirSourceIterator: %s", err)
	}
	it = squashfs.WithHardLinkFilter(it, "", nil)

	root := squashfs.SourceEntry{Mode: fs.ModeDir | 0755, ModTime: time.Unix(1700000000, 0)}
	if err := w.AddTree(it, root); err != nil {
		t.Fatalf("AddTree: %s", err)
	}

	sb, err := w.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %s", err)
	}
	return sb, f
}

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	buildSampleTree(t, dir)

	sb, f := writeSampleImage(t, dir)

	// Re-open from the raw bytes the way an on-disk image would be, rather
	// than trusting the Superblock Finalize already handed back.
	reopened, err := squashfs.Open(f)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	for _, img := range []*squashfs.Superblock{sb, reopened} {
		fsys := squashfs.NewFS(img)

		data, err := fs.ReadFile(fsys, "file.txt")
		if err != nil {
			t.Fatalf("ReadFile file.txt: %s", err)
		}
		if string(data) != "hello world" {
			t.Errorf("file.txt content = %q, want %q", data, "hello world")
		}

		nested, err := fs.ReadFile(fsys, "sub/nested.txt")
		if err != nil {
			t.Fatalf("ReadFile sub/nested.txt: %s", err)
		}
		if string(nested) != "nested" {
			t.Errorf("sub/nested.txt content = %q", nested)
		}

		target, err := fsys.Readlink("link")
		if err != nil {
			t.Fatalf("Readlink: %s", err)
		}
		if target != "file.txt" {
			t.Errorf("link target = %q, want %q", target, "file.txt")
		}

		entries, err := fsys.ReadDir(".")
		if err != nil {
			t.Fatalf("ReadDir: %s", err)
		}
		if len(entries) != 5 {
			t.Errorf("root has %d entries, want 5", len(entries))
		}
	}
}

func TestWriterDeduplication(t *testing.T) {
	dir := t.TempDir()
	buildSampleTree(t, dir)

	_, f := writeSampleImage(t, dir)
	sb, err := squashfs.Open(f)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}

	dup1, err := sb.FindInode("dup1.bin")
	if err != nil {
		t.Fatalf("FindInode dup1.bin: %s", err)
	}
	dup2, err := sb.FindInode("dup2.bin")
	if err != nil {
		t.Fatalf("FindInode dup2.bin: %s", err)
	}
	if dup1.StartBlock != dup2.StartBlock {
		t.Errorf("dup1/dup2 StartBlock differ (%d vs %d); expected deduplication to alias them",
			dup1.StartBlock, dup2.StartBlock)
	}
}

func TestWriterNoDeduplication(t *testing.T) {
	dir := t.TempDir()
	buildSampleTree(t, dir)

	_, f := writeSampleImage(t, dir, squashfs.WithDeduplication(false))
	sb, err := squashfs.Open(f)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	if !sb.Flags.Has(squashfs.NO_DUPLICATES) {
		t.Error("expected NO_DUPLICATES flag when deduplication is disabled")
	}

	dup1, err := sb.FindInode("dup1.bin")
	if err != nil {
		t.Fatalf("FindInode dup1.bin: %s", err)
	}
	dup2, err := sb.FindInode("dup2.bin")
	if err != nil {
		t.Fatalf("FindInode dup2.bin: %s", err)
	}
	if dup1.StartBlock == dup2.StartBlock {
		t.Error("dup1/dup2 share a StartBlock despite deduplication being disabled")
	}
}

func TestWriterEmptyTree(t *testing.T) {
	dir := t.TempDir()
	_, f := writeSampleImage(t, dir)

	sb, err := squashfs.Open(f)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	entries, err := squashfs.NewFS(sb).ReadDir(".")
	if err != nil {
		t.Fatalf("ReadDir: %s", err)
	}
	if len(entries) != 0 {
		t.Errorf("empty source tree produced %d root entries", len(entries))
	}
}

func TestWriterHardLinks(t *testing.T) {
	dir := t.TempDir()
	// "original" sorts before "zzz_alias" so the hard-link filter (which
	// walks entries in directory order) sees it first and keeps it as the
	// real file, collapsing the later entry into a synthetic symlink.
	if err := os.WriteFile(filepath.Join(dir, "original"), []byte("shared content"), 0644); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}
	if err := os.Link(filepath.Join(dir, "original"), filepath.Join(dir, "zzz_alias")); err != nil {
		t.Fatalf("Link: %s", err)
	}

	_, f := writeSampleImage(t, dir)
	sb, err := squashfs.Open(f)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	fsys := squashfs.NewFS(sb)

	target, err := fsys.Readlink("zzz_alias")
	if err != nil {
		t.Fatalf("Readlink zzz_alias: %s", err)
	}
	if target != "original" {
		t.Errorf("zzz_alias target = %q, want %q", target, "original")
	}

	data, err := fs.ReadFile(fsys, "original")
	if err != nil {
		t.Fatalf("ReadFile original: %s", err)
	}
	if string(data) != "shared content" {
		t.Errorf("original content = %q", data)
	}
}

func TestWriterExportable(t *testing.T) {
	dir := t.TempDir()
	buildSampleTree(t, dir)

	sb, _ := writeSampleImage(t, dir, squashfs.WithExportable(true))
	if !sb.Flags.Has(squashfs.EXPORTABLE) {
		t.Error("expected EXPORTABLE flag when WithExportable(true) is set")
	}
}

func TestWriterRejectsBadBlockSize(t *testing.T) {
	if _, err := squashfs.NewWriter(&memFile{}, squashfs.WithBlockSize(1000)); err == nil {
		t.Error("expected an error for a non-power-of-two block size")
	}
	if _, err := squashfs.NewWriter(&memFile{}, squashfs.WithBlockSize(512)); err == nil {
		t.Error("expected an error for a block size below the minimum")
	}
}
