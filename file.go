package squashfs

import (
	"io"
	"io/fs"
	"path"
	"time"
)

// File is a convenience object allowing use of a regular-file inode as an
// fs.File.
type File struct {
	sec  *io.SectionReader
	ino  *Inode
	name string
}

// fileDir is a convenience object allowing use of a directory inode as an
// fs.ReadDirFile.
type fileDir struct {
	ino  *Inode
	name string
	r    *dirReader
}

type fileinfo struct {
	ino  *Inode
	name string
}

var (
	_ fs.File        = (*File)(nil)
	_ io.ReaderAt    = (*File)(nil)
	_ io.Seeker      = (*File)(nil)
	_ fs.ReadDirFile = (*fileDir)(nil)
	_ fs.FileInfo    = (*fileinfo)(nil)
)

// OpenFile returns an fs.File for ino. If ino is a directory, the returned
// object also implements fs.ReadDirFile; if it is a regular file it also
// implements io.Seeker and io.ReaderAt.
func (sb *Superblock) OpenFile(ino *Inode, name string) fs.File {
	if ino.IsDir() {
		return &fileDir{ino: ino, name: name}
	}
	dr := newDataReader(sb)
	sec := io.NewSectionReader(&inodeReaderAt{dr: dr, ino: ino}, 0, int64(ino.FileSize))
	return &File{sec: sec, ino: ino, name: name}
}

// inodeReaderAt adapts dataReader.read to io.ReaderAt for io.SectionReader.
type inodeReaderAt struct {
	dr  *dataReader
	ino *Inode
}

func (r *inodeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, wrapErr("inodeReaderAt.ReadAt", KindArgInvalid, ErrOutOfBounds)
	}
	n, err := r.dr.read(r.ino, off, p)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) Read(p []byte) (int, error)               { return f.sec.Read(p) }
func (f *File) ReadAt(p []byte, off int64) (int, error)   { return f.sec.ReadAt(p, off) }
func (f *File) Seek(offset int64, whence int) (int64, error) { return f.sec.Seek(offset, whence) }

// Stat returns the details of the open file.
func (f *File) Stat() (fs.FileInfo, error) {
	return &fileinfo{name: path.Base(f.name), ino: f.ino}, nil
}

// Sys returns the *Inode backing this file.
func (f *File) Sys() any { return f.ino }

// Close is a no-op; File holds no OS resources.
func (f *File) Close() error { return nil }

// (fileDir)

func (d *fileDir) Read(p []byte) (int, error) {
	return 0, wrapErr("fileDir.Read", KindNotFile, fs.ErrInvalid)
}

func (d *fileDir) Stat() (fs.FileInfo, error) {
	return &fileinfo{name: path.Base(d.name), ino: d.ino}, nil
}

func (d *fileDir) Sys() any { return d.ino }

func (d *fileDir) Close() error {
	d.r = nil
	return nil
}

func (d *fileDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.r == nil {
		dr, err := d.ino.sb.openDir(d.ino, true)
		if err != nil {
			return nil, err
		}
		d.r = dr
	}
	return d.r.ReadDir(n)
}

// (fileinfo)

func (fi *fileinfo) Name() string      { return fi.name }
func (fi *fileinfo) Size() int64       { return int64(fi.ino.FileSize) }
func (fi *fileinfo) Mode() fs.FileMode { return fi.ino.Mode() }

// ModTime returns the inode's modification time. SquashFS stores this as an
// unsigned 32-bit Unix timestamp, so it rolls over in 2106.
func (fi *fileinfo) ModTime() time.Time { return time.Unix(int64(fi.ino.ModTime), 0) }
func (fi *fileinfo) IsDir() bool        { return fi.ino.IsDir() }
func (fi *fileinfo) Sys() any           { return fi.ino }
