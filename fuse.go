//go:build fuse

package squashfs

import (
	"context"
	"io"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Mount exposes sb read-only at mountpoint using go-fuse's high-level node
// API, serving Lookup/Readdir/Open/Read/Readlink straight off the
// Superblock's own inode/directory/data readers.
func Mount(sb *Superblock, mountpoint string, opts *fuse.MountOptions) (*fuse.Server, error) {
	if opts == nil {
		opts = &fuse.MountOptions{}
	}
	opts.FsName = "squashfs"
	opts.Name = "squashfs"

	root := &fuseNode{sb: sb, ino: sb.root}
	server, err := fs.Mount(mountpoint, root, &fs.Options{MountOptions: *opts})
	if err != nil {
		return nil, wrapErr("Mount", KindIO, err)
	}
	return server, nil
}

// fuseNode adapts one *Inode to go-fuse's fs.InodeEmbedder contract.
type fuseNode struct {
	fs.Inode
	sb  *Superblock
	ino *Inode
}

var (
	_ fs.InodeEmbedder = (*fuseNode)(nil)
	_ fs.NodeGetattrer = (*fuseNode)(nil)
	_ fs.NodeLookuper  = (*fuseNode)(nil)
	_ fs.NodeReaddirer = (*fuseNode)(nil)
	_ fs.NodeOpener    = (*fuseNode)(nil)
	_ fs.NodeReadlinker = (*fuseNode)(nil)
)

func fillAttr(attr *fuse.Attr, ino *Inode) {
	attr.Ino = uint64(ino.Ino)
	attr.Size = ino.FileSize
	attr.Mode = uint32(ino.Mode())
	attr.Mtime = ino.ModTime
	attr.Atime = ino.ModTime
	attr.Ctime = ino.ModTime
}

func (n *fuseNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(&out.Attr, n.ino)
	return 0
}

// Lookup scans the directory listing linearly; squashfs directories are
// pre-sorted (spec §9) but this skips building a fast-path binary search
// over the already-loaded entries since directories are typically small.
func (n *fuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !n.ino.IsDir() {
		return nil, syscall.ENOTDIR
	}
	dr, err := n.sb.openDir(n.ino, false)
	if err != nil {
		return nil, syscall.EIO
	}
	for {
		entries, err := dr.ReadDir(1)
		if err != nil {
			return nil, syscall.EIO
		}
		if len(entries) == 0 {
			return nil, syscall.ENOENT
		}
		de := entries[0].(*direntry)
		if de.name != name {
			continue
		}
		child, err := n.sb.getInodeByDirRef(de.ref)
		if err != nil {
			return nil, syscall.EIO
		}
		fillAttr(&out.Attr, child)
		stable := fs.StableAttr{Mode: uint32(child.Mode()), Ino: uint64(child.Ino)}
		return n.NewInode(ctx, &fuseNode{sb: n.sb, ino: child}, stable), 0
	}
}

func (n *fuseNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if !n.ino.IsDir() {
		return nil, syscall.ENOTDIR
	}
	dr, err := n.sb.openDir(n.ino, false)
	if err != nil {
		return nil, syscall.EIO
	}
	entries, err := dr.ReadDir(-1)
	if err != nil {
		return nil, syscall.EIO
	}
	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		de := e.(*direntry)
		child, err := n.sb.getInodeByDirRef(de.ref)
		if err != nil {
			continue
		}
		list = append(list, fuse.DirEntry{Name: de.name, Ino: uint64(child.Ino), Mode: uint32(child.Mode())})
	}
	return fs.NewListDirStream(list), 0
}

func (n *fuseNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.ino.IsDir() {
		return nil, 0, syscall.EISDIR
	}
	return &fuseFileHandle{dr: newDataReader(n.sb), ino: n.ino}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *fuseNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	if !n.ino.IsSymlink() {
		return nil, syscall.EINVAL
	}
	return n.ino.SymTarget, 0
}

// fuseFileHandle backs an open regular file with its own dataReader, so
// concurrent reads on the same inode don't share a read cursor.
type fuseFileHandle struct {
	dr  *dataReader
	ino *Inode
}

var _ fs.FileReader = (*fuseFileHandle)(nil)

func (h *fuseFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.dr.read(h.ino, off, dest)
	if err != nil && err != io.EOF {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}
