package squashfs

import (
	"io"
	"io/fs"
	"strings"
)

// Open reads and validates the super-block from r, wires up the codec named
// by the super-block's compression id, and resolves the root inode, giving
// back a ready-to-use image.
func Open(r io.ReaderAt) (*Superblock, error) {
	sb, err := readSuperblock(r)
	if err != nil {
		return nil, err
	}
	sb.fs = r

	var options []byte
	if sb.Flags.Has(COMPRESSOR_OPTIONS) {
		// The options meta-block immediately follows the super-block and is
		// never itself compressed (a codec can't decompress its own tunables
		// before it exists), so this reads the raw payload directly.
		hdr := make([]byte, metablockHeaderSize)
		if _, err := r.ReadAt(hdr, superblockLen); err != nil {
			return nil, wrapErr("Open", KindIO, err)
		}
		lenN := uint16(hdr[0]) | uint16(hdr[1])<<8
		size := int(lenN & metablockLenMask)
		buf := make([]byte, size)
		if _, err := r.ReadAt(buf, superblockLen+metablockHeaderSize); err != nil {
			return nil, wrapErr("Open", KindIO, err)
		}
		options = buf
	}

	codec, err := newCodec(sb.Comp, options)
	if err != nil {
		return nil, wrapErr("Open", KindUnsupported, err)
	}
	sb.codec = codec

	root, err := sb.getInode(newInodeRef(int64(sb.RootInode>>16), int(sb.RootInode&0xffff)))
	if err != nil {
		return nil, err
	}
	sb.root = root
	return sb, nil
}

// FS adapts a Superblock to io/fs.FS, io/fs.StatFS and io/fs.ReadDirFS. root
// is stored separately from sb so Sub can hand out a view rooted elsewhere
// without copying the Superblock (which embeds a mutex).
type FS struct {
	sb   *Superblock
	root *Inode
}

var (
	_ fs.FS        = (*FS)(nil)
	_ fs.StatFS    = (*FS)(nil)
	_ fs.ReadDirFS = (*FS)(nil)
)

// NewFS wraps sb as an io/fs.FS rooted at sb's root inode.
func NewFS(sb *Superblock) *FS { return &FS{sb: sb, root: sb.root} }

func (f *FS) lookupPath(name string) (*Inode, error) {
	if !fs.ValidPath(name) {
		return nil, wrapErr("squashfs.FS", KindArgInvalid, fs.ErrInvalid)
	}
	cur := f.root
	if name == "." {
		return cur, nil
	}
	for _, seg := range strings.Split(name, "/") {
		if !cur.IsDir() {
			return nil, wrapErr("squashfs.FS", KindNotDir, ErrNotDirectory)
		}
		child, err := f.lookupChild(cur, seg)
		if err != nil {
			return nil, err
		}
		cur = child
	}
	return cur, nil
}

func (f *FS) lookupChild(dir *Inode, name string) (*Inode, error) {
	dr, err := f.sb.openDir(dir, false)
	if err != nil {
		return nil, err
	}
	for {
		entries, err := dr.ReadDir(1)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, wrapErr("squashfs.FS", KindNoEntry, fs.ErrNotExist)
		}
		de := entries[0].(*direntry)
		if de.name == name {
			return f.sb.getInodeByDirRef(de.ref)
		}
	}
}

// Open implements fs.FS.
func (f *FS) Open(name string) (fs.File, error) {
	ino, err := f.lookupPath(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: unwrapFS(err)}
	}
	return f.sb.OpenFile(ino, name), nil
}

// Stat implements fs.StatFS.
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	ino, err := f.lookupPath(name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: unwrapFS(err)}
	}
	base := name
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		base = name[idx+1:]
	}
	return &fileinfo{name: base, ino: ino}, nil
}

// Lstat returns information about name without following a trailing
// symlink. It is identical to Stat, since path lookup in this package never
// follows symlinks.
func (f *FS) Lstat(name string) (fs.FileInfo, error) {
	return f.Stat(name)
}

// ReadDir implements fs.ReadDirFS.
func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	ino, err := f.lookupPath(name)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: unwrapFS(err)}
	}
	if !ino.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDirectory}
	}
	dr, err := f.sb.openDir(ino, false)
	if err != nil {
		return nil, err
	}
	return dr.ReadDir(-1)
}

// Sub implements fs.SubFS, returning a new FS rooted at dir.
func (f *FS) Sub(dir string) (fs.FS, error) {
	ino, err := f.lookupPath(dir)
	if err != nil {
		return nil, &fs.PathError{Op: "sub", Path: dir, Err: unwrapFS(err)}
	}
	if !ino.IsDir() {
		return nil, &fs.PathError{Op: "sub", Path: dir, Err: ErrNotDirectory}
	}
	return &FS{sb: f.sb, root: ino}, nil
}

// Readlink returns a symlink inode's target.
func (f *FS) Readlink(name string) (string, error) {
	ino, err := f.lookupPath(name)
	if err != nil {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: unwrapFS(err)}
	}
	if !ino.IsSymlink() {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: fs.ErrInvalid}
	}
	return string(ino.SymTarget), nil
}

// FindInode resolves a slash-separated path from the image root to its
// inode, without wrapping the result in an fs.File.
func (sb *Superblock) FindInode(path string) (*Inode, error) {
	return NewFS(sb).lookupPath(strings.TrimPrefix(path, "/"))
}

func unwrapFS(err error) error {
	if e, ok := err.(*Error); ok {
		return e.Err
	}
	return err
}
