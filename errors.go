package squashfs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error by the taxonomy a SquashFS implementation needs
// to distinguish: bugs, I/O failures, on-disk corruption, and API misuse
// all want different handling from a caller.
type Kind int

const (
	KindIO Kind = iota
	KindAlloc
	KindCompressor
	KindInternal
	KindCorrupted
	KindUnsupported
	KindOverflow
	KindOutOfBounds
	KindSuperMagic
	KindSuperVersion
	KindSuperBlockSize
	KindNotFile
	KindNotDir
	KindNoEntry
	KindLinkLoop
	KindArgInvalid
	KindSequence
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindAlloc:
		return "alloc"
	case KindCompressor:
		return "compressor"
	case KindInternal:
		return "internal"
	case KindCorrupted:
		return "corrupted"
	case KindUnsupported:
		return "unsupported"
	case KindOverflow:
		return "overflow"
	case KindOutOfBounds:
		return "out of bounds"
	case KindSuperMagic:
		return "bad super-block magic"
	case KindSuperVersion:
		return "bad super-block version"
	case KindSuperBlockSize:
		return "bad super-block block size"
	case KindNotFile:
		return "not a file"
	case KindNotDir:
		return "not a directory"
	case KindNoEntry:
		return "no such entry"
	case KindLinkLoop:
		return "too many levels of symbolic links"
	case KindArgInvalid:
		return "invalid argument"
	case KindSequence:
		return "out-of-sequence call"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with the operation that produced it and
// its semantic Kind, so callers can both errors.Is a sentinel and switch on
// Kind for coarser handling.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("squashfs: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("squashfs: %s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// wrapErr builds an *Error around err, tagging it with op and kind. If err
// is nil, wrapErr returns nil, so it is safe to use as `return wrapErr(...)`.
func wrapErr(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrInvalidFile is returned when the file format is not recognized as SquashFS
	ErrInvalidFile = errors.New("invalid file, squashfs signature not found")

	// ErrInvalidSuper is returned when the superblock data is corrupted or invalid
	ErrInvalidSuper = errors.New("invalid squashfs superblock")

	// ErrInvalidVersion is returned when the SquashFS version is not 4.0
	// This library only supports SquashFS 4.0 format
	ErrInvalidVersion = errors.New("invalid file version, expected squashfs 4.0")

	// ErrInodeNotExported is returned when trying to access an inode that isn't in the export table
	ErrInodeNotExported = errors.New("unknown squashfs inode and no NFS export table")

	// ErrNotDirectory is returned when attempting to perform directory operations on a non-directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrNotFile is returned when a file-only operation hits a non-regular inode
	ErrNotFile = errors.New("not a regular file")

	// ErrTooManySymlinks is returned when symlink resolution exceeds the maximum depth
	// This prevents infinite loops in symlink resolution
	ErrTooManySymlinks = errors.New("too many levels of symbolic links")

	// ErrCorrupted is returned when an on-disk value violates a format invariant
	ErrCorrupted = errors.New("corrupted squashfs structure")

	// ErrUnsupported is returned for a valid on-disk value this build cannot handle,
	// such as an unregistered compressor
	ErrUnsupported = errors.New("unsupported squashfs feature")

	// ErrOutOfBounds is returned when a reference points outside an allowed range
	ErrOutOfBounds = errors.New("reference out of bounds")

	// ErrSequence is returned on API misuse, e.g. reading a directory before opening it
	ErrSequence = errors.New("invalid call sequence")

	// ErrLoop is returned when path resolution detects a cycle in parent links
	ErrLoop = errors.New("cycle detected while resolving path")

	// ErrInvalidName is returned when a SourceIterator yields a directory
	// entry name that is empty, contains '/', or is "." or ".."
	ErrInvalidName = errors.New("invalid directory entry name")
)
