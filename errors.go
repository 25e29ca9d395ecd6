package lolelffs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrNotFound is returned when a directory entry or inode does not exist.
	ErrNotFound = errors.New("lolelffs: not found")

	// ErrNotDirectory is returned when a directory operation targets a non-directory inode.
	ErrNotDirectory = errors.New("lolelffs: not a directory")

	// ErrIsDirectory is returned when a file operation targets a directory inode.
	ErrIsDirectory = errors.New("lolelffs: is a directory")

	// ErrExists is returned when creating or linking a name that already exists.
	ErrExists = errors.New("lolelffs: already exists")

	// ErrNotEmpty is returned by rmdir on a directory that still has entries.
	ErrNotEmpty = errors.New("lolelffs: directory not empty")

	// ErrNoSpace is returned when the inode or block allocator has nothing to give.
	ErrNoSpace = errors.New("lolelffs: no space left")

	// ErrTooLong is returned when a filename or symlink target exceeds its on-disk field.
	ErrTooLong = errors.New("lolelffs: name or target too long")

	// ErrReadOnly is returned when a mutation is attempted on a read-only handle.
	ErrReadOnly = errors.New("lolelffs: filesystem is read-only")

	// ErrLocked is returned when encrypted I/O is attempted before Unlock.
	ErrLocked = errors.New("lolelffs: filesystem is locked")

	// ErrAuthFailed is returned when an AEAD tag fails to verify. Unlock does not return it for a wrong password.
	ErrAuthFailed = errors.New("lolelffs: authentication failed")

	// ErrCorruption is returned when an on-disk structure fails to parse or violates an invariant.
	ErrCorruption = errors.New("lolelffs: corrupted structure")

	// ErrInvalidImage is returned when a file does not look like a lolelffs image.
	ErrInvalidImage = errors.New("lolelffs: invalid image")
)
