package nzbstream

import (
	"errors"
	"fmt"
)

// Sentinel errors for the streaming service.
var (
	// ErrNotStreamable indicates content that can never be streamed
	// (RAR-only releases, no media files). Retrying cannot help.
	ErrNotStreamable = errors.New("nzbstream: content is not streamable")

	// ErrInvalidRange indicates a requested byte range outside the file.
	ErrInvalidRange = errors.New("nzbstream: invalid byte range")

	// ErrMountNotReady indicates the mount is not in a streamable state.
	ErrMountNotReady = errors.New("nzbstream: mount is not ready")

	// ErrFileNotFound indicates the requested file index does not exist
	// in the mount's NZB.
	ErrFileNotFound = errors.New("nzbstream: file not found in mount")

	// ErrStreamClosed indicates a read on a destroyed stream.
	ErrStreamClosed = errors.New("nzbstream: stream is closed")
)

// NotStreamableError explains why a mount cannot be streamed.
type NotStreamableError struct {
	MountID     string
	Reason      string
	ArchiveType string
}

func (e *NotStreamableError) Error() string {
	return fmt.Sprintf("mount %s is not streamable: %s", e.MountID, e.Reason)
}

func (e *NotStreamableError) Unwrap() error { return ErrNotStreamable }

// RangeError reports a byte range that falls outside the file.
type RangeError struct {
	Start int64
	End   int64
	Size  int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range %d-%d outside file of %d bytes", e.Start, e.End, e.Size)
}

func (e *RangeError) Unwrap() error { return ErrInvalidRange }

// MountStateError reports a mount in a non-streamable lifecycle state.
type MountStateError struct {
	MountID string
	Status  MountStatus
}

func (e *MountStateError) Error() string {
	return fmt.Sprintf("mount %s has status %q", e.MountID, e.Status)
}

func (e *MountStateError) Unwrap() error { return ErrMountNotReady }
