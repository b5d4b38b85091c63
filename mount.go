package nzbstream

import (
	"context"

	"github.com/javi11/nzbstream/nzb"
)

// MountStatus is the lifecycle state of an externally-owned mount record.
type MountStatus string

const (
	MountStatusPending     MountStatus = "pending"
	MountStatusParsing     MountStatus = "parsing"
	MountStatusReady       MountStatus = "ready"
	MountStatusDownloading MountStatus = "downloading"
	MountStatusError       MountStatus = "error"
	MountStatusExpired     MountStatus = "expired"
)

// Mount is the record exposed by the mount-management collaborator, binding
// an NZB to a playable identity. The engine only reads these.
type Mount struct {
	ID         string
	NzbHash    string
	Status     MountStatus
	MediaFiles []nzb.File
	TotalSize  int64
	FileCount  int

	// ExtractedPath points at an already-extracted local file. Extraction
	// is out of scope, so the collaborator never sets it today; when set,
	// the service streams from disk instead of Usenet.
	ExtractedPath string
}

// MountStore looks up mount records. Owned by the external mount-management
// component.
type MountStore interface {
	GetMount(ctx context.Context, id string) (*Mount, error)
}
