// Package nzbstream streams video out of Usenet articles on demand: it
// resolves a mount plus byte range into a seekable stream that fetches,
// decodes and caches only the segments a player actually asks for.
package nzbstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/javi11/nzbstream/nzb"
	"github.com/javi11/nzbstream/segment"
)

// StreamResult is everything the HTTP layer needs to answer a (range)
// request: the stream itself plus partial-content metadata.
type StreamResult struct {
	Stream        Stream
	ContentLength int64
	StartByte     int64
	EndByte       int64
	TotalSize     int64
	IsPartial     bool
	ContentType   string
	FileName      string
}

// Streamability is the upfront classification of a mount, for UI decisions
// that should not open a stream.
type Streamability struct {
	CanStream   bool
	Reason      string
	ArchiveType string
	FileCount   int
	BestFile    string
	TotalSize   int64
}

type mountActivity struct {
	streams  int
	idleFrom time.Time
}

// StreamService is the top-level entry point: it resolves mounts into
// configured seekable streams and tracks per-mount stream reference counts
// for cache lifecycle decisions.
type StreamService struct {
	config Config
	log    *slog.Logger

	nzbCache *expirable.LRU[string, *nzb.ParsedNzb]

	mu     sync.Mutex
	active map[string]*mountActivity
}

// NewStreamService wires a stream service from explicit collaborators.
func NewStreamService(cfg Config) (*StreamService, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &StreamService{
		config:   cfg,
		log:      cfg.Logger,
		nzbCache: expirable.NewLRU[string, *nzb.ParsedNzb](cfg.NzbCacheSize, nil, cfg.NzbCacheTTL),
		active:   make(map[string]*mountActivity),
	}, nil
}

// CreateStream resolves a mount, file index and Range header into a stream.
// RAR-only content is rejected outright; extraction is not supported.
func (s *StreamService) CreateStream(ctx context.Context, mountID string, fileIndex int, rangeHeader string) (*StreamResult, error) {
	m, err := s.config.Mounts.GetMount(ctx, mountID)
	if err != nil {
		return nil, fmt.Errorf("mount lookup: %w", err)
	}

	// Archive path: stream an already-extracted file straight from disk.
	// The mount collaborator never sets this today (extraction is out of
	// scope), so this branch is inert.
	if path := s.extractedFilePath(m); path != "" {
		return s.streamFromDisk(m, path, rangeHeader)
	}

	parsed, err := s.parsedNzb(m)
	if err != nil {
		return nil, err
	}

	if parsed.IsRarOnly() {
		return nil, &NotStreamableError{
			MountID:     mountID,
			Reason:      "RAR-compressed releases cannot be streamed",
			ArchiveType: "rar",
		}
	}

	file, ok := parsed.FileByIndex(fileIndex)
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrFileNotFound, fileIndex)
	}

	rng, err := ParseRangeHeader(rangeHeader)
	if err != nil {
		return nil, err
	}

	startByte, endByte, err := rng.Resolve(file.Size)
	if err != nil {
		return nil, err
	}

	store, err := segment.NewStore(file.Segments, s.config.SegmentCacheSize)
	if err != nil {
		return nil, err
	}

	prefetcher, err := segment.NewPrefetcher(segment.PrefetcherConfig{
		MountID:    mountID,
		FileIndex:  file.Index,
		Store:      store,
		Fetch:      s.fetchPayload,
		Cache:      s.config.Cache,
		Logger:     s.log,
		Strategies: s.config.PrefetchStrategies,
	})
	if err != nil {
		return nil, err
	}

	stream, err := newSeekableStream(file, store, prefetcher, startByte, endByte, func() {
		s.release(mountID)
	})
	if err != nil {
		prefetcher.Close()
		return nil, err
	}

	s.retain(mountID)

	s.log.DebugContext(ctx, "stream created",
		"mount", mountID,
		"file", file.Name,
		"start", startByte,
		"end", endByte)

	return &StreamResult{
		Stream:        stream,
		ContentLength: endByte - startByte + 1,
		StartByte:     startByte,
		EndByte:       endByte,
		TotalSize:     file.Size,
		IsPartial:     rng != nil,
		ContentType:   contentTypeFor(file.Name),
		FileName:      file.Name,
	}, nil
}

// CheckStreamability classifies a mount without opening a stream.
func (s *StreamService) CheckStreamability(ctx context.Context, mountID string) (*Streamability, error) {
	m, err := s.config.Mounts.GetMount(ctx, mountID)
	if err != nil {
		return nil, fmt.Errorf("mount lookup: %w", err)
	}

	parsed, err := s.parsedNzb(m)
	if err != nil {
		return nil, err
	}

	if parsed.IsRarOnly() {
		return &Streamability{
			CanStream:   false,
			Reason:      "RAR-compressed releases cannot be streamed",
			ArchiveType: "rar",
			FileCount:   len(parsed.Files),
			TotalSize:   parsed.TotalSize,
		}, nil
	}

	best, ok := parsed.BestStreamableFile()
	if !ok {
		return &Streamability{
			CanStream: false,
			Reason:    "no media files in release",
			FileCount: len(parsed.Files),
			TotalSize: parsed.TotalSize,
		}, nil
	}

	return &Streamability{
		CanStream: true,
		FileCount: len(parsed.Files),
		BestFile:  best.Name,
		TotalSize: parsed.TotalSize,
	}, nil
}

// ActiveStreams returns the number of open streams on a mount.
func (s *StreamService) ActiveStreams(mountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.active[mountID]; ok {
		return a.streams
	}
	return 0
}

// IdleMounts returns mounts that have had zero active streams for at least
// the cleanup cooldown. The external mount manager uses this to schedule
// cache invalidation and mount teardown.
func (s *StreamService) IdleMounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.config.CleanupCooldown)

	var idle []string
	for id, a := range s.active {
		if a.streams == 0 && a.idleFrom.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	return idle
}

// ForgetMount drops local bookkeeping and cached NZB data for a mount.
// Called by the mount manager once it has cleaned the mount up.
func (s *StreamService) ForgetMount(ctx context.Context, m *Mount) {
	s.mu.Lock()
	delete(s.active, m.ID)
	s.mu.Unlock()

	s.nzbCache.Remove(m.NzbHash)

	if invalidator, ok := s.config.Cache.(interface {
		InvalidateMount(ctx context.Context, mountID string) error
	}); ok && s.config.Cache != nil {
		if err := invalidator.InvalidateMount(ctx, m.ID); err != nil {
			s.log.WarnContext(ctx, "cache invalidation failed", "mount", m.ID, "error", err)
		}
	}
}

// parsedNzb returns the mount's NZB index from the TTL cache, or rebuilds it
// from the stored segment metadata.
func (s *StreamService) parsedNzb(m *Mount) (*nzb.ParsedNzb, error) {
	if parsed, ok := s.nzbCache.Get(m.NzbHash); ok {
		return parsed, nil
	}

	if m.Status != MountStatusReady && len(m.MediaFiles) == 0 {
		return nil, &MountStateError{MountID: m.ID, Status: m.Status}
	}

	if len(m.MediaFiles) == 0 {
		return nil, &NotStreamableError{
			MountID: m.ID,
			Reason:  "mount carries no file metadata",
		}
	}

	parsed := nzb.FromMediaFiles(m.NzbHash, m.MediaFiles)
	s.nzbCache.Add(m.NzbHash, parsed)
	return parsed, nil
}

func (s *StreamService) fetchPayload(ctx context.Context, messageID string) ([]byte, error) {
	payload, _, err := s.config.Articles.GetDecodedArticle(ctx, messageID)
	return payload, err
}

// extractedFilePath resolves the mount's extracted file, when one exists.
// Permanently empty in the current system.
func (s *StreamService) extractedFilePath(m *Mount) string {
	return m.ExtractedPath
}

// streamFromDisk serves an extracted local file with the same range
// semantics as the Usenet path.
func (s *StreamService) streamFromDisk(m *Mount, path string, rangeHeader string) (*StreamResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("extracted file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("extracted file: %w", err)
	}

	rng, err := ParseRangeHeader(rangeHeader)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	startByte, endByte, err := rng.Resolve(info.Size())
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	s.retain(m.ID)

	return &StreamResult{
		Stream: &diskStream{
			SectionReader: io.NewSectionReader(f, startByte, endByte-startByte+1),
			file:          f,
			onClose:       func() { s.release(m.ID) },
		},
		ContentLength: endByte - startByte + 1,
		StartByte:     startByte,
		EndByte:       endByte,
		TotalSize:     info.Size(),
		IsPartial:     rng != nil,
		ContentType:   contentTypeFor(path),
		FileName:      filepath.Base(path),
	}, nil
}

// diskStream adapts a section of an extracted file to the Stream interface.
type diskStream struct {
	*io.SectionReader
	file    *os.File
	onClose func()
	once    sync.Once
}

func (d *diskStream) Close() error {
	var err error
	d.once.Do(func() {
		err = d.file.Close()
		if d.onClose != nil {
			d.onClose()
		}
	})
	return err
}

func (s *StreamService) retain(mountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.active[mountID]
	if !ok {
		a = &mountActivity{}
		s.active[mountID] = a
	}
	a.streams++
}

func (s *StreamService) release(mountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.active[mountID]
	if !ok {
		return
	}
	a.streams--
	if a.streams <= 0 {
		a.streams = 0
		a.idleFrom = time.Now()
	}
}

func contentTypeFor(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
