// Package segment maps file byte offsets to NZB segments and drives the
// adaptive prefetching of decoded segment payloads.
package segment

import (
	"errors"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/javi11/nzbstream/nzb"
)

// ErrOffsetOutOfRange indicates a byte offset outside [0, totalSize).
var ErrOffsetOutOfRange = errors.New("segment: byte offset out of range")

// Location is the result of mapping an absolute file byte offset to a
// segment: sum(segments[0..SegmentIndex).Bytes) + OffsetInSegment equals the
// requested offset.
type Location struct {
	SegmentIndex    int
	OffsetInSegment int64
}

// Store precomputes cumulative segment offsets for one file and holds the
// in-memory decoded-segment cache. A Store is exclusively owned by one
// prefetcher/stream pair for the lifetime of one open stream.
type Store struct {
	segments  []nzb.Segment
	starts    []int64 // cumulative start offset of each segment
	totalSize int64

	cache *lru.Cache[int, []byte]
}

// NewStore builds a store over an ordered segment list with the given
// in-memory cache entry budget.
func NewStore(segments []nzb.Segment, cacheSize int) (*Store, error) {
	if len(segments) == 0 {
		return nil, errors.New("segment: file has no segments")
	}
	if cacheSize <= 0 {
		cacheSize = 16
	}

	starts := make([]int64, len(segments))
	var total int64
	for i, s := range segments {
		if s.Bytes < 0 {
			return nil, fmt.Errorf("segment: segment %d has negative size", i)
		}
		starts[i] = total
		total += s.Bytes
	}

	cache, err := lru.New[int, []byte](cacheSize)
	if err != nil {
		return nil, err
	}

	return &Store{
		segments:  segments,
		starts:    starts,
		totalSize: total,
		cache:     cache,
	}, nil
}

// TotalSize returns the file size in bytes.
func (s *Store) TotalSize() int64 { return s.totalSize }

// NumSegments returns the number of segments.
func (s *Store) NumSegments() int { return len(s.segments) }

// Segment returns the segment at the given index.
func (s *Store) Segment(index int) nzb.Segment { return s.segments[index] }

// SegmentStart returns the absolute byte offset at which a segment begins.
func (s *Store) SegmentStart(index int) int64 { return s.starts[index] }

// FindSegmentForOffset maps an absolute byte offset to the segment containing
// it. Offsets at or past the file size fail explicitly rather than clamp.
func (s *Store) FindSegmentForOffset(offset int64) (Location, error) {
	if offset < 0 || offset >= s.totalSize {
		return Location{}, fmt.Errorf("%w: %d (size %d)", ErrOffsetOutOfRange, offset, s.totalSize)
	}

	// Last segment whose start is <= offset. Equal starts (zero-byte
	// segments) resolve to the later, non-empty one.
	i := sort.Search(len(s.starts), func(i int) bool {
		return s.starts[i] > offset
	}) - 1

	return Location{
		SegmentIndex:    i,
		OffsetInSegment: offset - s.starts[i],
	}, nil
}

// CacheSegment stores a decoded payload in the in-memory LRU.
func (s *Store) CacheSegment(index int, data []byte) {
	s.cache.Add(index, data)
}

// CachedSegment returns a decoded payload from the in-memory LRU.
func (s *Store) CachedSegment(index int) ([]byte, bool) {
	return s.cache.Get(index)
}

// IsSegmentCached reports whether a segment is in the in-memory LRU without
// touching recency.
func (s *Store) IsSegmentCached(index int) bool {
	return s.cache.Contains(index)
}

// InvalidateOutsideWindow evicts cached segments outside
// [center-radius, center+radius]. Called on seeks so the cache tracks the
// playback position.
func (s *Store) InvalidateOutsideWindow(center, radius int) {
	for _, key := range s.cache.Keys() {
		if key < center-radius || key > center+radius {
			s.cache.Remove(key)
		}
	}
}

// ClearCache drops all in-memory cached segments.
func (s *Store) ClearCache() {
	s.cache.Purge()
}
