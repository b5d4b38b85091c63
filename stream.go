package nzbstream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/javi11/nzbstream/nzb"
	"github.com/javi11/nzbstream/segment"
)

// Stream is a seekable byte stream over one file's requested window.
type Stream interface {
	io.ReadCloser
	io.Seeker
}

// SeekableStream pulls decoded segment bytes through the prefetcher and
// emits exactly the requested byte window, strictly ordered by offset. The
// pull model is the backpressure contract: nothing is fetched ahead of the
// consumer beyond the prefetch window, and a consumer that stops reading can
// Pause the prefetcher entirely.
type SeekableStream struct {
	file       nzb.File
	store      *segment.Store
	prefetcher *segment.Prefetcher

	ctx    context.Context
	cancel context.CancelFunc

	onClose func()

	mu            sync.Mutex
	closed        bool
	ended         bool
	segmentIndex  int
	posInSegment  int64
	bytesStreamed int64
	startByte     int64
	endByte       int64
}

func newSeekableStream(
	file nzb.File,
	store *segment.Store,
	prefetcher *segment.Prefetcher,
	startByte, endByte int64,
	onClose func(),
) (*SeekableStream, error) {
	loc, err := store.FindSegmentForOffset(startByte)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &SeekableStream{
		file:         file,
		store:        store,
		prefetcher:   prefetcher,
		ctx:          ctx,
		cancel:       cancel,
		onClose:      onClose,
		segmentIndex: loc.SegmentIndex,
		posInSegment: loc.OffsetInSegment,
		startByte:    startByte,
		endByte:      endByte,
	}, nil
}

// StartByte returns the first byte offset of the requested window.
func (s *SeekableStream) StartByte() int64 { return s.startByte }

// EndByte returns the last byte offset of the requested window.
func (s *SeekableStream) EndByte() int64 { return s.endByte }

// BytesStreamed returns how many bytes have been emitted so far.
func (s *SeekableStream) BytesStreamed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesStreamed
}

// Read emits the next chunk of the window, waiting on the prefetcher when
// the current segment is not yet decoded. Chunks never span segments; a
// short read just means the segment boundary was reached.
func (s *SeekableStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStreamClosed
	}
	if s.ended || len(p) == 0 {
		if s.ended {
			return 0, io.EOF
		}
		return 0, nil
	}

	pos := s.position()
	if pos > s.endByte {
		s.ended = true
		return 0, io.EOF
	}

	data, err := s.prefetcher.GetSegment(s.ctx, s.segmentIndex)
	if err != nil {
		if s.ctx.Err() != nil {
			return 0, ErrStreamClosed
		}
		// All providers failed for directly requested bytes: the stream
		// is dead. The caller's Close tears down the caches.
		return 0, err
	}

	remainingInSegment := int64(len(data)) - s.posInSegment
	remainingRequested := s.endByte - pos + 1

	n := int64(len(p))
	if n > remainingInSegment {
		n = remainingInSegment
	}
	if n > remainingRequested {
		n = remainingRequested
	}
	if n <= 0 {
		// Decoded segment shorter than declared; surface as truncation
		// rather than spinning.
		s.ended = true
		return 0, io.ErrUnexpectedEOF
	}

	copy(p, data[s.posInSegment:s.posInSegment+n])

	s.posInSegment += n
	s.bytesStreamed += n
	if s.posInSegment >= int64(len(data)) {
		s.segmentIndex++
		s.posInSegment = 0
	}

	if pos+n > s.endByte {
		s.ended = true
	}

	return int(n), nil
}

// Seek repositions the stream to an absolute file offset within the
// requested window and notifies the prefetcher so it can re-center its
// window and abort now-irrelevant fetches.
func (s *SeekableStream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStreamClosed
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.position() + offset
	case io.SeekEnd:
		target = s.endByte + 1 + offset
	default:
		return 0, errors.New("nzbstream: invalid seek whence")
	}

	if target < s.startByte || target > s.endByte {
		return 0, &RangeError{Start: target, End: s.endByte, Size: s.store.TotalSize()}
	}

	loc, err := s.store.FindSegmentForOffset(target)
	if err != nil {
		return 0, err
	}

	s.prefetcher.OnSeek(loc.SegmentIndex)

	s.segmentIndex = loc.SegmentIndex
	s.posInSegment = loc.OffsetInSegment
	s.ended = false

	return target, nil
}

// position returns the absolute offset of the next byte to emit. Consuming
// the final segment advances segmentIndex past the end of the store, so that
// state reads as one past the window rather than indexing it.
func (s *SeekableStream) position() int64 {
	if s.segmentIndex >= s.store.NumSegments() {
		return s.endByte + 1
	}
	return s.store.SegmentStart(s.segmentIndex) + s.posInSegment
}

// Pause gates background prefetching; the backpressure hook for consumers
// that cannot accept more data right now.
func (s *SeekableStream) Pause() { s.prefetcher.Pause() }

// Resume re-enables background prefetching.
func (s *SeekableStream) Resume() { s.prefetcher.Resume() }

// Close destroys the stream: pending fetches are aborted and the in-memory
// segment cache is cleared before returning. Idempotent.
func (s *SeekableStream) Close() error {
	s.cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.prefetcher.Close()
	s.store.ClearCache()

	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
