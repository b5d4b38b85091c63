// Package yenc decodes yEnc-encoded article bodies into binary payloads.
//
// Decoding is a pure transform with no shared state: raw body bytes in,
// payload plus parsed header/trailer out. Size and CRC32 mismatches are
// reported as errors so callers can retry the fetch against another provider
// instead of silently streaming corrupt bytes.
package yenc

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/mnightingale/rapidyenc"
)

var (
	// ErrMissingHeader indicates no =ybegin line was found in the body.
	ErrMissingHeader = errors.New("yenc: missing =ybegin header")

	// ErrMissingTrailer indicates no =yend line was found in the body.
	ErrMissingTrailer = errors.New("yenc: missing =yend trailer")

	// ErrSizeMismatch indicates the decoded length differs from the size
	// declared by the trailer.
	ErrSizeMismatch = errors.New("yenc: decoded size does not match declared size")

	// ErrCrcMismatch indicates the decoded payload fails the trailer CRC32.
	ErrCrcMismatch = errors.New("yenc: crc32 mismatch")

	// ErrMalformed indicates encoded data the decoder cannot make progress on.
	ErrMalformed = errors.New("yenc: malformed encoded data")
)

// Header carries the parsed =ybegin/=ypart metadata of one encoded article.
type Header struct {
	Name      string
	Size      int64 // total file size declared by =ybegin
	Line      int
	Part      int64
	Total     int64
	PartBegin int64 // 1-based inclusive, from =ypart
	PartEnd   int64 // 1-based inclusive, from =ypart
}

// PartSize returns the number of payload bytes this article carries.
func (h *Header) PartSize() int64 {
	if h.PartBegin > 0 && h.PartEnd >= h.PartBegin {
		return h.PartEnd - h.PartBegin + 1
	}
	return h.Size
}

// Trailer carries the parsed =yend metadata.
type Trailer struct {
	Size    int64
	Part    int64
	CRC32   uint32
	PartCRC uint32
	HasCRC  bool
	HasPCRC bool
}

// Decode decodes a complete raw article body (dot-decoding already applied)
// and validates the declared size and, when present, the CRC32 trailer.
func Decode(raw []byte) ([]byte, *Header, error) {
	rest := raw

	// Skip any leading non-yenc lines (some posts carry a preamble).
	var headerLine []byte
	for {
		var line []byte
		line, rest = nextLine(rest)
		if line == nil {
			return nil, nil, ErrMissingHeader
		}
		if bytes.HasPrefix(line, []byte("=ybegin ")) {
			headerLine = line
			break
		}
	}

	hdr, err := parseHeader(string(headerLine))
	if err != nil {
		return nil, nil, err
	}

	// Optional =ypart line directly after =ybegin.
	if peek := peekLine(rest); bytes.HasPrefix(peek, []byte("=ypart ")) {
		var partLine []byte
		partLine, rest = nextLine(rest)
		if err := parsePart(string(partLine), hdr); err != nil {
			return nil, nil, err
		}
	}

	// Locate the trailer line. "=y" at line start is reserved for control
	// lines, so a plain text search anchored at a line boundary is exact.
	trailerOff := lineIndex(rest, []byte("=yend "))
	if trailerOff < 0 {
		return nil, nil, ErrMissingTrailer
	}

	trailerLine := peekLine(rest[trailerOff:])
	trailer, err := parseTrailer(string(trailerLine))
	if err != nil {
		return nil, nil, err
	}

	// Decode only the encoded body; the trailer is parsed and validated
	// here so mismatches surface as typed errors.
	payload, err := decodeBody(rest[:trailerOff])
	if err != nil {
		return nil, nil, err
	}

	if trailer.Size > 0 && int64(len(payload)) != trailer.Size {
		return nil, nil, fmt.Errorf("%w: got %d, declared %d",
			ErrSizeMismatch, len(payload), trailer.Size)
	}

	// For a multi-part article only pcrc32 covers this payload; a bare
	// crc32 covers the whole assembled file and cannot be checked here.
	isPart := hdr.PartBegin > 0 || trailer.Part > 0
	if trailer.HasPCRC || (trailer.HasCRC && !isPart) {
		want := trailer.PartCRC
		if !trailer.HasPCRC {
			want = trailer.CRC32
		}
		if got := crc32.ChecksumIEEE(payload); got != want {
			return nil, nil, fmt.Errorf("%w: got %08x, declared %08x",
				ErrCrcMismatch, got, want)
		}
	}

	return payload, hdr, nil
}

// decodeBody reverses the yEnc escaping over encoded body data.
func decodeBody(body []byte) ([]byte, error) {
	var state rapidyenc.State

	out := make([]byte, 0, len(body))
	dst := make([]byte, len(body))
	src := body

	for len(src) > 0 {
		nDst, nSrc, end, err := rapidyenc.DecodeIncremental(dst, src, &state)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		out = append(out, dst[:nDst]...)
		src = src[nSrc:]

		if end != rapidyenc.EndNone {
			break
		}

		// Zero progress on remaining non-whitespace input means the data is
		// malformed; bail out instead of spinning.
		if nDst == 0 && nSrc == 0 {
			if len(bytes.Trim(src, "\r\n")) == 0 {
				break
			}
			return nil, ErrMalformed
		}
	}

	return out, nil
}

func parseHeader(line string) (*Header, error) {
	fields := parseFields(strings.TrimPrefix(line, "=ybegin "))

	hdr := &Header{
		Name:  fields["name"],
		Size:  parseInt(fields["size"]),
		Line:  int(parseInt(fields["line"])),
		Part:  parseInt(fields["part"]),
		Total: parseInt(fields["total"]),
	}
	if hdr.Size <= 0 {
		return nil, fmt.Errorf("%w: =ybegin without size", ErrMalformed)
	}
	return hdr, nil
}

func parsePart(line string, hdr *Header) error {
	fields := parseFields(strings.TrimPrefix(line, "=ypart "))

	hdr.PartBegin = parseInt(fields["begin"])
	hdr.PartEnd = parseInt(fields["end"])
	if hdr.PartBegin <= 0 || hdr.PartEnd < hdr.PartBegin {
		return fmt.Errorf("%w: invalid =ypart range", ErrMalformed)
	}
	return nil
}

func parseTrailer(line string) (*Trailer, error) {
	fields := parseFields(strings.TrimPrefix(strings.TrimRight(line, "\r\n"), "=yend "))

	t := &Trailer{
		Size: parseInt(fields["size"]),
		Part: parseInt(fields["part"]),
	}
	if v, ok := fields["crc32"]; ok {
		crc, err := strconv.ParseUint(strings.TrimSpace(v), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad crc32 %q", ErrMalformed, v)
		}
		t.CRC32 = uint32(crc)
		t.HasCRC = true
	}
	if v, ok := fields["pcrc32"]; ok {
		crc, err := strconv.ParseUint(strings.TrimSpace(v), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad pcrc32 %q", ErrMalformed, v)
		}
		t.PartCRC = uint32(crc)
		t.HasPCRC = true
	}
	return t, nil
}

// parseFields splits "key=value key=value name=rest of line" attribute lists.
// The name attribute absorbs the remainder of the line since filenames may
// contain spaces.
func parseFields(s string) map[string]string {
	fields := make(map[string]string)

	s = strings.TrimRight(s, "\r\n")
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ")
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			break
		}
		key := s[:eq]
		rest := s[eq+1:]

		if key == "name" {
			fields[key] = rest
			break
		}

		end := strings.IndexByte(rest, ' ')
		if end < 0 {
			fields[key] = rest
			break
		}
		fields[key] = rest[:end]
		s = rest[end+1:]
	}

	return fields
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}

// nextLine splits off the first line (including its terminator) and returns
// the line without CR/LF plus the remaining bytes. A nil line means no data.
func nextLine(b []byte) (line, rest []byte) {
	if len(b) == 0 {
		return nil, nil
	}
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return bytes.TrimRight(b, "\r"), nil
	}
	return bytes.TrimRight(b[:i], "\r"), b[i+1:]
}

// peekLine returns the first line of b without consuming it.
func peekLine(b []byte) []byte {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return b
	}
	return b[:i+1]
}

// lineIndex returns the offset of the first line starting with prefix, or -1.
func lineIndex(b, prefix []byte) int {
	if bytes.HasPrefix(b, prefix) {
		return 0
	}
	i := bytes.Index(b, append([]byte("\n"), prefix...))
	if i < 0 {
		return -1
	}
	return i + 1
}
