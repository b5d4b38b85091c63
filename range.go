package nzbstream

import (
	"strconv"
	"strings"
)

// openEnd marks an open-ended range ("bytes=500-").
const openEnd = int64(-1)

// ByteRange is one parsed HTTP byte range. End == -1 means "to end of file".
type ByteRange struct {
	Start int64
	End   int64
}

// ParseRangeHeader parses a Range header value ("bytes=a-b", "bytes=a-" or
// the suffix form "bytes=-n"). An empty header returns nil: full-file stream.
func ParseRangeHeader(header string) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}

	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return nil, &RangeError{Start: -1, End: -1}
	}

	// Multiple ranges are not supported; a player only ever asks for one.
	if strings.ContainsRune(spec, ',') {
		return nil, &RangeError{Start: -1, End: -1}
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, &RangeError{Start: -1, End: -1}
	}

	// Suffix form: last n bytes.
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, &RangeError{Start: -1, End: -1}
		}
		return &ByteRange{Start: -n, End: openEnd}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, &RangeError{Start: start, End: -1}
	}

	end := openEnd
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, &RangeError{Start: start, End: end}
		}
	}

	return &ByteRange{Start: start, End: end}, nil
}

// Resolve turns a parsed range into concrete (start, end) offsets for a file
// of the given size. A nil range resolves to the whole file. Starts at or
// past the file size fail explicitly; ends are clamped per HTTP semantics.
func (r *ByteRange) Resolve(size int64) (start, end int64, err error) {
	if r == nil {
		return 0, size - 1, nil
	}

	start, end = r.Start, r.End

	// Suffix form resolved against the actual size.
	if start < 0 {
		start = size + start
		if start < 0 {
			start = 0
		}
		return start, size - 1, nil
	}

	if start >= size {
		return 0, 0, &RangeError{Start: start, End: end, Size: size}
	}

	if end == openEnd || end >= size {
		end = size - 1
	}

	return start, end, nil
}
