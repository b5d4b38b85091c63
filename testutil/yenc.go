// Package testutil provides a reference yEnc encoder and a mock NNTP server
// for exercising the engine without a real provider.
package testutil

import (
	"bytes"
	"fmt"
	"hash/crc32"
)

// EncodeYenc produces a single-part yEnc-encoded article body for data,
// with proper escaping, line wrapping and a real CRC32 trailer.
func EncodeYenc(data []byte, filename string) string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "=ybegin line=128 size=%d name=%s\r\n", len(data), filename)
	writeEncoded(&buf, data, 128)
	fmt.Fprintf(&buf, "=yend size=%d crc32=%08x\r\n", len(data), crc32.ChecksumIEEE(data))

	return buf.String()
}

// EncodeYencPart produces one part of a multi-part yEnc posting. begin and
// end are 1-based inclusive offsets into data, following the =ypart
// convention.
func EncodeYencPart(data []byte, filename string, part, total int, begin, end int64) string {
	chunk := data[begin-1 : end]

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "=ybegin part=%d total=%d line=128 size=%d name=%s\r\n",
		part, total, len(data), filename)
	fmt.Fprintf(&buf, "=ypart begin=%d end=%d\r\n", begin, end)
	writeEncoded(&buf, chunk, 128)
	fmt.Fprintf(&buf, "=yend size=%d part=%d pcrc32=%08x\r\n",
		len(chunk), part, crc32.ChecksumIEEE(chunk))

	return buf.String()
}

// writeEncoded applies the yEnc transform: each byte shifted by 42 mod 256,
// with NUL, LF, CR and '=' escaped by an '=' prefix and a further +64 shift.
func writeEncoded(buf *bytes.Buffer, data []byte, lineLen int) {
	col := 0
	for _, b := range data {
		e := b + 42

		escape := false
		switch e {
		case 0x00, 0x0A, 0x0D, '=':
			escape = true
		case '.':
			// Escape leading dots so dot-stuffing never alters the body.
			escape = col == 0
		}

		if escape {
			buf.WriteByte('=')
			buf.WriteByte(e + 64)
			col += 2
		} else {
			buf.WriteByte(e)
			col++
		}

		if col >= lineLen {
			buf.WriteString("\r\n")
			col = 0
		}
	}
	if col > 0 {
		buf.WriteString("\r\n")
	}
}
