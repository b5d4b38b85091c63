package yenc_test

import (
	"fmt"
	"hash/crc32"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbstream/testutil"
	"github.com/javi11/nzbstream/yenc"
)

func TestDecodeRoundTrip(t *testing.T) {
	cases := map[string][]byte{
		"ascii":     []byte("hello usenet streaming"),
		"empty-ish": {0x00},
		// 214, 224, 227 and 19 encode to NUL, LF, CR and '=' respectively.
		"escapes": {214, 224, 227, 19, 0xFF, 0x00},
	}

	// Deterministic pseudo-random payload covering all byte values.
	rng := rand.New(rand.NewSource(42))
	big := make([]byte, 70_000)
	for i := range big {
		big[i] = byte(rng.Intn(256))
	}
	cases["random-70k"] = big

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			raw := []byte(testutil.EncodeYenc(data, "payload.bin"))

			payload, hdr, err := yenc.Decode(raw)
			require.NoError(t, err)

			assert.Equal(t, data, payload)
			assert.Equal(t, "payload.bin", hdr.Name)
			assert.Equal(t, int64(len(data)), hdr.Size)
		})
	}
}

func TestDecodeMultiPart(t *testing.T) {
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i * 31)
	}

	raw := []byte(testutil.EncodeYencPart(data, "movie.mkv", 2, 4, 1001, 3000))

	payload, hdr, err := yenc.Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, data[1000:3000], payload)
	assert.Equal(t, int64(2), hdr.Part)
	assert.Equal(t, int64(1001), hdr.PartBegin)
	assert.Equal(t, int64(3000), hdr.PartEnd)
	assert.Equal(t, int64(2000), hdr.PartSize())
	assert.Equal(t, int64(5000), hdr.Size)
}

func TestDecodeMultiPartWholeFileCrcOnly(t *testing.T) {
	data := make([]byte, 4000)
	for i := range data {
		data[i] = byte(i * 17)
	}
	chunk := data[1000:3000]

	// Some posters put only the whole-file crc32 on part trailers; it can
	// never match one part's payload and must not be checked against it.
	raw := testutil.EncodeYencPart(data, "movie.mkv", 2, 4, 1001, 3000)
	raw = strings.Replace(raw,
		fmt.Sprintf("pcrc32=%08x", crc32.ChecksumIEEE(chunk)),
		fmt.Sprintf("crc32=%08x", crc32.ChecksumIEEE(data)), 1)

	payload, hdr, err := yenc.Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, chunk, payload)
	assert.Equal(t, int64(2), hdr.Part)
}

func TestDecodeSkipsPreamble(t *testing.T) {
	data := []byte("payload bytes")
	raw := "X-Comment: injected by some gateway\r\n" + testutil.EncodeYenc(data, "a.bin")

	payload, _, err := yenc.Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, data, payload)
}

func TestDecodeCrcMismatch(t *testing.T) {
	data := []byte("some payload that will not match")
	raw := testutil.EncodeYenc(data, "a.bin")

	good := fmt.Sprintf("crc32=%08x", crc32.ChecksumIEEE(data))
	corrupted := strings.Replace(raw, good, "crc32=deadbeef", 1)
	require.NotEqual(t, raw, corrupted)

	_, _, err := yenc.Decode([]byte(corrupted))
	require.Error(t, err)
	assert.ErrorIs(t, err, yenc.ErrCrcMismatch)
}

func TestDecodeSizeMismatch(t *testing.T) {
	data := []byte("twelve bytes")
	raw := testutil.EncodeYenc(data, "a.bin")

	corrupted := strings.Replace(raw,
		fmt.Sprintf("=yend size=%d", len(data)),
		fmt.Sprintf("=yend size=%d", len(data)+5), 1)
	require.NotEqual(t, raw, corrupted)

	_, _, err := yenc.Decode([]byte(corrupted))
	require.Error(t, err)
	assert.ErrorIs(t, err, yenc.ErrSizeMismatch)
}

func TestDecodeMissingHeader(t *testing.T) {
	_, _, err := yenc.Decode([]byte("no yenc content here\r\nat all\r\n"))
	assert.ErrorIs(t, err, yenc.ErrMissingHeader)
}

func TestDecodeMissingTrailer(t *testing.T) {
	raw := testutil.EncodeYenc([]byte("data"), "a.bin")
	truncated := raw[:strings.Index(raw, "=yend")]

	_, _, err := yenc.Decode([]byte(truncated))
	assert.ErrorIs(t, err, yenc.ErrMissingTrailer)
}

func TestHeaderFilenameWithSpaces(t *testing.T) {
	data := []byte{1, 2, 3}
	raw := testutil.EncodeYenc(data, "My Movie (2008).mkv")

	_, hdr, err := yenc.Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "My Movie (2008).mkv", hdr.Name)
}
