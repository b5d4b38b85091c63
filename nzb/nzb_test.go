package nzb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleNzb = `<?xml version="1.0" encoding="UTF-8"?>
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
  <file poster="poster@example.com" date="1700000000" subject="Big.Buck.Bunny.2008.1080p [1/3] - &quot;big.buck.bunny.mkv&quot; yEnc (1/2)">
    <groups>
      <group>alt.binaries.movies</group>
    </groups>
    <segments>
      <segment bytes="1000" number="2">seg2@example.com</segment>
      <segment bytes="2000" number="1">seg1@example.com</segment>
    </segments>
  </file>
  <file poster="poster@example.com" date="1700000000" subject="Big.Buck.Bunny.2008.1080p [2/3] - &quot;sample.nfo&quot; yEnc (1/1)">
    <groups>
      <group>alt.binaries.movies</group>
    </groups>
    <segments>
      <segment bytes="500" number="1">nfo1@example.com</segment>
    </segments>
  </file>
</nzb>`

const rarOnlyNzb = `<?xml version="1.0" encoding="UTF-8"?>
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
  <file poster="p" date="1" subject="release [1/2] - &quot;release.rar&quot; yEnc (1/1)">
    <groups><group>alt.binaries.test</group></groups>
    <segments><segment bytes="100" number="1">r1@example.com</segment></segments>
  </file>
  <file poster="p" date="1" subject="release [2/2] - &quot;release.r00&quot; yEnc (1/1)">
    <groups><group>alt.binaries.test</group></groups>
    <segments><segment bytes="100" number="1">r2@example.com</segment></segments>
  </file>
</nzb>`

func TestParse(t *testing.T) {
	parsed, err := Parse(strings.NewReader(sampleNzb))
	require.NoError(t, err)

	require.Len(t, parsed.Files, 2)

	mkv := parsed.Files[0]
	assert.Equal(t, "big.buck.bunny.mkv", mkv.Name)
	assert.Equal(t, int64(3000), mkv.Size)
	assert.False(t, mkv.IsRar)

	// Segments come back ordered by number regardless of document order.
	require.Len(t, mkv.Segments, 2)
	assert.Equal(t, "seg1@example.com", mkv.Segments[0].MessageID)
	assert.Equal(t, "seg2@example.com", mkv.Segments[1].MessageID)

	assert.Equal(t, int64(3500), parsed.TotalSize)
	assert.Equal(t, []string{"alt.binaries.movies"}, parsed.Groups)
}

func TestParseRejectsEmptyDocument(t *testing.T) {
	_, err := Parse(strings.NewReader(`<nzb></nzb>`))
	assert.Error(t, err)
}

func TestHashStability(t *testing.T) {
	first, err := Parse(strings.NewReader(sampleNzb))
	require.NoError(t, err)

	second, err := Parse(strings.NewReader(sampleNzb))
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, first.MediaFiles(), second.MediaFiles())
	assert.NotEmpty(t, first.Hash)
}

func TestMediaFilesExcludesNonMedia(t *testing.T) {
	parsed, err := Parse(strings.NewReader(sampleNzb))
	require.NoError(t, err)

	media := parsed.MediaFiles()
	require.Len(t, media, 1)
	assert.Equal(t, "big.buck.bunny.mkv", media[0].Name)
}

func TestRarOnlyRejection(t *testing.T) {
	parsed, err := Parse(strings.NewReader(rarOnlyNzb))
	require.NoError(t, err)

	assert.True(t, parsed.IsRarOnly())

	_, ok := parsed.BestStreamableFile()
	assert.False(t, ok)
}

func TestBestStreamableFilePicksLargest(t *testing.T) {
	parsed := FromMediaFiles("h", []File{
		{Index: 0, Name: "sample.mkv", Size: 100},
		{Index: 1, Name: "movie.mkv", Size: 9000},
		{Index: 2, Name: "movie.nfo", Size: 50000},
	})

	best, ok := parsed.BestStreamableFile()
	require.True(t, ok)
	assert.Equal(t, "movie.mkv", best.Name)
}

func TestFileByIndex(t *testing.T) {
	parsed, err := Parse(strings.NewReader(sampleNzb))
	require.NoError(t, err)

	f, ok := parsed.FileByIndex(1)
	require.True(t, ok)
	assert.Equal(t, "sample.nfo", f.Name)

	_, ok = parsed.FileByIndex(7)
	assert.False(t, ok)
}

func TestIsRarName(t *testing.T) {
	cases := map[string]bool{
		"release.rar":        true,
		"release.r00":        true,
		"release.r42":        true,
		"release.part01.rar": true,
		"movie.mkv":          false,
		"rarity.mkv":         false,
		"notes.nfo":          false,
	}
	for name, want := range cases {
		assert.Equal(t, want, IsRarName(name), name)
	}
}

func TestFilenameFromSubject(t *testing.T) {
	assert.Equal(t, "movie.mkv",
		FilenameFromSubject(`post [1/5] - "movie.mkv" yEnc (1/20)`))
	assert.Equal(t, "bare subject without quotes",
		FilenameFromSubject("  bare subject without quotes "))
}
