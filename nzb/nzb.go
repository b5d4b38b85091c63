// Package nzb parses NZB documents into a streamable file index.
package nzb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Segment is one article's contribution to a file. Immutable once parsed.
type Segment struct {
	MessageID string `xml:",chardata"`
	Bytes     int64  `xml:"bytes,attr"`
	Number    int    `xml:"number,attr"`
}

// File is one file within a release, with its ordered segment list.
type File struct {
	Index    int
	Name     string
	Size     int64
	IsRar    bool
	Segments []Segment
	Groups   []string
}

// ParsedNzb is the parsed, classified view of one NZB document.
type ParsedNzb struct {
	Hash      string
	Files     []File
	TotalSize int64
	Groups    []string
}

type xmlNzb struct {
	Files []xmlFile `xml:"file"`
}

type xmlFile struct {
	Poster   string    `xml:"poster,attr"`
	Date     string    `xml:"date,attr"`
	Subject  string    `xml:"subject,attr"`
	Groups   []string  `xml:"groups>group"`
	Segments []Segment `xml:"segments>segment"`
}

var (
	// Quoted filename inside the subject, the common posting convention.
	subjectNameRe = regexp.MustCompile(`"([^"]+)"`)

	// RAR naming schemes: release.rar, release.r00..r99, release.part01.rar.
	rarRe = regexp.MustCompile(`(?i)\.(rar|r\d{2,3})$`)
)

var mediaExtensions = map[string]bool{
	".mkv":  true,
	".mp4":  true,
	".avi":  true,
	".m4v":  true,
	".mov":  true,
	".wmv":  true,
	".ts":   true,
	".m2ts": true,
	".mpg":  true,
	".mpeg": true,
	".webm": true,
	".flac": true,
	".mp3":  true,
}

// Parse reads an NZB document and returns its classified file index.
func Parse(r io.Reader) (*ParsedNzb, error) {
	var doc xmlNzb
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("nzb parse: %w", err)
	}

	if len(doc.Files) == 0 {
		return nil, fmt.Errorf("nzb parse: document contains no files")
	}

	files := make([]File, 0, len(doc.Files))
	groupSet := make(map[string]bool)

	for i, xf := range doc.Files {
		name := FilenameFromSubject(xf.Subject)

		segs := make([]Segment, len(xf.Segments))
		copy(segs, xf.Segments)
		sort.Slice(segs, func(a, b int) bool { return segs[a].Number < segs[b].Number })

		var size int64
		for _, s := range segs {
			size += s.Bytes
		}

		for _, g := range xf.Groups {
			groupSet[g] = true
		}

		files = append(files, File{
			Index:    i,
			Name:     name,
			Size:     size,
			IsRar:    IsRarName(name),
			Segments: segs,
			Groups:   xf.Groups,
		})
	}

	groups := make([]string, 0, len(groupSet))
	for g := range groupSet {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	parsed := &ParsedNzb{
		Files:  files,
		Groups: groups,
	}
	for _, f := range files {
		parsed.TotalSize += f.Size
	}
	parsed.Hash = contentHash(files)

	return parsed, nil
}

// FromMediaFiles rebuilds a ParsedNzb from stored file metadata, preserving
// the original hash. Used when a mount record carries full segment data.
func FromMediaFiles(hash string, files []File) *ParsedNzb {
	parsed := &ParsedNzb{
		Hash:  hash,
		Files: files,
	}
	groupSet := make(map[string]bool)
	for _, f := range files {
		parsed.TotalSize += f.Size
		for _, g := range f.Groups {
			groupSet[g] = true
		}
	}
	for g := range groupSet {
		parsed.Groups = append(parsed.Groups, g)
	}
	sort.Strings(parsed.Groups)
	return parsed
}

// MediaFiles returns the files that are playable media: not RAR parts and
// carrying a known media extension.
func (p *ParsedNzb) MediaFiles() []File {
	var media []File
	for _, f := range p.Files {
		if f.IsRar {
			continue
		}
		if !IsMediaName(f.Name) {
			continue
		}
		media = append(media, f)
	}
	return media
}

// IsRarOnly reports whether this NZB contains RAR parts and no playable
// media. Such releases are rejected rather than extracted.
func (p *ParsedNzb) IsRarOnly() bool {
	if len(p.MediaFiles()) > 0 {
		return false
	}
	for _, f := range p.Files {
		if f.IsRar {
			return true
		}
	}
	return false
}

// BestStreamableFile returns the largest playable media file, or false when
// the NZB has none.
func (p *ParsedNzb) BestStreamableFile() (File, bool) {
	media := p.MediaFiles()
	if len(media) == 0 {
		return File{}, false
	}

	best := media[0]
	for _, f := range media[1:] {
		if f.Size > best.Size {
			best = f
		}
	}
	return best, true
}

// FileByIndex returns the file with the given original index.
func (p *ParsedNzb) FileByIndex(index int) (File, bool) {
	for _, f := range p.Files {
		if f.Index == index {
			return f, true
		}
	}
	return File{}, false
}

// FilenameFromSubject extracts the posted filename from an article subject.
// Posting convention wraps the name in double quotes; without quotes the
// trimmed subject itself is the best available name.
func FilenameFromSubject(subject string) string {
	if m := subjectNameRe.FindStringSubmatch(subject); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(subject)
}

// IsRarName reports whether a filename matches RAR part naming.
func IsRarName(name string) bool {
	return rarRe.MatchString(name)
}

// IsMediaName reports whether a filename carries a known media extension.
func IsMediaName(name string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(name))]
}

// contentHash derives a stable identifier from the segment set alone, so the
// same release hashes identically regardless of XML formatting or file order.
func contentHash(files []File) string {
	lines := make([]string, 0, 64)
	for _, f := range files {
		for _, s := range f.Segments {
			lines = append(lines, fmt.Sprintf("%s:%d:%d", s.MessageID, s.Bytes, s.Number))
		}
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
