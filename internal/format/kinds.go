// Package format owns the canonical media format kind vocabulary and the
// index that maps (input kind, output kind) pairs to the plugins able to
// serve them. Kind identity is canonicalized by the core, never
// self-asserted by a plugin, so a manifest cannot spoof a kind by
// inventing its own spelling of it.
package format

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Kind is a canonical identifier for a media type/container (e.g. "jpeg",
// "wav", "mp4"). A Kind value is always one of the entries of the core's
// vocabulary below.
type Kind string

var ErrUnknownKind = errors.New("unknown format kind")

// kindByExt maps a normalized (lowercase, no dot) file extension to its
// canonical kind. Aliases collapse here: "jpg" and "jpeg" are both the
// "jpeg" kind. The table is the single source of truth for kind identity.
var kindByExt = map[string]Kind{
	// Images
	"png":  "png",
	"jpg":  "jpeg",
	"jpeg": "jpeg",
	"gif":  "gif",
	"webp": "webp",
	"bmp":  "bmp",
	"tiff": "tiff",
	"tif":  "tiff",
	"svg":  "svg",
	"heic": "heic",
	"avif": "avif",
	"ico":  "ico",

	// Audio
	"mp3":  "mp3",
	"wav":  "wav",
	"flac": "flac",
	"ogg":  "ogg",
	"oga":  "ogg",
	"aac":  "aac",
	"m4a":  "m4a",
	"opus": "opus",
	"wma":  "wma",

	// Video
	"mp4":  "mp4",
	"m4v":  "mp4",
	"mkv":  "mkv",
	"webm": "webm",
	"avi":  "avi",
	"mov":  "mov",
	"flv":  "flv",
	"wmv":  "wmv",
	"mpeg": "mpeg",
	"mpg":  "mpeg",
	"ts":   "mpegts",

	// Documents
	"pdf":  "pdf",
	"epub": "epub",
	"html": "html",
	"htm":  "html",
	"md":   "markdown",
	"txt":  "text",
	"docx": "docx",
	"odt":  "odt",
}

// extByKind is derived from kindByExt; it records the preferred extension
// for each canonical kind (the first alias registered wins for aliased
// kinds, pinned explicitly where it matters).
var extByKind = map[Kind]string{
	"jpeg": "jpg", "tiff": "tiff", "ogg": "ogg", "mp4": "mp4",
	"mpeg": "mpg", "mpegts": "ts", "html": "html", "markdown": "md",
	"text": "txt",
}

// ParseKind canonicalizes a user or manifest supplied format identifier.
// It accepts kind names and extension aliases case-insensitively, with or
// without a leading dot.
func ParseKind(s string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrUnknownKind)
	}

	if kind, ok := kindByExt[normalized]; ok {
		return kind, nil
	}

	// Canonical kind names that are not themselves extensions ("mpegts",
	// "markdown") still parse.
	for _, kind := range kindByExt {
		if string(kind) == normalized {
			return kind, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// KindForPath detects the canonical kind of a file from its extension.
func KindForPath(path string) (Kind, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnknownKind, path)
	}

	kind, ok := kindByExt[strings.ToLower(ext)]
	if !ok {
		return "", fmt.Errorf("%w: extension %q", ErrUnknownKind, ext)
	}

	return kind, nil
}

// Extension returns the preferred file extension (without dot) for the
// kind provided.
func (k Kind) Extension() string {
	if ext, ok := extByKind[k]; ok {
		return ext
	}

	return string(k)
}

// OutputPathFor derives the default output location for converting the
// source file to the kind provided: same directory, same base name, the
// kind's preferred extension.
func OutputPathFor(source string, target Kind) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	return filepath.Join(filepath.Dir(source), base+"."+target.Extension())
}

// Pair is one declared (input kind, output kind) conversion.
type Pair struct {
	Input  Kind
	Output Kind
}

func (p Pair) String() string {
	return fmt.Sprintf("%s→%s", p.Input, p.Output)
}
