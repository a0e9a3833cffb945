// Package tagger organizes fetched audio files into the media library
// tree. Files are moved into an Artist/Album/Song layout derived from the
// refiner's metadata, through a pluggable FileStorage backend (local
// filesystem or S3). Until Organize succeeds the file lives only in its
// fetch workdir, so the external library scanner never sees partials.
package tagger

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"tunelift/tagger/filestorage"
)

const (
	unknownArtist = "Unknown Artist"
	unknownAlbum  = "Singles"
)

// Metadata is the structured information used to lay out the library path.
// Empty fields fall back to sensible defaults.
type Metadata struct {
	Artist string
	Album  string
	Song   string
}

// Tagger is the organization collaborator consumed by the processor.
type Tagger interface {
	// Organize moves the file at tempPath into the library and returns
	// its final location. On error the file is left at tempPath for the
	// caller to discard.
	Organize(tempPath string, meta Metadata) (string, error)
}

// Library organizes files through a FileStorage backend.
type Library struct {
	Store filestorage.FileStorage
}

// New returns a Library backed by store.
func New(store filestorage.FileStorage) *Library {
	return &Library{Store: store}
}

var invalidChars = regexp.MustCompile(`[<>:"/\\|?*+]`)

// sanitize cleans a name for use as a file or directory name.
func sanitize(name string) string {
	return strings.TrimSpace(invalidChars.ReplaceAllString(name, "_"))
}

// Organize computes the Artist/Album/Song destination for tempPath and
// moves it there.
func (l *Library) Organize(tempPath string, meta Metadata) (string, error) {
	artist := sanitize(meta.Artist)
	if artist == "" {
		artist = unknownArtist
	}
	album := sanitize(meta.Album)
	if album == "" {
		album = unknownAlbum
	}
	song := sanitize(meta.Song)
	if song == "" {
		// No structured song title; keep the fetched file's name.
		base := filepath.Base(tempPath)
		song = sanitize(strings.TrimSuffix(base, filepath.Ext(base)))
	}
	if song == "" {
		return "", fmt.Errorf("cannot derive a file name for %s", tempPath)
	}

	dest := filepath.Join(artist, album, song+filepath.Ext(tempPath))
	if err := l.Store.StoreFile(tempPath, dest); err != nil {
		return "", fmt.Errorf("Error storing %s: %s", dest, err)
	}

	return l.Store.Location(dest), nil
}
