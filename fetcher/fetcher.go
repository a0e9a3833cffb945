// Package fetcher acquires audio for a search query by shelling out to
// yt-dlp. Every fetch runs in its own uniquely named temp workdir so
// concurrent workers can never collide on output paths, and nothing
// becomes visible to the library until the tagger moves the finished file
// out.
package fetcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a fetch. Generous on purpose: real downloads can
// take minutes.
const DefaultTimeout = 10 * time.Minute

// Result describes a successfully fetched file, still in its temp workdir.
type Result struct {
	// Path of the extracted audio file.
	Path string

	// Workdir is the unique temp directory holding Path. The caller owns
	// its cleanup once the file has been organized (or the attempt failed).
	Workdir string

	// RawTitle is the title of whatever the search actually found.
	RawTitle string

	// Duration in seconds, 0 when unknown.
	Duration int
}

// Fetcher is the acquisition collaborator consumed by the processor.
type Fetcher interface {
	Fetch(ctx context.Context, query string) (Result, error)
}

// YTDLP fetches by running the yt-dlp binary.
type YTDLP struct {
	// Binary is the yt-dlp executable to run.
	Binary string

	// AudioFormat and AudioQuality are handed to the audio extractor.
	AudioFormat  string
	AudioQuality string

	// SearchPrefix turns a query into a yt-dlp search URL, eg. "ytsearch1:".
	SearchPrefix string

	// TempDir is where per-fetch workdirs are created.
	TempDir string

	// Timeout bounds a single fetch.
	Timeout time.Duration

	names *rng
}

// New initializes a YTDLP fetcher, or an error if tempDir is not writable.
func New(binary, audioFormat, audioQuality, searchPrefix, tempDir string, timeout time.Duration) (*YTDLP, error) {
	if binary == "" {
		binary = "yt-dlp"
	}
	if audioFormat == "" {
		audioFormat = "mp3"
	}
	if searchPrefix == "" {
		searchPrefix = "ytsearch1:"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("Error creating temp directory: %s", err)
	}

	return &YTDLP{
		Binary:       binary,
		AudioFormat:  audioFormat,
		AudioQuality: audioQuality,
		SearchPrefix: searchPrefix,
		TempDir:      tempDir,
		Timeout:      timeout,
		names:        newRNG(8, rand.NewSource(time.Now().UnixNano()), base64.RawURLEncoding),
	}, nil
}

// Fetch searches for query, downloads the first hit and extracts audio
// into a fresh workdir. On any failure the workdir is removed before
// returning, so no partial files are left behind.
func (f *YTDLP) Fetch(ctx context.Context, query string) (Result, error) {
	workdir := filepath.Join(f.TempDir, "fetch-"+f.names.rand())
	if err := os.Mkdir(workdir, 0755); err != nil {
		return Result{}, fmt.Errorf("Error creating fetch workdir: %s", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	args := []string{
		"--no-playlist",
		"--no-simulate",
		"-x",
		"--audio-format", f.AudioFormat,
	}
	if f.AudioQuality != "" {
		args = append(args, "--audio-quality", f.AudioQuality)
	}
	args = append(args,
		"--print", "after_move:filepath",
		"--print", "after_move:title",
		"--print", "after_move:duration",
		"-o", filepath.Join(workdir, "%(title)s.%(ext)s"),
		f.SearchPrefix+query,
	)

	cmd := exec.CommandContext(ctx, f.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.RemoveAll(workdir)
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, fmt.Errorf("fetch timed out after %s", f.Timeout)
		}
		return Result{}, fmt.Errorf("%s failed: %s: %s", f.Binary, err, firstLine(stderr.String()))
	}

	res, err := parseOutput(stdout.String())
	if err != nil {
		os.RemoveAll(workdir)
		return Result{}, err
	}
	res.Workdir = workdir

	if _, err := os.Stat(res.Path); err != nil {
		os.RemoveAll(workdir)
		return Result{}, fmt.Errorf("fetched file missing: %s", err)
	}

	return res, nil
}

// parseOutput reads the three after_move print lines: filepath, title,
// duration.
func parseOutput(out string) (Result, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) == "" {
		return Result{}, fmt.Errorf("no search results found")
	}

	res := Result{
		Path:     strings.TrimSpace(lines[0]),
		RawTitle: strings.TrimSpace(lines[1]),
	}
	if len(lines) > 2 {
		// Duration may be "NA" or fractional seconds.
		if d, err := strconv.ParseFloat(strings.TrimSpace(lines[2]), 64); err == nil {
			res.Duration = int(d)
		}
	}
	return res, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
