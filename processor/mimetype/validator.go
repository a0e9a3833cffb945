// Package mimetype validates that a fetched file really is what we expect
// before it enters the library, using libmagic. The extractor is an
// external process; a broken or mislabeled result must be caught here,
// not by the family's media player.
package mimetype

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rakyll/magicmime"
)

// ValidationThreshold is the number of leading bytes inspected.
const ValidationThreshold = 1024

// DefaultAudioPattern accepts anything libmagic recognizes as audio.
// yt-dlp remuxes video containers, so a video/* result means extraction
// went wrong.
const DefaultAudioPattern = "audio/*"

// Validator checks files' mime types against a set of glob checks.
// It holds a reference to a mime type decoder.
type Validator struct {
	decoder *magicmime.Decoder

	// holds all checks to be done against inspected files
	checks []Check
}

// Check holds info on a specific test: check is a glob to be matched
// against the detected mime type, negate indicates a blacklist entry.
type Check struct {
	check  string
	negate bool
}

// ErrMimeTypeMismatch is a custom error exposing info on the failed check.
type ErrMimeTypeMismatch struct {
	check Check
	found string
}

// Error returns the error string for the current ErrMimeTypeMismatch.
func (e ErrMimeTypeMismatch) Error() string {
	if e.check.negate {
		return fmt.Sprintf("Expected mime-type not to be (%s), found (%s)", e.check.check, e.found)
	}
	return fmt.Sprintf("Expected mime-type to be (%s), found (%s)", e.check.check, e.found)
}

// New constructs a new validator for the given comma-separated pattern.
// Entries prefixed with "!" are blacklist checks.
func New(pattern string) (*Validator, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	decoder, err := magicmime.NewDecoder(magicmime.MAGIC_MIME_TYPE)
	if err != nil {
		return nil, err
	}

	v := &Validator{decoder: decoder}
	for _, c := range strings.Split(pattern, ",") {
		c = strings.TrimSpace(c)
		if strings.HasPrefix(c, "!") {
			v.checks = append(v.checks, Check{check: c[1:], negate: true})
			continue
		}
		v.checks = append(v.checks, Check{check: c, negate: false})
	}
	return v, nil
}

// ValidatePattern validates that the checks extracted from pattern can be
// used as glob patterns against mime types.
func ValidatePattern(pattern string) error {
	var err error
	for _, c := range strings.Split(pattern, ",") {
		c = strings.TrimSpace(c)
		if strings.HasPrefix(c, "!") {
			_, err = filepath.Match(c[1:], "*")
		} else {
			_, err = filepath.Match(c, "*")
		}
		if err != nil {
			return fmt.Errorf("Invalid MimeType Pattern, %q", c)
		}
	}
	return nil
}

// CheckFile inspects the leading bytes of the file at path and performs
// the configured checks against its detected mime type.
func (v *Validator) CheckFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, ValidationThreshold)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return err
	}

	return v.CheckBuffer(buf[:n])
}

// CheckBuffer performs mime type checks against the provided byte slice.
func (v *Validator) CheckBuffer(p []byte) error {
	var mime string
	var err error
	// decoder.TypeByBuffer() panics with empty slices. We guard against
	// that and manually return "application/x-empty" which is what libmagic
	// returns on empty buffers until this is handled upstream.
	if len(p) > 0 {
		mime, err = v.decoder.TypeByBuffer(p)
		if err != nil {
			return err
		}
	} else {
		mime = "application/x-empty"
	}

	for _, check := range v.checks {
		if !check.IsValid(mime) {
			return ErrMimeTypeMismatch{check, mime}
		}
	}

	return nil
}

// Close closes the internal mime-type decoder.
func (v *Validator) Close() {
	v.decoder.Close()
}

// IsValid validates the given mime string against the current check.
func (c Check) IsValid(mime string) bool {
	// Only error here can be ErrBadPattern, which ValidatePattern rules
	// out at construction.
	match, _ := filepath.Match(c.check, mime)
	return match != c.negate
}
