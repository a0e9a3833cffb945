package mimetype

import (
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"testing"
)

var validator *Validator

// id3Header is the start of an ID3v2-tagged mp3 file, enough for libmagic
// to detect audio/mpeg.
var id3Header = append([]byte("ID3\x03\x00\x00\x00\x00\x00\x00"), make([]byte, 128)...)

func init() {
	var err error
	validator, err = New(DefaultAudioPattern)
	if err != nil {
		log.Println("Could not create validator:", err)
		os.Exit(1)
	}
}

func TestCheckBufferAudio(t *testing.T) {
	if err := validator.CheckBuffer(id3Header); err != nil {
		t.Fatal(err)
	}
}

func TestCheckBufferMismatch(t *testing.T) {
	text := []byte("definitely not audio, just some text\n")
	err := validator.CheckBuffer(text)
	if err == nil {
		t.Fatal("Expected a mismatch for plain text")
	}
	if _, ok := err.(ErrMimeTypeMismatch); !ok {
		t.Fatalf("Expected ErrMimeTypeMismatch, got %T", err)
	}
}

func TestCheckBufferEmpty(t *testing.T) {
	if err := validator.CheckBuffer(nil); err == nil {
		t.Fatal("Expected an empty buffer to fail the audio check")
	}
}

func TestCheckFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "mimetype-test-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "song.mp3")
	if err := ioutil.WriteFile(path, id3Header, 0644); err != nil {
		t.Fatal(err)
	}

	if err := validator.CheckFile(path); err != nil {
		t.Fatal(err)
	}
}

func TestBlacklist(t *testing.T) {
	v, err := New("!video/*,!text/*")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	if err := v.CheckBuffer(id3Header); err != nil {
		t.Fatal(err)
	}

	if err := v.CheckBuffer([]byte("some text lines\n")); err == nil {
		t.Fatal("Expected blacklisted text to fail")
	}
}

func TestPatternValidation(t *testing.T) {
	tc := map[string]bool{
		"[]a]":                       false,
		"\\":                         false,
		"":                           true,
		"audio/*":                    true,
		"!video/xml":                 true,
		"!video/webm,audio/*":        true,
		"audio/mpeg,audio/ogg":       true,
		"!application/octet-stream,": true,
	}

	for pattern, expected := range tc {
		err := ValidatePattern(pattern)
		valid := err == nil
		if expected != valid {
			t.Fatal(pattern, err)
		}
	}
}

func TestCheck(t *testing.T) {
	check := Check{"video/webm", true}
	if check.IsValid("video/webm") {
		t.Fatal("Should be invalid")
	}
	if !check.IsValid("audio/mpeg") {
		t.Fatal("Should be valid")
	}
}
