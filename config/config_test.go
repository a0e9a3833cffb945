package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cfg, err := Parse("../config.test.yml")
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "/health", cfg.API.HeartbeatPath)
	assert.Equal(t, []string{"admin"}, cfg.Dispatcher.Admins)
	assert.Equal(t, 3, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, 2, cfg.Processor.Workers)
	assert.Equal(t, "grok-3-mini", cfg.Refiner.Model)
	assert.Equal(t, "yt-dlp", cfg.Fetcher.Binary)
	assert.Equal(t, "filesystem", cfg.Library.Backend)
	assert.Equal(t, "http", cfg.Notifier.Backend)
	require.Contains(t, cfg.Backends, "http")
	assert.Equal(t, 3, cfg.Backends["http"]["timeout"])
}

func TestParseDefaults(t *testing.T) {
	cfg := writeAndParse(t, `
library:
  root_dir: "/tmp/lib"
`)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, 3, cfg.Processor.Workers)
	assert.Equal(t, 2, cfg.Notifier.Concurrency)
	assert.Equal(t, 600, cfg.Fetcher.TimeoutSec)
	assert.Equal(t, 10, cfg.Refiner.TimeoutSec)
	assert.Equal(t, "filesystem", cfg.Library.Backend)
}

func TestParseMissingLibraryRoot(t *testing.T) {
	_, err := parseString(t, `
library:
  backend: "filesystem"
`)
	assert.Error(t, err)
}

func TestParseS3RequiresRegionAndBucket(t *testing.T) {
	_, err := parseString(t, `
library:
  backend: "s3"
  s3_bucket: "tunes"
`)
	assert.Error(t, err)

	cfg := writeAndParse(t, `
library:
  backend: "s3"
  s3_region: "eu-west-1"
  s3_bucket: "tunes"
`)
	assert.Equal(t, "s3", cfg.Library.Backend)
}

func TestParseUnknownBackend(t *testing.T) {
	_, err := parseString(t, `
library:
  backend: "ftp"
`)
	assert.Error(t, err)
}

func writeAndParse(t *testing.T, content string) Config {
	t.Helper()
	cfg, err := parseString(t, content)
	require.NoError(t, err)
	return cfg
}

func parseString(t *testing.T, content string) (Config, error) {
	t.Helper()
	dir, err := ioutil.TempDir("", "config-test-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "config.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	return Parse(path)
}
