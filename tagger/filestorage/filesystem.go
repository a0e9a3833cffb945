package filestorage

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// FileSystem stores library files under a local root directory.
type FileSystem struct {
	RootDir string
}

// NewFileSystem returns a FileSystem rooted at rootdir, creating it if
// needed.
func NewFileSystem(rootdir string) (*FileSystem, error) {
	err := os.MkdirAll(rootdir, os.FileMode(0755))
	if err != nil {
		return nil, fmt.Errorf("Error creating library root: %s", err)
	}
	return &FileSystem{RootDir: rootdir}, nil
}

// StoreFile moves srcpath into the library tree. Rename is attempted
// first; when src and dest are on different filesystems it falls back to
// copy-then-remove.
func (fs FileSystem) StoreFile(srcpath string, destpath string) error {
	fulldestpath := path.Join(fs.RootDir, destpath)
	err := os.MkdirAll(filepath.Dir(fulldestpath), os.FileMode(0755))
	if err != nil {
		return err
	}

	err = os.Rename(srcpath, fulldestpath)
	if err != nil {
		fsrc, err := os.Open(srcpath)
		if err != nil {
			return err
		}
		defer fsrc.Close()

		fdest, err := os.Create(fulldestpath)
		if err != nil {
			return err
		}
		defer fdest.Close()

		_, err = io.Copy(fdest, fsrc)
		if err != nil {
			return err
		}
		os.Remove(srcpath)
	}

	return nil
}

// DeleteFile removes a file from the library.
func (fs FileSystem) DeleteFile(destpath string) error {
	abspath := path.Join(fs.RootDir, destpath)
	err := os.Remove(abspath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FileExists returns true if the file exists, false otherwise
func (fs FileSystem) FileExists(destpath string) bool {
	abspath := path.Join(fs.RootDir, destpath)
	_, err := os.Stat(abspath)
	return err == nil
}

// Location returns the absolute path of destpath under the library root.
func (fs FileSystem) Location(destpath string) string {
	return path.Join(fs.RootDir, destpath)
}
