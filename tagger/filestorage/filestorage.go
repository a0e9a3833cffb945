package filestorage

// FileStorage is an interface for implementing storage backends the
// organized library files are written to.
type FileStorage interface {
	// StoreFile moves the file at srcpath to destpath inside the backend,
	// removing the source.
	StoreFile(srcpath string, destpath string) error

	// DeleteFile removes destpath from the backend.
	DeleteFile(destpath string) error

	// FileExists returns true if destpath exists in the backend.
	FileExists(destpath string) bool

	// Location returns the externally visible path of destpath, eg. the
	// absolute filesystem path or an s3:// URL.
	Location(destpath string) string
}
