package provider

import (
	"fmt"
	"io"
	"os"

	"github.com/pipetree/pipetree/internal/artifact"
)

// FileStream implements artifact.ContentStream over a local file path,
// the Go counterpart of the teacher's FileStringStream/FileByteStream.
type FileStream struct {
	path string
	f    *os.File
}

// NewFileStream returns a ContentStream reading path lazily, opened only
// once Open is called so the item can be handed around before the file
// descriptor is acquired.
func NewFileStream(path string) *FileStream {
	return &FileStream{path: path}
}

// Open implements artifact.ContentStream.
func (fs *FileStream) Open() error {
	f, err := os.Open(fs.path)
	if err != nil {
		return fmt.Errorf("provider: opening %s: %w", fs.path, err)
	}
	fs.f = f
	return nil
}

// Read implements artifact.ContentStream, returning io.EOF once the file
// is exhausted, matching the ContentStream contract's chunked-read shape.
func (fs *FileStream) Read(n int) ([]byte, error) {
	if n <= 0 {
		n = 64 * 1024
	}
	buf := make([]byte, n)
	read, err := fs.f.Read(buf)
	if read == 0 && err == io.EOF {
		return nil, io.EOF
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	out := buf[:read]
	if err == io.EOF {
		return out, io.EOF
	}
	return out, nil
}

// Close implements artifact.ContentStream. Safe to call multiple times.
func (fs *FileStream) Close() error {
	if fs.f == nil {
		return nil
	}
	err := fs.f.Close()
	fs.f = nil
	return err
}

var _ artifact.ContentStream = (*FileStream)(nil)
