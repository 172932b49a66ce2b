// Package backing provides read-only access to the bytes of an executable
// file for the lifetime of a run.
package backing

import (
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Store is an executable file mapped read-only into host memory.
type Store struct {
	path   string
	file   *os.File
	mapped mmap.MMap
}

// Open maps the file at path. The file stays open until Close.
func Open(path string) (*Store, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backing file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat backing file: %w", err)
	}

	s := &Store{path: path, file: file}

	// Zero-length files cannot be mapped.
	if info.Size() == 0 {
		return s, nil
	}

	s.mapped, err = mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to map backing file: %w", err)
	}

	return s, nil
}

// Path returns the path the store was opened from.
func (s *Store) Path() string {
	return s.path
}

// Len returns the file size in bytes.
func (s *Store) Len() uint64 {
	return uint64(len(s.mapped))
}

// Bytes returns up to n bytes starting at off, without copying. The result
// is shorter than n if the file ends first, and empty if off is past the end.
func (s *Store) Bytes(off, n uint64) []byte {
	size := s.Len()
	if off >= size {
		return nil
	}
	if n > size-off {
		n = size - off
	}
	return s.mapped[off : off+n]
}

// ReadAt implements io.ReaderAt.
func (s *Store) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	n := copy(p, s.Bytes(uint64(off), uint64(len(p))))
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close unmaps and closes the file.
func (s *Store) Close() error {
	var err error
	if s.mapped != nil {
		err = s.mapped.Unmap()
		s.mapped = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}
