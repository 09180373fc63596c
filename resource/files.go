package resource

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// Files exposes files of a filesystem to a guest as descriptors.
type Files struct {
	fs    afero.Fs
	table *Table
}

// NewFiles creates a descriptor table over fs.
func NewFiles(fs afero.Fs, table *Table) *Files {
	return &Files{fs: fs, table: table}
}

// Table returns the underlying handle table.
func (f *Files) Table() *Table {
	return f.table
}

// Open opens path read-only and returns its descriptor.
func (f *Files) Open(path string) (Handle, error) {
	file, err := f.fs.Open(path)
	if err != nil {
		return 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return 0, err
	}
	kind := KindFile
	if info.IsDir() {
		kind = KindDirectory
	}
	h, err := f.table.Insert(kind, file)
	if err != nil {
		file.Close()
		return 0, err
	}
	return h, nil
}

// File returns the open file behind a descriptor.
func (f *Files) File(h Handle) (afero.File, error) {
	v, ok := f.table.GetTyped(h, KindFile)
	if !ok {
		return nil, fmt.Errorf("descriptor %d: %w", h, os.ErrInvalid)
	}
	return v.(afero.File), nil
}

// Size returns the size of the file behind a descriptor.
func (f *Files) Size(h Handle) (int64, error) {
	file, err := f.File(h)
	if err != nil {
		return 0, err
	}
	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReadInto fills dst from the start of the file behind a descriptor and
// returns the number of bytes read. A file shorter than dst leaves the
// rest of dst untouched.
func (f *Files) ReadInto(h Handle, dst []byte) (int, error) {
	file, err := f.File(h)
	if err != nil {
		return 0, err
	}
	n, err := file.ReadAt(dst, 0)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Close closes a descriptor.
func (f *Files) Close(h Handle) error {
	_, ok, err := f.table.Remove(h)
	if !ok {
		return fmt.Errorf("descriptor %d: %w", h, os.ErrInvalid)
	}
	return err
}
