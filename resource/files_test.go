package resource

import (
	goerrors "errors"
	"os"
	"testing"

	"github.com/spf13/afero"
)

func newFiles(t *testing.T) *Files {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/data/input.bin", []byte("hello sandbox"), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewFiles(fs, NewTable())
}

func TestFiles_OpenReadClose(t *testing.T) {
	f := newFiles(t)

	h, err := f.Open("/data/input.bin")
	if err != nil {
		t.Fatal(err)
	}
	size, err := f.Size(h)
	if err != nil || size != 13 {
		t.Fatalf("Size = %d, %v", size, err)
	}

	buf := make([]byte, 16)
	n, err := f.ReadInto(h, buf)
	if err != nil || n != 13 || string(buf[:n]) != "hello sandbox" {
		t.Fatalf("ReadInto = %d, %v, %q", n, err, buf[:n])
	}

	// reads always start at the beginning of the file
	small := make([]byte, 5)
	if n, _ := f.ReadInto(h, small); n != 5 || string(small) != "hello" {
		t.Errorf("second ReadInto = %q", small[:n])
	}

	if err := f.Close(h); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(h); !goerrors.Is(err, os.ErrInvalid) {
		t.Errorf("double close: %v", err)
	}
}

func TestFiles_Errors(t *testing.T) {
	f := newFiles(t)

	if _, err := f.Open("/missing"); err == nil {
		t.Error("expected error opening a missing file")
	}

	dir, err := f.Open("/data")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.File(dir); !goerrors.Is(err, os.ErrInvalid) {
		t.Errorf("directory used as file: %v", err)
	}
	if _, err := f.ReadInto(99, make([]byte, 1)); !goerrors.Is(err, os.ErrInvalid) {
		t.Errorf("unknown descriptor: %v", err)
	}
}
