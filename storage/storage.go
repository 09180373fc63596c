package storage

import (
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
)

// Directory layout under the store root.
const (
	FunctionsDir = "functions"
	SharedDir    = "shared"
	DataDir      = "data"

	FunctionFile = "function.wasm"
)

// Store reads and writes function bytecode, shared modules and the data
// files guests map into memory.
type Store struct {
	fs afero.Fs
}

// New creates a store over fs.
func New(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

// NewOS creates a store rooted at dir on the host filesystem.
func NewOS(dir string) *Store {
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

// Fs returns the store's filesystem.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// DataFs returns the filesystem guests open files from.
func (s *Store) DataFs() afero.Fs {
	return afero.NewBasePathFs(s.fs, DataDir)
}

// FunctionPath returns where a function's bytecode lives.
func FunctionPath(user, function string) string {
	return path.Join(FunctionsDir, user, function, FunctionFile)
}

// ModulePath returns where a shared module lives. Paths are relative to
// the shared directory; leading slashes are ignored.
func ModulePath(name string) string {
	return path.Join(SharedDir, path.Clean("/"+name))
}

// ReadFunction returns the bytecode of user/function.
func (s *Store) ReadFunction(user, function string) ([]byte, error) {
	if err := checkName(user); err != nil {
		return nil, err
	}
	if err := checkName(function); err != nil {
		return nil, err
	}
	return s.read("function", user+"/"+function, FunctionPath(user, function))
}

// WriteFunction stores the bytecode of user/function.
func (s *Store) WriteFunction(user, function string, bin []byte) error {
	if err := checkName(user); err != nil {
		return err
	}
	if err := checkName(function); err != nil {
		return err
	}
	return s.write(FunctionPath(user, function), bin)
}

// ReadModule returns the bytecode of a shared module.
func (s *Store) ReadModule(name string) ([]byte, error) {
	return s.read("shared module", name, ModulePath(name))
}

// WriteModule stores a shared module.
func (s *Store) WriteModule(name string, bin []byte) error {
	return s.write(ModulePath(name), bin)
}

// WriteData stores a data file guests can open.
func (s *Store) WriteData(name string, data []byte) error {
	return s.write(path.Join(DataDir, path.Clean("/"+name)), data)
}

// Functions lists stored functions as user/function pairs.
func (s *Store) Functions() ([]string, error) {
	var out []string
	users, err := afero.ReadDir(s.fs, FunctionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.PhaseStorage, errors.KindNotFound, err, "list functions")
	}
	for _, u := range users {
		if !u.IsDir() {
			continue
		}
		fns, err := afero.ReadDir(s.fs, path.Join(FunctionsDir, u.Name()))
		if err != nil {
			return nil, errors.Wrap(errors.PhaseStorage, errors.KindNotFound, err, "list functions")
		}
		for _, f := range fns {
			if ok, _ := afero.Exists(s.fs, FunctionPath(u.Name(), f.Name())); ok {
				out = append(out, u.Name()+"/"+f.Name())
			}
		}
	}
	return out, nil
}

func (s *Store) read(what, name, p string) ([]byte, error) {
	bin, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(errors.PhaseStorage, what, name)
		}
		return nil, errors.Wrap(errors.PhaseStorage, errors.KindInvalidInput, err, "read "+p)
	}
	Logger().Debug("read", zap.String("path", p), zap.Int("bytes", len(bin)))
	return bin, nil
}

func (s *Store) write(p string, data []byte) error {
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return errors.Wrap(errors.PhaseStorage, errors.KindInvalidInput, err, "create "+path.Dir(p))
	}
	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return errors.Wrap(errors.PhaseStorage, errors.KindInvalidInput, err, "write "+p)
	}
	return nil
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return errors.InvalidInput(errors.PhaseStorage, "invalid name "+strconv.Quote(name))
	}
	return nil
}
