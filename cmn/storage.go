package cmn

import (
	"os"
	"time"

	"github.com/karrick/godirwalk"
)

// Clock is the only source of "now" the core ever consults, so tests can
// freeze or advance time deterministically (spec §9: erase global mutable
// state; the filesystem mediates coordination, the Clock mediates time).
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production Clock.
var RealClock Clock = realClock{}

// Storage is the minimal filesystem surface the core depends on. Production
// code uses RealStorage; unit tests drive an in-memory double instead of
// touching disk (see cmn/ftest).
type Storage interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	Remove(path string) error
	Rename(oldpath, newpath string) error
	// ListDir returns the immediate subdirectory names of path, in no
	// particular order -- enough for the scheduler's progress walk.
	ListDir(path string) ([]string, error)
}

type realStorage struct{}

func (realStorage) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }
func (realStorage) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}
func (realStorage) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (realStorage) Stat(path string) (os.FileInfo, error)        { return os.Stat(path) }
func (realStorage) Remove(path string) error                     { return os.Remove(path) }
func (realStorage) Rename(oldpath, newpath string) error         { return os.Rename(oldpath, newpath) }

// ListDir scans path's immediate children with godirwalk, returning only
// subdirectory names (godirwalk.ReadDirents avoids the extra per-entry
// lstat a plain os.ReadDir does on some platforms).
func (realStorage) ListDir(path string) ([]string, error) {
	entries, err := godirwalk.ReadDirents(path, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// RealStorage is the production Storage.
var RealStorage Storage = realStorage{}

// Exists reports whether path exists, treating any non-IsNotExist error as
// "exists" so callers don't misclassify permission errors as "missing".
func Exists(s Storage, path string) bool {
	_, err := s.Stat(path)
	return err == nil || !os.IsNotExist(err)
}
