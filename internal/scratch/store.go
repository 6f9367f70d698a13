// Package scratch manages the plaintext files a job needs on disk while the
// generation binary runs.
//
// The store has one fixed slot per Role under a private directory. It holds
// at most one job's artifacts at a time; the worker serializes jobs, and Lock
// keeps a second worker process from sharing the directory.
package scratch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/sdseal/internal/fsinfo"
	"github.com/mattjoyce/sdseal/internal/lock"
)

// Role names a scratch slot.
type Role string

const (
	RoleInput  Role = "input"
	RoleOutput Role = "output"
)

// Roles lists every slot WipeAll clears.
var Roles = []Role{RoleInput, RoleOutput}

// ErrNotFound is returned by Collect when the artifact does not exist.
var ErrNotFound = errors.New("scratch artifact not found")

const (
	dirMode  = 0o700
	fileMode = 0o600

	lockName  = ".lock"
	wipeChunk = 64 * 1024
)

// Store is the secure scratch store.
type Store struct {
	dir    string
	detect fsinfo.Detector
}

// New creates the scratch directory (0700) if needed and returns a store over
// it. An existing directory is tightened to 0700.
func New(dir string) (*Store, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("scratch directory is empty")
	}
	clean := filepath.Clean(trimmed)

	if err := os.MkdirAll(clean, dirMode); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	if err := os.Chmod(clean, dirMode); err != nil {
		return nil, fmt.Errorf("restrict scratch directory: %w", err)
	}

	return &Store{dir: clean, detect: fsinfo.Detect}, nil
}

// Dir returns the scratch directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the fixed file path for role.
func (s *Store) Path(role Role) string {
	return filepath.Join(s.dir, string(role)+".png")
}

// Stage writes data to role's slot, replacing any previous artifact.
func (s *Store) Stage(role Role, data []byte) (string, error) {
	path := s.Path(role)
	if err := s.Wipe(role); err != nil {
		return "", fmt.Errorf("clear %s slot: %w", role, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		return "", fmt.Errorf("create %s artifact: %w", role, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.Wipe(role)
		return "", fmt.Errorf("write %s artifact: %w", role, err)
	}
	if err := f.Close(); err != nil {
		_ = s.Wipe(role)
		return "", fmt.Errorf("close %s artifact: %w", role, err)
	}
	return path, nil
}

// Collect reads role's artifact. It returns ErrNotFound when the slot is empty.
func (s *Store) Collect(role Role) ([]byte, error) {
	data, err := os.ReadFile(s.Path(role))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, role)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s artifact: %w", role, err)
	}
	return data, nil
}

// Exists reports whether role's slot holds a file.
func (s *Store) Exists(role Role) bool {
	_, err := os.Lstat(s.Path(role))
	return err == nil
}

// Wipe overwrites role's artifact with zeros, fsyncs it and unlinks it. The
// unlink is attempted even when the overwrite fails. Wiping an empty slot is
// a no-op.
func (s *Store) Wipe(role Role) error {
	path := s.Path(role)

	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s artifact: %w", role, err)
	}

	var overwriteErr error
	if info.Mode().IsRegular() {
		overwriteErr = overwrite(path, info.Size())
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(overwriteErr, fmt.Errorf("remove %s artifact: %w", role, err))
	}
	if overwriteErr != nil {
		return fmt.Errorf("overwrite %s artifact (removed): %w", role, overwriteErr)
	}
	return nil
}

// WipeAll wipes every role, continuing past failures.
func (s *Store) WipeAll() error {
	var errs []error
	for _, role := range Roles {
		if err := s.Wipe(role); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func overwrite(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	zeros := make([]byte, wipeChunk)
	remaining := size
	for remaining > 0 {
		n := int64(len(zeros))
		if remaining < n {
			n = remaining
		}
		written, err := f.Write(zeros[:n])
		if err != nil {
			return err
		}
		if int64(written) != n {
			return io.ErrShortWrite
		}
		remaining -= n
	}
	return f.Sync()
}

// Volatile reports whether the scratch directory is memory backed, along with
// the detected filesystem type.
func (s *Store) Volatile() (bool, string, error) {
	fsType, err := s.detect(s.dir)
	if err != nil {
		return false, "", err
	}
	return fsinfo.IsVolatile(fsType), fsType, nil
}

// Lock takes the single-owner lock on the scratch directory. The caller must
// Release it on shutdown.
func (s *Store) Lock() (*lock.PIDLock, error) {
	l, err := lock.AcquirePIDLock(filepath.Join(s.dir, lockName))
	if err != nil {
		return nil, fmt.Errorf("lock scratch directory %s: %w", s.dir, err)
	}
	return l, nil
}
