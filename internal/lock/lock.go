// Package lock guards a session directory against concurrent clients. Two
// processes driving the same socket identity would each open a connection
// and violate the one-socket-per-identity rule, so the session is exclusive.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// HeldError is returned when another process holds the session lock.
type HeldError struct {
	Owner Owner
	Path  string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("session locked by PID %d since %s (%s)", e.Owner.PID, e.Owner.Since, e.Path)
}

// Owner identifies the process holding a lock.
type Owner struct {
	PID   int    `json:"pid"`
	Since string `json:"since"`
}

// Lock is an acquired session lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive flock on path, creating parent directories as
// needed. Returns HeldError when another live process has it; a stale file
// left by a crashed process does not block since its flock died with it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner := readOwner(path)
		_ = f.Close()
		return nil, &HeldError{Owner: owner, Path: path}
	}

	owner := Owner{PID: os.Getpid(), Since: time.Now().UTC().Format(time.RFC3339)}
	if err := writeOwner(f, owner); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the file. Safe on nil receiver and safe
// to call twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func writeOwner(f *os.File, owner Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

func readOwner(path string) Owner {
	var owner Owner
	data, err := os.ReadFile(path)
	if err != nil {
		return owner
	}
	_ = json.Unmarshal(data, &owner)
	return owner
}
