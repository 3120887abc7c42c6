// Package lock guarantees a single daemon per profile directory.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// Holder describes the process owning a profile lock.
type Holder struct {
	PID    int
	UserID string
	Since  time.Time
}

// HeldError is returned when another process owns the profile.
type HeldError struct {
	Holder Holder
	Path   string
}

func (e *HeldError) Error() string {
	if e.Holder.UserID != "" {
		return fmt.Sprintf("profile locked by PID %d for user %s (%s)", e.Holder.PID, e.Holder.UserID, e.Path)
	}
	return fmt.Sprintf("profile locked by PID %d (%s)", e.Holder.PID, e.Path)
}

// Lock is an acquired profile lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive flock on dir/LOCK and records the holder in it.
func Acquire(dir, userID string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		holder, _ := ReadHolder(path)
		return nil, &HeldError{Holder: holder, Path: path}
	}

	h := Holder{PID: os.Getpid(), UserID: userID, Since: time.Now().UTC()}
	if err := writeHolder(f, h); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// ReadHolder parses the holder recorded in a lock file.
func ReadHolder(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "user":
			h.UserID = value
		case "since":
			h.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h, nil
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\nuser=%s\nsince=%s\n", h.PID, h.UserID, h.Since.Format(time.RFC3339))
	return err
}

// Release drops the lock and removes the file. Safe on a nil receiver and
// when called twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}
