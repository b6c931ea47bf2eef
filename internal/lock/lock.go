// Package lock makes one process the owner of a profile directory. The owner
// is the only writer of the profile's sqlite file and offline queue.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// FileName is the lock file created inside the profile directory.
const FileName = "LOCK"

// Owner describes the process holding a profile.
type Owner struct {
	PID    int
	Binary string
	Since  time.Time
}

func (o Owner) encode() string {
	return fmt.Sprintf("pid=%d\nbinary=%s\nsince=%s\n", o.PID, o.Binary, o.Since.UTC().Format(time.RFC3339))
}

// parseOwner reads what encode wrote. Unknown or broken lines are ignored.
func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "binary":
			o.Binary = value
		case "since":
			o.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o
}

// HeldError reports that another process owns the profile.
type HeldError struct {
	Owner
	Path string
}

func (e *HeldError) Error() string {
	who := e.Binary
	if who == "" {
		who = "another process"
	}
	msg := fmt.Sprintf("profile is in use by %s (pid %d", who, e.PID)
	if !e.Since.IsZero() {
		msg += ", since " + e.Since.Local().Format(time.DateTime)
	}
	return msg + "): " + e.Path
}

// Lock is a held profile. Release gives it up.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the profile in dir for binary, creating dir if needed. It
// does not wait: a profile owned elsewhere fails at once with *HeldError.
func Acquire(dir, binary string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		_ = f.Close()
		return nil, &HeldError{Owner: parseOwner(string(data)), Path: path}
	}

	owner := Owner{PID: os.Getpid(), Binary: binary, Since: time.Now()}
	err = f.Truncate(0)
	if err == nil {
		_, err = f.WriteAt([]byte(owner.encode()), 0)
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("record lock owner: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release gives the profile up. Nil and already released locks are no-ops.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}
