// Package session opens privileged device files on behalf of the backend
package session

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bnema/kmsway/internal/logger"
)

// DefaultFlags are the open flags used for DRM nodes
const DefaultFlags = unix.O_RDWR | unix.O_NOCTTY | unix.O_NONBLOCK | unix.O_CLOEXEC

// DefaultSeat is the seat every device belongs to unless tagged otherwise
const DefaultSeat = "seat0"

// Session grants access to device files for one seat
type Session interface {
	Open(path string, flags int) (*os.File, error)
	Close(f *os.File) error
	Seat() string
}

// Direct opens devices with the process's own permissions. It is what runs
// when the compositor owns the VT or has been given access to /dev/dri by other means.
type Direct struct {
	mu    sync.Mutex
	seat  string
	files map[*os.File]string
}

// NewDirect returns a session bound to the named seat
func NewDirect(seat string) *Direct {
	if seat == "" {
		seat = DefaultSeat
	}
	return &Direct{
		seat:  seat,
		files: make(map[*os.File]string),
	}
}

func (d *Direct) Seat() string {
	return d.seat
}

// Open opens path with the given flags. O_CLOEXEC is always added.
func (d *Direct) Open(path string, flags int) (*os.File, error) {
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	f := os.NewFile(uintptr(fd), path)

	d.mu.Lock()
	d.files[f] = path
	d.mu.Unlock()

	logger.Debugf("Session %s opened %s", d.seat, path)
	return f, nil
}

// Close releases a file previously returned by Open
func (d *Direct) Close(f *os.File) error {
	if f == nil {
		return nil
	}
	d.mu.Lock()
	path, ok := d.files[f]
	delete(d.files, f)
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("file %s was not opened by this session", f.Name())
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	logger.Debugf("Session %s closed %s", d.seat, path)
	return nil
}

// Opened returns the number of files still held
func (d *Direct) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files)
}

// CloseAll releases every file still held, returning the first error
func (d *Direct) CloseAll() error {
	d.mu.Lock()
	files := d.files
	d.files = make(map[*os.File]string)
	d.mu.Unlock()

	var first error
	for f, path := range files {
		if err := f.Close(); err != nil && first == nil {
			first = fmt.Errorf("failed to close %s: %w", path, err)
		}
	}
	return first
}
