package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// instanceLock is the advisory file lock guarding the data directory. Only
// one supervisor may run per data root.
type instanceLock struct {
	file *os.File
}

// acquireLock takes the lock or fails fast when another instance holds it.
func acquireLock(dataDir string) (*instanceLock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	path := filepath.Join(dataDir, "novapulse.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another instance holds %s: %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &instanceLock{file: f}, nil
}

// release drops the lock on clean exit.
func (l *instanceLock) release() {
	if l == nil || l.file == nil {
		return
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
}
