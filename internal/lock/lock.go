// Package lock provides keyed in-process mutexes and an exclusive daemon
// file lock.
package lock

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// MutexMap hands out one mutex per key, created lazily. The store uses it for
// per-tier critical sections.
type MutexMap struct {
	mu   sync.RWMutex
	held map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{held: make(map[string]*sync.Mutex)}
}

func (m *MutexMap) Lock(key string) {
	m.forKey(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.forKey(key).Unlock()
}

// LockAll acquires every key in the given order. Callers must pass keys in a
// canonical order so that two multi-key holders can never deadlock.
func (m *MutexMap) LockAll(keys []string) {
	for _, k := range keys {
		m.Lock(k)
	}
}

// UnlockAll releases keys in reverse acquisition order.
func (m *MutexMap) UnlockAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		m.Unlock(keys[i])
	}
}

func (m *MutexMap) forKey(key string) *sync.Mutex {
	m.mu.RLock()
	mu, ok := m.held[key]
	m.mu.RUnlock()
	if ok {
		return mu
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mu, ok := m.held[key]; ok {
		return mu
	}
	mu = &sync.Mutex{}
	m.held[key] = mu
	return mu
}

// FileLock is an exclusive flock-based lock that also records the holder's
// PID in the lock file for diagnostics.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock acquires the lock without blocking. It fails when another process
// already holds it.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another daemon may be running): %w", err)
	}

	if err := stampPID(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return err
	}

	fl.file = f
	return nil
}

// Unlock releases the lock and removes the lock file. Calling it on an
// unheld lock is a no-op.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}

func stampPID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}
