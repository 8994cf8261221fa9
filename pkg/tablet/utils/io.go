package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// AtomicFile stages writes in a temporary file and publishes them with a
// rename on Commit. Close before Commit discards the staged bytes, so
// callers can defer Close and treat Commit as the only publish point.
type AtomicFile struct {
	final string
	tmp   string
	f     *os.File
}

// NewAtomicFile stages a write to path, creating the parent directory
// when missing.
func NewAtomicFile(path string) (*AtomicFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dir: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	return &AtomicFile{final: path, tmp: tmp, f: f}, nil
}

func (a *AtomicFile) Write(p []byte) (int, error) {
	if a.f == nil {
		return 0, fmt.Errorf("atomic write to %s already finished", a.final)
	}
	return a.f.Write(p)
}

// Commit fsyncs the staged bytes, renames them over the final path and
// syncs the parent directory so the rename survives a crash. On failure
// the staged file is removed and the final path is left untouched.
func (a *AtomicFile) Commit() error {
	if a.f == nil {
		return fmt.Errorf("atomic write to %s already finished", a.final)
	}
	if err := a.f.Sync(); err != nil {
		a.discard()
		return fmt.Errorf("sync %s: %w", a.tmp, err)
	}
	err := a.f.Close()
	a.f = nil
	if err != nil {
		os.Remove(a.tmp)
		return fmt.Errorf("close %s: %w", a.tmp, err)
	}
	if err := os.Rename(a.tmp, a.final); err != nil {
		os.Remove(a.tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	if err := SyncDir(filepath.Dir(a.final)); err != nil {
		return fmt.Errorf("sync parent dir: %w", err)
	}
	return nil
}

// Close discards the staged file when Commit has not run. After a
// successful Commit it is a no-op, which makes it safe to defer.
func (a *AtomicFile) Close() error {
	a.discard()
	return nil
}

func (a *AtomicFile) discard() {
	if a.f != nil {
		a.f.Close()
		a.f = nil
		os.Remove(a.tmp)
	}
}

// SyncDir fsyncs a directory so entries created or renamed inside it are
// durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// DirExists reports whether path names an existing directory.
func DirExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// CreateDirIfNotExists makes path and any missing parents. An existing
// directory is left as is.
func CreateDirIfNotExists(path string) error {
	return os.MkdirAll(path, 0o755)
}

// MemoryMap is a read-only mmap of a whole file.
type MemoryMap struct {
	data []byte
	file *os.File
}

// MapFile maps path read-only. Empty files map to a nil slice rather than
// an error so zero-length inputs stay readable.
func MapFile(path string) (*MemoryMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	m := &MemoryMap{file: f}
	if size := st.Size(); size > 0 {
		m.data, err = unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("mmap %s: %w", path, err)
		}
	}
	return m, nil
}

// Data returns the mapped bytes. The slice is only valid until Close.
func (m *MemoryMap) Data() []byte { return m.data }

// Close releases the mapping and the underlying file.
func (m *MemoryMap) Close() error {
	var err error
	if len(m.data) > 0 {
		err = unix.Munmap(m.data)
		m.data = nil
	}
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// QuarantineFile moves a corrupted file aside so recovery can continue
// without it while preserving the bytes for inspection.
func QuarantineFile(path string) error {
	corruptPath := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
	return os.Rename(path, corruptPath)
}
