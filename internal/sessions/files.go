package sessions

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// StoredSession describes one persisted session file. The content is opaque
// to the multiplexer; only path and metadata are surfaced.
type StoredSession struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// FileStore discovers persisted session files under the allowed roots.
type FileStore struct {
	roots []string
}

// NewFileStore builds a file store over the allowed session roots.
func NewFileStore(roots []string) *FileStore {
	return &FileStore{roots: roots}
}

// DefaultRoots returns ~/.pi/agent/sessions plus the working directory's
// .pi/sessions.
func DefaultRoots() []string {
	var roots []string
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, ".pi", "agent", "sessions"))
	}
	if wd, err := os.Getwd(); err == nil {
		roots = append(roots, filepath.Join(wd, ".pi", "sessions"))
	}
	return roots
}

// List walks the allowed roots for .json/.jsonl session files. Missing roots
// are skipped silently; a daemon with no stored sessions is normal.
func (f *FileStore) List() []StoredSession {
	var out []StoredSession
	for _, root := range f.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := filepath.Ext(e.Name())
			if ext != ".json" && ext != ".jsonl" {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, StoredSession{
				Path:     filepath.Join(root, e.Name()),
				Name:     e.Name(),
				Size:     info.Size(),
				Modified: info.ModTime(),
			})
		}
	}
	return out
}

// WriteAtomic writes data to path via a sibling temp file named
// <path>.<pid>.<uuid8>.tmp, then renames it into place.
func WriteAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.%d.%s.tmp", path, os.Getpid(), uuid.NewString()[:8])
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// ReadLines streams a .jsonl file line by line into fn, guaranteeing the
// file handle is released even when a line fails to parse.
func ReadLines(path string, fn func(line string) error) (err error) {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}
