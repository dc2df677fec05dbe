package sessions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreList(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.jsonl"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte(`x`), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub.json"), 0o755))

	fs := NewFileStore([]string{root, "/does/not/exist"})
	list := fs.List()

	names := make([]string, len(list))
	for i, s := range list {
		names[i] = s.Name
		assert.NotZero(t, s.Modified)
	}
	assert.ElementsMatch(t, []string{"a.json", "b.jsonl"}, names)
}

func TestFileStoreMissingRootIsEmpty(t *testing.T) {
	fs := NewFileStore([]string{"/nowhere/at/all"})
	assert.Empty(t, fs.List())
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")

	require.NoError(t, WriteAtomic(path, []byte(`{"v":1}`)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	// Overwrite goes through a fresh temp file; no .tmp residue remains.
	require.NoError(t, WriteAtomic(path, []byte(`{"v":2}`)))
	data, _ = os.ReadFile(path)
	assert.Equal(t, `{"v":2}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644))

	var lines []string
	require.NoError(t, ReadLines(path, func(line string) error {
		lines = append(lines, line)
		return nil
	}))
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestReadLinesStopsOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644))

	n := 0
	err := ReadLines(path, func(line string) error {
		n++
		if line == "two" {
			return assert.AnError
		}
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 2, n)
}
