package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/docbase/types"
)

func TestSaveAcceptsAllowedTypes(t *testing.T) {
	s := NewFileStorage(t.TempDir(), 1024*1024, nil)

	for _, name := range []string{"a.pdf", "b.txt", "c.docx", "d.md", "UPPER.PDF"} {
		path, filetype, err := s.Save(name, strings.NewReader("content"))
		require.NoError(t, err, name)
		assert.FileExists(t, path)
		assert.Contains(t, []string{"pdf", "txt", "docx", "md"}, filetype)
	}
}

func TestSaveRejectsUnsupportedType(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStorage(dir, 1024, nil)

	_, _, err := s.Save("script.exe", strings.NewReader("MZ"))
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedFileType, types.GetErrorCode(err))

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestSaveRejectsOversizedUpload(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStorage(dir, 10, nil)

	_, _, err := s.Save("big.txt", strings.NewReader(strings.Repeat("x", 11)))
	require.Error(t, err)
	assert.Equal(t, types.ErrFileTooLarge, types.GetErrorCode(err))

	// 超限文件不得残留
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestSaveExactLimitAllowed(t *testing.T) {
	s := NewFileStorage(t.TempDir(), 10, nil)
	_, _, err := s.Save("ok.txt", strings.NewReader(strings.Repeat("x", 10)))
	assert.NoError(t, err)
}

func TestSaveAvoidsCollision(t *testing.T) {
	s := NewFileStorage(t.TempDir(), 1024, nil)

	p1, _, err := s.Save("doc.txt", strings.NewReader("one"))
	require.NoError(t, err)
	p2, _, err := s.Save("doc.txt", strings.NewReader("two"))
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	data, _ := os.ReadFile(p1)
	assert.Equal(t, "one", string(data))
}

func TestSaveSanitizesFilename(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStorage(dir, 1024, nil)

	path, _, err := s.Save("../../etc/passwd.txt", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
}

func TestRemoveIdempotent(t *testing.T) {
	s := NewFileStorage(t.TempDir(), 1024, nil)
	path, _, err := s.Save("doc.txt", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(path))
	require.NoError(t, s.Remove(path))
	require.NoError(t, s.Remove(""))
}
