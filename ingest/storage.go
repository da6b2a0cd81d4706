package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/docbase/types"
)

// allowedFiletypes 可上传的文件类型。
var allowedFiletypes = map[string]bool{
	"pdf":  true,
	"txt":  true,
	"docx": true,
	"md":   true,
}

// FileStorage persists uploaded files under one directory, enforcing
// the type allow-list and the size cap before anything touches disk.
type FileStorage struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger
}

func NewFileStorage(dir string, maxBytes int64, logger *zap.Logger) *FileStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStorage{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger.With(zap.String("component", "file_storage")),
	}
}

// Save writes the upload to disk and returns its path and normalized
// filetype. Unsupported extensions fail with UnsupportedFileType;
// uploads over the cap fail with FileTooLarge and leave no file
// behind.
func (s *FileStorage) Save(filename string, r io.Reader) (string, string, error) {
	filetype := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if !allowedFiletypes[filetype] {
		return "", "", types.NewError(types.ErrUnsupportedFileType,
			fmt.Sprintf("File type '%s' is not supported", filetype)).
			WithHint("Supported types: pdf, txt, docx, md")
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create upload dir: %w", err)
	}

	// 同名文件不覆盖，前缀短 uuid 保持唯一
	base := sanitizeFilename(filepath.Base(filename))
	path := filepath.Join(s.dir, base)
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(s.dir, uuid.NewString()[:8]+"_"+base)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("create file: %w", err)
	}

	// 多读一个字节以检测超限
	written, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", "", fmt.Errorf("write file: %w", err)
	}
	if written > s.maxBytes {
		os.Remove(path)
		return "", "", types.NewError(types.ErrFileTooLarge,
			fmt.Sprintf("File exceeds the %d MB limit", s.maxBytes/(1024*1024)))
	}

	s.logger.Debug("file stored",
		zap.String("path", path),
		zap.Int64("bytes", written))
	return path, filetype, nil
}

// Remove deletes a stored file. A missing file is not an error: the
// delete sequences must be idempotent across crashes.
func (s *FileStorage) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// sanitizeFilename strips path separators and control characters.
func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':':
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		name = "upload"
	}
	return name
}
