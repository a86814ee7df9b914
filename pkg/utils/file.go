package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrRename 表示临时文件已写好但替换目标失败。
var ErrRename = errors.New("rename temp file")

// WriteFileAtomic 先写入同目录的临时文件并 fsync，再 rename 覆盖 path。
// 任何一步失败都会删除临时文件，path 要么是旧内容，要么是新内容。
func WriteFileAtomic(path string, write func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrRename, err)
	}
	return nil
}
