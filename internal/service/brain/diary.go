package brain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// writeDiary 让模型以第一人称总结本次对话，写入 diary.output_dir/YYYY-MM-DD_HHMMSS.md。
func (b *Brain) writeDiary(ctx context.Context, snap snapshot) (string, error) {
	content, err := b.generate(ctx, snap.prompt.Diary(snap.history), nil, snap.cfg.Brain.TurnTimeout(), nil)
	if err != nil {
		return "", fmt.Errorf("generate diary: %w", err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errors.New("generate diary: empty output")
	}

	dir := snap.cfg.Diary.OutputDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create diary dir: %w", err)
	}

	now := b.now()
	path := filepath.Join(dir, now.Format("2006-01-02_150405")+".md")
	body := fmt.Sprintf("# %s\n\n%s\n", now.Format("2006-01-02 15:04"), content)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write diary: %w", err)
	}
	return path, nil
}
