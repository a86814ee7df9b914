// Package speech turns reply text into audio files for the perception worker.
package speech

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/config"
	"github.com/zhouzirui/yuexia/internal/model/message"
)

// Request 为一次合成请求。
type Request struct {
	Text      string
	Emotion   string
	SessionID string
}

// Audio 为合成结果。
type Audio struct {
	Data   []byte
	Format string
}

// Synthesizer 将文本合成为音频。
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*Audio, error)
}

// New 根据 perception.tts.provider 选择实现。
func New(cfg config.TTSConfig, log *zap.Logger) (Synthesizer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "http":
		return NewHTTPSynthesizer(cfg, log), nil
	case "volcengine":
		s, err := NewVolcengineSynthesizer(cfg, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.Provider)
	}
}

// Save writes audio into dir and returns the file path.
func Save(dir string, audio *Audio) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create tts dir: %w", err)
	}
	ext := audio.Format
	if ext == "" {
		ext = "wav"
	}
	name := fmt.Sprintf("tts_%d_%s.%s", time.Now().UnixMilli(), message.NewID(), ext)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, audio.Data, 0o644); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	return path, nil
}

var emojiPattern = regexp.MustCompile(`[\x{10000}-\x{10FFFF}]`)

// StripEmoji removes characters outside the basic multilingual plane, emoji included.
func StripEmoji(text string) string {
	return strings.TrimSpace(emojiPattern.ReplaceAllString(text, ""))
}

func timeoutOf(cfg config.TTSConfig) time.Duration {
	if cfg.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(cfg.TimeoutSeconds) * time.Second
}
