package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/config"
)

// ErrEmptyText is returned when nothing speakable is left after cleanup.
var ErrEmptyText = errors.New("tts text is empty")

// HTTPSynthesizer 调用本地 TTS 服务的 /tts 接口，按情绪附带参考音频。
type HTTPSynthesizer struct {
	endpoint string
	language string
	speed    float32
	refs     *RefPool
	client   *http.Client
	log      *zap.Logger
}

type httpTTSRequest struct {
	Text            string  `json:"text"`
	TextLang        string  `json:"text_lang"`
	TextSplitMethod string  `json:"text_split_method"`
	MediaType       string  `json:"media_type"`
	Speed           float32 `json:"speed"`
	RefAudioPath    string  `json:"ref_audio_path,omitempty"`
	PromptText      string  `json:"prompt_text,omitempty"`
	PromptLang      string  `json:"prompt_lang,omitempty"`
}

// NewHTTPSynthesizer 创建 HTTP 合成客户端。
func NewHTTPSynthesizer(cfg config.TTSConfig, log *zap.Logger) *HTTPSynthesizer {
	speed := cfg.Speed
	if speed <= 0 {
		speed = 1.0
	}
	return &HTTPSynthesizer{
		endpoint: strings.TrimRight(cfg.APIURL, "/") + "/tts",
		language: cfg.Language,
		speed:    speed,
		refs:     LoadRefPool(cfg.EmotionRefsDir, log),
		client:   &http.Client{Timeout: timeoutOf(cfg)},
		log:      log.Named("tts.http"),
	}
}

// Synthesize posts the text and returns the WAV body.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	text := StripEmoji(req.Text)
	if text == "" {
		return nil, ErrEmptyText
	}

	payload := httpTTSRequest{
		Text:            text,
		TextLang:        s.language,
		TextSplitMethod: "cut5",
		MediaType:       "wav",
		Speed:           s.speed,
	}
	if ref, ok := s.refs.Get(req.Emotion); ok {
		payload.RefAudioPath = ref.Path
		payload.PromptText = ref.Text
		payload.PromptLang = s.language
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts service returned HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if len(data) == 0 {
		return nil, errors.New("tts audio is empty")
	}

	s.log.Debug("synthesized", zap.Int("chars", len([]rune(text))), zap.Int("bytes", len(data)))
	return &Audio{Data: data, Format: "wav"}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
