package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/config"
)

const volcengineTTSURL = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

// VolcengineSynthesizer 火山引擎单向流式 TTS 客户端。
type VolcengineSynthesizer struct {
	endpoint    string
	appID       string
	accessToken string
	voice       string
	language    string
	speed       float32
	volume      float32
	timeout     time.Duration
	dialer      *websocket.Dialer
	log         *zap.Logger
}

type volcRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string          `json:"speaker"`
		Text        string          `json:"text"`
		AudioParams volcAudioParams `json:"audio_params"`
		Additions   string          `json:"additions,omitempty"`
		Language    string          `json:"language,omitempty"`
	} `json:"req_params"`
}

type volcAudioParams struct {
	Format          string  `json:"format"`
	SampleRate      int     `json:"sample_rate"`
	EnableTimestamp bool    `json:"enable_timestamp"`
	SpeedRatio      float32 `json:"speed_ratio,omitempty"`
	VolumeRatio     float32 `json:"volume_ratio,omitempty"`
	Emotion         string  `json:"emotion,omitempty"`
	EmotionScale    float32 `json:"emotion_scale,omitempty"`
}

type volcServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
}

// NewVolcengineSynthesizer 创建客户端，缺少 AppID 或 AccessToken 时返回错误。
func NewVolcengineSynthesizer(cfg config.TTSConfig, log *zap.Logger) (*VolcengineSynthesizer, error) {
	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if appID == "" || token == "" {
		return nil, errors.New("火山引擎语音配置缺少 AppID 或 AccessToken")
	}
	return &VolcengineSynthesizer{
		endpoint:    volcengineTTSURL,
		appID:       appID,
		accessToken: token,
		voice:       strings.TrimSpace(cfg.Voice),
		language:    strings.TrimSpace(cfg.Language),
		speed:       cfg.Speed,
		volume:      cfg.Volume,
		timeout:     timeoutOf(cfg),
		dialer:      &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		log:         log.Named("tts.volcengine"),
	}, nil
}

// Synthesize 依次尝试音色对应的资源 ID，资源不匹配时换下一个。
func (c *VolcengineSynthesizer) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	text := StripEmoji(req.Text)
	if text == "" {
		return nil, ErrEmptyText
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	for i, resourceID := range resolveResourceCandidates(c.voice) {
		audio, err := c.synthesizeWith(ctx, text, req, resourceID)
		if err == nil {
			if i > 0 {
				c.log.Info("fallback resource succeeded", zap.String("voice", c.voice), zap.String("resource", resourceID))
			}
			return audio, nil
		}
		if !isResourceMismatch(err) {
			return nil, err
		}
		c.log.Warn("resource mismatch", zap.String("voice", c.voice), zap.String("resource", resourceID), zap.Error(err))
		lastErr = err
	}
	return nil, lastErr
}

func (c *VolcengineSynthesizer) synthesizeWith(ctx context.Context, text string, req Request, resourceID string) (*Audio, error) {
	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", c.appID)
	header.Set("X-Api-Access-Key", c.accessToken)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("connect tts websocket: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		if logID := resp.Header.Get("X-Tt-Logid"); logID != "" {
			c.log.Debug("connected", zap.String("logid", logID))
		}
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	payload, err := json.Marshal(c.buildRequest(text, req))
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeClientRequest(payload)); err != nil {
		return nil, fmt.Errorf("send tts request: %w", err)
	}

	var audio bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("read tts response: %w", err)
		}

		f, err := decodeFrame(data)
		if err != nil {
			return nil, fmt.Errorf("decode tts message: %w", err)
		}
		body, err := f.body()
		if err != nil {
			return nil, err
		}

		switch f.Type {
		case errorMessage:
			return nil, fmt.Errorf("TTS error %d: %s", f.ErrorCode, string(body))

		case audioOnlyServerResponse:
			audio.Write(body)
			if f.last() {
				return finishAudio(&audio)
			}

		case fullServerResponse:
			var msg volcServerMessage
			if len(body) > 0 {
				if err := json.Unmarshal(body, &msg); err != nil {
					c.log.Debug("unparsable server payload", zap.Error(err))
				}
			}
			if msg.Code != 0 && msg.Code != 3000 {
				return nil, fmt.Errorf("TTS API error %d: %s", msg.Code, msg.Message)
			}
			if msg.Data != "" {
				chunk, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					return nil, fmt.Errorf("decode audio chunk: %w", err)
				}
				audio.Write(chunk)
			}
			finished := f.Flags&withEvent == withEvent && f.Event == eventSessionFinished
			if finished || f.last() || msg.Sequence < 0 {
				return finishAudio(&audio)
			}

		default:
			c.log.Debug("unexpected message type", zap.Uint8("type", uint8(f.Type)))
		}
	}
}

func finishAudio(buf *bytes.Buffer) (*Audio, error) {
	if buf.Len() == 0 {
		return nil, errors.New("TTS audio is empty")
	}
	return &Audio{Data: buf.Bytes(), Format: "mp3"}, nil
}

func (c *VolcengineSynthesizer) buildRequest(text string, req Request) *volcRequest {
	r := &volcRequest{}
	r.User.UID = strings.TrimSpace(req.SessionID)
	if r.User.UID == "" {
		r.User.UID = uuid.NewString()
	}
	r.ReqParams.Speaker = c.voice
	r.ReqParams.Text = text
	r.ReqParams.Language = c.language
	r.ReqParams.Additions = `{"disable_markdown_filter":false}`

	params := &r.ReqParams.AudioParams
	params.Format = "mp3"
	params.SampleRate = 24000
	params.EnableTimestamp = true
	if c.speed > 0 && c.speed != 1.0 {
		params.SpeedRatio = c.speed
	}
	if c.volume > 0 && c.volume != 1.0 {
		params.VolumeRatio = c.volume
	}
	if label, scale, ok := emotionParams(c.voice, req.Emotion); ok {
		params.Emotion = label
		params.EmotionScale = scale
	}
	return r
}
