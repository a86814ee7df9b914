package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/bus"
	"github.com/zhouzirui/yuexia/internal/config"
	"github.com/zhouzirui/yuexia/internal/model/message"
	"github.com/zhouzirui/yuexia/internal/service/speech"
)

const perceptionName = "perception"

type perception struct {
	cfg   config.TTSConfig
	synth speech.Synthesizer
	pipe  *bus.Pipe
	log   *zap.Logger
}

// RunPerception serves tts_request with synth. A nil synth leaves speech disabled; failures
// are logged and produce no tts_done.
func RunPerception(ctx context.Context, cfg config.TTSConfig, synth speech.Synthesizer, in io.Reader, out io.Writer, log *zap.Logger) error {
	p := bus.Attach("brain", in, out, log)
	defer p.Close()

	w := &perception{cfg: cfg, synth: synth, pipe: p, log: log}
	log.Info("perception worker started", zap.Bool("tts", cfg.Enabled && synth != nil), zap.String("provider", cfg.Provider))
	return serve(ctx, p, log, func(r *bus.Router) {
		r.On(message.TTSRequest, w.onTTSRequest)
		r.On(message.MicTestRequest, w.onMicTest)
		r.On(message.MicStartRecording, w.onMicControl)
		r.On(message.MicStopRecording, w.onMicControl)
		r.On(message.MicModeChange, w.onMicControl)
	})
}

func (w *perception) onTTSRequest(ctx context.Context, env message.Envelope) error {
	if !w.cfg.Enabled || w.synth == nil {
		return nil
	}
	text := strings.TrimSpace(env.String("text", ""))
	if text == "" {
		return nil
	}

	audio, err := w.synth.Synthesize(ctx, speech.Request{
		Text:      text,
		Emotion:   env.String("emotion", "neutral"),
		SessionID: env.String("session_id", ""),
	})
	if errors.Is(err, speech.ErrEmptyText) {
		w.log.Debug("nothing to speak after cleanup")
		return nil
	}
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}

	path, err := speech.Save(w.cfg.OutputDir, audio)
	if err != nil {
		return err
	}
	w.log.Info("speech ready", zap.String("path", path), zap.Int("msg_index", env.Int("msg_index", -1)))

	return reply(ctx, w.pipe, perceptionName, message.TTSDone, map[string]any{
		"path":       path,
		"msg_index":  env.Int("msg_index", -1),
		"session_id": env.String("session_id", ""),
	})
}

func (w *perception) onMicTest(ctx context.Context, _ message.Envelope) error {
	return reply(ctx, w.pipe, perceptionName, message.MicTestResult, map[string]any{
		"ok":    false,
		"error": "microphone capture is not available",
	})
}

func (w *perception) onMicControl(_ context.Context, env message.Envelope) error {
	w.log.Info("microphone control ignored", zap.String("kind", string(env.Kind)))
	return nil
}
