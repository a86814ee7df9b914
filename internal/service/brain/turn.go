package brain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/analysis/emotion"
	"github.com/zhouzirui/yuexia/internal/model/chat"
	"github.com/zhouzirui/yuexia/internal/model/message"
	"github.com/zhouzirui/yuexia/internal/service/engine"
	"github.com/zhouzirui/yuexia/internal/service/prompt"
)

const defaultScreenshotPrompt = "Please describe what you see on the screen."

// TurnResult 是一轮对话完成后的结果。
type TurnResult struct {
	Input     string `json:"-"`
	Text      string `json:"text"`
	Emotion   string `json:"emotion"`
	MsgIndex  int    `json:"msg_index"`
	SessionID string `json:"session_id"`
}

// Truncate 在历史超过 limit 时保留最新的 limit*3/4 条（向下取偶数，保证以用户消息开头）。
func Truncate(history []chat.Turn, limit int) []chat.Turn {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	keep := limit * 3 / 4
	keep -= keep % 2
	if keep < 2 {
		keep = 2
	}
	return append([]chat.Turn(nil), history[len(history)-keep:]...)
}

func (b *Brain) onUserText(ctx context.Context, env message.Envelope) error {
	text := strings.TrimSpace(env.String("text", ""))
	if text == "" {
		return nil
	}
	b.log.Info("user input", zap.String("text", text))
	b.notifyInput()
	return b.replyOnBus(ctx, text)
}

func (b *Brain) onASRResult(ctx context.Context, env message.Envelope) error {
	text := strings.TrimSpace(env.String("text", ""))
	if text == "" {
		return nil
	}
	b.log.Info("speech recognised", zap.String("text", text))
	b.notifyInput()
	b.send(ctx, b.opts.Face, message.ASRTextDisplay, map[string]any{"text": text})
	return b.replyOnBus(ctx, text)
}

func (b *Brain) replyOnBus(ctx context.Context, text string) error {
	b.turnMu.Lock()
	defer b.turnMu.Unlock()

	res, err := b.turnLocked(ctx, text, func(chunk string) {
		b.send(ctx, b.opts.Face, message.LLMStreamChunk, map[string]any{"text": chunk})
	})
	if err != nil {
		b.send(ctx, b.opts.Face, message.LLMStreamEnd, map[string]any{
			"text":  res.Text,
			"error": err.Error(),
		})
		return fmt.Errorf("turn: %w", err)
	}
	b.finish(ctx, res, true)
	return nil
}

// turnLocked 执行一轮完整对话。调用方必须持有 turnMu。
// 出错时返回的 TurnResult 只包含已经生成的部分文本，历史不变。
func (b *Brain) turnLocked(ctx context.Context, input string, sink func(string)) (TurnResult, error) {
	b.inferring.Store(true)
	defer b.inferring.Store(false)

	snap := b.snapshot()
	memories := b.retrieve(snap, input)
	msgs := snap.prompt.Build(input, snap.history, memories)

	var images []string
	if snap.screenshot != "" {
		images = []string{snap.screenshot}
	}

	reply, err := b.generate(ctx, msgs, images, snap.cfg.Brain.TurnTimeout(), sink)
	if err != nil {
		return TurnResult{Input: input, Text: reply}, err
	}

	clean, label, tagged := emotion.ParseTag(reply)
	if !tagged && snap.cfg.Brain.InferEmotion {
		label = emotion.Analyze(input, clean).Emotion
	}

	b.mu.Lock()
	b.history = append(b.history, chat.UserTurn(input), chat.AssistantTurn(clean))
	b.history = Truncate(b.history, snap.cfg.Brain.HistoryCap)
	idx := len(b.history) - 1
	if err := b.opts.Sessions.Save(chat.CloneTurns(b.history)); err != nil {
		b.log.Warn("failed to save session", zap.Error(err))
	}
	sid := b.opts.Sessions.CurrentID()
	b.mu.Unlock()

	return TurnResult{Input: input, Text: clean, Emotion: string(label), MsgIndex: idx, SessionID: sid}, nil
}

func (b *Brain) retrieve(snap snapshot, input string) []string {
	if snap.memory == nil {
		return nil
	}
	memories, err := snap.memory.Query(input, snap.cfg.Memory.Results)
	if err != nil {
		b.log.Warn("memory query failed", zap.Error(err))
		return nil
	}
	return memories
}

// generate 从当前引擎取得一次流式输出，超时或取消时中止生成。
func (b *Brain) generate(ctx context.Context, msgs []*schema.Message, images []string, timeout time.Duration, sink func(string)) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eng, release, err := b.opts.Engines.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	frags, err := eng.Generate(ctx, msgs, images)
	if err != nil {
		return "", fmt.Errorf("start generation: %w", err)
	}
	return engine.Collect(ctx, frags, timeout, sink)
}

// finish 分发一轮结果：流结束、语音合成请求、表情更新，并写入长期记忆。
func (b *Brain) finish(ctx context.Context, res TurnResult, streamEnd bool) {
	if streamEnd {
		b.send(ctx, b.opts.Face, message.LLMStreamEnd, map[string]any{
			"text":      res.Text,
			"msg_index": res.MsgIndex,
		})
	}
	b.send(ctx, b.opts.Perception, message.TTSRequest, map[string]any{
		"text":       res.Text,
		"emotion":    res.Emotion,
		"msg_index":  res.MsgIndex,
		"session_id": res.SessionID,
	})
	b.send(ctx, b.opts.Face, message.ExpressionUpdate, map[string]any{"emotion": res.Emotion})

	snap := b.snapshot()
	if snap.memory != nil {
		if err := snap.memory.Add(snap.prompt.MemoryEntry(res.Input, res.Text)); err != nil {
			b.log.Warn("failed to add memory", zap.Error(err))
		}
	}
}

func (b *Brain) onScreenshot(ctx context.Context, env message.Envelope) error {
	path := env.String("path", "")
	text := env.String("text", defaultScreenshotPrompt)
	if path == "" {
		return nil
	}

	b.mu.Lock()
	b.screenshot = path
	b.mu.Unlock()

	b.turnMu.Lock()
	defer b.turnMu.Unlock()
	b.inferring.Store(true)
	defer b.inferring.Store(false)

	snap := b.snapshot()
	msgs := snap.prompt.Build(text, snap.history, nil)
	reply, err := b.generate(ctx, msgs, []string{path}, snap.cfg.Brain.TurnTimeout(), func(chunk string) {
		b.send(ctx, b.opts.Face, message.LLMStreamChunk, map[string]any{"text": chunk})
	})
	clean, label, _ := emotion.ParseTag(reply)
	end := map[string]any{"text": clean}
	if err != nil {
		end["error"] = err.Error()
	}
	b.send(ctx, b.opts.Face, message.LLMStreamEnd, end)
	if err == nil {
		b.send(ctx, b.opts.Face, message.ExpressionUpdate, map[string]any{"emotion": string(label)})
	}
	return err
}

func (b *Brain) onScreenshotMemory(ctx context.Context, env message.Envelope) error {
	path := env.String("path", "")
	if path == "" {
		return nil
	}
	b.log.Info("visual memory", zap.String("path", path))

	b.mu.Lock()
	b.screenshot = path
	mem := b.memory
	b.mu.Unlock()

	if mem != nil {
		if err := mem.Add("[visual memory] screenshot: " + path); err != nil {
			b.log.Warn("failed to add visual memory", zap.Error(err))
		}
	}
	b.send(ctx, b.opts.Face, message.ScreenshotMemory, map[string]any{"path": path})
	return nil
}

// onTTSDone 把音频挂到对应的助手消息上。会话已切走时写入该会话的文件；
// 找不到对应消息时删除音频，避免留下无人引用的文件。
func (b *Brain) onTTSDone(ctx context.Context, env message.Envelope) error {
	idx := env.Int("msg_index", -1)
	path := env.String("path", "")
	sid := env.String("session_id", "")

	b.mu.Lock()
	current := b.opts.Sessions.CurrentID()
	attached := false
	if (sid == "" || sid == current) && idx >= 0 && idx < len(b.history) &&
		b.history[idx].Role == chat.RoleAssistant {
		b.history[idx].TTSPath = path
		if err := b.opts.Sessions.Save(chat.CloneTurns(b.history)); err != nil {
			b.log.Warn("failed to save session", zap.Error(err))
		}
		attached = true
	}
	b.mu.Unlock()

	if attached {
		b.send(ctx, b.opts.Face, message.TTSDone, env.Payload)
		return nil
	}
	if sid != "" && sid != current {
		err := b.opts.Sessions.SetTTSPath(sid, idx, path)
		if err == nil {
			b.log.Debug("audio attached to background session", zap.String("session_id", sid), zap.Int("msg_index", idx))
			return nil
		}
		b.log.Debug("background session cannot take audio", zap.String("session_id", sid), zap.Error(err))
	}

	b.log.Debug("tts_done for a turn no longer stored, removing audio", zap.Int("msg_index", idx), zap.String("session_id", sid))
	if path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.log.Warn("failed to remove orphaned audio", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

// Proactive 通过当前引擎生成一条主动消息。生成期间占用对话锁，已有对话时返回 ErrBusy。
func (b *Brain) Proactive(ctx context.Context) (string, error) {
	if !b.turnMu.TryLock() {
		return "", ErrBusy
	}
	defer b.turnMu.Unlock()
	return b.generate(ctx, prompt.Proactive(), nil, 0, nil)
}

// PushProactive 把主动消息推送给前端并等待入队。对话进行中返回 ErrBusy，
// 主动消息不会插进流式回复中间。
func (b *Brain) PushProactive(ctx context.Context, text string) error {
	if !b.turnMu.TryLock() {
		return ErrBusy
	}
	defer b.turnMu.Unlock()
	return <-b.opts.Face.Send(ctx, message.New(message.ProactiveMessage, source, b.opts.Face.Name(), map[string]any{"text": text}))
}
