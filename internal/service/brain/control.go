package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/config"
	"github.com/zhouzirui/yuexia/internal/model/message"
	"github.com/zhouzirui/yuexia/internal/service/engine"
)

// StreamItem 是 ChatStream 的一项输出：增量文本、最终结果或错误三者之一。
type StreamItem struct {
	Delta  string
	Result *TurnResult
	Err    error
}

// ChatStream 在调用方的 goroutine 之外执行一轮对话，并把增量输出写入返回的通道。
// 已有对话在进行时返回 ErrBusy；ctx 取消会中止生成。
func (b *Brain) ChatStream(ctx context.Context, text string) (<-chan StreamItem, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	if !b.turnMu.TryLock() {
		return nil, ErrBusy
	}

	out := make(chan StreamItem, 16)
	go func() {
		defer close(out)
		defer b.turnMu.Unlock()

		push := func(item StreamItem) bool {
			select {
			case out <- item:
				return true
			case <-ctx.Done():
				return false
			}
		}

		b.notifyInput()
		res, err := b.turnLocked(ctx, text, func(chunk string) { push(StreamItem{Delta: chunk}) })
		if err != nil {
			b.log.Warn("chat stream failed", zap.Error(err))
			push(StreamItem{Err: err})
			return
		}
		b.finish(context.WithoutCancel(ctx), res, false)
		push(StreamItem{Result: &res})
	}()
	return out, nil
}

// Reload 重新读取配置并重建引擎、prompt 与记忆，然后重启感知与动作进程。
// 引擎构建失败时保留旧引擎并返回错误。
func (b *Brain) Reload(ctx context.Context) error {
	if b.opts.LoadConfig == nil {
		return errors.New("reload not supported")
	}
	b.reloadMu.Lock()
	defer b.reloadMu.Unlock()

	cfg, err := b.opts.LoadConfig()
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	build := b.opts.BuildEngine
	if err := b.opts.Engines.Swap(ctx, func(ctx context.Context) (engine.Engine, error) {
		return build(ctx, cfg)
	}); err != nil {
		return fmt.Errorf("rebuild engine: %w", err)
	}

	builder := b.buildPrompt(cfg)
	mem := b.reopenMemory(cfg)

	b.mu.Lock()
	b.cfg = cfg
	b.prompt = builder
	b.memory = mem
	b.mu.Unlock()

	if b.opts.Restarter != nil {
		if err := b.opts.Restarter.Restart(ctx, "perception", "action"); err != nil {
			b.log.Warn("restart services failed", zap.Error(err))
		}
	}
	if b.opts.OnReload != nil {
		b.opts.OnReload(ctx, cfg)
	}
	b.log.Info("configuration reloaded", zap.String("engine", cfg.Brain.Engine))
	return nil
}

// reopenMemory 在记忆配置变化时关闭旧库并按新配置打开。调用方持有 reloadMu。
// 旧库先从 Brain 上摘下再关闭，对话不会拿到已关闭的库。
func (b *Brain) reopenMemory(cfg *config.Config) Memory {
	b.mu.Lock()
	old, oldCfg := b.memory, b.cfg.Memory
	if oldCfg == cfg.Memory {
		b.mu.Unlock()
		return old
	}
	b.memory = nil
	b.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			b.log.Warn("close memory failed", zap.Error(err))
		}
	}
	if !cfg.Memory.Enabled || b.opts.OpenMemory == nil {
		return nil
	}
	mem, err := b.opts.OpenMemory(cfg.Memory)
	if err != nil {
		b.log.Warn("open memory failed, continuing without it", zap.Error(err))
		return nil
	}
	return mem
}

func (b *Brain) onConfigReload(ctx context.Context, _ message.Envelope) error {
	return b.Reload(ctx)
}

func (b *Brain) onShutdown(ctx context.Context, _ message.Envelope) error {
	b.log.Info("shutdown requested")
	err := b.Close(context.WithoutCancel(ctx))
	if b.router != nil {
		b.router.Stop()
	}
	return err
}

// Status 描述编排器当前状态。
type Status struct {
	Inferring     bool   `json:"inferring"`
	SessionID     string `json:"session_id"`
	HistoryLength int    `json:"history_length"`
	Engine        string `json:"engine"`
	EngineLoaded  bool   `json:"engine_loaded"`
	MemoryEnabled bool   `json:"memory_enabled"`
	Screenshot    string `json:"latest_screenshot,omitempty"`
}

// Config 返回当前生效的配置。重新加载会替换整个对象，调用方不得修改它。
func (b *Brain) Config() *config.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Status 返回当前状态快照。
func (b *Brain) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Inferring:     b.inferring.Load(),
		SessionID:     b.opts.Sessions.CurrentID(),
		HistoryLength: len(b.history),
		Engine:        b.cfg.Brain.Engine,
		EngineLoaded:  b.opts.Engines.Loaded(),
		MemoryEnabled: b.memory != nil,
		Screenshot:    b.screenshot,
	}
}
