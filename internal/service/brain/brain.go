// Package brain 实现对话编排：接收用户输入，检索记忆，驱动生成引擎并分发结果。
package brain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/bus"
	"github.com/zhouzirui/yuexia/internal/config"
	"github.com/zhouzirui/yuexia/internal/model/chat"
	"github.com/zhouzirui/yuexia/internal/model/message"
	"github.com/zhouzirui/yuexia/internal/model/persona"
	chatservice "github.com/zhouzirui/yuexia/internal/service/chat"
	"github.com/zhouzirui/yuexia/internal/service/engine"
	"github.com/zhouzirui/yuexia/internal/service/prompt"
)

const source = "brain"

var (
	// ErrBusy 表示已有一轮对话正在生成。
	ErrBusy = errors.New("a turn is already in progress")
	// ErrEmptyInput 表示输入为空。
	ErrEmptyInput = errors.New("empty input")
	// ErrUnknownSession 表示会话不存在。
	ErrUnknownSession = errors.New("unknown session")
)

// Memory 是长期记忆的最小接口。
type Memory interface {
	Add(text string) error
	Query(text string, n int) ([]string, error)
	Close() error
}

// Restarter 重启指定的子进程。
type Restarter interface {
	Restart(ctx context.Context, names ...string) error
}

// Options 汇总 Brain 的依赖。
type Options struct {
	Config   *config.Config
	Sessions *chatservice.Store
	Engines  *engine.Holder

	Face       *bus.Bridge
	Perception *bus.Bridge
	Action     *bus.Bridge

	// Memory 可为 nil，表示未启用长期记忆。
	Memory Memory
	// OpenMemory 在重新加载配置且记忆配置变化时调用。
	OpenMemory func(cfg config.MemoryConfig) (Memory, error)
	// LoadConfig 重新读取配置文件。
	LoadConfig func() (*config.Config, error)
	// BuildEngine 按配置构建引擎，默认 engine.New。
	BuildEngine func(ctx context.Context, cfg *config.Config) (engine.Engine, error)
	Restarter   Restarter
	// OnReload 在配置成功重新加载后调用。
	OnReload func(ctx context.Context, cfg *config.Config)
	// OnUserInput 在收到用户输入时调用。
	OnUserInput func()

	Log *zap.Logger
}

// Brain 是编排器。一次只处理一轮对话，会话操作与对话互斥。
type Brain struct {
	opts   Options
	log    *zap.Logger
	router *bus.Router
	now    func() time.Time

	// turnMu 串行化对话轮次与会话切换。
	turnMu    sync.Mutex
	inferring atomic.Bool

	// reloadMu 串行化配置重载。
	reloadMu sync.Mutex

	mu         sync.Mutex
	cfg        *config.Config
	prompt     *prompt.Builder
	memory     Memory
	history    []chat.Turn
	screenshot string

	closeOnce sync.Once
}

// New 创建 Brain。
func New(opts Options) (*Brain, error) {
	if opts.Config == nil || opts.Sessions == nil || opts.Engines == nil || opts.Face == nil {
		return nil, errors.New("brain: config, sessions, engines and face bridge are required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.BuildEngine == nil {
		log := opts.Log
		opts.BuildEngine = func(ctx context.Context, cfg *config.Config) (engine.Engine, error) {
			return engine.New(ctx, cfg, log.Named("engine"))
		}
	}

	b := &Brain{
		opts:   opts,
		log:    opts.Log,
		now:    time.Now,
		cfg:    opts.Config,
		memory: opts.Memory,
	}
	b.prompt = b.buildPrompt(opts.Config)
	return b, nil
}

func (b *Brain) buildPrompt(cfg *config.Config) *prompt.Builder {
	p, err := persona.Load(cfg.Brain.SystemPromptPath, cfg.AIName)
	if err != nil {
		b.log.Warn("failed to load system prompt, using default", zap.Error(err))
		p = persona.Default(cfg.AIName)
	}
	if p.Source != "" {
		b.log.Info("system prompt loaded", zap.String("path", p.Source))
	}
	return prompt.NewBuilder(p, cfg.Brain.MaxHistoryMessages)
}

// Register 在路由器上注册全部处理函数。
func (b *Brain) Register(r *bus.Router) {
	b.router = r
	r.On(message.UserTextInput, b.onUserText)
	r.On(message.ASRResult, b.onASRResult)
	r.On(message.Screenshot, b.onScreenshot)
	r.On(message.ScreenshotMemory, b.onScreenshotMemory)
	r.On(message.TTSDone, b.onTTSDone)
	r.On(message.ConfigReload, b.onConfigReload)
	r.On(message.SessionCreate, b.onSessionCreate)
	r.On(message.SessionSwitch, b.onSessionSwitch)
	r.On(message.SessionListRequest, b.onSessionListRequest)
	r.On(message.SessionRename, b.onSessionRename)
	r.On(message.SessionDelete, b.onSessionDelete)
	r.On(message.Shutdown, b.onShutdown)
	b.registerRelays(r)
}

// Boot 载入最近的会话（没有则新建），并把会话列表与内容发给前端。
func (b *Brain) Boot(ctx context.Context) error {
	b.turnMu.Lock()
	defer b.turnMu.Unlock()

	var history []chat.Turn
	if latest, ok := b.opts.Sessions.Latest(); ok {
		history = b.opts.Sessions.Load(latest.ID)
	}
	if b.opts.Sessions.CurrentID() == "" {
		if _, err := b.opts.Sessions.Create(); err != nil {
			return fmt.Errorf("create initial session: %w", err)
		}
		history = nil
	}

	b.mu.Lock()
	b.history = history
	b.screenshot = ""
	b.mu.Unlock()

	b.log.Info("brain ready", zap.String("session_id", b.opts.Sessions.CurrentID()), zap.Int("history", len(history)))
	b.sendSessionList(ctx)
	b.sendSessionLoaded(ctx)
	return nil
}

// Inferring 报告是否正在生成。
func (b *Brain) Inferring() bool {
	return b.inferring.Load()
}

// History 返回当前历史的副本。
func (b *Brain) History() []chat.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return chat.CloneTurns(b.history)
}

type snapshot struct {
	cfg        *config.Config
	prompt     *prompt.Builder
	memory     Memory
	history    []chat.Turn
	screenshot string
}

func (b *Brain) snapshot() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshot{
		cfg:        b.cfg,
		prompt:     b.prompt,
		memory:     b.memory,
		history:    chat.CloneTurns(b.history),
		screenshot: b.screenshot,
	}
}

func (b *Brain) send(ctx context.Context, to *bus.Bridge, kind message.Kind, payload map[string]any) {
	if to == nil {
		return
	}
	to.Send(ctx, message.New(kind, source, to.Name(), payload))
}

func (b *Brain) sendSessionList(ctx context.Context) {
	b.send(ctx, b.opts.Face, message.SessionList, map[string]any{
		"sessions":   b.opts.Sessions.List(),
		"current_id": b.opts.Sessions.CurrentID(),
	})
}

func (b *Brain) sendSessionLoaded(ctx context.Context) {
	b.mu.Lock()
	history := chat.CloneTurns(b.history)
	b.mu.Unlock()
	if history == nil {
		history = []chat.Turn{}
	}
	b.send(ctx, b.opts.Face, message.SessionLoaded, map[string]any{
		"session_id": b.opts.Sessions.CurrentID(),
		"messages":   history,
	})
}

func (b *Brain) notifyInput() {
	if b.opts.OnUserInput != nil {
		b.opts.OnUserInput()
	}
}

// Close 写入日记并释放引擎与记忆。只执行一次。
func (b *Brain) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.turnMu.Lock()
		defer b.turnMu.Unlock()
		b.reloadMu.Lock()
		defer b.reloadMu.Unlock()

		snap := b.snapshot()
		if snap.cfg.Diary.Enabled && len(snap.history) > 0 {
			if path, derr := b.writeDiary(ctx, snap); derr != nil {
				b.log.Warn("diary not written", zap.Error(derr))
			} else {
				b.log.Info("diary saved", zap.String("path", path))
			}
		}

		if serr := b.opts.Engines.Shutdown(ctx); serr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown engine: %w", serr))
		}
		if snap.memory != nil {
			if merr := snap.memory.Close(); merr != nil {
				err = errors.Join(err, fmt.Errorf("close memory: %w", merr))
			}
		}
	})
	return err
}
