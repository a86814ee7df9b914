package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// retireTimeout 为旧引擎关闭的等待上限。
const retireTimeout = 10 * time.Second

// Holder 持有当前引擎，允许在有进行中的流时原子替换。
// 被替换的引擎在其所有租约释放后才会关闭。
type Holder struct {
	mu      sync.Mutex
	factory Factory
	current *lease
	log     *zap.Logger
	retired sync.WaitGroup
}

type lease struct {
	engine Engine
	active sync.WaitGroup
}

// NewHolder 创建 Holder；引擎在第一次 Acquire 时构建。
func NewHolder(factory Factory, log *zap.Logger) *Holder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Holder{factory: factory, log: log}
}

// Acquire 返回当前引擎与释放函数。流消费完毕后必须调用 release。
func (h *Holder) Acquire(ctx context.Context) (Engine, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil {
		eng, err := h.factory(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("build engine: %w", err)
		}
		h.current = &lease{engine: eng}
	}

	l := h.current
	l.active.Add(1)
	var once sync.Once
	return l.engine, func() { once.Do(l.active.Done) }, nil
}

// Loaded 报告引擎是否已经构建。
func (h *Holder) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current != nil
}

// Swap 用 build（为 nil 时使用原工厂）构建新引擎并替换当前引擎。
// 构建失败时保留旧引擎并返回错误。
func (h *Holder) Swap(ctx context.Context, build Factory) error {
	if build == nil {
		build = h.factory
	}
	eng, err := build(ctx)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	h.mu.Lock()
	old := h.current
	h.current = &lease{engine: eng}
	h.factory = build
	h.mu.Unlock()

	if old != nil {
		h.retired.Add(1)
		go h.retire(old)
	}
	return nil
}

func (h *Holder) retire(old *lease) {
	defer h.retired.Done()
	old.active.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), retireTimeout)
	defer cancel()
	if err := old.engine.Shutdown(ctx); err != nil {
		h.log.Warn("retired engine shutdown failed", zap.Error(err))
	}
}

// Shutdown 等待被替换的引擎关闭，然后关闭当前引擎。
func (h *Holder) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	cur := h.current
	h.current = nil
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.retired.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if cur == nil {
		return nil
	}
	return cur.engine.Shutdown(ctx)
}
