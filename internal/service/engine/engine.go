// Package engine 提供可热替换的流式生成引擎。
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/config"
)

var (
	// ErrInferenceTimeout 表示单轮生成超过等待上限。
	ErrInferenceTimeout = errors.New("inference timeout")
	// ErrUnknownEngine 表示配置了不支持的引擎类型。
	ErrUnknownEngine = errors.New("unknown engine")
)

// Fragment 是一段流式输出；Done 为 true 的片段是最后一个，之后通道关闭。
type Fragment struct {
	Text string
	Done bool
}

// Engine 是生成后端的统一接口。
type Engine interface {
	// Generate 启动一次流式生成。images 为可选的本地路径或 URL，会附加到最后一条用户消息。
	Generate(ctx context.Context, msgs []*schema.Message, images []string) (<-chan Fragment, error)
	// Shutdown 释放后端持有的资源。
	Shutdown(ctx context.Context) error
}

// Factory 根据当前配置构建引擎。
type Factory func(ctx context.Context) (Engine, error)

// New 按 brain.engine 选择实现。
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var (
		eng Engine
		err error
	)
	switch cfg.Brain.Engine {
	case "api":
		eng, err = NewAPIEngine(APIOptions{
			BaseURL: cfg.Brain.APIURL,
			APIKey:  cfg.Brain.APIKey,
			Model:   cfg.Brain.APIModel,
			Brain:   cfg.Brain,
			Network: cfg.Network,
		}, log.Named("api"))
	case "ark":
		eng, err = NewArkEngine(ctx, cfg.Brain, log.Named("ark"))
	case "local":
		eng, err = StartLocalEngine(ctx, cfg.Brain, cfg.Network, log.Named("local"))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Brain.Engine)
	}
	if err != nil {
		return nil, err
	}
	return eng, nil
}

// Collect 消费片段直到结束，超过 timeout 时返回 ErrInferenceTimeout 与已收到的文本。
// onText 可为 nil，每个非空片段到达时调用一次。
func Collect(ctx context.Context, frags <-chan Fragment, timeout time.Duration, onText func(string)) (string, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var sb strings.Builder
	for {
		select {
		case frag, ok := <-frags:
			if !ok || frag.Done {
				return sb.String(), nil
			}
			if frag.Text == "" {
				continue
			}
			sb.WriteString(frag.Text)
			if onText != nil {
				onText(frag.Text)
			}
		case <-timer:
			return sb.String(), ErrInferenceTimeout
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		}
	}
}

// Backoff 返回第 attempt 次重试前的等待时间：min(2^attempt, 8) 秒。
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 3 {
		return 8 * time.Second
	}
	return time.Duration(1<<attempt) * time.Second
}

// emit 在 ctx 未取消时发送片段。
func emit(ctx context.Context, out chan<- Fragment, frag Fragment) bool {
	select {
	case out <- frag:
		return true
	case <-ctx.Done():
		return false
	}
}
