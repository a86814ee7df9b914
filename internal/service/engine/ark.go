package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/config"
)

// ArkEngine 使用火山方舟模型流式生成。
type ArkEngine struct {
	model model.BaseChatModel
	log   *zap.Logger
}

// NewArkEngine 根据 brain.ark 配置创建方舟模型。
func NewArkEngine(ctx context.Context, brain config.BrainConfig, log *zap.Logger) (*ArkEngine, error) {
	m, err := brain.Ark.NewChatModel(ctx, brain)
	if err != nil {
		return nil, fmt.Errorf("create ark chat model: %w", err)
	}
	return NewModelEngine(m, log), nil
}

// NewModelEngine 包装任意 eino 模型。
func NewModelEngine(m model.BaseChatModel, log *zap.Logger) *ArkEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &ArkEngine{model: m, log: log}
}

// Generate 实现 Engine。
func (e *ArkEngine) Generate(ctx context.Context, msgs []*schema.Message, images []string) (<-chan Fragment, error) {
	msgs, err := AttachImages(msgs, images)
	if err != nil {
		return nil, err
	}

	out := make(chan Fragment, 16)
	go func() {
		defer close(out)

		stream, err := e.model.Stream(ctx, msgs)
		if err != nil {
			e.log.Warn("ark stream failed", zap.Error(err))
			if emit(ctx, out, Fragment{Text: "[API error: request failed]"}) {
				emit(ctx, out, Fragment{Done: true})
			}
			return
		}
		defer stream.Close()

		for {
			chunk, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				emit(ctx, out, Fragment{Done: true})
				return
			}
			if recvErr != nil {
				if ctx.Err() != nil {
					return
				}
				e.log.Warn("ark stream interrupted", zap.Error(recvErr))
				if emit(ctx, out, Fragment{Text: "[API error: request failed]"}) {
					emit(ctx, out, Fragment{Done: true})
				}
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}
			if !emit(ctx, out, Fragment{Text: chunk.Content}) {
				return
			}
		}
	}()
	return out, nil
}

// Shutdown 实现 Engine；方舟客户端没有需要释放的资源。
func (e *ArkEngine) Shutdown(context.Context) error { return nil }
