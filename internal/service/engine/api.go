package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/config"
)

// APIOptions 描述一个 OpenAI 兼容的推理端点。
type APIOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	Brain   config.BrainConfig
	Network config.NetworkConfig
}

// APIEngine 通过 OpenAI 兼容接口流式生成，在产生任何文本之前对可重试错误进行退避重试。
type APIEngine struct {
	client    openai.Client
	transport *http.Transport
	model     string
	brain     config.BrainConfig
	retries   int
	log       *zap.Logger

	sleep func(ctx context.Context, d time.Duration) bool
}

// NewAPIEngine 构建客户端。SDK 自带的重试被关闭，由引擎自己控制。
func NewAPIEngine(opts APIOptions, log *zap.Logger) (*APIEngine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Model == "" {
		return nil, errors.New("api engine: model is required")
	}

	transport, err := newTransport(opts.Network)
	if err != nil {
		return nil, err
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Transport: transport}),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &APIEngine{
		client:    openai.NewClient(reqOpts...),
		transport: transport,
		model:     opts.Model,
		brain:     opts.Brain,
		retries:   opts.Network.RetryCount,
		log:       log,
		sleep:     sleepContext,
	}, nil
}

func newTransport(cfg config.NetworkConfig) (*http.Transport, error) {
	connect := time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	if connect <= 0 {
		connect = 10 * time.Second
	}
	request := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if request <= 0 {
		request = 120 * time.Second
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: request,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
	}
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid network.proxy_url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return transport, nil
}

// Generate 实现 Engine。
func (e *APIEngine) Generate(ctx context.Context, msgs []*schema.Message, images []string) (<-chan Fragment, error) {
	msgs, err := AttachImages(msgs, images)
	if err != nil {
		return nil, err
	}
	params, err := e.params(msgs)
	if err != nil {
		return nil, err
	}

	out := make(chan Fragment, 16)
	go e.run(ctx, params, out)
	return out, nil
}

func (e *APIEngine) run(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- Fragment) {
	defer close(out)

	for attempt := 0; ; attempt++ {
		emitted, err := e.stream(ctx, params, out)
		if err == nil {
			emit(ctx, out, Fragment{Done: true})
			return
		}
		if ctx.Err() != nil {
			return
		}
		if emitted || !retryable(err) || attempt >= e.retries {
			e.log.Warn("generation failed", zap.Int("attempt", attempt), zap.Bool("partial", emitted), zap.Error(err))
			if emit(ctx, out, Fragment{Text: errorText(err)}) {
				emit(ctx, out, Fragment{Done: true})
			}
			return
		}

		delay := Backoff(attempt)
		e.log.Info("retrying generation", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		if !e.sleep(ctx, delay) {
			return
		}
	}
}

func (e *APIEngine) stream(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- Fragment) (bool, error) {
	stream := e.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	emitted := false
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		text := chunk.Choices[0].Delta.Content
		if text == "" {
			continue
		}
		emitted = true
		if !emit(ctx, out, Fragment{Text: text}) {
			return emitted, ctx.Err()
		}
	}
	if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		return emitted, err
	}
	return emitted, nil
}

func (e *APIEngine) params(msgs []*schema.Message) (openai.ChatCompletionNewParams, error) {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		m, err := convertMessage(msg)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		converted = append(converted, m)
	}

	params := openai.ChatCompletionNewParams{
		Model:    e.model,
		Messages: converted,
	}
	if e.brain.Temperature > 0 {
		params.Temperature = param.NewOpt(e.brain.Temperature)
	}
	if e.brain.TopP > 0 {
		params.TopP = param.NewOpt(e.brain.TopP)
	}
	if e.brain.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(e.brain.MaxTokens))
	}
	if e.brain.FrequencyPenalty != 0 {
		params.FrequencyPenalty = param.NewOpt(e.brain.FrequencyPenalty)
	}
	if e.brain.PresencePenalty != 0 {
		params.PresencePenalty = param.NewOpt(e.brain.PresencePenalty)
	}
	return params, nil
}

func convertMessage(msg *schema.Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch msg.Role {
	case schema.System:
		return openai.ChatCompletionMessageParamUnion{OfSystem: &openai.ChatCompletionSystemMessageParam{
			Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: param.NewOpt(msg.Content)},
		}}, nil
	case schema.Assistant:
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
			Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: param.NewOpt(msg.Content)},
		}}, nil
	case schema.User:
		if len(msg.MultiContent) == 0 {
			return openai.ChatCompletionMessageParamUnion{OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: param.NewOpt(msg.Content)},
			}}, nil
		}
		parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.MultiContent))
		for _, part := range msg.MultiContent {
			switch part.Type {
			case schema.ChatMessagePartTypeText:
				parts = append(parts, openai.TextContentPart(part.Text))
			case schema.ChatMessagePartTypeImageURL:
				if part.ImageURL == nil {
					continue
				}
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: part.ImageURL.URL,
				}))
			}
		}
		return openai.ChatCompletionMessageParamUnion{OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
		}}, nil
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported role %q", msg.Role)
	}
}

// Shutdown 关闭空闲连接。
func (e *APIEngine) Shutdown(context.Context) error {
	e.transport.CloseIdleConnections()
	return nil
}

// retryable 判断错误是否属于连接失败、超时或服务端 5xx。
func retryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func errorText(err error) string {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("[API error: HTTP %d]", apiErr.StatusCode)
	}
	return "[API error: request failed]"
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
