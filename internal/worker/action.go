package worker

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/bus"
	"github.com/zhouzirui/yuexia/internal/model/message"
	"github.com/zhouzirui/yuexia/internal/service/browser"
)

const actionName = "action"

// Opener opens a page and captures it.
type Opener interface {
	Open(ctx context.Context, url string) (*browser.Result, error)
	Close() error
}

type action struct {
	opener Opener
	pipe   *bus.Pipe
	log    *zap.Logger
}

// RunAction serves action_request. A successful browse answers with a screenshot for the
// brain; failures answer with action_result.
func RunAction(ctx context.Context, opener Opener, in io.Reader, out io.Writer, log *zap.Logger) error {
	p := bus.Attach("brain", in, out, log)
	defer p.Close()
	defer func() {
		if err := opener.Close(); err != nil {
			log.Warn("close browser", zap.Error(err))
		}
	}()

	w := &action{opener: opener, pipe: p, log: log}
	log.Info("action worker started")
	return serve(ctx, p, log, func(r *bus.Router) {
		r.On(message.ActionRequest, w.onActionRequest)
	})
}

func (w *action) onActionRequest(ctx context.Context, env message.Envelope) error {
	kind := env.String("action", "")
	switch kind {
	case "browse":
		res, err := w.opener.Open(ctx, env.String("url", ""))
		if err != nil {
			w.log.Warn("browse failed", zap.String("url", env.String("url", "")), zap.Error(err))
			return w.fail(ctx, kind, err.Error())
		}
		return reply(ctx, w.pipe, actionName, message.Screenshot, map[string]any{
			"path": res.Path,
			"text": "Browser opened: " + res.Title,
		})
	default:
		return w.fail(ctx, kind, "unknown action")
	}
}

func (w *action) fail(ctx context.Context, kind, reason string) error {
	return reply(ctx, w.pipe, actionName, message.ActionResult, map[string]any{
		"ok":     false,
		"action": kind,
		"error":  reason,
	})
}
