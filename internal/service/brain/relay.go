package brain

import (
	"context"

	"github.com/zhouzirui/yuexia/internal/bus"
	"github.com/zhouzirui/yuexia/internal/model/message"
)

// relay 把 Brain 不处理的信封原样转发给另一个进程。
func (b *Brain) relay(to *bus.Bridge) bus.Handler {
	return func(ctx context.Context, env message.Envelope) error {
		if to == nil {
			return nil
		}
		b.send(ctx, to, env.Kind, env.Payload)
		return nil
	}
}

func (b *Brain) registerRelays(r *bus.Router) {
	for _, kind := range []message.Kind{
		message.MicStartRecording,
		message.MicStopRecording,
		message.MicModeChange,
		message.MicTestRequest,
	} {
		r.On(kind, b.relay(b.opts.Perception))
	}
	r.On(message.ActionRequest, b.relay(b.opts.Action))
	r.On(message.MicTestResult, b.relay(b.opts.Face))
	r.On(message.ActionResult, b.relay(b.opts.Face))
}
