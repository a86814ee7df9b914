// Package worker contains the entry points of the child processes started by the supervisor.
// Each worker speaks framed envelopes on stdin/stdout and exits on shutdown or when the
// orchestrator goes away.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/bus"
	"github.com/zhouzirui/yuexia/internal/config"
	"github.com/zhouzirui/yuexia/internal/model/message"
	"github.com/zhouzirui/yuexia/internal/service/browser"
	"github.com/zhouzirui/yuexia/internal/service/speech"
)

// ErrUnknownWorker is returned by Run for names other than face, perception and action.
var ErrUnknownWorker = errors.New("unknown worker")

// Names lists the workers in launch order.
var Names = []string{"face", "perception", "action"}

// Run starts the named worker with its production dependencies.
func Run(ctx context.Context, name string, cfg *config.Config, in io.Reader, out io.Writer, log *zap.Logger) error {
	log = log.Named(name)
	switch name {
	case "face":
		ln, err := net.Listen("tcp", cfg.Server.GatewayAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.GatewayAddr, err)
		}
		return RunFace(ctx, ln, in, out, log)
	case "perception":
		synth, err := speech.New(cfg.Perception.TTS, log)
		if err != nil {
			log.Error("tts unavailable", zap.Error(err))
			synth = nil
		}
		return RunPerception(ctx, cfg.Perception.TTS, synth, in, out, log)
	case "action":
		return RunAction(ctx, browser.New(cfg.Action.Browser, log), in, out, log)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownWorker, name)
	}
}

// serve dispatches inbound envelopes until shutdown arrives or the parent stream ends.
func serve(ctx context.Context, p *bus.Pipe, log *zap.Logger, register func(r *bus.Router)) error {
	router := bus.NewRouter(log)
	router.Register(p.Bridge)
	register(router)
	router.On(message.Shutdown, func(context.Context, message.Envelope) error {
		log.Info("shutdown requested")
		router.Stop()
		return nil
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.Done():
			log.Warn("orchestrator stream closed")
			router.Stop()
		case <-ctx.Done():
		}
	}()

	err := router.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func reply(ctx context.Context, p *bus.Pipe, source string, kind message.Kind, payload map[string]any) error {
	return <-p.Send(ctx, message.New(kind, source, "brain", payload))
}
