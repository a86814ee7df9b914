package worker

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/bus"
	"github.com/zhouzirui/yuexia/internal/handler/gateway"
	"github.com/zhouzirui/yuexia/internal/model/message"
)

// RunFace serves the browser gateway on ln. Envelopes from the brain are broadcast in arrival
// order; the loop stays sequential so stream chunks never overtake each other.
func RunFace(ctx context.Context, ln net.Listener, in io.Reader, out io.Writer, log *zap.Logger) error {
	p := bus.Attach("brain", in, out, log)
	defer p.Close()

	hub := gateway.NewHub(func(ctx context.Context, env message.Envelope) {
		p.Send(ctx, env)
	}, log)
	srv := &http.Server{Handler: hub.Routes(), ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	log.Info("gateway listening", zap.String("addr", ln.Addr().String()))

	err := broadcastLoop(ctx, p, hub, serveErr, log)

	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sErr := srv.Shutdown(shutdownCtx); sErr != nil {
		log.Warn("gateway shutdown", zap.Error(sErr))
	}
	return err
}

func broadcastLoop(ctx context.Context, p *bus.Pipe, hub *gateway.Hub, serveErr <-chan error, log *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.Done():
			log.Warn("orchestrator stream closed")
			return nil
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			log.Error("gateway stopped", zap.Error(err))
			return err
		default:
		}

		env, ok := p.Receive(bus.DefaultReceiveTimeout)
		if !ok {
			continue
		}
		if env.Kind == message.Shutdown {
			log.Info("shutdown requested")
			return nil
		}
		hub.Broadcast(env)
	}
}
