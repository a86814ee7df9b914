package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/model/message"
)

// Handler processes one envelope. Returned errors are logged by the router.
type Handler func(ctx context.Context, env message.Envelope) error

// Router polls its bridges in turn and fans every envelope out to the handlers registered
// for its kind, one goroutine per handler.
type Router struct {
	log *zap.Logger

	mu       sync.RWMutex
	bridges  []*Bridge
	handlers map[message.Kind][]Handler

	pollTimeout time.Duration
	idle        time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	inflight sync.WaitGroup
}

// RouterOption customises a Router.
type RouterOption func(*Router)

// WithPollTimeout sets how long each bridge is waited on per sweep.
func WithPollTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.pollTimeout = d }
}

// WithIdle sets the pause between full sweeps.
func WithIdle(d time.Duration) RouterOption {
	return func(r *Router) { r.idle = d }
}

// NewRouter creates an empty router.
func NewRouter(log *zap.Logger, opts ...RouterOption) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		log:         log,
		handlers:    make(map[message.Kind][]Handler),
		pollTimeout: 5 * time.Millisecond,
		idle:        10 * time.Millisecond,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a bridge to the polling set.
func (r *Router) Register(b *Bridge) {
	r.mu.Lock()
	r.bridges = append(r.bridges, b)
	r.mu.Unlock()
}

// On registers h for envelopes of the given kind.
func (r *Router) On(kind message.Kind, h Handler) {
	r.mu.Lock()
	r.handlers[kind] = append(r.handlers[kind], h)
	r.mu.Unlock()
}

// Stop ends Run after the current sweep. Safe to call more than once and from handlers.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Run polls until Stop is called or ctx is cancelled, then waits for in-flight handlers.
func (r *Router) Run(ctx context.Context) error {
	defer r.inflight.Wait()

	for {
		select {
		case <-r.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.mu.RLock()
		bridges := append([]*Bridge(nil), r.bridges...)
		r.mu.RUnlock()

		for _, b := range bridges {
			if env, ok := b.Receive(r.pollTimeout); ok {
				r.dispatch(ctx, env)
			}
		}

		select {
		case <-r.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.idle):
		}
	}
}

func (r *Router) dispatch(ctx context.Context, env message.Envelope) {
	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[env.Kind]...)
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.log.Debug("no handler registered", zap.String("kind", string(env.Kind)), zap.String("source", env.Source))
		return
	}

	for _, h := range handlers {
		r.inflight.Add(1)
		go r.invoke(ctx, h, env)
	}
}

func (r *Router) invoke(ctx context.Context, h Handler, env message.Envelope) {
	defer r.inflight.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panicked",
				zap.String("kind", string(env.Kind)),
				zap.String("id", env.ID),
				zap.String("panic", fmt.Sprint(rec)),
				zap.Stack("stack"),
			)
		}
	}()

	if err := h(ctx, env); err != nil {
		r.log.Error("handler failed", zap.String("kind", string(env.Kind)), zap.String("id", env.ID), zap.Error(err))
	}
}
