// Package bus carries envelopes between the orchestrator and its workers.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/model/message"
)

// DefaultQueueSize bounds every queue created by NewQueue when size <= 0.
const DefaultQueueSize = 256

// DefaultReceiveTimeout is the wait used by callers that have no better value.
const DefaultReceiveTimeout = 50 * time.Millisecond

// NewQueue creates a bounded FIFO of envelopes.
func NewQueue(size int) chan message.Envelope {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return make(chan message.Envelope, size)
}

// Bridge exposes one inbound and one outbound queue as non-blocking operations.
type Bridge struct {
	name string
	in   <-chan message.Envelope
	out  chan<- message.Envelope
	log  *zap.Logger

	mu   sync.Mutex
	tail chan struct{}

	closedLogged atomic.Bool
}

// NewBridge wraps the queue pair. Queues handed to a bridge must never be closed by writers
// other than the transport that owns them.
func NewBridge(name string, in <-chan message.Envelope, out chan<- message.Envelope, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{name: name, in: in, out: out, log: log.With(zap.String("bridge", name))}
}

// Name identifies the peer on the other side of the bridge.
func (b *Bridge) Name() string { return b.name }

// Send enqueues env on a separate goroutine and returns immediately. The returned channel
// yields the enqueue result once; callers that want back-pressure wait on it. Sends issued
// through the same bridge are enqueued in call order.
func (b *Bridge) Send(ctx context.Context, env message.Envelope) <-chan error {
	result := make(chan error, 1)
	done := make(chan struct{})

	b.mu.Lock()
	prev := b.tail
	b.tail = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		select {
		case b.out <- env:
			result <- nil
		case <-ctx.Done():
			b.log.Warn("send abandoned", zap.String("kind", string(env.Kind)), zap.Error(ctx.Err()))
			result <- ctx.Err()
		}
	}()
	return result
}

// Receive waits up to timeout for the next inbound envelope. A timeout and a closed inbound
// queue both report ok=false.
func (b *Bridge) Receive(timeout time.Duration) (message.Envelope, bool) {
	if timeout <= 0 {
		select {
		case env, ok := <-b.in:
			return b.received(env, ok)
		default:
			return message.Envelope{}, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env, ok := <-b.in:
		return b.received(env, ok)
	case <-timer.C:
		return message.Envelope{}, false
	}
}

func (b *Bridge) received(env message.Envelope, ok bool) (message.Envelope, bool) {
	if !ok {
		if b.closedLogged.CompareAndSwap(false, true) {
			b.log.Warn("inbound queue closed")
		}
		return message.Envelope{}, false
	}
	return env, true
}

// Drain discards everything currently buffered on the inbound queue and reports how many
// envelopes were dropped.
func Drain(q <-chan message.Envelope) int {
	n := 0
	for {
		select {
		case _, ok := <-q:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// DropKind removes every buffered envelope of the given kind from q and requeues the rest in
// their original order. It must only be called while nothing consumes q. Envelopes that no
// longer fit because producers refilled q meanwhile are lost.
func DropKind(q chan message.Envelope, kind message.Kind) int {
	var kept []message.Envelope
	dropped := 0
	for n := len(q); n > 0; n-- {
		env := <-q
		if env.Kind == kind {
			dropped++
			continue
		}
		kept = append(kept, env)
	}
	for _, env := range kept {
		select {
		case q <- env:
		default:
		}
	}
	return dropped
}
