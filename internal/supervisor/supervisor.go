// Package supervisor owns the worker processes and the links that outlive them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/bus"
	"github.com/zhouzirui/yuexia/internal/config"
	"github.com/zhouzirui/yuexia/internal/model/message"
)

var (
	// ErrUnknownWorker is returned for names that were never added.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrNotRestartable is returned when Restart targets the front-end.
	ErrNotRestartable = errors.New("worker is not restartable")
)

// Process is one running worker instance.
type Process interface {
	PID() int
	// Stdin carries frames to the worker.
	Stdin() io.Writer
	// Stdout carries frames from the worker.
	Stdout() io.Reader
	Wait() error
	Kill() error
	// Close releases the pipes once nothing reads or writes them any more.
	Close() error
}

// Launcher starts worker processes by name.
type Launcher interface {
	Launch(ctx context.Context, name string) (Process, error)
}

type worker struct {
	name        string
	restartable bool

	toWorker   chan message.Envelope
	fromWorker chan message.Envelope
	bridge     *bus.Bridge

	mu       sync.Mutex
	proc     Process
	stop     chan struct{}
	pumpDone <-chan struct{}
	exited   chan struct{}
	expected bool
}

// Supervisor keeps one link per worker alive across process restarts. The death of a
// non-restartable worker is reported through Wait.
type Supervisor struct {
	launcher Launcher
	cfg      config.SupervisorConfig
	grace    time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	workers map[string]*worker
	order   []string
	closing bool

	restartMu sync.Mutex
	fatal     chan error
}

// New creates a supervisor with no workers.
func New(launcher Launcher, cfg config.SupervisorConfig, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		launcher: launcher,
		cfg:      cfg,
		grace:    cfg.GracePeriod(),
		log:      log,
		workers:  make(map[string]*worker),
		fatal:    make(chan error, 1),
	}
}

// Add declares a worker and returns the orchestrator side of its link. The bridge stays valid
// across restarts.
func (s *Supervisor) Add(name string, restartable bool) *bus.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[name]; ok {
		return w.bridge
	}
	w := &worker{
		name:        name,
		restartable: restartable,
		toWorker:    bus.NewQueue(s.cfg.QueueSize),
		fromWorker:  bus.NewQueue(s.cfg.QueueSize),
	}
	w.bridge = bus.NewBridge(name, w.fromWorker, w.toWorker, s.log)
	s.workers[name] = w
	s.order = append(s.order, name)
	return w.bridge
}

// Bridge returns the link of a declared worker.
func (s *Supervisor) Bridge(name string) (*bus.Bridge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return nil, false
	}
	return w.bridge, true
}

// PID reports the process id of the current instance, or 0 if none is running.
func (s *Supervisor) PID(name string) int {
	s.mu.Lock()
	w, ok := s.workers[name]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc == nil {
		return 0
	}
	return w.proc.PID()
}

// Start launches every declared worker in declaration order.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, w := range s.snapshot() {
		if err := s.launch(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until a non-restartable worker exits or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case err := <-s.fatal:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Restart stops the named workers and relaunches them on their existing links. Messages the
// old instances produced but nobody consumed are discarded; messages queued for them are kept
// for the new instances.
func (s *Supervisor) Restart(ctx context.Context, names ...string) error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	targets := make([]*worker, 0, len(names))
	s.mu.Lock()
	for _, name := range names {
		w, ok := s.workers[name]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
		}
		if !w.restartable {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotRestartable, name)
		}
		targets = append(targets, w)
	}
	s.mu.Unlock()

	s.stopAll(ctx, targets)

	var errs []error
	for _, w := range targets {
		if n := bus.Drain(w.fromWorker); n > 0 {
			s.log.Info("discarded stale worker output", zap.String("worker", w.name), zap.Int("count", n))
		}
		if n := bus.DropKind(w.toWorker, message.Shutdown); n > 0 {
			s.log.Info("dropped undelivered shutdown", zap.String("worker", w.name), zap.Int("count", n))
		}
		if err := s.launch(ctx, w); err != nil {
			errs = append(errs, err)
			continue
		}
		s.log.Info("worker restarted", zap.String("worker", w.name), zap.Int("pid", s.PID(w.name)))
	}
	return errors.Join(errs...)
}

// Shutdown stops every worker. Workers get the grace period to exit on their own.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.stopAll(ctx, s.snapshot())
}

func (s *Supervisor) snapshot() []*worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*worker, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.workers[name])
	}
	return out
}

func (s *Supervisor) launch(ctx context.Context, w *worker) error {
	proc, err := s.launcher.Launch(ctx, w.name)
	if err != nil {
		return fmt.Errorf("launch %s: %w", w.name, err)
	}

	log := s.log.With(zap.String("worker", w.name), zap.Int("pid", proc.PID()))
	stop := make(chan struct{})
	exited := make(chan struct{})

	w.mu.Lock()
	w.proc = proc
	w.stop = stop
	w.exited = exited
	w.expected = false
	w.pumpDone = bus.Pump(stop, w.toWorker, proc.Stdin(), proc.Stdout(), w.fromWorker, log)
	w.mu.Unlock()

	go s.watch(w, proc, exited, log)
	log.Info("worker started")
	return nil
}

func (s *Supervisor) watch(w *worker, proc Process, exited chan struct{}, log *zap.Logger) {
	err := proc.Wait()

	w.mu.Lock()
	expected := w.expected
	current := w.proc == proc
	w.mu.Unlock()
	close(exited)

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	if expected || closing || !current {
		log.Debug("worker exited", zap.Error(err))
		return
	}
	if !w.restartable {
		log.Error("front-end worker exited", zap.Error(err))
		select {
		case s.fatal <- fmt.Errorf("worker %s exited: %w", w.name, errOrExit(err)):
		default:
		}
		return
	}
	log.Warn("worker exited unexpectedly; it will come back on the next restart", zap.Error(err))
}

// stopAll gives all targets one shared grace period before killing the stragglers.
func (s *Supervisor) stopAll(ctx context.Context, targets []*worker) {
	live := make([]*worker, 0, len(targets))
	for _, w := range targets {
		w.mu.Lock()
		if w.proc == nil {
			w.mu.Unlock()
			continue
		}
		w.expected = true
		w.mu.Unlock()

		select {
		case w.toWorker <- message.New(message.Shutdown, "supervisor", w.name, nil):
		default:
			s.log.Warn("link full, shutdown not queued", zap.String("worker", w.name))
		}
		live = append(live, w)
	}

	deadline := time.NewTimer(s.grace)
	defer deadline.Stop()
	for _, w := range live {
		select {
		case <-w.exited:
			continue
		case <-deadline.C:
		case <-ctx.Done():
		}
		deadline.Reset(0)
		s.kill(ctx, w)
	}

	for _, w := range live {
		w.mu.Lock()
		proc, stop, pumpDone := w.proc, w.stop, w.pumpDone
		w.proc = nil
		w.mu.Unlock()

		close(stop)
		<-pumpDone
		if err := proc.Close(); err != nil {
			s.log.Debug("close worker pipes", zap.String("worker", w.name), zap.Error(err))
		}
	}
}

func (s *Supervisor) kill(ctx context.Context, w *worker) {
	select {
	case <-w.exited:
		return
	default:
	}

	w.mu.Lock()
	proc := w.proc
	w.mu.Unlock()

	s.log.Warn("worker ignored shutdown, killing", zap.String("worker", w.name), zap.Int("pid", proc.PID()))
	if err := proc.Kill(); err != nil {
		s.log.Warn("kill worker", zap.String("worker", w.name), zap.Error(err))
	}
	select {
	case <-w.exited:
	case <-ctx.Done():
	}
}

func errOrExit(err error) error {
	if err == nil {
		return errors.New("exit status 0")
	}
	return err
}
