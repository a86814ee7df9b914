package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/yuexia/internal/bus"
	"github.com/zhouzirui/yuexia/internal/config"
	"github.com/zhouzirui/yuexia/internal/handler"
	"github.com/zhouzirui/yuexia/internal/model/message"
	"github.com/zhouzirui/yuexia/internal/service/behavior"
	"github.com/zhouzirui/yuexia/internal/service/brain"
	chatservice "github.com/zhouzirui/yuexia/internal/service/chat"
	"github.com/zhouzirui/yuexia/internal/service/engine"
	"github.com/zhouzirui/yuexia/internal/service/memory"
	"github.com/zhouzirui/yuexia/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

// runOrchestrator 启动大脑、子进程、控制接口与配置监听，直到收到信号或前端退出。
func runOrchestrator(ctx context.Context, flags *globalFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := loadDotEnv()
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log, err := newLogger(cfg.Log, flags.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	logDotEnv(log, envErr)

	sessions, err := chatservice.NewStore(cfg.Session.Dir, log.Named("session"))
	if err != nil {
		return err
	}

	engineLog := log.Named("engine")
	engines := engine.NewHolder(func(ctx context.Context) (engine.Engine, error) {
		return engine.New(ctx, cfg, engineLog)
	}, engineLog)
	_, release, err := engines.Acquire(ctx)
	if err != nil {
		log.Error("engine bootstrap failed", zap.String("engine", cfg.Brain.Engine), zap.Error(err))
		return fmt.Errorf("engine bootstrap: %w", err)
	}
	release()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := engines.Shutdown(shutdownCtx); err != nil {
			log.Warn("engine shutdown", zap.Error(err))
		}
	}()

	openMemory := func(mc config.MemoryConfig) (brain.Memory, error) {
		store, err := memory.Open(memory.Options{Dir: mc.Dir}, log.Named("memory"))
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	var mem brain.Memory
	if cfg.Memory.Enabled {
		if mem, err = openMemory(cfg.Memory); err != nil {
			log.Warn("long-term memory unavailable", zap.Error(err))
			mem = nil
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	sup := supervisor.New(supervisor.ExecLauncher{
		Executable: exe,
		Args:       workerArgs(flags),
		Stderr:     os.Stderr,
	}, cfg.Supervisor, log.Named("supervisor"))
	face := sup.Add("face", false)
	perception := sup.Add("perception", true)
	action := sup.Add("action", true)

	// control 承载来自本进程的 config_reload 与 shutdown。
	control := bus.NewQueue(cfg.Supervisor.QueueSize)

	// appCtx 不随信号取消，供调度器与关闭流程使用。
	appCtx, cancelApp := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelApp()

	var b *brain.Brain
	sched := behavior.New(cfg.Behavior, behavior.Deps{
		Inferring: func() bool { return b.Inferring() },
		Generate:  func(ctx context.Context) (string, error) { return b.Proactive(ctx) },
		Push:      func(ctx context.Context, text string) error { return b.PushProactive(ctx, text) },
	}, log.Named("behavior"))

	b, err = brain.New(brain.Options{
		Config:     cfg,
		Sessions:   sessions,
		Engines:    engines,
		Face:       face,
		Perception: perception,
		Action:     action,
		Memory:     mem,
		OpenMemory: openMemory,
		LoadConfig: func() (*config.Config, error) { return config.Load(flags.configPath) },
		Restarter:  sup,
		OnReload: func(_ context.Context, next *config.Config) {
			if err := sched.Reconfigure(appCtx, next.Behavior); err != nil {
				log.Warn("behavior reconfigure failed", zap.Error(err))
			}
			if next.Behavior.Enabled && !sched.Running() {
				if err := sched.Start(appCtx); err != nil {
					log.Warn("behavior start failed", zap.Error(err))
				}
			}
		},
		OnUserInput: sched.NotifyUserInput,
		Log:         log.Named("brain"),
	})
	if err != nil {
		return err
	}

	router := bus.NewRouter(log.Named("router"))
	router.Register(face)
	router.Register(perception)
	router.Register(action)
	router.Register(bus.NewBridge("control", control, nil, log))
	b.Register(router)

	if err := sup.Start(ctx); err != nil {
		shutdownWorkers(sup)
		return err
	}
	if err := b.Boot(ctx); err != nil {
		shutdownWorkers(sup)
		return err
	}
	if cfg.Behavior.Enabled {
		if err := sched.Start(appCtx); err != nil {
			log.Warn("behavior scheduler not started", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := router.Run(appCtx)
		stop()
		return err
	})
	g.Go(func() error {
		return sup.Wait(gctx)
	})
	g.Go(func() error {
		srv := &http.Server{
			Addr:              cfg.Server.APIAddr,
			Handler:           handler.NewRouter(b, log.Named("api")),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		log.Info("control api listening", zap.String("addr", srv.Addr))
		return runServer(gctx, srv)
	})
	g.Go(func() error {
		watcher := config.NewWatcher(cfg.Path, 0, func() {
			post(control, message.New(message.ConfigReload, "watcher", "brain", nil), log)
		}, log.Named("config"))
		if err := watcher.Run(gctx); err != nil {
			log.Warn("config watcher stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sched.Stop()
		post(control, message.New(message.Shutdown, "main", "brain", nil), log)
		return nil
	})

	err = g.Wait()
	shutdownWorkers(sup)
	if err != nil {
		log.Error("orchestrator stopped with error", zap.Error(err))
		return err
	}
	log.Info("bye")
	return nil
}

func workerArgs(flags *globalFlags) []string {
	args := []string{"--config", flags.configPath}
	if flags.verbose {
		args = append(args, "--verbose")
	}
	return args
}

func post(q chan message.Envelope, env message.Envelope, log *zap.Logger) {
	select {
	case q <- env:
	default:
		log.Warn("control queue full, dropping", zap.String("kind", string(env.Kind)))
	}
}

func shutdownWorkers(sup *supervisor.Supervisor) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sup.Shutdown(ctx)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
