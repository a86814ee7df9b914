package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zhouzirui/yuexia/internal/config"
	"github.com/zhouzirui/yuexia/internal/worker"
)

type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "yuexia",
		Short: "Desktop AI companion orchestrator",
		Long: `yuexia runs the conversation brain and supervises three worker processes:

  face        WebSocket gateway for the browser front-end
  perception  speech synthesis
  action      headless browser

Without a subcommand it behaves like 'yuexia run'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOrchestrator(cmd.Context(), flags)
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", config.DefaultPath, "path to config.yaml")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator and all workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOrchestrator(cmd.Context(), flags)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:       "worker <face|perception|action>",
		Short:     "Run a single worker over stdin/stdout (started by the orchestrator)",
		Hidden:    true,
		Args:      cobra.ExactArgs(1),
		ValidArgs: worker.Names,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), flags, args[0])
		},
	})

	return root
}

// runWorker 启动单个子进程。stdout 专用于帧传输，日志写到 stderr。
func runWorker(ctx context.Context, flags *globalFlags, name string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := loadDotEnv()
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log, flags.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	logDotEnv(log, envErr)

	log = log.With(zap.String("worker", name), zap.Int("pid", os.Getpid()))
	if err := worker.Run(ctx, name, cfg, os.Stdin, os.Stdout, log); err != nil {
		log.Error("worker failed", zap.Error(err))
		return err
	}
	log.Info("worker exited")
	return nil
}

// newLogger 构建 zap 日志器。输出固定为 stderr。
func newLogger(cfg config.LogConfig, verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// loadDotEnv 读取 .env。返回的错误只用于日志，文件不存在不影响启动。
func loadDotEnv() error {
	return godotenv.Load()
}

func logDotEnv(log *zap.Logger, err error) {
	if err != nil {
		log.Debug("no .env file loaded, using process environment", zap.Error(err))
	}
}
