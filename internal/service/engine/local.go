package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/config"
	"github.com/zhouzirui/yuexia/pkg/utils"
)

// ErrServerExited 表示本地推理服务在就绪前退出。
var ErrServerExited = errors.New("local inference server exited")

// ErrPortInUse 表示 brain.local.port 已被其他进程（通常是上一个实例）占用。
var ErrPortInUse = errors.New("local inference port in use")

// LocalEngine 启动一个本地 OpenAI 兼容推理服务，并通过 APIEngine 与之通信。
type LocalEngine struct {
	*APIEngine

	cmd    *exec.Cmd
	exited chan struct{}
	once   sync.Once
	log    *zap.Logger
}

// StartLocalEngine 启动 brain.local.command 并等待 /health 就绪。
func StartLocalEngine(ctx context.Context, brain config.BrainConfig, network config.NetworkConfig, log *zap.Logger) (*LocalEngine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lc := brain.Local
	if lc.Command == "" {
		return nil, errors.New("local engine: brain.local.command is required")
	}
	port := lc.Port
	if port <= 0 {
		port = 8081
	}

	args := lc.Args
	if len(args) == 0 {
		args = []string{"-m", lc.ModelPath, "--port", strconv.Itoa(port)}
	}

	if err := checkPortFree(port); err != nil {
		return nil, err
	}

	cmd := exec.Command(lc.Command, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	utils.SetProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", lc.Command, err)
	}

	e := &LocalEngine{cmd: cmd, exited: make(chan struct{}), log: log}
	go func() {
		err := cmd.Wait()
		log.Info("local inference server exited", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		close(e.exited)
	}()
	log.Info("local inference server started", zap.String("command", lc.Command), zap.Int("pid", cmd.Process.Pid))

	base := "http://127.0.0.1:" + strconv.Itoa(port)
	timeout := time.Duration(lc.StartupTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if err := e.waitReady(ctx, base+"/health", timeout); err != nil {
		_ = e.Shutdown(context.Background())
		return nil, err
	}

	model := brain.APIModel
	if model == "" {
		model = "local"
	}
	api, err := NewAPIEngine(APIOptions{
		BaseURL: base + "/v1",
		APIKey:  "local",
		Model:   model,
		Brain:   brain,
		Network: network,
	}, log)
	if err != nil {
		_ = e.Shutdown(context.Background())
		return nil, err
	}
	e.APIEngine = api
	return e, nil
}

func (e *LocalEngine) waitReady(ctx context.Context, healthURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return err
		}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				select {
				case <-e.exited:
					return ErrServerExited
				default:
				}
				e.log.Info("local inference server ready", zap.String("url", healthURL))
				return nil
			}
		}

		select {
		case <-e.exited:
			return ErrServerExited
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", healthURL, ctx.Err())
		case <-ticker.C:
		}
	}
}

func checkPortFree(port int) error {
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("%w: %d: %v", ErrPortInUse, port, err)
	}
	return ln.Close()
}

// Generate 实现 Engine。
func (e *LocalEngine) Generate(ctx context.Context, msgs []*schema.Message, images []string) (<-chan Fragment, error) {
	select {
	case <-e.exited:
		return nil, ErrServerExited
	default:
	}
	return e.APIEngine.Generate(ctx, msgs, images)
}

// Shutdown 终止推理服务所在的进程组。
func (e *LocalEngine) Shutdown(ctx context.Context) error {
	var err error
	e.once.Do(func() {
		if e.APIEngine != nil {
			_ = e.APIEngine.Shutdown(ctx)
		}
		err = utils.KillProcessGroup(e.cmd)
		select {
		case <-e.exited:
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
	})
	return err
}
