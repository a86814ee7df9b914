package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/zhouzirui/yuexia/pkg/utils"
)

// ExecLauncher re-executes the current binary as `<exe> worker <name>`.
type ExecLauncher struct {
	// Executable defaults to os.Executable().
	Executable string
	// Args are appended after the worker name, typically --config.
	Args []string
	// Stderr receives worker logs; defaults to os.Stderr.
	Stderr io.Writer
}

// Launch starts the worker with fresh stdin/stdout pipes. The process gets its own group so a
// kill also takes down anything it spawned.
func (l ExecLauncher) Launch(ctx context.Context, name string) (Process, error) {
	exe := l.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		exe = self
	}

	args := append([]string{"worker", name}, l.Args...)
	cmd := exec.Command(exe, args...)
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	utils.SetProcessGroup(cmd)

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdin = inR
	cmd.Stdout = outW

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("start %s worker: %w", name, err)
	}
	// The child holds its own copies; ours would keep the streams open after it exits.
	inR.Close()
	outW.Close()

	return &execProcess{cmd: cmd, stdin: inW, stdout: outR}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
}

func (p *execProcess) PID() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }
func (p *execProcess) Kill() error       { return utils.KillProcessGroup(p.cmd) }

func (p *execProcess) Close() error {
	return errors.Join(p.stdin.Close(), p.stdout.Close())
}
