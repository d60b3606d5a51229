package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// SpawnSpec describes one child launch.
type SpawnSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Process is a running child as seen by the supervisor.
type Process interface {
	PID() int
	// Stdout is read line by line until EOF, before Wait is called.
	Stdout() io.Reader
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the child exits and returns its exit code. Children
	// killed by a signal report -1.
	Wait() (int, error)
}

// Spawner launches children.
type Spawner interface {
	Spawn(spec SpawnSpec) (Process, error)
}

// ExecSpawner starts children with os/exec in their own process group, so
// signals reach anything the child forks as well.
type ExecSpawner struct {
	// Stderr receives the child's stderr. Nil inherits os.Stderr.
	Stderr io.Writer
}

func (e ExecSpawner) Spawn(spec SpawnSpec) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stderr = e.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	return &execProcess{cmd: cmd, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (p *execProcess) PID() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}
	// Negative pid addresses the whole process group.
	if err := unix.Kill(-p.cmd.Process.Pid, s); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal process group: %w", err)
	}
	return nil
}

func (p *execProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait for process: %w", err)
}
