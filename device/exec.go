package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExecProcess is a local child process running in its own process group,
// so that signals reach every process it spawned.
type ExecProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	done     chan struct{}
	exitCode int

	closeOnce sync.Once
}

// StartProcess starts name with args. Stdout and stderr are plain pipes
// so that Wait never closes them before they are drained.
func StartProcess(name string, args ...string) (*ExecProcess, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()

		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	startErr := cmd.Start()

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	if startErr != nil {
		stdoutR.Close()
		stderrR.Close()

		return nil, fmt.Errorf("start %s: %w", name, startErr)
	}

	p := &ExecProcess{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}

	go p.wait()

	return p, nil
}

func (p *ExecProcess) wait() {
	err := p.cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitCode()
	default:
		p.exitCode = -1
	}

	close(p.done)
}

func (p *ExecProcess) Stdout() io.Reader { return p.stdout }

func (p *ExecProcess) Stderr() io.Reader { return p.stderr }

func (p *ExecProcess) Done() <-chan struct{} { return p.done }

func (p *ExecProcess) ExitCode() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Pid returns the process id, which is also its process group id.
func (p *ExecProcess) Pid() int { return p.cmd.Process.Pid }

// Interrupt sends SIGINT to the process group.
func (p *ExecProcess) Interrupt() error { return p.signal(unix.SIGINT) }

// Kill sends SIGKILL to the process group and closes the streams.
func (p *ExecProcess) Kill() error {
	err := p.signal(unix.SIGKILL)
	p.Close()

	return err
}

func (p *ExecProcess) signal(sig syscall.Signal) error {
	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %s: %w", sig, err)
	}

	return nil
}

// Close closes the read ends of the process's streams.
func (p *ExecProcess) Close() error {
	var err error

	p.closeOnce.Do(func() {
		err = errors.Join(p.stdout.Close(), p.stderr.Close())
	})

	return err
}
