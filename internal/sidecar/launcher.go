package sidecar

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Process is a spawned backend the controller supervises.
type Process interface {
	// Stdin is the process's input pipe, used for the graceful shutdown
	// command.
	Stdin() io.Writer
	// Lines delivers merged stdout/stderr lines; closed once both pipes
	// are drained.
	Lines() <-chan string
	// Done is closed when the process has exited and its pipes are drained.
	Done() <-chan struct{}
	// Err reports the exit error; only meaningful after Done is closed.
	Err() error
	// Kill forcibly terminates the process.
	Kill() error
}

// Launcher spawns backend processes. The controller never calls os/exec
// directly so tests can substitute a fake.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// ExecLauncher launches the backend command via os/exec.
type ExecLauncher struct {
	Command string
	Args    []string
}

func (l ExecLauncher) Launch(ctx context.Context) (Process, error) {
	if l.Command == "" {
		return nil, fmt.Errorf("sidecar: backend command is required")
	}
	cmd := exec.Command(l.Command, l.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sidecar: start %s: %w", l.Command, err)
	}

	p := &execProcess{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 256),
		done:  make(chan struct{}),
	}
	var scanners sync.WaitGroup
	scanners.Add(2)
	go p.scan(&scanners, stdout)
	go p.scan(&scanners, stderr)
	go func() {
		scanners.Wait()
		close(p.lines)
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	done  chan struct{}
	err   error
}

func (p *execProcess) scan(wg *sync.WaitGroup, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		select {
		case p.lines <- scanner.Text():
		case <-p.done:
			return
		}
	}
}

func (p *execProcess) Stdin() io.Writer { return p.stdin }

func (p *execProcess) Lines() <-chan string { return p.lines }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error { return p.err }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
