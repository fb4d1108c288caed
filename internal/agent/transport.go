// ABOUTME: Child process transport for agent children speaking line-delimited JSON.
// ABOUTME: Spawns the agent, serializes stdin writes, and captures stderr into a ring.

package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Transport carries framed lines to and from an agent child. The peer owns
// the read loop; writes may come from any goroutine.
type Transport interface {
	// WriteLine appends a newline and writes the frame. Serialized internally.
	WriteLine(line []byte) error
	// ReadLoop delivers each complete stdout line to handler. It returns when
	// the stream ends. Partial trailing data without a newline is discarded.
	ReadLoop(handler func(line []byte)) error
	// Wait blocks until the child has exited and reports how it went.
	Wait() ExitInfo
	// Close ends stdin, kills the child if needed, and reaps it. Idempotent.
	Close() error
}

// ExitInfo describes how a child ended.
type ExitInfo struct {
	Code       int
	StderrTail string
}

// Command describes how to spawn an agent child.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  map[string]string
}

// Process is the exec-backed Transport. One JSON value per line on both
// directions; stderr is drained into a bounded ring in parallel.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *stderrRing

	writeMu sync.Mutex

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// StartProcess spawns the agent child with piped stdin/stdout/stderr.
func StartProcess(spec Command) (*Process, error) {
	if spec.Path == "" {
		return nil, errors.New("agent command is empty")
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: &stderrRing{},
		done:   make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %q: %w", spec.Path, err)
	}

	go p.drainStderr(stderr)

	return p, nil
}

func (p *Process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.stderr.append(scanner.Text())
	}
}

// WriteLine writes one frame to the child's stdin. The child reads one JSON
// value per line, so the payload must not contain a raw newline.
func (p *Process) WriteLine(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := p.stdin.Write(buf); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// ReadLoop scans stdout for complete lines and hands each to handler. It
// returns when stdout closes (child exit or Close).
func (p *Process) ReadLoop(handler func(line []byte)) error {
	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		handler(line)
	}
	return scanner.Err()
}

// Wait reaps the child (once) and reports the exit code plus the stderr tail.
func (p *Process) Wait() ExitInfo {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.done)
	})
	<-p.done

	code := 0
	if p.waitErr != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(p.waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	return ExitInfo{Code: code, StderrTail: p.stderr.tail()}
}

// Close ends stdin so a well-behaved child exits, then kills it if it
// lingers. Safe to call multiple times and concurrently with Wait.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.stdin.Close()

		reaped := make(chan struct{})
		go func() {
			p.Wait()
			close(reaped)
		}()

		select {
		case <-reaped:
		case <-time.After(3 * time.Second):
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
			<-reaped
		}
	})
	return p.closeErr
}
