package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
)

// StartOptions describe one child agent invocation.
type StartOptions struct {
	Prompt       string
	SystemPrompt string
	Model        string
	CWD          string

	// SessionID assigns the protocol session id for a fresh session; Resume
	// resumes an existing one. At most one is set.
	SessionID string
	Resume    string

	// ExtraEnv entries (KEY=VALUE) appended after sanitization, e.g. the tool
	// server coordinates.
	ExtraEnv []string

	StreamCloseTimeoutMs int
}

// Stream delivers decoded child messages. C is closed when the child's
// output ends; Err reports the terminal stream error, if any, after C closes.
type Stream struct {
	C <-chan *Message

	mu   sync.Mutex
	err  error
	stop func()
}

// Err returns the stream's terminal error. Valid after C is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Close terminates the child process. Safe to call more than once.
func (s *Stream) Close() {
	if s.stop != nil {
		s.stop()
	}
}

// Runner starts child agents. The CLI runner is the production
// implementation; tests use ScriptRunner.
type Runner interface {
	Start(ctx context.Context, opts StartOptions) (*Stream, error)
}

// CLIRunner spawns the configured agent binary in stream-json mode.
type CLIRunner struct {
	Binary string
	Args   []string // extra args prepended from config
}

// Start launches the child and begins decoding its NDJSON output. The
// process is placed in its own process group so a kill reaches its children.
func (r *CLIRunner) Start(ctx context.Context, opts StartOptions) (*Stream, error) {
	args := append([]string(nil), r.Args...)
	args = append(args,
		"-p", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	)
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	} else if opts.SessionID != "" {
		args = append(args, "--session-id", opts.SessionID)
	}

	cmd := exec.Command(r.Binary, args...)
	cmd.Dir = opts.CWD
	cmd.Env = BuildEnv(opts.StreamCloseTimeoutMs, opts.ExtraEnv)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", r.Binary, err)
	}

	ch := make(chan *Message, 16)
	stream := &Stream{C: ch}

	var stopOnce sync.Once
	stream.stop = func() {
		stopOnce.Do(func() { killProcessGroup(cmd) })
	}

	procDone := make(chan struct{})

	// A canceled context terminates the child; the scanner goroutine then
	// drains to EOF and closes the channel.
	go func() {
		select {
		case <-ctx.Done():
			stream.stop()
		case <-procDone:
		}
	}()

	go func() {
		defer close(ch)
		defer close(procDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			msg, err := Decode(line)
			if err != nil {
				log.Printf("[agent] skipping undecodable line: %v", err)
				continue
			}
			ch <- msg
		}
		if err := scanner.Err(); err != nil {
			stream.setErr(fmt.Errorf("read agent output: %w", err))
		}
		if err := cmd.Wait(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			stream.setErr(fmt.Errorf("agent exited: %s", msg))
		}
	}()

	return stream, nil
}
