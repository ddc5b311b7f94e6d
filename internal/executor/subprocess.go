package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/devsift/sift/internal/model"
)

// Output caps. Agents emitting more are truncated, not failed; findings
// stream from the start of stdout so the head is the part that matters.
const (
	maxStdoutBytes = 10 << 20
	maxStderrBytes = 256 << 10
)

// envAllowlist is the part of the parent environment agents inherit.
var envAllowlist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "GOPATH", "GOCACHE"}

// Subprocess runs agents as child processes of the daemon. The working
// directory is the project root and the environment is pruned to the
// allowlist plus the SIFT_* variables describing the run.
type Subprocess struct {
	root string
}

// NewSubprocess returns an executor rooted at the project directory.
func NewSubprocess(root string) *Subprocess {
	return &Subprocess{root: root}
}

// Execute runs desc.Command with the event path appended. The context
// deadline kills the process; the returned error then unwraps to
// context.DeadlineExceeded so callers can tell timeouts from crashes.
func (s *Subprocess) Execute(ctx context.Context, desc model.AgentDescriptor, ev model.Event) (*Result, error) {
	if len(desc.Command) == 0 {
		return nil, fmt.Errorf("agent %q has no command", desc.Name)
	}

	args := append([]string(nil), desc.Command[1:]...)
	if ev.Path != "" {
		args = append(args, ev.Path)
	}

	cmd := exec.CommandContext(ctx, desc.Command[0], args...)
	cmd.Dir = s.root
	cmd.Env = s.runEnv(ev)

	stdout := &cappedBuffer{limit: maxStdoutBytes}
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("agent %s run ended after %s: %w", desc.Name, duration.Round(time.Millisecond), ctxErr)
	}

	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: duration,
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("spawn agent %s: %w", desc.Name, err)
	}
	return res, nil
}

// Close is part of the Executor capability; the subprocess backend holds no
// resources between runs.
func (s *Subprocess) Close() error {
	return nil
}

func (s *Subprocess) runEnv(ev model.Event) []string {
	env := make([]string, 0, len(envAllowlist)+3)
	for _, key := range envAllowlist {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env,
		"SIFT_PROJECT_ROOT="+s.root,
		"SIFT_EVENT_TYPE="+ev.Type,
		"SIFT_EVENT_PATH="+ev.Path,
	)
	return env
}

// cappedBuffer keeps the first limit bytes and counts the rest as dropped.
// Write never errors, so a chatty agent cannot fail its own run.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.limit - b.buf.Len(); room > 0 {
		if n <= room {
			b.buf.Write(p)
		} else {
			b.buf.Write(p[:room])
			b.dropped += n - room
		}
	} else {
		b.dropped += n
	}
	return n, nil
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
