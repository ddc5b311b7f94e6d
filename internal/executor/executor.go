// Package executor runs analysis agents and captures their output.
package executor

import (
	"context"
	"time"

	"github.com/devsift/sift/internal/model"
)

// Result is the raw outcome of one agent run. Interpretation of stdout is
// the normalizer's job; a non-zero exit code alone is not a failure, since
// most linters exit 1 when they find issues.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Executor runs one agent against one triggering event. Implementations are
// stateless between calls and safe for concurrent use. A run that could not
// produce output (spawn failure, timeout, cancellation) returns an error;
// timeouts unwrap to context.DeadlineExceeded.
type Executor interface {
	Execute(ctx context.Context, desc model.AgentDescriptor, ev model.Event) (*Result, error)
	Close() error
}
