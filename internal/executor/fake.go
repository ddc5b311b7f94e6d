package executor

import (
	"context"
	"sync"

	"github.com/devsift/sift/internal/model"
)

// Call records one Execute invocation on the fake.
type Call struct {
	Agent string
	Event model.Event
}

// Fake is a function-backed Executor for tests. The behavior function may
// block on the context to simulate slow or hanging agents.
type Fake struct {
	fn func(ctx context.Context, desc model.AgentDescriptor, ev model.Event) (*Result, error)

	mu    sync.Mutex
	calls []Call
}

// NewFake wraps fn as an Executor. A nil fn returns empty successful runs.
func NewFake(fn func(ctx context.Context, desc model.AgentDescriptor, ev model.Event) (*Result, error)) *Fake {
	return &Fake{fn: fn}
}

func (f *Fake) Execute(ctx context.Context, desc model.AgentDescriptor, ev model.Event) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Agent: desc.Name, Event: ev})
	f.mu.Unlock()

	if f.fn == nil {
		return &Result{}, nil
	}
	return f.fn(ctx, desc, ev)
}

func (f *Fake) Close() error {
	return nil
}

// Calls returns a snapshot of every recorded invocation.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount reports how many runs the fake has served.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
