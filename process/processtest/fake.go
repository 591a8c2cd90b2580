// Package processtest provides a scripted process.Runner for tests.
package processtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/luojun96/ipush/process"
)

// HandlerFunc produces the result of one scripted invocation.
type HandlerFunc func(ctx context.Context, p process.Process) (*process.Result, error)

// FakeRunner records every invocation and answers with Handler.
type FakeRunner struct {
	Handler HandlerFunc

	mu    sync.Mutex
	calls []process.Process
}

var _ process.Runner = (*FakeRunner)(nil)

// Run records p and delegates to Handler. Without a Handler it succeeds with
// empty output.
func (f *FakeRunner) Run(ctx context.Context, p process.Process) (*process.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, p)
	f.mu.Unlock()

	if f.Handler == nil {
		return &process.Result{}, nil
	}
	return f.Handler(ctx, p)
}

// Calls returns a copy of the recorded invocations in call order.
func (f *FakeRunner) Calls() []process.Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]process.Process, len(f.calls))
	copy(out, f.calls)
	return out
}

// Stdout returns a successful result printing out.
func Stdout(out string) *process.Result {
	return &process.Result{Stdout: []byte(out)}
}

// Fail returns a failed result carrying stderr, shaped like the local runner's.
func Fail(p process.Process, code int, stderr string) (*process.Result, error) {
	res := &process.Result{Stderr: []byte(stderr), ExitCode: code}
	return res, &process.ExitError{
		Description: p.Description,
		Result:      res,
		Err:         fmt.Errorf("exit status %d", code),
	}
}
