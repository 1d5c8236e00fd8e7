package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/dragenflow/dragenflow/internal/dragenflow/process"
)

// Response is what FakeExecutor returns for one command line.
type Response struct {
	Result *process.Result
	Err    error
}

// FakeExecutor returns canned responses keyed by the space-joined argument vector and records every call.
// Commands with no response configured succeed with empty output.
type FakeExecutor struct {
	mu        sync.Mutex
	responses map[string]Response
	Calls     [][]string
}

func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{responses: map[string]Response{}}
}

func (f *FakeExecutor) Respond(argv []string, stdout string) {
	f.RespondWith(argv, Response{Result: &process.Result{Stdout: stdout}})
}

func (f *FakeExecutor) RespondWith(argv []string, r Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[strings.Join(argv, " ")] = r
}

func (f *FakeExecutor) Execute(_ context.Context, argv []string) (*process.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, append([]string{}, argv...))
	if r, ok := f.responses[strings.Join(argv, " ")]; ok {
		return r.Result, r.Err
	}
	return &process.Result{}, nil
}

func (f *FakeExecutor) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}
