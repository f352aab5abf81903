package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rendis/lakeflow/pkg/schema"
)

// Func is an in-process job implementation.
type Func func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// StatusFunc is an in-process status query.
type StatusFunc func(ctx context.Context) (json.RawMessage, error)

// LocalBackend serves jobs from Go functions registered by ref. Bulk jobs
// run to completion inside StartRun; GetRun reports the recorded result.
type LocalBackend struct {
	mu        sync.Mutex
	functions map[string]Func
	bulk      map[string]Func
	status    map[string]StatusFunc
	runs      map[string]BulkRun
	seq       int
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend creates an empty LocalBackend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		functions: make(map[string]Func),
		bulk:      make(map[string]Func),
		status:    make(map[string]StatusFunc),
		runs:      make(map[string]BulkRun),
	}
}

// RegisterFunction registers a stateless function under ref.
func (b *LocalBackend) RegisterFunction(ref string, fn Func) *LocalBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.functions[ref] = fn
	return b
}

// RegisterBulk registers a bulk job under ref.
func (b *LocalBackend) RegisterBulk(ref string, fn Func) *LocalBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bulk[ref] = fn
	return b
}

// RegisterStatus registers a status query under ref.
func (b *LocalBackend) RegisterStatus(ref string, fn StatusFunc) *LocalBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status[ref] = fn
	return b
}

func (b *LocalBackend) Call(ctx context.Context, ref string, input json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	fn, ok := b.functions[ref]
	b.mu.Unlock()
	if !ok {
		return nil, unknownRef(ref)
	}
	return fn(ctx, input)
}

func (b *LocalBackend) StartRun(ctx context.Context, ref string, input json.RawMessage) (string, error) {
	b.mu.Lock()
	fn, ok := b.bulk[ref]
	b.seq++
	handle := ref + "-" + strconv.Itoa(b.seq)
	b.mu.Unlock()
	if !ok {
		return "", unknownRef(ref)
	}

	run := BulkRun{Handle: handle, State: BulkSucceeded}
	out, err := fn(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Structured errors reject the start and keep their retryable flag.
		var pe *schema.PipelineError
		if errors.As(err, &pe) {
			return "", pe
		}
		run.State = BulkFailed
		run.Error = err.Error()
	} else {
		run.Output = out
	}

	b.mu.Lock()
	b.runs[handle] = run
	b.mu.Unlock()
	return handle, nil
}

func (b *LocalBackend) GetRun(_ context.Context, ref, handle string) (BulkRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[handle]
	if !ok {
		return BulkRun{}, Permanent(ref, fmt.Errorf("unknown bulk run %q", handle))
	}
	return run, nil
}

func (b *LocalBackend) Status(ctx context.Context, ref string) (json.RawMessage, error) {
	b.mu.Lock()
	fn, ok := b.status[ref]
	b.mu.Unlock()
	if !ok {
		return nil, unknownRef(ref)
	}
	return fn(ctx)
}

func unknownRef(ref string) *schema.PipelineError {
	return schema.NewInvocationError(ref, false, fmt.Errorf("unknown job ref %q", ref))
}
