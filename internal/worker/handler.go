package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
)

// ErrNoHandler is recorded on jobs whose type nobody registered
var ErrNoHandler = errors.New("no handler registered for job type")

// Handler executes one job. The returned JSON is stored as the job result.
type Handler interface {
	Handle(ctx context.Context, job *jobs.Job) (jobs.JSON, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *jobs.Job) (jobs.JSON, error)

func (f HandlerFunc) Handle(ctx context.Context, job *jobs.Job) (jobs.JSON, error) {
	return f(ctx, job)
}

// Registry maps job types to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to jobType, replacing any earlier binding
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Lookup returns the handler for jobType
func (r *Registry) Lookup(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, jobType)
	}
	return h, nil
}

// Types lists the registered job types, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
