package jobexec

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/uow"
)

// Handler runs the work of a job. It runs inside the unit of work that
// deletes the job on success, so records it writes through u commit
// atomically with the completion. Returning an error rolls everything back
// and counts as a failed attempt.
type Handler interface {
	Handle(ctx context.Context, u *uow.UnitOfWork, job *model.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, u *uow.UnitOfWork, job *model.Job) error

func (f HandlerFunc) Handle(ctx context.Context, u *uow.UnitOfWork, job *model.Job) error {
	return f(ctx, u, job)
}

// Handlers maps handler types to handlers.
//
// Thread-safety: All methods are safe for concurrent use.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]Handler
}

// NewHandlers creates an empty handler set.
func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]Handler)}
}

// Register installs h for a handler type, replacing any previous one.
func (hs *Handlers) Register(handlerType string, h Handler) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.m[handlerType] = h
}

// Lookup returns the handler for a type.
func (hs *Handlers) Lookup(handlerType string) (Handler, bool) {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	h, ok := hs.m[handlerType]
	return h, ok
}

// Types returns the registered handler types, sorted.
func (hs *Handlers) Types() []string {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	out := make([]string, 0, len(hs.m))
	for t := range hs.m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HandlerError wraps a failure raised by a job's handler, including a
// recovered panic and a missing handler.
type HandlerError struct {
	JobID       string
	HandlerType string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("job %s (%s): %v", e.JobID, e.HandlerType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
