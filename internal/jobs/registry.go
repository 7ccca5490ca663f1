package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/jobplatform/internal/domain"
)

// Handler executes the work of one job type. The returned result must be valid JSON.
// Handlers must honour ctx: the worker cancels it when the job times out.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// PayloadValidator is implemented by handlers that can reject a payload before a job is created
type PayloadValidator interface {
	ValidatePayload(payload json.RawMessage) error
}

// Registry maps job type names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for a job type. Names must be unique and non-empty.
func (r *Registry) Register(jobType string, handler Handler) error {
	if jobType == "" {
		return errors.New("job type name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for job type %q is nil", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("handler for job type %q already registered", jobType)
	}
	r.handlers[jobType] = handler
	return nil
}

// Lookup returns the handler registered for a job type
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job type names in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Validate checks that a job type is registered and that its handler accepts the payload
func (r *Registry) Validate(jobType string, payload json.RawMessage) error {
	handler, ok := r.Lookup(jobType)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownJobType, jobType)
	}
	if v, ok := handler.(PayloadValidator); ok {
		if err := v.ValidatePayload(payload); err != nil {
			return err
		}
	}
	return nil
}
