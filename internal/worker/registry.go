package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tradeflow/internal/domain"
)

// Handler performs the work of one task type. It returns a result or an
// error and should honor ctx cancellation.
type Handler interface {
	Handle(ctx context.Context, payload domain.Payload) (any, error)
}

type HandlerFunc func(ctx context.Context, payload domain.Payload) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, payload domain.Payload) (any, error) {
	return f(ctx, payload)
}

// Registry maps task types to handlers. It is filled at startup and read by
// every worker.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.TaskType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.TaskType]Handler)}
}

// Register binds h to typ. Each type takes exactly one handler.
func (r *Registry) Register(typ domain.TaskType, h Handler) error {
	if !typ.Known() {
		return fmt.Errorf("unknown task type %q", typ)
	}
	if h == nil {
		return fmt.Errorf("nil handler for task type %q", typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[typ]; exists {
		return fmt.Errorf("handler for task type %q is already registered", typ)
	}
	r.handlers[typ] = h
	return nil
}

func (r *Registry) MustRegister(typ domain.TaskType, h Handler) {
	if err := r.Register(typ, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(typ domain.TaskType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// Types lists the registered task types in name order.
func (r *Registry) Types() []domain.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
