package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
)

// Detail is the JSON-encodable payload a backend reports for one attempt.
type Detail map[string]any

// Request carries everything a backend needs for one delivery attempt.
type Request struct {
	Config       map[string]string
	Subscription domain.Subscription
	Event        domain.Event
	HookUUID     string
	Attempt      int
}

// Backend is the outbound delivery port.
//
// Run returns a Detail on success, *RetryableFailure or *TerminalFailure on
// classified failures and ErrDeliverySkipped when nothing was attempted. Any
// other error is treated as a programming error.
type Backend interface {
	Run(ctx context.Context, req Request) (Detail, error)
}

// Registry resolves backends by the service name stored on subscriptions.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

func (r *Registry) Register(name string, b Backend) error {
	normalized := strings.TrimSpace(name)
	if normalized == "" {
		return fmt.Errorf("backend name is required")
	}
	if b == nil {
		return fmt.Errorf("backend %q is nil", normalized)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[normalized]; exists {
		return fmt.Errorf("backend %q already registered", normalized)
	}
	r.backends[normalized] = b
	return nil
}

func (r *Registry) Get(name string) (Backend, bool) {
	if r == nil {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[strings.TrimSpace(name)]
	return b, ok
}

// Names returns the registered backend names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
