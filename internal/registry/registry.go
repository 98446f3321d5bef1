package registry

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/oxvale/drover/internal/logger"
	"github.com/oxvale/drover/internal/metrics"
)

var ErrDuplicateExecution = errors.New("execution id already registered")

// Handle is the cancellation surface an executor registers for one
// live process or session.
type Handle interface {
	Terminate()
}

// Registry is the shared map of active process handles keyed by
// execution id and by owning conversation. It is the only state shared
// across executions and is always passed by reference.
type Registry struct {
	mu       sync.Mutex
	handles  map[string]Handle
	owners   map[string]string // execID -> ownerKey
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// New creates a registry with per-owner spawn limiting.
// spawnsPerMinute bounds how fast one owner can start processes.
func New(spawnsPerMinute float64, burst int) *Registry {
	return &Registry{
		handles:  make(map[string]Handle),
		owners:   make(map[string]string),
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(spawnsPerMinute / 60.0),
		burst:    burst,
	}
}

// Register records a live execution. Duplicate ids are rejected so two
// executions can never fight over one handle.
func (r *Registry) Register(execID, ownerKey string, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[execID]; exists {
		return ErrDuplicateExecution
	}
	r.handles[execID] = h
	r.owners[execID] = ownerKey
	return nil
}

// Deregister removes an execution. Safe to call for unknown ids.
func (r *Registry) Deregister(execID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, execID)
	delete(r.owners, execID)
}

// Active reports whether an execution id is currently registered.
func (r *Registry) Active(execID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[execID]
	return ok
}

// Count returns the number of registered executions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Cancel requests termination of one execution. Returns false when the
// id is not registered.
func (r *Registry) Cancel(execID string) bool {
	r.mu.Lock()
	h, ok := r.handles[execID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	logger.Info("cancelling execution %s", execID)
	h.Terminate()
	return true
}

// CancelByOwner requests termination of every execution belonging to
// one owner key. Returns how many were signalled.
func (r *Registry) CancelByOwner(ownerKey string) int {
	r.mu.Lock()
	var targets []Handle
	for execID, owner := range r.owners {
		if owner == ownerKey {
			targets = append(targets, r.handles[execID])
		}
	}
	r.mu.Unlock()

	for _, h := range targets {
		h.Terminate()
	}
	if len(targets) > 0 {
		logger.Info("cancelled %d executions for owner %s", len(targets), ownerKey)
	}
	return len(targets)
}

// CancelAll terminates every registered execution.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	targets := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		targets = append(targets, h)
	}
	r.mu.Unlock()

	for _, h := range targets {
		h.Terminate()
	}
	return len(targets)
}

// ReserveSpawn checks the per-owner spawn rate limit. A false return
// means the owner is starting processes too fast.
func (r *Registry) ReserveSpawn(ownerKey string) bool {
	allowed := r.limiterFor(ownerKey).Allow()
	if !allowed {
		metrics.RecordSpawnThrottled(ownerKey)
		logger.Warn("spawn throttled for owner %s", ownerKey)
	}
	return allowed
}

func (r *Registry) limiterFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(r.rate, r.burst)
		r.limiters[key] = limiter
	}
	return limiter
}
