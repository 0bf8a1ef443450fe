// Package adapter defines the pluggable contract each target platform module
// implements. The engine never talks to a platform API directly; executors
// and the sweeper both go through an Adapter.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"accessbridge/internal/domain"
)

// OutcomeKind classifies an execution attempt.
type OutcomeKind string

const (
	// OutcomeSuccess means the change was applied; Refs carry any
	// platform-assigned identifiers.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeTransient means the attempt failed in a retryable way
	// (throttling, timeouts, connectivity).
	OutcomeTransient OutcomeKind = "transient"
	// OutcomePermanent means the attempt can never succeed as submitted
	// (access denied, malformed action).
	OutcomePermanent OutcomeKind = "permanent"
)

// Outcome is the tagged result of one adapter execution.
type Outcome struct {
	Kind   OutcomeKind
	Refs   []string
	Reason string
}

func Success(refs ...string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Refs: refs}
}

func Transient(reason string) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: reason}
}

func Permanent(reason string) Outcome {
	return Outcome{Kind: OutcomePermanent, Reason: reason}
}

// ActualState is a platform's reported state for a principal/action pair,
// queried by the sweeper for drift detection.
type ActualState struct {
	Applied bool
	Detail  string
}

// Adapter is implemented once per target platform. Both methods must honor
// the caller-imposed context deadline.
type Adapter interface {
	// Execute applies the change described by the item. Failures are
	// expressed in the Outcome, not as Go errors, so callers always get a
	// classification.
	Execute(ctx context.Context, item domain.Item) Outcome

	// QueryState reports whether the action is currently applied for the
	// principal on the target platform.
	QueryState(ctx context.Context, principal, action string) (ActualState, error)
}

// Registry maps platform tags to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(target string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[target] = a
}

func (r *Registry) Lookup(target string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[target]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for target %q", target)
	}
	return a, nil
}
