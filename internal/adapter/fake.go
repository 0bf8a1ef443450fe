package adapter

import (
	"context"
	"sync"

	"accessbridge/internal/domain"
)

// Fake is a scripted Adapter for tests and local runs. Outcomes are consumed
// in order; when the script is exhausted every call succeeds.
type Fake struct {
	mu       sync.Mutex
	script   []Outcome
	states   map[string]ActualState
	executed []domain.Item
	queried  []string
}

func NewFake() *Fake {
	return &Fake{states: make(map[string]ActualState)}
}

// ScriptOutcomes appends outcomes to be returned by successive Execute calls.
func (f *Fake) ScriptOutcomes(outcomes ...Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, outcomes...)
}

// SetState fixes the answer QueryState gives for a principal/action pair.
func (f *Fake) SetState(principal, action string, state ActualState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[principal+"/"+action] = state
}

func (f *Fake) Execute(_ context.Context, item domain.Item) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.executed = append(f.executed, item)
	if len(f.script) == 0 {
		return Success("fake-ref-" + item.CorrelationID.String())
	}
	out := f.script[0]
	f.script = f.script[1:]
	return out
}

func (f *Fake) QueryState(_ context.Context, principal, action string) (ActualState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queried = append(f.queried, principal+"/"+action)
	if state, ok := f.states[principal+"/"+action]; ok {
		return state, nil
	}
	return ActualState{Applied: true}, nil
}

// Executed returns a copy of every item passed to Execute.
func (f *Fake) Executed() []domain.Item {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]domain.Item, len(f.executed))
	copy(out, f.executed)
	return out
}

// Queried returns the principal/action pairs passed to QueryState.
func (f *Fake) Queried() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.queried))
	copy(out, f.queried)
	return out
}
