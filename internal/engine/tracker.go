package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/rendis/execgraph/pkg/schema"
)

// UpdaterState is where an execution stands in the graph update lifecycle.
type UpdaterState string

const (
	StateUnknown       UpdaterState = ""
	StateNoGraph       UpdaterState = "NO_GRAPH"
	StateBootstrapping UpdaterState = "BOOTSTRAPPING"
	StateSynced        UpdaterState = "SYNCED"
	StateDraining      UpdaterState = "DRAINING"
	StateCompleted     UpdaterState = "COMPLETED"
)

// validUpdaterTransitions lists the allowed moves out of each tracked state.
// Untracked executions may enter any state since tracking is in memory only.
var validUpdaterTransitions = map[UpdaterState][]UpdaterState{
	StateNoGraph:       {StateBootstrapping},
	StateBootstrapping: {StateSynced, StateCompleted, StateDraining, StateNoGraph},
	StateSynced:        {StateDraining, StateCompleted, StateBootstrapping, StateNoGraph},
	StateDraining:      {StateSynced, StateCompleted, StateBootstrapping, StateNoGraph},
	StateCompleted:     {StateDraining, StateSynced, StateBootstrapping, StateNoGraph},
}

// TransitionHook runs after an execution enters a state.
type TransitionHook func(executionID string, from, to UpdaterState)

// TrackedExecution is a snapshot of one execution's updater state.
type TrackedExecution struct {
	ExecutionID string       `json:"execution_id"`
	State       UpdaterState `json:"state"`
	Since       time.Time    `json:"since"`
	Transitions int          `json:"transitions"`
}

// StateTracker records the updater state of each execution for diagnostics
// and for the consumer's bootstrap decision.
type StateTracker struct {
	mu      sync.Mutex
	entries map[string]*TrackedExecution
	onEnter map[UpdaterState][]TransitionHook
	now     func() time.Time
}

func NewStateTracker() *StateTracker {
	return &StateTracker{
		entries: make(map[string]*TrackedExecution),
		onEnter: make(map[UpdaterState][]TransitionHook),
		now:     time.Now,
	}
}

// OnEnter registers a hook called after an execution enters state.
func (t *StateTracker) OnEnter(state UpdaterState, hook TransitionHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnter[state] = append(t.onEnter[state], hook)
}

// Transition moves executionID to state. Re-entering the current state is a
// no-op; disallowed moves return INVALID_TRANSITION and leave the state as is.
func (t *StateTracker) Transition(executionID string, to UpdaterState) error {
	t.mu.Lock()
	entry, ok := t.entries[executionID]
	from := StateUnknown
	if ok {
		from = entry.State
	}
	if from == to {
		t.mu.Unlock()
		return nil
	}
	if ok && !slices.Contains(validUpdaterTransitions[from], to) {
		t.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid updater transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	if !ok {
		entry = &TrackedExecution{ExecutionID: executionID}
		t.entries[executionID] = entry
	}
	entry.State = to
	entry.Since = t.now()
	entry.Transitions++
	hooks := slices.Clone(t.onEnter[to])
	t.mu.Unlock()

	for _, hook := range hooks {
		hook(executionID, from, to)
	}
	return nil
}

// State returns the current state of executionID, StateUnknown if untracked.
func (t *StateTracker) State(executionID string) UpdaterState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[executionID]; ok {
		return e.State
	}
	return StateUnknown
}

// Snapshot returns a copy of the tracked entry of executionID.
func (t *StateTracker) Snapshot(executionID string) (TrackedExecution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[executionID]
	if !ok {
		return TrackedExecution{ExecutionID: executionID}, false
	}
	return *e, true
}

// Forget stops tracking the given executions.
func (t *StateTracker) Forget(executionIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range executionIDs {
		delete(t.entries, id)
	}
}
