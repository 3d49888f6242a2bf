package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// State is one step of a flow, or one of its two terminal outcomes.
type State string

const (
	StateAcquireLock     State = "AcquireLock"
	StateReportRunning   State = "ReportRunning"
	StateSubmitBuild     State = "SubmitBuild"
	StateFinalize        State = "Finalize"
	StateIngest          State = "Ingest"
	StateReportSucceeded State = "ReportSucceeded"
	StateReleaseLock     State = "ReleaseLock"
	StateReportFailed    State = "ReportFailed"
	StateReleaseOnFailed State = "ReleaseLockOnFailure"
	StateSucceeded       State = "Succeeded"
	StateFailed          State = "Failed"
)

// Terminal reports whether s ends a flow.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Transition names the next state after a step succeeds or fails.
type Transition struct {
	OnSuccess State
	OnFailure State
}

// Table maps every non-terminal state to its transition.
type Table map[State]Transition

// Validate checks that every state reachable from start has a transition
// and that both edges lead somewhere known.
func (t Table) Validate(start State) error {
	seen := map[State]bool{}
	var walk func(s State) error
	walk = func(s State) error {
		if s.Terminal() || seen[s] {
			return nil
		}
		seen[s] = true
		tr, ok := t[s]
		if !ok {
			return fmt.Errorf("orchestrator: no transition for state %s", s)
		}
		if tr.OnSuccess == "" || tr.OnFailure == "" {
			return fmt.Errorf("orchestrator: state %s has an empty edge", s)
		}
		if err := walk(tr.OnSuccess); err != nil {
			return err
		}
		return walk(tr.OnFailure)
	}
	return walk(start)
}

// SharedTable drives the shared knowledge bases pass. A lock that was never
// acquired skips both release states.
var SharedTable = Table{
	StateAcquireLock:     {OnSuccess: StateReportRunning, OnFailure: StateReportFailed},
	StateReportRunning:   {OnSuccess: StateSubmitBuild, OnFailure: StateReportFailed},
	StateSubmitBuild:     {OnSuccess: StateFinalize, OnFailure: StateReportFailed},
	StateFinalize:        {OnSuccess: StateIngest, OnFailure: StateReportFailed},
	StateIngest:          {OnSuccess: StateReportSucceeded, OnFailure: StateReportFailed},
	StateReportSucceeded: {OnSuccess: StateReleaseLock, OnFailure: StateReleaseOnFailed},
	StateReleaseLock:     {OnSuccess: StateSucceeded, OnFailure: StateSucceeded},
	StateReportFailed:    {OnSuccess: StateReleaseOnFailed, OnFailure: StateReleaseOnFailed},
	StateReleaseOnFailed: {OnSuccess: StateFailed, OnFailure: StateFailed},
}

// BotTable drives one bot's flow.
var BotTable = Table{
	StateAcquireLock:     {OnSuccess: StateReportRunning, OnFailure: StateReportFailed},
	StateReportRunning:   {OnSuccess: StateSubmitBuild, OnFailure: StateReportFailed},
	StateSubmitBuild:     {OnSuccess: StateFinalize, OnFailure: StateReportFailed},
	StateFinalize:        {OnSuccess: StateIngest, OnFailure: StateReportFailed},
	StateIngest:          {OnSuccess: StateReportSucceeded, OnFailure: StateReportFailed},
	StateReportSucceeded: {OnSuccess: StateReleaseLock, OnFailure: StateReleaseOnFailed},
	StateReleaseLock:     {OnSuccess: StateSucceeded, OnFailure: StateSucceeded},
	StateReportFailed:    {OnSuccess: StateReleaseOnFailed, OnFailure: StateReleaseOnFailed},
	StateReleaseOnFailed: {OnSuccess: StateFailed, OnFailure: StateFailed},
}

// Step is the work done in one state.
type Step func(ctx context.Context) error

// StepRecord is one executed step in a flow's history.
type StepRecord struct {
	State    State
	Err      error
	Started  time.Time
	Duration time.Duration
}

// machine runs one flow instance through a table, one step at a time.
type machine struct {
	scope  string
	table  Table
	steps  map[State]Step
	logger *slog.Logger
	// cause is the first step error, visible to the failure steps.
	cause error
}

// run executes steps from start until a terminal state and returns it with
// the step history. The first step error is returned as the cause.
func (m *machine) run(ctx context.Context, start State) (State, []StepRecord, error) {
	var history []StepRecord
	state := start
	for !state.Terminal() {
		tr, ok := m.table[state]
		if !ok {
			err := fmt.Errorf("orchestrator: %s: no transition for state %s", m.scope, state)
			return StateFailed, history, err
		}
		step, ok := m.steps[state]
		if !ok {
			err := fmt.Errorf("orchestrator: %s: no step for state %s", m.scope, state)
			return StateFailed, history, err
		}

		started := time.Now()
		err := step(ctx)
		history = append(history, StepRecord{State: state, Err: err, Started: started, Duration: time.Since(started)})

		next := tr.OnSuccess
		if err != nil {
			next = tr.OnFailure
			if m.cause == nil {
				m.cause = err
			}
			m.logger.Warn("step failed", "scope", m.scope, "state", state, "next", next, "error", err)
		} else {
			m.logger.Debug("step done", "scope", m.scope, "state", state, "next", next)
		}
		state = next
	}
	return state, history, m.cause
}
