package saga

import (
	"context"
	"errors"
	"fmt"
)

// Step represents a single step in a saga with an execute and compensate function.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
	// Detached steps run even if the caller's context is cancelled. Use it for
	// steps that must not be abandoned once an earlier step changed remote state.
	Detached bool
}

// Saga orchestrates a series of steps with automatic compensation on failure.
type Saga struct {
	name  string
	steps []Step
}

// StepError reports which step of a saga failed.
type StepError struct {
	Saga  string
	Step  string
	Index int
	Err   error
	// CompensationErr is set when compensating earlier steps also failed.
	CompensationErr error
}

func (e *StepError) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("saga %s: step %q failed (%v), compensation also failed: %v", e.Saga, e.Step, e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("saga %s: step %q failed: %v", e.Saga, e.Step, e.Err)
}

func (e *StepError) Unwrap() []error {
	if e.CompensationErr != nil {
		return []error{e.Err, e.CompensationErr}
	}
	return []error{e.Err}
}

// New creates a new saga with the given name.
func New(name string) *Saga {
	return &Saga{name: name}
}

// AddStep adds a step to the saga.
func (s *Saga) AddStep(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Execute runs all saga steps sequentially.
// If any step fails, it compensates all previously completed steps in reverse order.
// A cancelled context stops the saga before the next non-detached step; compensation
// always runs detached from cancellation.
// Returns the index of the failed step and a *StepError, or -1 and nil on success.
func (s *Saga) Execute(ctx context.Context) (failedStep int, err error) {
	completed := make([]int, 0, len(s.steps))

	for i, step := range s.steps {
		stepCtx := ctx
		if step.Detached {
			stepCtx = context.WithoutCancel(ctx)
		}

		err := stepCtx.Err()
		if err == nil {
			err = step.Execute(stepCtx)
		}
		if err != nil {
			stepErr := &StepError{Saga: s.name, Step: step.Name, Index: i, Err: err}
			stepErr.CompensationErr = s.compensate(context.WithoutCancel(ctx), completed)
			return i, stepErr
		}
		completed = append(completed, i)
	}

	return -1, nil
}

func (s *Saga) compensate(ctx context.Context, completedIndexes []int) error {
	var errs []error
	// Compensate in reverse order
	for i := len(completedIndexes) - 1; i >= 0; i-- {
		step := s.steps[completedIndexes[i]]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("compensate step %q: %w", step.Name, err))
		}
	}
	return errors.Join(errs...)
}
