// Package adapter holds the per-job-type executors run by the worker. Adapters
// never touch ledger state: they turn a claimed job into a Result or an error
// and the worker records the outcome.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/tutorledger/internal/ocr"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

var ErrInvalidInput = errors.New("invalid adapter input")

// Result is a successful execution.
type Result struct {
	Output     json.RawMessage
	TokensUsed int64
}

// Adapter executes one job type.
type Adapter interface {
	Type() models.JobType
	Execute(ctx context.Context, job *models.JobExecution) (Result, error)
}

// Kind classifies an adapter failure for the retry decision.
type Kind string

const (
	KindTransient    Kind = "transient"
	KindInvalidInput Kind = "invalid_input"
	KindBadOutput    Kind = "bad_output"
)

// Error is a classified adapter failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func invalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...), Err: ErrInvalidInput}
}

// IsRetryable decides whether a failed attempt should be tried again.
// Bad input never heals on retry; provider outages, timeouts and malformed
// model output might.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind != KindInvalidInput
	}
	switch {
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, models.ErrInvalidSpec),
		errors.Is(err, ocr.ErrImageNotFound),
		errors.Is(err, ocr.ErrImageTooLarge):
		return false
	}
	return true
}

// Registry maps job types to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.JobType]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.JobType]Adapter)}
}

func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("nil adapter")
	}
	t := a.Type()
	if !t.Valid() {
		return fmt.Errorf("unknown job type %q", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[t]; exists {
		return fmt.Errorf("adapter already registered for job_type=%s", t)
	}
	r.adapters[t] = a
	return nil
}

func (r *Registry) Get(jobType models.JobType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[jobType]
	return a, ok
}

// Types lists the registered job types, which is what a worker should claim.
func (r *Registry) Types() []models.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.JobType, 0, len(r.adapters))
	for _, t := range models.JobTypes {
		if _, ok := r.adapters[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func specAs[T models.Specialization](job *models.JobExecution) (T, error) {
	var zero T
	if job == nil || job.Spec == nil {
		return zero, invalidInput("job has no spec")
	}
	spec, ok := job.Spec.(T)
	if !ok {
		return zero, invalidInput("spec type %T does not match job type %s", job.Spec, job.JobType)
	}
	if err := spec.Validate(); err != nil {
		return zero, &Error{Kind: KindInvalidInput, Message: "spec failed validation", Err: err}
	}
	return spec, nil
}
