package pipeline

import (
	"context"
	"errors"

	"go-mirror/internal/model"
)

// Flow-control signals stop a job normally. A processor returning
// Fail(signal) completes the job; it is never counted as a failure.
var (
	ErrAlreadyProcessed      = errors.New("already processed")
	ErrValidationRejected    = errors.New("validation rejected")
	ErrRedirected            = errors.New("redirected")
	ErrRedirectLimitExceeded = errors.New("redirect limit exceeded")
)

var signals = []error{
	ErrAlreadyProcessed,
	ErrValidationRejected,
	ErrRedirected,
	ErrRedirectLimitExceeded,
}

// Signal returns the flow-control signal err wraps, or nil.
func Signal(err error) error {
	for _, s := range signals {
		if errors.Is(err, s) {
			return s
		}
	}
	return nil
}

type outcomeKind int

const (
	continueOutcome outcomeKind = iota
	completeOutcome
	failOutcome
)

// Outcome is what a processor returns for a job.
type Outcome struct {
	kind    outcomeKind
	payload model.Payload
	reason  string
	err     error
}

// Continue hands the job to the next processor.
func Continue() Outcome { return Outcome{kind: continueOutcome} }

// ContinueWith replaces the job payload before the next processor runs.
func ContinueWith(p model.Payload) Outcome {
	return Outcome{kind: continueOutcome, payload: p}
}

// Complete finishes the job successfully without running the remaining
// processors.
func Complete(reason string) Outcome {
	return Outcome{kind: completeOutcome, reason: reason}
}

func Fail(err error) Outcome {
	if err == nil {
		err = errors.New("processor failed without an error")
	}
	return Outcome{kind: failOutcome, err: err}
}

type Processor interface {
	Process(ctx context.Context, job *model.Job) Outcome
}

type ProcessorFunc func(ctx context.Context, job *model.Job) Outcome

func (f ProcessorFunc) Process(ctx context.Context, job *model.Job) Outcome {
	return f(ctx, job)
}
