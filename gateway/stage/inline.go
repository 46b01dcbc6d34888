// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package stage

import (
	"context"
	"time"

	"clearpath.io/pagw/gateway/bus"
	"clearpath.io/pagw/gateway/tracker"
)

// InlineKind classifies the outcome of an inline run.
type InlineKind int

// Inline outcomes.
const (
	// InlineExhausted means no staged work remains for the submission.
	InlineExhausted InlineKind = iota
	// InlineParked means the next staged stage is outside the allowed set.
	InlineParked
	// InlineCompleted means the submission reached a terminal success.
	InlineCompleted
	// InlineFailed means a stage rejected the submission.
	InlineFailed
	// InlinePending means the payer will answer through a callback.
	InlinePending
	// InlineTransient means a stage failed retryably; the staged row was
	// left for the async arm.
	InlineTransient
	// InlineTimeout means the deadline elapsed before a definitive outcome.
	InlineTimeout
)

// InlineOutcome reports how far an inline run got.
type InlineOutcome struct {
	Kind      InlineKind
	Status    tracker.Status
	LastStage string
	Errors    []ValidationError
}

// RunInline executes staged outbox rows for one submission in-process,
// without the bus. Each consumed row is marked SENT inside the same
// transaction that applies its stage, and rows staged along the way carry
// the hold timestamp so the publisher does not race the run. The run stops
// at the first stage outside allowed, at a definitive outcome, or when the
// context expires.
func (rt *Runtime) RunInline(ctx context.Context, submissionID string, allowed func(stage string) bool, holdUntil time.Time) (outcome InlineOutcome, err error) {
	defer mon.Task()(&ctx)(&err)

	stores := rt.db.Stores()
	for {
		if ctx.Err() != nil {
			outcome.Kind = InlineTimeout
			return outcome, nil
		}

		row, err := stores.Outbox.NextForAggregate(ctx, submissionID)
		if err != nil {
			return outcome, Error.Wrap(err)
		}
		if row == nil {
			outcome.Kind = InlineExhausted
			return outcome, nil
		}
		if !allowed(row.EventType) {
			outcome.Kind = InlineParked
			return outcome, nil
		}

		env, err := bus.DecodeEnvelope(row.Payload)
		if err != nil {
			// a row the runtime itself staged should never be malformed;
			// leave it for the async arm and the DLQ path.
			return outcome, Error.Wrap(err)
		}
		outcome.LastStage = env.Stage

		_, result, err := rt.processEnvelope(ctx, env, applyOpts{
			consumeRowID: row.ID,
			holdUntil:    holdUntil,
		})
		if err != nil {
			return outcome, err
		}

		switch res := result.(type) {
		case TerminalSuccess:
			outcome.Kind = InlineCompleted
			outcome.Status = res.Status
			if outcome.Status == "" {
				outcome.Status = tracker.StatusCompleted
			}
			return outcome, nil
		case ValidationFailure:
			outcome.Kind = InlineFailed
			outcome.Status = tracker.StatusFailed
			outcome.Errors = res.Errors
			return outcome, nil
		case AwaitCallback:
			outcome.Kind = InlinePending
			return outcome, nil
		case TransientFailure:
			if ctx.Err() != nil {
				outcome.Kind = InlineTimeout
			} else {
				outcome.Kind = InlineTransient
			}
			return outcome, nil
		case Advance, FanOut:
			// continue with the rows this stage staged.
		default:
			outcome.Kind = InlineParked
			return outcome, nil
		}
	}
}
