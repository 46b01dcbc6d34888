// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"clearpath.io/pagw/gateway/auditlog"
	"clearpath.io/pagw/gateway/bus"
	"clearpath.io/pagw/gateway/events"
	"clearpath.io/pagw/gateway/objectstore"
	"clearpath.io/pagw/gateway/outbox"
	"clearpath.io/pagw/gateway/pipeline"
	"clearpath.io/pagw/gateway/tracker"
)

var (
	mon = monkit.Package()

	// Error is the default stage errs class.
	Error = errs.Class("stage")
)

// Config holds runtime settings shared by all stages.
type Config struct {
	Deadline      time.Duration `help:"per-invocation deadline" default:"5m" testDefault:"1m"`
	PayerDeadline time.Duration `help:"payer-call invocation deadline" default:"10m" testDefault:"1m"`

	OutboxMaxRetries int `help:"publish attempts before a staged row goes dead" default:"10"`
}

// Request is what a handler sees: the envelope, the current tracker row and
// the artifact the envelope points at. Stores are outside any transaction;
// handlers use them to read collaborators and to record side-path state
// (attachments), never to touch the tracker or the outbox. Those mutations
// belong to the runtime.
type Request struct {
	Envelope *bus.Envelope
	Tracker  *tracker.Tracker
	Artifact []byte
	Stores   Stores
}

// Handler runs one stage against a request.
//
// Handlers are pure against their inputs: they read collaborator stores and
// the object store, compute, and describe the outcome as a Result. All
// tracker and outbox mutations are applied by the runtime.
type Handler interface {
	Run(ctx context.Context, req *Request) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (Result, error)

// Run implements Handler.
func (fn HandlerFunc) Run(ctx context.Context, req *Request) (Result, error) { return fn(ctx, req) }

// Disposition tells the worker how to settle the bus delivery.
type Disposition int

// Dispositions.
const (
	// Ack removes the message; the stage's effects are committed.
	Ack Disposition = iota
	// Nack redelivers after the visibility timeout.
	Nack
	// DLQ routes the message to the dead-letter queue without retry.
	DLQ
)

// Runtime drives stage handlers: it brackets every invocation with timeline
// events, applies the handler's Result transactionally, and stages follow-up
// outbox rows. The bus delivery is settled only after the commit.
type Runtime struct {
	log      *zap.Logger
	db       DB
	objects  objectstore.Store
	bucket   string
	def      *pipeline.Definition
	handlers map[string]Handler
	config   Config
}

// NewRuntime creates a runtime over the pipeline definition.
func NewRuntime(log *zap.Logger, db DB, objects objectstore.Store, bucket string, def *pipeline.Definition, config Config) *Runtime {
	return &Runtime{
		log:      log,
		db:       db,
		objects:  objects,
		bucket:   bucket,
		def:      def,
		handlers: make(map[string]Handler),
		config:   config,
	}
}

// Register binds a handler to a stage name.
func (rt *Runtime) Register(stage string, handler Handler) {
	rt.handlers[stage] = handler
}

// Process runs the stage addressed by the delivery and reports how to settle
// it.
func (rt *Runtime) Process(ctx context.Context, delivery *bus.Delivery) (_ Disposition, err error) {
	defer mon.Task()(&ctx)(&err)

	env, err := bus.DecodeEnvelope(delivery.Body)
	if err != nil {
		rt.log.Warn("poison message", zap.String("queue", delivery.Queue), zap.Error(err))
		return DLQ, nil
	}
	disposition, _, err := rt.processEnvelope(ctx, env, applyOpts{})
	return disposition, err
}

// applyOpts adjusts how the runtime applies a result.
type applyOpts struct {
	// consumeRowID, when set, marks the outbox row SENT inside the apply
	// transaction. Used by the inline runner, which executes a staged row
	// without it ever reaching the bus.
	consumeRowID int64
	// holdUntil delays rows staged by this run so the publisher does not
	// race an in-process continuation.
	holdUntil time.Time
}

func (rt *Runtime) processEnvelope(ctx context.Context, env *bus.Envelope, opts applyOpts) (_ Disposition, _ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	log := rt.log.With(
		zap.String("submission_id", env.SubmissionID),
		zap.String("stage", env.Stage))

	def, ok := rt.def.Lookup(env.Stage)
	if !ok {
		log.Warn("message addressed to unknown stage")
		return DLQ, nil, nil
	}
	handler, ok := rt.handlers[env.Stage]
	if !ok {
		log.Warn("no handler registered for stage")
		return DLQ, nil, nil
	}

	stores := rt.db.Stores()
	current, err := stores.Tracker.Get(ctx, env.SubmissionID)
	if tracker.ErrNotFound.Has(err) {
		log.Warn("message for untracked submission")
		return DLQ, nil, nil
	}
	if err != nil {
		return Nack, nil, Error.Wrap(err)
	}
	if current.Status.Terminal() && !def.SidePath {
		// replayed delivery after completion; the message is stale. Side
		// paths still run: they settle their own rows and the timeline,
		// never the frozen tracker row.
		log.Debug("dropping message for terminal submission", zap.String("status", string(current.Status)))
		return Ack, nil, nil
	}

	start := time.Now()
	err = rt.db.WithTx(ctx, func(ctx context.Context, tx Stores) error {
		if err := tx.Events.Append(ctx, &events.Event{
			SubmissionID: env.SubmissionID,
			Stage:        env.Stage,
			Kind:         events.StageStart,
		}); err != nil {
			return err
		}
		if def.SidePath {
			// side paths report through the timeline only; the main-path
			// status is not theirs to move.
			return nil
		}
		return tx.Tracker.UpdateStatus(ctx, env.SubmissionID, def.InProgress, env.Stage)
	})
	if err != nil {
		return Nack, nil, Error.Wrap(err)
	}

	var artifact []byte
	if env.PayloadKey != "" {
		artifact, err = rt.objects.Get(ctx, env.PayloadBucket, env.PayloadKey)
		if err != nil {
			rt.recordFailure(ctx, env, def, "ARTIFACT_UNAVAILABLE", err.Error(), true, time.Since(start))
			return Nack, nil, nil
		}
	}

	deadline := rt.config.Deadline
	if env.Stage == pipeline.StagePayerCall && rt.config.PayerDeadline > 0 {
		deadline = rt.config.PayerDeadline
	}
	handlerCtx, cancel := context.WithTimeout(ctx, deadline)
	result, err := handler.Run(handlerCtx, &Request{
		Envelope: env,
		Tracker:  current,
		Artifact: artifact,
		Stores:   stores,
	})
	cancel()
	if err != nil {
		// handlers surface transient failures as results; a returned error
		// is an infrastructure fault and is retried the same way.
		result = TransientFailure{Code: "STAGE_FAILURE", Message: err.Error()}
	}
	duration := time.Since(start)

	switch result.(type) {
	case Advance, FanOut, TerminalSuccess, AwaitCallback:
		err := rt.db.WithTx(ctx, func(ctx context.Context, tx Stores) error {
			if err := rt.applySuccess(ctx, tx, env, def, result, opts); err != nil {
				return err
			}
			if opts.consumeRowID != 0 {
				if err := tx.Outbox.MarkSent(ctx, opts.consumeRowID); err != nil {
					return err
				}
			}
			return tx.Events.Append(ctx, &events.Event{
				SubmissionID: env.SubmissionID,
				Stage:        env.Stage,
				Kind:         events.StageOK,
				Duration:     duration,
			})
		})
		if err != nil {
			return Nack, nil, Error.Wrap(err)
		}
		log.Debug("stage ok", zap.Duration("duration", duration))
		return Ack, result, nil

	case ValidationFailure:
		res := result.(ValidationFailure)
		code := "VALIDATION_FAILED"
		message := "validation failed"
		if len(res.Errors) > 0 {
			code, message = res.Errors[0].Code, res.Errors[0].Message
		}
		err := rt.db.WithTx(ctx, func(ctx context.Context, tx Stores) error {
			if err := tx.Events.Append(ctx, &events.Event{
				SubmissionID: env.SubmissionID,
				Stage:        env.Stage,
				Kind:         events.StageFail,
				Retryable:    false,
				Duration:     duration,
				ErrorCode:    code,
				ErrorMessage: message,
			}); err != nil {
				return err
			}
			if err := tx.Tracker.UpdateError(ctx, env.SubmissionID, def.Error, env.Stage, code, message); err != nil {
				return err
			}
			if err := tx.Tracker.UpdateFinalStatus(ctx, env.SubmissionID, tracker.StatusFailed, env.Stage, tracker.Ref{}); err != nil {
				return err
			}
			if opts.consumeRowID != 0 {
				if err := tx.Outbox.MarkSent(ctx, opts.consumeRowID); err != nil {
					return err
				}
			}
			return rt.audit(ctx, tx, env, auditlog.ActionTerminal, map[string]interface{}{
				"status": tracker.StatusFailed,
				"stage":  env.Stage,
				"errors": res.Errors,
			})
		})
		if err != nil {
			return Nack, nil, Error.Wrap(err)
		}
		log.Info("stage rejected submission", zap.String("error_code", code))
		return Ack, result, nil

	case TransientFailure:
		res := result.(TransientFailure)
		rt.recordFailure(ctx, env, def, res.Code, res.Message, true, duration)
		log.Warn("stage failed transiently", zap.String("error_code", res.Code), zap.String("error", res.Message))
		return Nack, result, nil

	default:
		log.Error("handler returned unknown result", zap.Any("result", result))
		return DLQ, nil, nil
	}
}

// recordFailure captures a retryable failure on the timeline and the tracker.
// Best effort; the redelivery itself does not depend on it.
func (rt *Runtime) recordFailure(ctx context.Context, env *bus.Envelope, def pipeline.Stage, code, message string, retryable bool, duration time.Duration) {
	// side paths record the error status without moving lastStage.
	errorStage := env.Stage
	if def.SidePath {
		errorStage = ""
	}
	err := rt.db.WithTx(ctx, func(ctx context.Context, tx Stores) error {
		if err := tx.Events.Append(ctx, &events.Event{
			SubmissionID: env.SubmissionID,
			Stage:        env.Stage,
			Kind:         events.StageFail,
			Retryable:    retryable,
			Duration:     duration,
			ErrorCode:    code,
			ErrorMessage: message,
		}); err != nil {
			return err
		}
		return tx.Tracker.UpdateError(ctx, env.SubmissionID, def.Error, errorStage, code, message)
	})
	if err != nil {
		rt.log.Error("recording stage failure failed",
			zap.String("submission_id", env.SubmissionID), zap.Error(err))
	}
}

func (rt *Runtime) applySuccess(ctx context.Context, tx Stores, env *bus.Envelope, def pipeline.Stage, result Result, opts applyOpts) error {
	switch res := result.(type) {
	case Advance:
		if !res.Ref.IsZero() && res.Slot != "" {
			if err := tx.Tracker.SetRef(ctx, env.SubmissionID, res.Slot, res.Ref); err != nil {
				return err
			}
		}
		if !def.SidePath {
			if err := tx.Tracker.UpdateStatus(ctx, env.SubmissionID, def.Done, env.Stage); err != nil {
				return err
			}
		}
		if res.AttachmentCount > 0 {
			env.HasAttachments = true
			env.AttachmentCount = res.AttachmentCount
		}
		if res.ExternalReferenceID != "" {
			env.ExternalReferenceID = res.ExternalReferenceID
			if err := tx.Tracker.UpdateExternalReference(ctx, env.SubmissionID, res.ExternalReferenceID); err != nil {
				return err
			}
		}
		next := res.Stage
		if next == "" {
			next = def.Next
		}
		if next == "" {
			if def.SidePath {
				return nil
			}
			return Error.New("stage %q advanced with no successor", env.Stage)
		}
		if err := rt.stageNext(ctx, tx, env, next, res.Route, res.ParsedDataPath, res.Metadata, opts); err != nil {
			return err
		}
		if res.Attachments && env.HasAttachments {
			for _, side := range def.FanOut {
				if err := rt.stageNext(ctx, tx, env, side, res.Route, res.ParsedDataPath, res.Metadata, opts); err != nil {
					return err
				}
			}
		}
		return nil

	case FanOut:
		if err := tx.Tracker.UpdateStatus(ctx, env.SubmissionID, def.Done, env.Stage); err != nil {
			return err
		}
		for _, route := range res.Routes {
			next := route.Stage
			if next == "" {
				next = def.Next
			}
			if err := rt.stageNext(ctx, tx, env, next, route, env.ParsedDataS3Path, nil, opts); err != nil {
				return err
			}
		}
		return nil

	case TerminalSuccess:
		status := res.Status
		if status == "" {
			status = tracker.StatusCompleted
		}
		if !res.Ref.IsZero() && res.Slot != "" {
			if err := tx.Tracker.SetRef(ctx, env.SubmissionID, res.Slot, res.Ref); err != nil {
				return err
			}
		}
		if err := tx.Tracker.UpdateFinalStatus(ctx, env.SubmissionID, status, env.Stage, res.Ref); err != nil {
			return err
		}
		return rt.audit(ctx, tx, env, auditlog.ActionTerminal, map[string]interface{}{
			"status": status,
			"stage":  env.Stage,
		})

	case AwaitCallback:
		if res.ExternalReferenceID != "" {
			if err := tx.Tracker.UpdateExternalReference(ctx, env.SubmissionID, res.ExternalReferenceID); err != nil {
				return err
			}
		}
		return tx.Tracker.UpdateStatus(ctx, env.SubmissionID, tracker.StatusAwaitingCallback, env.Stage)
	}
	return Error.New("unhandled result %T", result)
}

// stageNext writes the outbox row carrying the submission into next.
func (rt *Runtime) stageNext(ctx context.Context, tx Stores, env *bus.Envelope, next string, route Route, parsedDataPath string, metadata map[string]string, opts applyOpts) error {
	out := *env
	out.Stage = next
	out.MessageID = MessageID(env.SubmissionID, next)
	out.CreatedAt = time.Now()
	if !route.Ref.IsZero() {
		out.PayloadBucket = route.Ref.Bucket
		out.PayloadKey = route.Ref.Key
	}
	if parsedDataPath != "" {
		out.ParsedDataS3Path = parsedDataPath
	}
	if len(metadata) > 0 {
		merged := make(map[string]string, len(env.Metadata)+len(metadata))
		for k, v := range env.Metadata {
			merged[k] = v
		}
		for k, v := range metadata {
			merged[k] = v
		}
		out.Metadata = merged
	}

	payload, err := out.Encode()
	if err != nil {
		return err
	}
	return tx.Outbox.Stage(ctx, &outbox.Record{
		Tenant:      env.Tenant,
		AggregateID: env.SubmissionID,
		EventType:   next,
		Destination: next,
		MessageID:   out.MessageID,
		Payload:     payload,
		MaxRetries:  rt.config.OutboxMaxRetries,
		NextRetryAt: opts.holdUntil,
	})
}

func (rt *Runtime) audit(ctx context.Context, tx Stores, env *bus.Envelope, action string, detail map[string]interface{}) error {
	if tx.Audit == nil {
		return nil
	}
	encoded, err := json.Marshal(detail)
	if err != nil {
		return Error.Wrap(err)
	}
	return tx.Audit.Append(ctx, &auditlog.Entry{
		SubmissionID: env.SubmissionID,
		Tenant:       env.Tenant,
		Actor:        "pipeline",
		Action:       action,
		Detail:       encoded,
	})
}

// MessageID is the deterministic dedup id for the message carrying a
// submission into a stage. Replayed stage runs produce the same id, which
// collapses duplicates at the outbox and on the bus.
func MessageID(submissionID, stage string) string {
	return fmt.Sprintf("%s-%s", submissionID, stage)
}
