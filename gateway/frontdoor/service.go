// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package frontdoor implements the orchestrator front door: submission
// ingress, the bounded sync runner, the async hand-off, and the status and
// callback surfaces.
package frontdoor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"clearpath.io/pagw/gateway/auditlog"
	"clearpath.io/pagw/gateway/bus"
	"clearpath.io/pagw/gateway/idempotency"
	"clearpath.io/pagw/gateway/kms"
	"clearpath.io/pagw/gateway/objectstore"
	"clearpath.io/pagw/gateway/outbox"
	"clearpath.io/pagw/gateway/pipeline"
	"clearpath.io/pagw/gateway/stage"
	"clearpath.io/pagw/gateway/stages"
	"clearpath.io/pagw/gateway/tracker"
)

var (
	mon = monkit.Package()

	// Error is the default frontdoor errs class.
	Error = errs.Class("frontdoor")
)

// Config holds the front door settings.
type Config struct {
	Address string `help:"address the submission api listens on" default:":8080" testDefault:"127.0.0.1:0"`

	SyncEnabled  bool          `help:"attempt the bounded synchronous path" default:"true"`
	SyncDeadline time.Duration `help:"hard cap on the synchronous path" default:"13s" testDefault:"5s"`
	// SyncHold delays rows staged during the sync run so the publisher does
	// not race the in-process continuation.
	SyncHold time.Duration `help:"publisher hold applied to rows staged during a sync run" default:"30s"`

	DefaultTenant    string `help:"tenant recorded when the caller sends none" default:"default"`
	OutboxMaxRetries int    `help:"publish attempts before a staged row goes dead" default:"10"`
}

// Response is the front door's reply to a submission.
type Response struct {
	SubmissionID        string                  `json:"submissionId"`
	Status              string                  `json:"status"`
	ClaimResponseBundle json.RawMessage         `json:"claimResponseBundle,omitempty"`
	ValidationErrors    []stage.ValidationError `json:"validationErrors,omitempty"`
}

// Front-door reply statuses.
const (
	StatusApproved  = "approved"
	StatusError     = "error"
	StatusPended    = "pended"
	StatusDuplicate = "duplicate"
	StatusAccepted  = "accepted"
)

// Service is the orchestrator front door.
//
// architecture: Service
type Service struct {
	log     *zap.Logger
	db      stage.DB
	objects objectstore.Store
	kms     kms.Service
	idem    idempotency.Store
	runtime *stage.Runtime
	def     *pipeline.Definition
	buckets objectstore.Config
	config  Config

	gen Generator
	now func() time.Time
}

// NewService creates the front door service.
func NewService(log *zap.Logger, db stage.DB, objects objectstore.Store, kmsService kms.Service, idem idempotency.Store, runtime *stage.Runtime, def *pipeline.Definition, buckets objectstore.Config, config Config) *Service {
	return &Service{
		log:     log,
		db:      db,
		objects: objects,
		kms:     kmsService,
		idem:    idem,
		runtime: runtime,
		def:     def,
		buckets: buckets,
		config:  config,
		now:     time.Now,
	}
}

// SubmitRequest carries one inbound submission.
type SubmitRequest struct {
	Body           []byte
	Tenant         string
	CorrelationID  string
	IdempotencyKey string
	SyncMode       bool
}

// Submit accepts a bundle and drives it as far as the sync window allows.
// Sync reports whether the response is definitive (HTTP 200) rather than an
// async acceptance (HTTP 202).
func (service *Service) Submit(ctx context.Context, req SubmitRequest) (_ Response, sync bool, err error) {
	defer mon.Task()(&ctx)(&err)

	tenant := req.Tenant
	if tenant == "" {
		tenant = service.config.DefaultTenant
	}

	// idempotency first: a replayed key must cause no side effects.
	receivedAt := service.now().UTC()
	submissionID := service.gen.Next(receivedAt)
	if req.IdempotencyKey != "" {
		existing, claimed, err := service.idem.CheckAndSet(ctx, tenant, req.IdempotencyKey, idempotency.Record{
			SubmissionID: submissionID,
			RequestHash:  contentHash(req.Body),
		})
		if err != nil {
			return Response{}, false, Error.Wrap(err)
		}
		if !claimed {
			service.auditBestEffort(ctx, existing.SubmissionID, tenant, auditlog.ActionDuplicate, map[string]interface{}{
				"idempotencyKey": req.IdempotencyKey,
			})
			if existing.ResponseRef == "" {
				// the submission may have completed on the async arm, where
				// finishSync never ran; pull the pointer from the tracker.
				service.attachLateResponse(ctx, tenant, req.IdempotencyKey, existing.SubmissionID)
			}
			return Response{SubmissionID: existing.SubmissionID, Status: StatusDuplicate}, true, nil
		}
		// a failed submit drops the claim, so a retry with the same key is
		// not answered as a duplicate of a submission that never existed.
		defer func() {
			if err != nil {
				if relErr := service.idem.Release(ctx, tenant, req.IdempotencyKey); relErr != nil {
					service.log.Error("releasing idempotency claim failed",
						zap.String("submission_id", submissionID), zap.Error(relErr))
				}
			}
		}()
	}

	raw := req.Body
	sealed := false
	if service.kms.Enabled() {
		raw, err = service.kms.Seal(ctx, raw)
		if err != nil {
			return Response{}, false, Error.Wrap(err)
		}
		sealed = true
	}

	keys := objectstore.NewKeys(submissionID, receivedAt)
	if err := service.objects.Put(ctx, service.buckets.Bucket, keys.Raw(), raw); err != nil {
		return Response{}, false, Error.Wrap(err)
	}
	rawRef := tracker.Ref{Bucket: service.buckets.Bucket, Key: keys.Raw()}

	// create the tracker and the first outbox row in one transaction. The
	// row is held so only the sync runner or an explicit release hands it
	// to the publisher.
	env := &bus.Envelope{
		SubmissionID:  submissionID,
		MessageID:     stage.MessageID(submissionID, pipeline.StageParse),
		SchemaVersion: bus.SchemaVersion,
		Stage:         pipeline.StageParse,
		Tenant:        tenant,
		PayloadBucket: rawRef.Bucket,
		PayloadKey:    rawRef.Key,
		CreatedAt:     receivedAt,
	}
	payload, err := env.Encode()
	if err != nil {
		return Response{}, false, Error.Wrap(err)
	}
	hold := service.now().Add(service.config.SyncHold)
	err = service.db.WithTx(ctx, func(ctx context.Context, tx stage.Stores) error {
		if err := tx.Tracker.Create(ctx, &tracker.Tracker{
			SubmissionID:   submissionID,
			Tenant:         tenant,
			IdempotencyKey: req.IdempotencyKey,
			CorrelationID:  req.CorrelationID,
			Status:         tracker.StatusReceived,
			RawRef:         rawRef,
			ReceivedAt:     receivedAt,
			ContainsPHI:    true,
			PHIEncrypted:   sealed,
		}); err != nil {
			return err
		}
		if err := tx.Outbox.Stage(ctx, &outbox.Record{
			Tenant:      tenant,
			AggregateID: submissionID,
			EventType:   pipeline.StageParse,
			Destination: pipeline.StageParse,
			MessageID:   env.MessageID,
			Payload:     payload,
			MaxRetries:  service.config.OutboxMaxRetries,
			NextRetryAt: hold,
		}); err != nil {
			return err
		}
		return service.audit(ctx, tx, submissionID, tenant, auditlog.ActionSubmitted, map[string]interface{}{
			"correlationId": req.CorrelationID,
			"syncMode":      req.SyncMode,
		})
	})
	if err != nil {
		return Response{}, false, Error.Wrap(err)
	}

	if req.SyncMode && service.config.SyncEnabled {
		response, definitive := service.runSync(ctx, submissionID, tenant, req.IdempotencyKey, hold)
		if definitive {
			return response, true, nil
		}
	}

	return service.activateAsync(ctx, submissionID, tenant, req.SyncMode && service.config.SyncEnabled)
}

// runSync drives the staged pipeline in-process under the sync deadline.
// The second return reports whether the outcome is definitive.
func (service *Service) runSync(ctx context.Context, submissionID, tenant, idemKey string, hold time.Time) (Response, bool) {
	syncCtx, cancel := context.WithTimeout(ctx, service.config.SyncDeadline)
	defer cancel()

	mainPath := map[string]bool{}
	for _, s := range service.def.Main() {
		mainPath[s.Name] = true
	}

	outcome, err := service.runtime.RunInline(syncCtx, submissionID,
		func(stage string) bool { return mainPath[stage] }, hold)
	if err != nil {
		service.log.Warn("sync run aborted",
			zap.String("submission_id", submissionID), zap.Error(err))
		return Response{}, false
	}

	// the recording below uses the request context; the sync deadline only
	// bounds stage work.
	switch outcome.Kind {
	case stage.InlineCompleted:
		service.finishSync(ctx, submissionID, tenant, idemKey)
		return service.completedResponse(ctx, submissionID), true

	case stage.InlineFailed:
		service.finishSync(ctx, submissionID, tenant, idemKey)
		return Response{
			SubmissionID:     submissionID,
			Status:           StatusError,
			ValidationErrors: outcome.Errors,
		}, true

	default:
		// pending, parked, transient, or timeout: the async arm finishes.
		return Response{}, false
	}
}

func (service *Service) finishSync(ctx context.Context, submissionID, tenant, idemKey string) {
	stores := service.db.Stores()
	if err := stores.Tracker.MarkSyncProcessed(ctx, submissionID); err != nil {
		service.log.Error("marking sync processed failed",
			zap.String("submission_id", submissionID), zap.Error(err))
	}
	// attachments side-path rows may still be staged; hand them over.
	if err := stores.Outbox.Release(ctx, submissionID); err != nil {
		service.log.Error("releasing outbox rows failed",
			zap.String("submission_id", submissionID), zap.Error(err))
	}
	if idemKey != "" {
		current, err := stores.Tracker.Get(ctx, submissionID)
		if err == nil && !current.FinalResponseRef.IsZero() {
			if err := service.idem.RecordResponse(ctx, tenant, idemKey, current.FinalResponseRef.Key); err != nil {
				service.log.Error("recording idempotent response failed",
					zap.String("submission_id", submissionID), zap.Error(err))
			}
		}
	}
	service.auditBestEffort(ctx, submissionID, tenant, auditlog.ActionSyncCompleted, nil)
}

// attachLateResponse fills in the response pointer of an idempotency record
// whose submission reached a terminal state outside the sync path.
func (service *Service) attachLateResponse(ctx context.Context, tenant, key, submissionID string) {
	current, err := service.db.Stores().Tracker.Get(ctx, submissionID)
	if err != nil || current.FinalResponseRef.IsZero() {
		return
	}
	if err := service.idem.RecordResponse(ctx, tenant, key, current.FinalResponseRef.Key); err != nil {
		service.log.Error("recording idempotent response failed",
			zap.String("submission_id", submissionID), zap.Error(err))
	}
}

// completedResponse shapes the final response artifact into the sync reply.
func (service *Service) completedResponse(ctx context.Context, submissionID string) Response {
	response := Response{SubmissionID: submissionID, Status: StatusApproved}

	current, err := service.db.Stores().Tracker.Get(ctx, submissionID)
	if err != nil || current.FinalResponseRef.IsZero() {
		return response
	}
	data, err := service.objects.Get(ctx, current.FinalResponseRef.Bucket, current.FinalResponseRef.Key)
	if err != nil {
		service.log.Warn("final response unreadable",
			zap.String("submission_id", submissionID), zap.Error(err))
		return response
	}

	var final stages.FinalResponse
	if err := json.Unmarshal(data, &final); err == nil && final.Status != "" {
		response.Status = final.Status
	}
	response.ClaimResponseBundle = data
	return response
}

// activateAsync flips the async latch and releases held rows so the
// publisher drives the pipeline. Exactly one caller per submission wins the
// latch; the rest return the same acceptance without staging anything.
func (service *Service) activateAsync(ctx context.Context, submissionID, tenant string, syncAttempted bool) (Response, bool, error) {
	stores := service.db.Stores()

	won, err := stores.Tracker.TryMarkAsyncQueued(ctx, submissionID)
	if err != nil {
		return Response{}, false, Error.Wrap(err)
	}
	if won {
		if err := stores.Outbox.Release(ctx, submissionID); err != nil {
			return Response{}, false, Error.Wrap(err)
		}
		service.auditBestEffort(ctx, submissionID, tenant, auditlog.ActionAsyncQueued, nil)
	}

	status := StatusAccepted
	if syncAttempted {
		// the caller asked for sync and got no definitive answer in time.
		status = StatusPended
	}
	return Response{SubmissionID: submissionID, Status: status}, syncAttempted, nil
}

// Status returns the tracker snapshot and the stage history.
func (service *Service) Status(ctx context.Context, submissionID string) (*tracker.Tracker, []StatusEvent, error) {
	stores := service.db.Stores()

	current, err := stores.Tracker.Get(ctx, submissionID)
	if err != nil {
		return nil, nil, err
	}
	timeline, err := stores.Events.Timeline(ctx, submissionID)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}

	history := make([]StatusEvent, 0, len(timeline))
	for _, event := range timeline {
		history = append(history, StatusEvent{
			SequenceNo: event.SequenceNo,
			Stage:      event.Stage,
			Kind:       string(event.Kind),
			ErrorCode:  event.ErrorCode,
			At:         event.CreatedAt,
		})
	}
	return current, history, nil
}

// StatusEvent is one stage-history entry on the status surface.
type StatusEvent struct {
	SequenceNo int64     `json:"sequenceNo"`
	Stage      string    `json:"stage"`
	Kind       string    `json:"kind"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	At         time.Time `json:"at"`
}

// ApplyCallback records an async payer decision and re-injects the
// submission at build-response.
func (service *Service) ApplyCallback(ctx context.Context, submissionID string, decision []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	stores := service.db.Stores()
	current, err := stores.Tracker.Get(ctx, submissionID)
	if err != nil {
		return err
	}
	if current.Status != tracker.StatusAwaitingCallback {
		return Error.New("submission %s is not awaiting a callback (status %s)", submissionID, current.Status)
	}

	keys := objectstore.NewKeys(submissionID, current.ReceivedAt)
	if err := service.objects.Put(ctx, service.buckets.Bucket, keys.PayerRaw(), decision); err != nil {
		return Error.Wrap(err)
	}

	env := &bus.Envelope{
		SubmissionID:        submissionID,
		MessageID:           stage.MessageID(submissionID, pipeline.StageBuildResp),
		SchemaVersion:       bus.SchemaVersion,
		Stage:               pipeline.StageBuildResp,
		Tenant:              current.Tenant,
		PayloadBucket:       service.buckets.Bucket,
		PayloadKey:          keys.PayerRaw(),
		ExternalReferenceID: current.ExternalReferenceID,
		CreatedAt:           service.now(),
	}
	payload, err := env.Encode()
	if err != nil {
		return Error.Wrap(err)
	}

	return Error.Wrap(service.db.WithTx(ctx, func(ctx context.Context, tx stage.Stores) error {
		if err := tx.Tracker.SetRef(ctx, submissionID, tracker.RefPayerReply, tracker.Ref{
			Bucket: service.buckets.Bucket,
			Key:    keys.PayerRaw(),
		}); err != nil {
			return err
		}
		if err := tx.Outbox.Stage(ctx, &outbox.Record{
			Tenant:      current.Tenant,
			AggregateID: submissionID,
			EventType:   pipeline.StageBuildResp,
			Destination: pipeline.StageBuildResp,
			MessageID:   env.MessageID,
			Payload:     payload,
			MaxRetries:  service.config.OutboxMaxRetries,
		}); err != nil {
			return err
		}
		return service.audit(ctx, tx, submissionID, current.Tenant, auditlog.ActionCallbackApplied, nil)
	}))
}

func (service *Service) audit(ctx context.Context, tx stage.Stores, submissionID, tenant, action string, detail map[string]interface{}) error {
	if tx.Audit == nil {
		return nil
	}
	encoded, err := json.Marshal(detail)
	if err != nil {
		return Error.Wrap(err)
	}
	return tx.Audit.Append(ctx, &auditlog.Entry{
		SubmissionID: submissionID,
		Tenant:       tenant,
		Actor:        "front-door",
		Action:       action,
		Detail:       encoded,
	})
}

// contentHash fingerprints a request body for idempotency records.
func contentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (service *Service) auditBestEffort(ctx context.Context, submissionID, tenant, action string, detail map[string]interface{}) {
	stores := service.db.Stores()
	if err := service.audit(ctx, stage.Stores{Audit: stores.Audit}, submissionID, tenant, action, detail); err != nil {
		service.log.Error("audit append failed",
			zap.String("submission_id", submissionID),
			zap.String("action", action),
			zap.Error(err))
	}
}
