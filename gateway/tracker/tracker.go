// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package tracker holds the authoritative per-submission lifecycle record.
package tracker

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default tracker errs class.
	Error = errs.Class("tracker")
	// ErrAlreadyExists is returned when a submission id is already tracked.
	ErrAlreadyExists = errs.Class("submission already exists")
	// ErrNotFound is returned when no tracker row exists for a submission id.
	ErrNotFound = errs.Class("submission not found")
)

// Status is the lifecycle status of a submission.
type Status string

// Main-path statuses, in pipeline order.
const (
	StatusReceived         Status = "RECEIVED"
	StatusParsing          Status = "PARSING"
	StatusParsed           Status = "PARSED"
	StatusValidating       Status = "VALIDATING"
	StatusValidated        Status = "VALIDATED"
	StatusEnriching        Status = "ENRICHING"
	StatusEnriched         Status = "ENRICHED"
	StatusConverting       Status = "CONVERTING"
	StatusConverted        Status = "CONVERTED"
	StatusSubmitting       Status = "SUBMITTING"
	StatusSubmitted        Status = "SUBMITTED"
	StatusAwaitingCallback Status = "AWAITING_CALLBACK"
	StatusBuildingResponse Status = "BUILDING_RESPONSE"
	StatusNotifying        Status = "NOTIFYING"
)

// Terminal statuses. Once set, no field other than audit timestamps changes.
const (
	StatusCompleted           Status = "COMPLETED"
	StatusCompletedWithErrors Status = "COMPLETED_WITH_ERRORS"
	StatusFailed              Status = "FAILED"
	StatusCancelled           Status = "CANCELLED"
	StatusExpired             Status = "EXPIRED"
)

// Error-side statuses. A stage transitions into its error status before the
// submission is either retried into the same stage or terminalized as FAILED.
const (
	StatusParseError        Status = "PARSE_ERROR"
	StatusValidationError   Status = "VALIDATION_ERROR"
	StatusEnrichmentError   Status = "ENRICHMENT_ERROR"
	StatusConversionError   Status = "CONVERSION_ERROR"
	StatusSubmissionError   Status = "SUBMISSION_ERROR"
	StatusResponseError     Status = "RESPONSE_ERROR"
	StatusNotificationError Status = "NOTIFICATION_ERROR"
	StatusAttachmentError   Status = "ATTACHMENT_ERROR"
)

// Terminal reports whether the status allows no further non-audit mutation.
func (status Status) Terminal() bool {
	switch status {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Ref points at a payload object in the object store.
type Ref struct {
	Bucket string
	Key    string
}

// IsZero reports whether the ref is unset.
func (ref Ref) IsZero() bool { return ref.Bucket == "" && ref.Key == "" }

// RefSlot names one of the payload pointers on a submission.
type RefSlot string

// Payload pointer slots.
const (
	RefRaw           RefSlot = "raw"
	RefParsed        RefSlot = "parsed"
	RefEnriched      RefSlot = "enriched"
	RefCanonical     RefSlot = "canonical"
	RefPayerReply    RefSlot = "payer_reply"
	RefFinalResponse RefSlot = "final_response"
)

// Tracker is the authoritative per-submission state record.
type Tracker struct {
	SubmissionID   string
	Tenant         string
	SourceSystem   string
	RequestType    string
	IdempotencyKey string
	CorrelationID  string

	Status    Status
	LastStage string
	NextStage string

	RawRef           Ref
	ParsedRef        Ref
	EnrichedRef      Ref
	CanonicalRef     Ref
	PayerReplyRef    Ref
	FinalResponseRef Ref

	LastErrorCode    string
	LastErrorMessage string
	RetryCount       int

	ReceivedAt      time.Time
	SyncProcessedAt *time.Time
	AsyncQueuedAt   *time.Time
	CompletedAt     *time.Time
	ExpiresAt       *time.Time

	ContainsPHI   bool
	PHIEncrypted  bool
	SyncProcessed bool
	AsyncQueued   bool

	ExternalReferenceID string
	PayerID             string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ref returns the payload pointer stored in the given slot.
func (t *Tracker) Ref(slot RefSlot) Ref {
	switch slot {
	case RefRaw:
		return t.RawRef
	case RefParsed:
		return t.ParsedRef
	case RefEnriched:
		return t.EnrichedRef
	case RefCanonical:
		return t.CanonicalRef
	case RefPayerReply:
		return t.PayerReplyRef
	case RefFinalResponse:
		return t.FinalResponseRef
	}
	return Ref{}
}

// SetRef stores the payload pointer into the given slot.
func (t *Tracker) SetRef(slot RefSlot, ref Ref) {
	switch slot {
	case RefRaw:
		t.RawRef = ref
	case RefParsed:
		t.ParsedRef = ref
	case RefEnriched:
		t.EnrichedRef = ref
	case RefCanonical:
		t.CanonicalRef = ref
	case RefPayerReply:
		t.PayerReplyRef = ref
	case RefFinalResponse:
		t.FinalResponseRef = ref
	}
}

// DB is the request tracker store.
//
// All updates are last-writer-wins on the tracker row except
// TryMarkAsyncQueued, which is a guarded single-winner latch. Updates against
// a terminal row are silently dropped; the in-flight message is the true
// progress token and the tracker is a shadow.
//
// architecture: Database
type DB interface {
	// Create inserts the tracker with status RECEIVED. Fails with
	// ErrAlreadyExists when the submission id is already tracked.
	Create(ctx context.Context, t *Tracker) error
	// Get returns the tracker row, or ErrNotFound.
	Get(ctx context.Context, submissionID string) (*Tracker, error)
	// UpdateStatus moves the submission to status and records the stage.
	// An empty stage leaves lastStage unchanged.
	UpdateStatus(ctx context.Context, submissionID string, status Status, stage string) error
	// UpdateError records the error snapshot and moves to the error status.
	// An empty stage leaves lastStage unchanged.
	UpdateError(ctx context.Context, submissionID string, status Status, stage, code, message string) error
	// UpdateFinalStatus marks a terminal status and records the final response pointer.
	UpdateFinalStatus(ctx context.Context, submissionID string, status Status, stage string, ref Ref) error
	// UpdateExternalReference records the payer-assigned handle.
	UpdateExternalReference(ctx context.Context, submissionID, externalReferenceID string) error
	// SetRef records a payload pointer slot.
	SetRef(ctx context.Context, submissionID string, slot RefSlot, ref Ref) error
	// SetFlags records the PHI flags.
	SetFlags(ctx context.Context, submissionID string, containsPHI, phiEncrypted bool) error
	// MarkSyncProcessed records that the synchronous path produced the reply.
	MarkSyncProcessed(ctx context.Context, submissionID string) error
	// TryMarkAsyncQueued flips asyncQueued false->true. Exactly one caller
	// per submission observes true, all concurrent callers observe false.
	TryMarkAsyncQueued(ctx context.Context, submissionID string) (bool, error)
}
