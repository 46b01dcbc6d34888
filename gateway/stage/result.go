// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package stage

import (
	"clearpath.io/pagw/gateway/tracker"
)

// Result is the outcome of one handler invocation. Exactly one of the
// concrete types below; the runtime switches on it to apply tracker updates
// and stage the follow-up messages.
type Result interface{ stageResult() }

// Route is one follow-up destination.
type Route struct {
	// Stage is the destination stage; empty means the pipeline default.
	Stage string
	// Slot and Ref record the artifact the destination should read.
	Slot tracker.RefSlot
	Ref  tracker.Ref
}

// Advance moves the submission to the next main-path stage.
type Advance struct {
	Route
	// Attachments asks the runtime to also fan out to the declared side
	// paths when the submission carries attachments.
	Attachments bool
	// AttachmentCount updates the envelope's attachment flags when the
	// stage discovered attachments the front door could not see.
	AttachmentCount int
	// ExternalReferenceID propagates the payer-assigned handle.
	ExternalReferenceID string
	// ParsedDataPath is recorded on the envelope for downstream consumers.
	ParsedDataPath string
	// Metadata is merged into the outbound envelope metadata.
	Metadata map[string]string
}

// FanOut stages one message per route. Used when a stage feeds several
// destinations explicitly.
type FanOut struct {
	Routes []Route
}

// TerminalSuccess ends the main path. No further messages are staged.
type TerminalSuccess struct {
	// Status is COMPLETED or COMPLETED_WITH_ERRORS.
	Status tracker.Status
	// Slot and Ref record the final response artifact.
	Slot tracker.RefSlot
	Ref  tracker.Ref
}

// ValidationError is one business-rule violation.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationFailure terminalizes the submission as FAILED. Not retryable.
type ValidationFailure struct {
	Errors []ValidationError
}

// TransientFailure asks the bus to redeliver. The tracker records the error
// but is not terminalized.
type TransientFailure struct {
	Code    string
	Message string
}

// AwaitCallback parks the submission until the payer's callback re-injects
// a message at build-response.
type AwaitCallback struct {
	ExternalReferenceID string
}

func (Advance) stageResult()           {}
func (FanOut) stageResult()            {}
func (TerminalSuccess) stageResult()   {}
func (ValidationFailure) stageResult() {}
func (TransientFailure) stageResult()  {}
func (AwaitCallback) stageResult()     {}
