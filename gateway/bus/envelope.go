// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package bus

import (
	"encoding/json"
	"time"

	"storj.io/common/memory"
)

// SchemaVersion is the current envelope schema version.
const SchemaVersion = "1"

// MaxEnvelopeSize is the hard ceiling on an encoded envelope. Envelopes carry
// references into the object store, never payloads; anything larger indicates
// a payload leaked onto the bus.
const MaxEnvelopeSize = 256 * memory.KiB

// Envelope is the on-bus message between stages. It carries submission
// references; large payloads live only in the object store.
type Envelope struct {
	SubmissionID  string `json:"submissionId"`
	MessageID     string `json:"messageId"`
	SchemaVersion string `json:"schemaVersion"`
	// Stage is the next stage to execute.
	Stage  string `json:"stage"`
	Tenant string `json:"tenant"`

	PayloadBucket    string `json:"payloadBucket"`
	PayloadKey       string `json:"payloadKey"`
	ParsedDataS3Path string `json:"parsedDataS3Path,omitempty"`

	HasAttachments  bool `json:"hasAttachments"`
	AttachmentCount int  `json:"attachmentCount"`

	ExternalReferenceID string `json:"externalReferenceId,omitempty"`
	APIResponseStatus   int    `json:"apiResponseStatus,omitempty"`
	ErrorCode           string `json:"errorCode,omitempty"`
	ErrorMessage        string `json:"errorMessage,omitempty"`

	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Encode serializes the envelope, enforcing the size ceiling.
func (env *Envelope) Encode() ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(data) > MaxEnvelopeSize.Int() {
		return nil, Error.New("envelope exceeds %v: %d bytes", MaxEnvelopeSize, len(data))
	}
	return data, nil
}

// DecodeEnvelope parses and validates an on-bus envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeSize.Int() {
		return nil, Error.New("envelope exceeds %v: %d bytes", MaxEnvelopeSize, len(data))
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the envelope carries the fields every stage relies on.
func (env *Envelope) Validate() error {
	switch {
	case env.SubmissionID == "":
		return Error.New("envelope missing submission id")
	case env.MessageID == "":
		return Error.New("envelope missing message id")
	case env.Stage == "":
		return Error.New("envelope missing stage")
	case env.SchemaVersion == "":
		return Error.New("envelope missing schema version")
	}
	return nil
}

// ToMessage converts the envelope into a bus message for the given queue.
func (env *Envelope) ToMessage(queue string) (Message, error) {
	body, err := env.Encode()
	if err != nil {
		return Message{}, err
	}
	return Message{
		Queue:   queue,
		GroupID: env.SubmissionID,
		DedupID: env.MessageID,
		Body:    body,
	}, nil
}
