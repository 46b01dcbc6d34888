// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package stages

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"clearpath.io/pagw/gateway/objectstore"
	"clearpath.io/pagw/gateway/payers"
	"clearpath.io/pagw/gateway/stage"
	"clearpath.io/pagw/gateway/tracker"
)

// FinalResponse is the document delivered to subscribers and returned by
// the status endpoint once the submission completes.
type FinalResponse struct {
	SubmissionID     string    `json:"submissionId"`
	Status           string    `json:"status"`
	Decision         string    `json:"decision,omitempty"`
	PayerReferenceID string    `json:"payerReferenceId,omitempty"`
	ErrorDetail      string    `json:"errorDetail,omitempty"`
	CompletedAt      time.Time `json:"completedAt"`
}

// BuildResponse shapes the payer reply into the final response artifact.
// It sees exactly one message per submission, whether the payer answered
// synchronously or through a callback.
type BuildResponse struct {
	log     *zap.Logger
	objects objectstore.Store
	bucket  string
}

// NewBuildResponse creates the build-response handler.
func NewBuildResponse(log *zap.Logger, objects objectstore.Store, bucket string) *BuildResponse {
	return &BuildResponse{log: log, objects: objects, bucket: bucket}
}

// Run implements stage.Handler.
func (br *BuildResponse) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	final := FinalResponse{
		SubmissionID:     req.Tracker.SubmissionID,
		PayerReferenceID: req.Envelope.ExternalReferenceID,
		CompletedAt:      time.Now().UTC(),
	}
	if final.PayerReferenceID == "" {
		final.PayerReferenceID = req.Tracker.ExternalReferenceID
	}

	switch req.Envelope.Metadata["payerOutcome"] {
	case "rejected":
		final.Status = "error"
		final.ErrorDetail = req.Envelope.Metadata["payerError"]
	default:
		decision := req.Envelope.Metadata["decision"]
		if decision == "" {
			// callback-injected replies carry the decision in the artifact.
			var decoded struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(req.Artifact, &decoded); err == nil {
				decision = decoded.Status
			}
		}
		final.Decision = decision
		switch decision {
		case payers.DecisionApproved:
			final.Status = "approved"
		case payers.DecisionDenied:
			final.Status = "denied"
		case payers.DecisionPended:
			final.Status = "pended"
		default:
			final.Status = "error"
			final.ErrorDetail = "payer reply carried no decision"
		}
	}

	data, err := json.Marshal(final)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	keys := objectstore.NewKeys(req.Tracker.SubmissionID, req.Tracker.ReceivedAt)
	if err := br.objects.Put(ctx, br.bucket, keys.Final(), data); err != nil {
		return stage.TransientFailure{Code: "OBJECT_STORE_UNAVAILABLE", Message: err.Error()}, nil
	}

	return stage.Advance{
		Route: stage.Route{
			Slot: tracker.RefFinalResponse,
			Ref:  tracker.Ref{Bucket: br.bucket, Key: keys.Final()},
		},
		Metadata: map[string]string{"responseStatus": final.Status},
	}, nil
}
