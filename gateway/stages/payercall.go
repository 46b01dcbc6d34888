// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package stages

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"clearpath.io/pagw/gateway/objectstore"
	"clearpath.io/pagw/gateway/payers"
	"clearpath.io/pagw/gateway/stage"
	"clearpath.io/pagw/gateway/tracker"
)

// PayerCall submits the canonical request to the configured payer.
//
// Payer 5xx and timeouts surface as transient failures so the bus retries
// within the stage's budget. Payer 4xx is a business outcome: the rejection
// travels to build-response as an error reply. An async-mode payer parks the
// submission until its callback re-injects at build-response.
type PayerCall struct {
	log     *zap.Logger
	objects objectstore.Store
	client  payers.Client
	bucket  string
}

// NewPayerCall creates the payer-call handler.
func NewPayerCall(log *zap.Logger, objects objectstore.Store, client payers.Client, bucket string) *PayerCall {
	return &PayerCall{log: log, objects: objects, client: client, bucket: bucket}
}

// Run implements stage.Handler.
func (pc *PayerCall) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	var canonical Canonical
	if err := json.Unmarshal(req.Artifact, &canonical); err != nil {
		return nil, Error.New("malformed canonical document: %w", err)
	}

	config, err := req.Stores.Payers.Get(ctx, canonical.PayerID)
	if payers.ErrNotFound.Has(err) {
		return stage.ValidationFailure{Errors: []stage.ValidationError{{
			Code:    "UNKNOWN_PAYER",
			Field:   "payerId",
			Message: "no configuration for payer: " + canonical.PayerID,
		}}}, nil
	}
	if err != nil {
		return stage.TransientFailure{Code: "DATABASE_UNAVAILABLE", Message: err.Error()}, nil
	}

	keys := objectstore.NewKeys(req.Tracker.SubmissionID, req.Tracker.ReceivedAt)

	reply, err := pc.client.Submit(ctx, config, req.Artifact)
	switch {
	case payers.ErrTransient.Has(err):
		return stage.TransientFailure{Code: "PAYER_UNAVAILABLE", Message: err.Error()}, nil
	case payers.ErrRejected.Has(err):
		// a 4xx is the payer's answer, not a failure; hand the rejection to
		// build-response.
		rejection, marshalErr := json.Marshal(map[string]string{
			"outcome": "rejected",
			"detail":  err.Error(),
		})
		if marshalErr != nil {
			return nil, Error.Wrap(marshalErr)
		}
		if putErr := pc.objects.Put(ctx, pc.bucket, keys.PayerRaw(), rejection); putErr != nil {
			return stage.TransientFailure{Code: "OBJECT_STORE_UNAVAILABLE", Message: putErr.Error()}, nil
		}
		return stage.Advance{
			Route: stage.Route{
				Slot: tracker.RefPayerReply,
				Ref:  tracker.Ref{Bucket: pc.bucket, Key: keys.PayerRaw()},
			},
			Metadata: map[string]string{
				"payerOutcome": "rejected",
				"payerError":   err.Error(),
			},
		}, nil
	case err != nil:
		return nil, err
	}

	if err := pc.objects.Put(ctx, pc.bucket, keys.PayerRaw(), reply.Body); err != nil {
		return stage.TransientFailure{Code: "OBJECT_STORE_UNAVAILABLE", Message: err.Error()}, nil
	}

	if reply.Async {
		return stage.AwaitCallback{ExternalReferenceID: reply.ExternalReferenceID}, nil
	}

	return stage.Advance{
		Route: stage.Route{
			Slot: tracker.RefPayerReply,
			Ref:  tracker.Ref{Bucket: pc.bucket, Key: keys.PayerRaw()},
		},
		ExternalReferenceID: reply.ExternalReferenceID,
		Metadata: map[string]string{
			"payerOutcome": "answered",
			"decision":     reply.Decision,
		},
	}, nil
}
