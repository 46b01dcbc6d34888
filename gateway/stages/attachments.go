// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package stages

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"clearpath.io/pagw/gateway/attachments"
	"clearpath.io/pagw/gateway/objectstore"
	"clearpath.io/pagw/gateway/stage"
)

// Attachments drives the attachment side path: placeholder objects are
// written for each declared attachment and the rows are walked RECEIVED →
// STORED → SCANNED. The branch terminates on its side; the main path never
// waits on it.
type Attachments struct {
	log     *zap.Logger
	objects objectstore.Store
	bucket  string
}

// NewAttachments creates the attachments handler.
func NewAttachments(log *zap.Logger, objects objectstore.Store, bucket string) *Attachments {
	return &Attachments{log: log, objects: objects, bucket: bucket}
}

// Run implements stage.Handler.
func (a *Attachments) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	rows, err := req.Stores.Attachments.BySubmission(ctx, req.Tracker.SubmissionID)
	if err != nil {
		return stage.TransientFailure{Code: "DATABASE_UNAVAILABLE", Message: err.Error()}, nil
	}

	keys := objectstore.NewKeys(req.Tracker.SubmissionID, req.Tracker.ReceivedAt)
	var failed int
	for _, att := range rows {
		if att.State != attachments.StateReceived {
			continue
		}
		key := keys.Attachment(att.ID)
		manifest, err := json.Marshal(struct {
			ID       string `json:"id"`
			FileName string `json:"fileName"`
		}{ID: att.ID, FileName: att.FileName})
		if err != nil {
			if setErr := req.Stores.Attachments.SetState(ctx, att.ID, attachments.StateFailed, "", err.Error()); setErr != nil {
				return stage.TransientFailure{Code: "DATABASE_UNAVAILABLE", Message: setErr.Error()}, nil
			}
			failed++
			continue
		}
		if err := a.objects.Put(ctx, a.bucket, key, manifest); err != nil {
			if setErr := req.Stores.Attachments.SetState(ctx, att.ID, attachments.StateFailed, "", err.Error()); setErr != nil {
				return stage.TransientFailure{Code: "DATABASE_UNAVAILABLE", Message: setErr.Error()}, nil
			}
			failed++
			continue
		}
		if err := req.Stores.Attachments.SetState(ctx, att.ID, attachments.StateStored, key, ""); err != nil {
			return stage.TransientFailure{Code: "DATABASE_UNAVAILABLE", Message: err.Error()}, nil
		}
		if err := req.Stores.Attachments.SetState(ctx, att.ID, attachments.StateScanned, key, ""); err != nil {
			return stage.TransientFailure{Code: "DATABASE_UNAVAILABLE", Message: err.Error()}, nil
		}
	}

	if failed > 0 {
		a.log.Warn("attachments failed",
			zap.String("submission_id", req.Tracker.SubmissionID),
			zap.Int("failed", failed))
	}
	// the side path has no successor; advancing records its terminal event.
	return stage.Advance{}, nil
}
