// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package stages

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"clearpath.io/pagw/gateway/attachments"
	"clearpath.io/pagw/gateway/kms"
	"clearpath.io/pagw/gateway/objectstore"
	"clearpath.io/pagw/gateway/stage"
	"clearpath.io/pagw/gateway/tracker"
)

// Parse normalizes the raw bundle into the parsed artifact, registers
// attachments, and fans out the side path.
type Parse struct {
	log          *zap.Logger
	objects      objectstore.Store
	kms          kms.Service
	bucket       string
	parsedBucket string
}

// NewParse creates the parse handler.
func NewParse(log *zap.Logger, objects objectstore.Store, kmsService kms.Service, bucket, parsedBucket string) *Parse {
	return &Parse{
		log:          log,
		objects:      objects,
		kms:          kmsService,
		bucket:       bucket,
		parsedBucket: parsedBucket,
	}
}

// Run implements stage.Handler.
func (p *Parse) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	raw := req.Artifact
	if req.Tracker.PHIEncrypted {
		unsealed, err := p.kms.Unseal(ctx, raw)
		if err != nil {
			return nil, Error.New("unsealing raw bundle: %w", err)
		}
		raw = unsealed
	}

	bundle, err := DecodeBundle(raw)
	if err != nil {
		return stage.ValidationFailure{Errors: []stage.ValidationError{{
			Code:    "MALFORMED_BUNDLE",
			Message: err.Error(),
		}}}, nil
	}

	parsed, err := json.Marshal(bundle)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	keys := objectstore.NewKeys(req.Tracker.SubmissionID, req.Tracker.ReceivedAt)
	if err := p.objects.Put(ctx, p.bucket, keys.Parsed(), parsed); err != nil {
		return stage.TransientFailure{Code: "OBJECT_STORE_UNAVAILABLE", Message: err.Error()}, nil
	}

	// structured-field extraction feeds downstream consumers; a failure here
	// must not block the authorization itself.
	parsedDataPath := ""
	metadata, extractErr := extractFields(bundle)
	if extractErr != nil {
		p.log.Warn("structured field extraction failed",
			zap.String("submission_id", req.Tracker.SubmissionID),
			zap.Error(extractErr))
	} else {
		path, err := p.objects.PutParsed(ctx, p.parsedBucket, req.Envelope.Tenant, req.Tracker.SubmissionID, parsed)
		if err != nil {
			p.log.Warn("parsed data write failed",
				zap.String("submission_id", req.Tracker.SubmissionID),
				zap.Error(err))
		} else {
			parsedDataPath = path
		}
	}

	if len(bundle.Attachments) > 0 {
		rows := make([]*attachments.Attachment, 0, len(bundle.Attachments))
		for _, ref := range bundle.Attachments {
			rows = append(rows, &attachments.Attachment{
				ID:           ref.ID,
				SubmissionID: req.Tracker.SubmissionID,
				Tenant:       req.Envelope.Tenant,
				FileName:     ref.FileName,
				ContentType:  ref.ContentType,
				SizeBytes:    ref.SizeBytes,
				State:        attachments.StateReceived,
			})
		}
		if err := req.Stores.Attachments.Create(ctx, rows); err != nil {
			return stage.TransientFailure{Code: "DATABASE_UNAVAILABLE", Message: err.Error()}, nil
		}
	}

	return stage.Advance{
		Route: stage.Route{
			Slot: tracker.RefParsed,
			Ref:  tracker.Ref{Bucket: p.bucket, Key: keys.Parsed()},
		},
		Attachments:     true,
		AttachmentCount: len(bundle.Attachments),
		ParsedDataPath:  parsedDataPath,
		Metadata:        metadata,
	}, nil
}

// extractFields pulls the routing fields downstream stages key on.
func extractFields(bundle *Bundle) (map[string]string, error) {
	if bundle.PayerID == "" && bundle.Member.MemberID == "" {
		return nil, Error.New("no routable fields in bundle")
	}
	metadata := map[string]string{}
	if bundle.PayerID != "" {
		metadata["payerId"] = bundle.PayerID
	}
	if bundle.Member.MemberID != "" {
		metadata["memberId"] = bundle.Member.MemberID
	}
	if bundle.Provider.NPI != "" {
		metadata["providerNpi"] = bundle.Provider.NPI
	}
	if bundle.RequestType != "" {
		metadata["requestType"] = bundle.RequestType
	}
	return metadata, nil
}
