// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"clearpath.io/pagw/gateway/tracker"
)

// notTerminal guards updates: terminal rows are never mutated again.
const notTerminal = `status NOT IN ('COMPLETED', 'COMPLETED_WITH_ERRORS', 'FAILED', 'CANCELLED', 'EXPIRED')`

type trackerDB struct {
	q querier
}

func (db *trackerDB) Create(ctx context.Context, t *tracker.Tracker) (err error) {
	defer mon.Task()(&ctx)(&err)

	status := t.Status
	if status == "" {
		status = tracker.StatusReceived
	}

	tag, err := db.q.Exec(ctx, `
		INSERT INTO request_tracker (
			submission_id, tenant, source_system, request_type,
			idempotency_key, correlation_id, status,
			raw_bucket, raw_key, received_at,
			contains_phi, phi_encrypted, external_reference_id, payer_id
		) VALUES ( $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14 )
		ON CONFLICT ( submission_id ) DO NOTHING`,
		t.SubmissionID, t.Tenant, t.SourceSystem, t.RequestType,
		t.IdempotencyKey, t.CorrelationID, string(status),
		t.RawRef.Bucket, t.RawRef.Key, t.ReceivedAt,
		t.ContainsPHI, t.PHIEncrypted, t.ExternalReferenceID, t.PayerID)
	if err != nil {
		return Error.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return tracker.ErrAlreadyExists.New("%s", t.SubmissionID)
	}
	return nil
}

func (db *trackerDB) Get(ctx context.Context, submissionID string) (_ *tracker.Tracker, err error) {
	defer mon.Task()(&ctx)(&err)

	t := &tracker.Tracker{}
	var status string
	err = db.q.QueryRow(ctx, `
		SELECT submission_id, tenant, source_system, request_type,
			idempotency_key, correlation_id, status, last_stage, next_stage,
			raw_bucket, raw_key, parsed_bucket, parsed_key,
			enriched_bucket, enriched_key, canonical_bucket, canonical_key,
			payer_reply_bucket, payer_reply_key,
			final_response_bucket, final_response_key,
			last_error_code, last_error_message, retry_count,
			received_at, sync_processed_at, async_queued_at, completed_at, expires_at,
			contains_phi, phi_encrypted, sync_processed, async_queued,
			external_reference_id, payer_id, created_at, updated_at
		FROM request_tracker
		WHERE submission_id = $1`, submissionID).Scan(
		&t.SubmissionID, &t.Tenant, &t.SourceSystem, &t.RequestType,
		&t.IdempotencyKey, &t.CorrelationID, &status, &t.LastStage, &t.NextStage,
		&t.RawRef.Bucket, &t.RawRef.Key, &t.ParsedRef.Bucket, &t.ParsedRef.Key,
		&t.EnrichedRef.Bucket, &t.EnrichedRef.Key, &t.CanonicalRef.Bucket, &t.CanonicalRef.Key,
		&t.PayerReplyRef.Bucket, &t.PayerReplyRef.Key,
		&t.FinalResponseRef.Bucket, &t.FinalResponseRef.Key,
		&t.LastErrorCode, &t.LastErrorMessage, &t.RetryCount,
		&t.ReceivedAt, &t.SyncProcessedAt, &t.AsyncQueuedAt, &t.CompletedAt, &t.ExpiresAt,
		&t.ContainsPHI, &t.PHIEncrypted, &t.SyncProcessed, &t.AsyncQueued,
		&t.ExternalReferenceID, &t.PayerID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tracker.ErrNotFound.New("%s", submissionID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	t.Status = tracker.Status(status)
	return t, nil
}

// mutate runs an update statement whose WHERE clause already carries the
// terminal guard, translating zero affected rows into either a silent drop
// (terminal row) or ErrNotFound.
func (db *trackerDB) mutate(ctx context.Context, submissionID string, tag pgconn.CommandTag, execErr error) error {
	if execErr != nil {
		return Error.Wrap(execErr)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err := db.q.QueryRow(ctx,
		`SELECT true FROM request_tracker WHERE submission_id = $1`, submissionID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.ErrNotFound.New("%s", submissionID)
	}
	return Error.Wrap(err)
}

func (db *trackerDB) UpdateStatus(ctx context.Context, submissionID string, status tracker.Status, stage string) (err error) {
	defer mon.Task()(&ctx)(&err)

	tag, err := db.q.Exec(ctx, `
		UPDATE request_tracker
		SET status = $2,
			last_stage = CASE WHEN $3 = '' THEN last_stage ELSE $3 END,
			updated_at = now()
		WHERE submission_id = $1 AND `+notTerminal,
		submissionID, string(status), stage)
	return db.mutate(ctx, submissionID, tag, err)
}

func (db *trackerDB) UpdateError(ctx context.Context, submissionID string, status tracker.Status, stage, code, message string) (err error) {
	defer mon.Task()(&ctx)(&err)

	tag, err := db.q.Exec(ctx, `
		UPDATE request_tracker
		SET status = $2,
			last_stage = CASE WHEN $3 = '' THEN last_stage ELSE $3 END,
			last_error_code = $4,
			last_error_message = $5,
			retry_count = retry_count + 1,
			updated_at = now()
		WHERE submission_id = $1 AND `+notTerminal,
		submissionID, string(status), stage, code, message)
	return db.mutate(ctx, submissionID, tag, err)
}

func (db *trackerDB) UpdateFinalStatus(ctx context.Context, submissionID string, status tracker.Status, stage string, ref tracker.Ref) (err error) {
	defer mon.Task()(&ctx)(&err)

	tag, err := db.q.Exec(ctx, `
		UPDATE request_tracker
		SET status = $2,
			last_stage = $3,
			final_response_bucket = CASE WHEN $4 = '' AND $5 = '' THEN final_response_bucket ELSE $4 END,
			final_response_key = CASE WHEN $4 = '' AND $5 = '' THEN final_response_key ELSE $5 END,
			completed_at = now(),
			updated_at = now()
		WHERE submission_id = $1 AND `+notTerminal,
		submissionID, string(status), stage, ref.Bucket, ref.Key)
	return db.mutate(ctx, submissionID, tag, err)
}

func (db *trackerDB) UpdateExternalReference(ctx context.Context, submissionID, externalReferenceID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	tag, err := db.q.Exec(ctx, `
		UPDATE request_tracker
		SET external_reference_id = $2, updated_at = now()
		WHERE submission_id = $1 AND `+notTerminal,
		submissionID, externalReferenceID)
	return db.mutate(ctx, submissionID, tag, err)
}

// refColumns maps a ref slot to its column pair.
var refColumns = map[tracker.RefSlot][2]string{
	tracker.RefRaw:           {"raw_bucket", "raw_key"},
	tracker.RefParsed:        {"parsed_bucket", "parsed_key"},
	tracker.RefEnriched:      {"enriched_bucket", "enriched_key"},
	tracker.RefCanonical:     {"canonical_bucket", "canonical_key"},
	tracker.RefPayerReply:    {"payer_reply_bucket", "payer_reply_key"},
	tracker.RefFinalResponse: {"final_response_bucket", "final_response_key"},
}

func (db *trackerDB) SetRef(ctx context.Context, submissionID string, slot tracker.RefSlot, ref tracker.Ref) (err error) {
	defer mon.Task()(&ctx)(&err)

	columns, ok := refColumns[slot]
	if !ok {
		return Error.New("unknown ref slot %q", slot)
	}
	tag, err := db.q.Exec(ctx, `
		UPDATE request_tracker
		SET `+columns[0]+` = $2, `+columns[1]+` = $3, updated_at = now()
		WHERE submission_id = $1 AND `+notTerminal,
		submissionID, ref.Bucket, ref.Key)
	return db.mutate(ctx, submissionID, tag, err)
}

func (db *trackerDB) SetFlags(ctx context.Context, submissionID string, containsPHI, phiEncrypted bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	tag, err := db.q.Exec(ctx, `
		UPDATE request_tracker
		SET contains_phi = $2, phi_encrypted = $3, updated_at = now()
		WHERE submission_id = $1 AND `+notTerminal,
		submissionID, containsPHI, phiEncrypted)
	return db.mutate(ctx, submissionID, tag, err)
}

func (db *trackerDB) MarkSyncProcessed(ctx context.Context, submissionID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	tag, err := db.q.Exec(ctx, `
		UPDATE request_tracker
		SET sync_processed = true, sync_processed_at = now(), updated_at = now()
		WHERE submission_id = $1 AND `+notTerminal,
		submissionID)
	return db.mutate(ctx, submissionID, tag, err)
}

func (db *trackerDB) TryMarkAsyncQueued(ctx context.Context, submissionID string) (won bool, err error) {
	defer mon.Task()(&ctx)(&err)

	// the latch works on terminal rows too; it records who activated the
	// async arm, not pipeline progress.
	tag, err := db.q.Exec(ctx, `
		UPDATE request_tracker
		SET async_queued = true, async_queued_at = now(), updated_at = now()
		WHERE submission_id = $1 AND NOT async_queued`,
		submissionID)
	if err != nil {
		return false, Error.Wrap(err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	err = db.q.QueryRow(ctx,
		`SELECT true FROM request_tracker WHERE submission_id = $1`, submissionID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, tracker.ErrNotFound.New("%s", submissionID)
	}
	return false, Error.Wrap(err)
}
