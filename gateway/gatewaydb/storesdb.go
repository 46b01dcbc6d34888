// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"clearpath.io/pagw/gateway/attachments"
	"clearpath.io/pagw/gateway/auditlog"
	"clearpath.io/pagw/gateway/payers"
	"clearpath.io/pagw/gateway/providers"
)

type attachmentsDB struct {
	q querier
}

func (db *attachmentsDB) Create(ctx context.Context, list []*attachments.Attachment) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, att := range list {
		state := att.State
		if state == "" {
			state = attachments.StateReceived
		}
		_, err := db.q.Exec(ctx, `
			INSERT INTO attachment_tracker (
				id, submission_id, tenant, file_name, content_type, size_bytes, state
			) VALUES ( $1, $2, $3, $4, $5, $6, $7 )
			ON CONFLICT ( id ) DO NOTHING`,
			att.ID, att.SubmissionID, att.Tenant, att.FileName,
			att.ContentType, att.SizeBytes, string(state))
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (db *attachmentsDB) BySubmission(ctx context.Context, submissionID string) (_ []*attachments.Attachment, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.q.Query(ctx, `
		SELECT id, submission_id, tenant, file_name, content_type, size_bytes,
			state, store_key, last_error, created_at, updated_at
		FROM attachment_tracker
		WHERE submission_id = $1
		ORDER BY created_at, id`, submissionID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var list []*attachments.Attachment
	for rows.Next() {
		att := &attachments.Attachment{}
		var state string
		err := rows.Scan(&att.ID, &att.SubmissionID, &att.Tenant, &att.FileName,
			&att.ContentType, &att.SizeBytes, &state, &att.StoreKey, &att.LastError,
			&att.CreatedAt, &att.UpdatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		att.State = attachments.State(state)
		list = append(list, att)
	}
	return list, Error.Wrap(rows.Err())
}

func (db *attachmentsDB) SetState(ctx context.Context, id string, state attachments.State, storeKey, lastError string) (err error) {
	defer mon.Task()(&ctx)(&err)

	tag, err := db.q.Exec(ctx, `
		UPDATE attachment_tracker
		SET state = $2,
			store_key = CASE WHEN $3 = '' THEN store_key ELSE $3 END,
			last_error = $4,
			updated_at = now()
		WHERE id = $1`,
		id, string(state), storeKey, lastError)
	if err != nil {
		return Error.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return attachments.ErrNotFound.New("%s", id)
	}
	return nil
}

type providersDB struct {
	q querier
}

func (db *providersDB) Get(ctx context.Context, npi string) (_ *providers.Provider, err error) {
	defer mon.Task()(&ctx)(&err)

	provider := &providers.Provider{}
	err = db.q.QueryRow(ctx, `
		SELECT npi, name, specialty, tax_id, address, active, created_at, updated_at
		FROM provider_registry
		WHERE npi = $1`, npi).Scan(
		&provider.NPI, &provider.Name, &provider.Specialty, &provider.TaxID,
		&provider.Address, &provider.Active, &provider.CreatedAt, &provider.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, providers.ErrNotFound.New("%s", npi)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return provider, nil
}

func (db *providersDB) Upsert(ctx context.Context, provider *providers.Provider) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.q.Exec(ctx, `
		INSERT INTO provider_registry ( npi, name, specialty, tax_id, address, active )
		VALUES ( $1, $2, $3, $4, $5, $6 )
		ON CONFLICT ( npi ) DO UPDATE
		SET name = EXCLUDED.name,
			specialty = EXCLUDED.specialty,
			tax_id = EXCLUDED.tax_id,
			address = EXCLUDED.address,
			active = EXCLUDED.active,
			updated_at = now()`,
		provider.NPI, provider.Name, provider.Specialty, provider.TaxID,
		provider.Address, provider.Active)
	return Error.Wrap(err)
}

type payersDB struct {
	q querier
}

func (db *payersDB) Get(ctx context.Context, payerID string) (_ *payers.Config, err error) {
	defer mon.Task()(&ctx)(&err)

	config := &payers.Config{}
	var replyMode string
	var timeoutNs int64
	err = db.q.QueryRow(ctx, `
		SELECT payer_id, name, endpoint, reply_mode, timeout_ns, max_retries, active,
			created_at, updated_at
		FROM payer_configuration
		WHERE payer_id = $1`, payerID).Scan(
		&config.PayerID, &config.Name, &config.Endpoint, &replyMode, &timeoutNs,
		&config.MaxRetries, &config.Active, &config.CreatedAt, &config.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payers.ErrNotFound.New("%s", payerID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	config.ReplyMode = payers.ReplyMode(replyMode)
	config.Timeout = time.Duration(timeoutNs)
	return config, nil
}

func (db *payersDB) Upsert(ctx context.Context, config *payers.Config) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.q.Exec(ctx, `
		INSERT INTO payer_configuration (
			payer_id, name, endpoint, reply_mode, timeout_ns, max_retries, active
		) VALUES ( $1, $2, $3, $4, $5, $6, $7 )
		ON CONFLICT ( payer_id ) DO UPDATE
		SET name = EXCLUDED.name,
			endpoint = EXCLUDED.endpoint,
			reply_mode = EXCLUDED.reply_mode,
			timeout_ns = EXCLUDED.timeout_ns,
			max_retries = EXCLUDED.max_retries,
			active = EXCLUDED.active,
			updated_at = now()`,
		config.PayerID, config.Name, config.Endpoint, string(config.ReplyMode),
		config.Timeout.Nanoseconds(), config.MaxRetries, config.Active)
	return Error.Wrap(err)
}

type auditDB struct {
	q querier
}

func (db *auditDB) Append(ctx context.Context, entry *auditlog.Entry) (err error) {
	defer mon.Task()(&ctx)(&err)

	detail := entry.Detail
	if len(detail) == 0 {
		detail = []byte("null")
	}
	err = db.q.QueryRow(ctx, `
		INSERT INTO audit_log ( submission_id, tenant, actor, action, detail )
		VALUES ( $1, $2, $3, $4, $5::jsonb )
		RETURNING id, created_at`,
		entry.SubmissionID, entry.Tenant, entry.Actor, entry.Action, string(detail)).
		Scan(&entry.ID, &entry.CreatedAt)
	return Error.Wrap(err)
}

func (db *auditDB) BySubmission(ctx context.Context, submissionID string) (_ []auditlog.Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.q.Query(ctx, `
		SELECT id, submission_id, tenant, actor, action, detail, created_at
		FROM audit_log
		WHERE submission_id = $1
		ORDER BY id`, submissionID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var list []auditlog.Entry
	for rows.Next() {
		var entry auditlog.Entry
		err := rows.Scan(&entry.ID, &entry.SubmissionID, &entry.Tenant,
			&entry.Actor, &entry.Action, &entry.Detail, &entry.CreatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		list = append(list, entry)
	}
	return list, Error.Wrap(rows.Err())
}
