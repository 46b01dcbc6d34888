// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"

	"go.uber.org/zap"
)

// migrationStep is one schema version. Steps run in order inside their own
// transaction; a recorded version is never run again.
type migrationStep struct {
	version     int
	description string
	statements  []string
}

var migrations = []migrationStep{
	{
		version:     1,
		description: "initial schema",
		statements: []string{
			`CREATE TABLE request_tracker (
				submission_id text NOT NULL PRIMARY KEY,
				tenant text NOT NULL DEFAULT '',
				source_system text NOT NULL DEFAULT '',
				request_type text NOT NULL DEFAULT '',
				idempotency_key text NOT NULL DEFAULT '',
				correlation_id text NOT NULL DEFAULT '',
				status text NOT NULL,
				last_stage text NOT NULL DEFAULT '',
				next_stage text NOT NULL DEFAULT '',
				raw_bucket text NOT NULL DEFAULT '',
				raw_key text NOT NULL DEFAULT '',
				parsed_bucket text NOT NULL DEFAULT '',
				parsed_key text NOT NULL DEFAULT '',
				enriched_bucket text NOT NULL DEFAULT '',
				enriched_key text NOT NULL DEFAULT '',
				canonical_bucket text NOT NULL DEFAULT '',
				canonical_key text NOT NULL DEFAULT '',
				payer_reply_bucket text NOT NULL DEFAULT '',
				payer_reply_key text NOT NULL DEFAULT '',
				final_response_bucket text NOT NULL DEFAULT '',
				final_response_key text NOT NULL DEFAULT '',
				last_error_code text NOT NULL DEFAULT '',
				last_error_message text NOT NULL DEFAULT '',
				retry_count integer NOT NULL DEFAULT 0,
				received_at timestamptz NOT NULL,
				sync_processed_at timestamptz,
				async_queued_at timestamptz,
				completed_at timestamptz,
				expires_at timestamptz,
				contains_phi boolean NOT NULL DEFAULT false,
				phi_encrypted boolean NOT NULL DEFAULT false,
				sync_processed boolean NOT NULL DEFAULT false,
				async_queued boolean NOT NULL DEFAULT false,
				external_reference_id text NOT NULL DEFAULT '',
				payer_id text NOT NULL DEFAULT '',
				created_at timestamptz NOT NULL DEFAULT now(),
				updated_at timestamptz NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX request_tracker_status_index ON request_tracker ( status )`,
			`CREATE INDEX request_tracker_external_ref_index ON request_tracker ( external_reference_id ) WHERE external_reference_id <> ''`,

			`CREATE TABLE event_tracker (
				submission_id text NOT NULL,
				sequence_no bigint NOT NULL,
				stage text NOT NULL,
				kind text NOT NULL,
				retryable boolean NOT NULL DEFAULT false,
				duration_ns bigint NOT NULL DEFAULT 0,
				error_code text NOT NULL DEFAULT '',
				error_message text NOT NULL DEFAULT '',
				created_at timestamptz NOT NULL DEFAULT now(),
				PRIMARY KEY ( submission_id, sequence_no )
			)`,

			`CREATE TABLE outbox (
				id bigserial PRIMARY KEY,
				tenant text NOT NULL DEFAULT '',
				aggregate_id text NOT NULL,
				event_type text NOT NULL,
				destination text NOT NULL,
				message_id text NOT NULL,
				payload bytea NOT NULL,
				status text NOT NULL DEFAULT 'NEW',
				retry_count integer NOT NULL DEFAULT 0,
				max_retries integer NOT NULL DEFAULT 10,
				next_retry_at timestamptz NOT NULL DEFAULT now(),
				last_error text NOT NULL DEFAULT '',
				created_at timestamptz NOT NULL DEFAULT now(),
				processed_at timestamptz,
				UNIQUE ( message_id )
			)`,
			`CREATE INDEX outbox_due_index ON outbox ( next_retry_at ) WHERE status IN ('NEW', 'FAILED')`,
			`CREATE INDEX outbox_aggregate_index ON outbox ( aggregate_id, id ) WHERE status = 'NEW'`,

			`CREATE TABLE attachment_tracker (
				id text NOT NULL PRIMARY KEY,
				submission_id text NOT NULL,
				tenant text NOT NULL DEFAULT '',
				file_name text NOT NULL DEFAULT '',
				content_type text NOT NULL DEFAULT '',
				size_bytes bigint NOT NULL DEFAULT 0,
				state text NOT NULL DEFAULT 'RECEIVED',
				store_key text NOT NULL DEFAULT '',
				last_error text NOT NULL DEFAULT '',
				created_at timestamptz NOT NULL DEFAULT now(),
				updated_at timestamptz NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX attachment_tracker_submission_index ON attachment_tracker ( submission_id, id )`,

			`CREATE TABLE provider_registry (
				npi text NOT NULL PRIMARY KEY,
				name text NOT NULL DEFAULT '',
				specialty text NOT NULL DEFAULT '',
				tax_id text NOT NULL DEFAULT '',
				address text NOT NULL DEFAULT '',
				active boolean NOT NULL DEFAULT true,
				created_at timestamptz NOT NULL DEFAULT now(),
				updated_at timestamptz NOT NULL DEFAULT now()
			)`,

			`CREATE TABLE payer_configuration (
				payer_id text NOT NULL PRIMARY KEY,
				name text NOT NULL DEFAULT '',
				endpoint text NOT NULL DEFAULT '',
				reply_mode text NOT NULL DEFAULT 'SYNC',
				timeout_ns bigint NOT NULL DEFAULT 0,
				max_retries integer NOT NULL DEFAULT 0,
				active boolean NOT NULL DEFAULT true,
				created_at timestamptz NOT NULL DEFAULT now(),
				updated_at timestamptz NOT NULL DEFAULT now()
			)`,

			`CREATE TABLE audit_log (
				id bigserial PRIMARY KEY,
				submission_id text NOT NULL,
				tenant text NOT NULL DEFAULT '',
				actor text NOT NULL DEFAULT '',
				action text NOT NULL,
				detail jsonb NOT NULL DEFAULT 'null',
				created_at timestamptz NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX audit_log_submission_index ON audit_log ( submission_id, id )`,

			`CREATE TABLE queue_messages (
				id bigserial PRIMARY KEY,
				queue text NOT NULL,
				group_id text NOT NULL,
				dedup_id text NOT NULL DEFAULT '',
				body bytea NOT NULL,
				status text NOT NULL DEFAULT 'READY',
				receive_count integer NOT NULL DEFAULT 0,
				visible_at timestamptz NOT NULL DEFAULT now(),
				created_at timestamptz NOT NULL DEFAULT now()
			)`,
			`CREATE UNIQUE INDEX queue_messages_dedup_index ON queue_messages ( queue, dedup_id ) WHERE dedup_id <> ''`,
			`CREATE INDEX queue_messages_ready_index ON queue_messages ( queue, id ) WHERE status = 'READY'`,
		},
	},
}

// MigrateToLatest brings the schema to the newest version.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS versions (
			version integer NOT NULL PRIMARY KEY,
			description text NOT NULL,
			committed_at timestamptz NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return Error.Wrap(err)
	}

	var current int
	err = db.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM versions`).Scan(&current)
	if err != nil {
		return Error.Wrap(err)
	}

	for _, step := range migrations {
		if step.version <= current {
			continue
		}
		db.log.Info("running migration",
			zap.Int("version", step.version),
			zap.String("description", step.description))

		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return Error.Wrap(err)
		}
		err = func() error {
			for _, statement := range step.statements {
				if _, err := tx.Exec(ctx, statement); err != nil {
					return Error.New("migration %d failed: %w", step.version, err)
				}
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO versions ( version, description ) VALUES ( $1, $2 )`,
				step.version, step.description)
			return Error.Wrap(err)
		}()
		if err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}
