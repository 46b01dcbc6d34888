// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clearpath.io/pagw/gateway/outbox"
)

type outboxDB struct {
	q querier
	// pool backs ProcessDue, which claims rows in its own transaction.
	pool *pgxpool.Pool
}

const outboxColumns = `id, tenant, aggregate_id, event_type, destination, message_id, payload,
	status, retry_count, max_retries, next_retry_at, last_error, created_at, processed_at`

func scanOutboxRow(row pgx.Row, record *outbox.Record) error {
	return row.Scan(&record.ID, &record.Tenant, &record.AggregateID, &record.EventType,
		&record.Destination, &record.MessageID, &record.Payload,
		&record.Status, &record.RetryCount, &record.MaxRetries,
		&record.NextRetryAt, &record.LastError, &record.CreatedAt, &record.ProcessedAt)
}

func (db *outboxDB) Stage(ctx context.Context, record *outbox.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	var nextRetry any
	if !record.NextRetryAt.IsZero() {
		nextRetry = record.NextRetryAt
	}

	err = db.q.QueryRow(ctx, `
		INSERT INTO outbox (
			tenant, aggregate_id, event_type, destination,
			message_id, payload, max_retries, next_retry_at
		) VALUES ( $1, $2, $3, $4, $5, $6, $7, COALESCE($8::timestamptz, now()) )
		ON CONFLICT ( message_id ) DO NOTHING
		RETURNING id, created_at`,
		record.Tenant, record.AggregateID, record.EventType, record.Destination,
		record.MessageID, record.Payload, record.MaxRetries, nextRetry).
		Scan(&record.ID, &record.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// the message id was already staged; replayed runs are a no-op.
		return nil
	}
	if err != nil {
		return Error.Wrap(err)
	}
	record.Status = outbox.StatusNew
	return nil
}

func (db *outboxDB) MarkSent(ctx context.Context, id int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	tag, err := db.q.Exec(ctx, `
		UPDATE outbox SET status = 'SENT', processed_at = now() WHERE id = $1`, id)
	if err != nil {
		return Error.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return Error.New("outbox row %d not found", id)
	}
	return nil
}

func (db *outboxDB) NextForAggregate(ctx context.Context, aggregateID string) (_ *outbox.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	record := &outbox.Record{}
	err = scanOutboxRow(db.q.QueryRow(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE aggregate_id = $1 AND status = 'NEW'
		ORDER BY id
		LIMIT 1`, aggregateID), record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return record, nil
}

func (db *outboxDB) Release(ctx context.Context, aggregateID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.q.Exec(ctx, `
		UPDATE outbox SET next_retry_at = now()
		WHERE aggregate_id = $1 AND status = 'NEW'`, aggregateID)
	return Error.Wrap(err)
}

func (db *outboxDB) ProcessDue(ctx context.Context, limit int, policy outbox.RetryPolicy, fn func(ctx context.Context, record *outbox.Record) error) (processed int, err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE status IN ('NEW', 'FAILED') AND next_retry_at <= now()
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	var due []*outbox.Record
	for rows.Next() {
		record := &outbox.Record{}
		if err := scanOutboxRow(rows, record); err != nil {
			rows.Close()
			return 0, Error.Wrap(err)
		}
		due = append(due, record)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, Error.Wrap(err)
	}

	for _, record := range due {
		sendErr := fn(ctx, record)
		if sendErr == nil {
			_, err = tx.Exec(ctx, `
				UPDATE outbox SET status = 'SENT', processed_at = now() WHERE id = $1`, record.ID)
			if err != nil {
				return 0, Error.Wrap(err)
			}
			continue
		}

		record.RetryCount++
		if record.RetryCount >= record.MaxRetries {
			_, err = tx.Exec(ctx, `
				UPDATE outbox
				SET status = 'DEAD', retry_count = $2, last_error = $3
				WHERE id = $1`,
				record.ID, record.RetryCount, sendErr.Error())
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE outbox
				SET status = 'FAILED', retry_count = $2, last_error = $3,
					next_retry_at = now() + make_interval(secs => $4)
				WHERE id = $1`,
				record.ID, record.RetryCount, sendErr.Error(), policy.Delay(record.RetryCount).Seconds())
		}
		if err != nil {
			return 0, Error.Wrap(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, Error.Wrap(err)
	}
	return len(due), nil
}

func (db *outboxDB) Stats(ctx context.Context) (stats outbox.Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.q.Query(ctx, `SELECT status, count(*) FROM outbox GROUP BY status`)
	if err != nil {
		return outbox.Stats{}, Error.Wrap(err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return outbox.Stats{}, Error.Wrap(err)
		}
		switch status {
		case outbox.StatusNew:
			stats.New = count
		case outbox.StatusSent:
			stats.Sent = count
		case outbox.StatusFailed:
			stats.Failed = count
		case outbox.StatusDead:
			stats.Dead = count
		}
	}
	return stats, Error.Wrap(rows.Err())
}

func (db *outboxDB) DeadRows(ctx context.Context, limit int) (_ []outbox.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.q.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE status = 'DEAD'
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var dead []outbox.Record
	for rows.Next() {
		var record outbox.Record
		if err := scanOutboxRow(rows, &record); err != nil {
			return nil, Error.Wrap(err)
		}
		dead = append(dead, record)
	}
	return dead, Error.Wrap(rows.Err())
}

func (db *outboxDB) Requeue(ctx context.Context, id int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	tag, err := db.q.Exec(ctx, `
		UPDATE outbox
		SET status = 'NEW', retry_count = 0, next_retry_at = now(), last_error = ''
		WHERE id = $1`, id)
	if err != nil {
		return Error.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return Error.New("outbox row %d not found", id)
	}
	return nil
}
