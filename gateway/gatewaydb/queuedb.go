// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clearpath.io/pagw/gateway/bus"
)

// queueDB implements bus.Bus on the queue_messages table.
//
// A message stays READY for its whole deliverable life; invisibility after a
// receive is expressed through visible_at alone. The FIFO guarantee comes
// from the claim query: a message is handed out only when no earlier READY
// message of the same group exists, visible or not.
type queueDB struct {
	pool   *pgxpool.Pool
	config bus.Config
}

func (q *queueDB) Publish(ctx context.Context, msg bus.Message) (err error) {
	defer mon.Task()(&ctx)(&err)

	if msg.Queue == "" {
		return bus.ErrQueueUnknown.New("empty queue name")
	}

	_, err = q.pool.Exec(ctx, `
		INSERT INTO queue_messages ( queue, group_id, dedup_id, body )
		VALUES ( $1, $2, $3, $4 )
		ON CONFLICT ( queue, dedup_id ) WHERE dedup_id <> '' DO NOTHING`,
		msg.Queue, msg.GroupID, msg.DedupID, msg.Body)
	return bus.Error.Wrap(err)
}

func (q *queueDB) Receive(ctx context.Context, queue string) (_ *bus.Delivery, err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		delivery := &bus.Delivery{}
		delivery.Queue = queue
		err := q.pool.QueryRow(ctx, `
			WITH candidate AS (
				SELECT id FROM queue_messages m
				WHERE m.queue = $1 AND m.status = 'READY' AND m.visible_at <= now()
					AND NOT EXISTS (
						SELECT 1 FROM queue_messages e
						WHERE e.queue = m.queue AND e.group_id = m.group_id
							AND e.status = 'READY' AND e.id < m.id
					)
				ORDER BY m.id
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE queue_messages q
			SET receive_count = q.receive_count + 1, visible_at = $2
			FROM candidate
			WHERE q.id = candidate.id
			RETURNING q.id, q.group_id, q.dedup_id, q.body, q.receive_count`,
			queue, time.Now().Add(q.config.VisibilityTimeout)).
			Scan(&delivery.Handle, &delivery.GroupID, &delivery.DedupID,
				&delivery.Body, &delivery.ReceiveCount)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, bus.ErrEmpty.New("%s", queue)
		}
		if err != nil {
			return nil, bus.Error.Wrap(err)
		}

		if delivery.ReceiveCount > q.config.MaxReceiveCount {
			if err := q.moveToDLQ(ctx, delivery); err != nil {
				return nil, err
			}
			continue
		}
		return delivery, nil
	}
}

func (q *queueDB) Ack(ctx context.Context, delivery *bus.Delivery) (err error) {
	defer mon.Task()(&ctx)(&err)

	tag, err := q.pool.Exec(ctx, `
		UPDATE queue_messages SET status = 'DONE'
		WHERE id = $1 AND status = 'READY'`, delivery.Handle)
	if err != nil {
		return bus.Error.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return bus.Error.New("unknown delivery %d", delivery.Handle)
	}
	return nil
}

func (q *queueDB) Nack(ctx context.Context, delivery *bus.Delivery) (err error) {
	defer mon.Task()(&ctx)(&err)

	delay := q.config.RetryDelay(delivery.ReceiveCount)
	tag, err := q.pool.Exec(ctx, `
		UPDATE queue_messages
		SET visible_at = now() + make_interval(secs => $2)
		WHERE id = $1 AND status = 'READY'`, delivery.Handle, delay.Seconds())
	if err != nil {
		return bus.Error.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return bus.Error.New("unknown delivery %d", delivery.Handle)
	}
	return nil
}

func (q *queueDB) SendToDLQ(ctx context.Context, delivery *bus.Delivery) (err error) {
	defer mon.Task()(&ctx)(&err)

	return q.moveToDLQ(ctx, delivery)
}

// moveToDLQ retires the message and appends a fresh copy to the dead-letter
// queue with a reset receive count.
func (q *queueDB) moveToDLQ(ctx context.Context, delivery *bus.Delivery) (err error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return bus.Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE queue_messages SET status = 'DONE'
		WHERE id = $1 AND status = 'READY'`, delivery.Handle)
	if err != nil {
		return bus.Error.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return bus.Error.New("unknown delivery %d", delivery.Handle)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO queue_messages ( queue, group_id, dedup_id, body )
		VALUES ( $1, $2, $3, $4 )
		ON CONFLICT ( queue, dedup_id ) WHERE dedup_id <> '' DO NOTHING`,
		q.config.DeadLetterQueue, delivery.GroupID, delivery.DedupID, delivery.Body)
	if err != nil {
		return bus.Error.Wrap(err)
	}
	return bus.Error.Wrap(tx.Commit(ctx))
}

// Pending returns the number of unsettled messages on the queue. Used by
// diagnostics and tests.
func (q *queueDB) Pending(ctx context.Context, queue string) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = q.pool.QueryRow(ctx, `
		SELECT count(*) FROM queue_messages
		WHERE queue = $1 AND status = 'READY'`, queue).Scan(&count)
	return count, bus.Error.Wrap(err)
}
