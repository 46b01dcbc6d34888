// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"time"

	"clearpath.io/pagw/gateway/events"
)

type eventsDB struct {
	q querier
}

func (db *eventsDB) Append(ctx context.Context, event *events.Event) (err error) {
	defer mon.Task()(&ctx)(&err)

	// work for a submission is serialized by the bus, so the max+1 sequence
	// assignment does not race itself.
	err = db.q.QueryRow(ctx, `
		INSERT INTO event_tracker (
			submission_id, sequence_no, stage, kind,
			retryable, duration_ns, error_code, error_message
		) VALUES (
			$1,
			( SELECT COALESCE(MAX(sequence_no), 0) + 1 FROM event_tracker WHERE submission_id = $1 ),
			$2, $3, $4, $5, $6, $7
		)
		RETURNING sequence_no, created_at`,
		event.SubmissionID, event.Stage, string(event.Kind),
		event.Retryable, event.Duration.Nanoseconds(), event.ErrorCode, event.ErrorMessage).
		Scan(&event.SequenceNo, &event.CreatedAt)
	return Error.Wrap(err)
}

func (db *eventsDB) Timeline(ctx context.Context, submissionID string) (_ []events.Event, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.q.Query(ctx, `
		SELECT submission_id, sequence_no, stage, kind,
			retryable, duration_ns, error_code, error_message, created_at
		FROM event_tracker
		WHERE submission_id = $1
		ORDER BY sequence_no`, submissionID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var timeline []events.Event
	for rows.Next() {
		var event events.Event
		var kind string
		var durationNs int64
		err := rows.Scan(&event.SubmissionID, &event.SequenceNo, &event.Stage, &kind,
			&event.Retryable, &durationNs, &event.ErrorCode, &event.ErrorMessage, &event.CreatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		event.Kind = events.Kind(kind)
		event.Duration = time.Duration(durationNs)
		timeline = append(timeline, event)
	}
	return timeline, Error.Wrap(rows.Err())
}
