// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package gatewaytest

import (
	"context"
	"time"

	"clearpath.io/pagw/gateway/attachments"
	"clearpath.io/pagw/gateway/auditlog"
	"clearpath.io/pagw/gateway/events"
	"clearpath.io/pagw/gateway/outbox"
	"clearpath.io/pagw/gateway/payers"
	"clearpath.io/pagw/gateway/providers"
	"clearpath.io/pagw/gateway/tracker"
)

type trackerDB struct{ v *view }

func (db *trackerDB) Create(ctx context.Context, t *tracker.Tracker) error {
	return db.v.run(func(st *state) error {
		if _, ok := st.trackers[t.SubmissionID]; ok {
			return tracker.ErrAlreadyExists.New("%s", t.SubmissionID)
		}
		copied := *t
		if copied.Status == "" {
			copied.Status = tracker.StatusReceived
		}
		copied.CreatedAt = db.v.now()
		copied.UpdatedAt = copied.CreatedAt
		st.trackers[t.SubmissionID] = &copied
		return nil
	})
}

func (db *trackerDB) Get(ctx context.Context, submissionID string) (*tracker.Tracker, error) {
	var out *tracker.Tracker
	err := db.v.run(func(st *state) error {
		t, ok := st.trackers[submissionID]
		if !ok {
			return tracker.ErrNotFound.New("%s", submissionID)
		}
		copied := *t
		out = &copied
		return nil
	})
	return out, err
}

// mutate applies fn to the live row, silently dropping updates against
// terminal rows.
func (db *trackerDB) mutate(submissionID string, fn func(t *tracker.Tracker)) error {
	return db.v.run(func(st *state) error {
		t, ok := st.trackers[submissionID]
		if !ok {
			return tracker.ErrNotFound.New("%s", submissionID)
		}
		if t.Status.Terminal() {
			return nil
		}
		fn(t)
		t.UpdatedAt = db.v.now()
		return nil
	})
}

func (db *trackerDB) UpdateStatus(ctx context.Context, submissionID string, status tracker.Status, stage string) error {
	return db.mutate(submissionID, func(t *tracker.Tracker) {
		t.Status = status
		if stage != "" {
			t.LastStage = stage
		}
	})
}

func (db *trackerDB) UpdateError(ctx context.Context, submissionID string, status tracker.Status, stage, code, message string) error {
	return db.mutate(submissionID, func(t *tracker.Tracker) {
		t.Status = status
		if stage != "" {
			t.LastStage = stage
		}
		t.LastErrorCode = code
		t.LastErrorMessage = message
		t.RetryCount++
	})
}

func (db *trackerDB) UpdateFinalStatus(ctx context.Context, submissionID string, status tracker.Status, stage string, ref tracker.Ref) error {
	return db.mutate(submissionID, func(t *tracker.Tracker) {
		t.Status = status
		t.LastStage = stage
		if !ref.IsZero() {
			t.FinalResponseRef = ref
		}
		completedAt := db.v.now()
		t.CompletedAt = &completedAt
	})
}

func (db *trackerDB) UpdateExternalReference(ctx context.Context, submissionID, externalReferenceID string) error {
	return db.mutate(submissionID, func(t *tracker.Tracker) {
		t.ExternalReferenceID = externalReferenceID
	})
}

func (db *trackerDB) SetRef(ctx context.Context, submissionID string, slot tracker.RefSlot, ref tracker.Ref) error {
	return db.mutate(submissionID, func(t *tracker.Tracker) {
		t.SetRef(slot, ref)
	})
}

func (db *trackerDB) SetFlags(ctx context.Context, submissionID string, containsPHI, phiEncrypted bool) error {
	return db.mutate(submissionID, func(t *tracker.Tracker) {
		t.ContainsPHI = containsPHI
		t.PHIEncrypted = phiEncrypted
	})
}

func (db *trackerDB) MarkSyncProcessed(ctx context.Context, submissionID string) error {
	return db.mutate(submissionID, func(t *tracker.Tracker) {
		t.SyncProcessed = true
		at := db.v.now()
		t.SyncProcessedAt = &at
	})
}

func (db *trackerDB) TryMarkAsyncQueued(ctx context.Context, submissionID string) (won bool, err error) {
	err = db.v.run(func(st *state) error {
		t, ok := st.trackers[submissionID]
		if !ok {
			return tracker.ErrNotFound.New("%s", submissionID)
		}
		if t.AsyncQueued {
			return nil
		}
		t.AsyncQueued = true
		at := db.v.now()
		t.AsyncQueuedAt = &at
		t.UpdatedAt = at
		won = true
		return nil
	})
	return won, err
}

type eventsDB struct{ v *view }

func (db *eventsDB) Append(ctx context.Context, event *events.Event) error {
	return db.v.run(func(st *state) error {
		var max int64
		for _, e := range st.events {
			if e.SubmissionID == event.SubmissionID && e.SequenceNo > max {
				max = e.SequenceNo
			}
		}
		event.SequenceNo = max + 1
		event.CreatedAt = db.v.now()
		st.events = append(st.events, *event)
		return nil
	})
}

func (db *eventsDB) Timeline(ctx context.Context, submissionID string) ([]events.Event, error) {
	var timeline []events.Event
	err := db.v.run(func(st *state) error {
		for _, e := range st.events {
			if e.SubmissionID == submissionID {
				timeline = append(timeline, e)
			}
		}
		return nil
	})
	return timeline, err
}

type outboxDB struct{ v *view }

func (db *outboxDB) Stage(ctx context.Context, record *outbox.Record) error {
	return db.v.run(func(st *state) error {
		for _, row := range st.outboxRows {
			if row.MessageID == record.MessageID {
				return nil
			}
		}
		st.outboxNextID++
		record.ID = st.outboxNextID
		record.Status = outbox.StatusNew
		record.CreatedAt = db.v.now()
		copied := *record
		st.outboxRows = append(st.outboxRows, &copied)
		return nil
	})
}

func (db *outboxDB) MarkSent(ctx context.Context, id int64) error {
	return db.v.run(func(st *state) error {
		for _, row := range st.outboxRows {
			if row.ID == id {
				row.Status = outbox.StatusSent
				at := db.v.now()
				row.ProcessedAt = &at
				return nil
			}
		}
		return Error.New("outbox row %d not found", id)
	})
}

func (db *outboxDB) NextForAggregate(ctx context.Context, aggregateID string) (*outbox.Record, error) {
	var next *outbox.Record
	err := db.v.run(func(st *state) error {
		for _, row := range st.outboxRows {
			if row.AggregateID == aggregateID && row.Status == outbox.StatusNew {
				copied := *row
				next = &copied
				return nil
			}
		}
		return nil
	})
	return next, err
}

func (db *outboxDB) Release(ctx context.Context, aggregateID string) error {
	return db.v.run(func(st *state) error {
		for _, row := range st.outboxRows {
			if row.AggregateID == aggregateID && row.Status == outbox.StatusNew {
				row.NextRetryAt = time.Time{}
			}
		}
		return nil
	})
}

func (db *outboxDB) ProcessDue(ctx context.Context, limit int, policy outbox.RetryPolicy, fn func(ctx context.Context, record *outbox.Record) error) (int, error) {
	var due []*outbox.Record
	err := db.v.run(func(st *state) error {
		now := db.v.now()
		for _, row := range st.outboxRows {
			if len(due) >= limit {
				break
			}
			if (row.Status == outbox.StatusNew || row.Status == outbox.StatusFailed) && !row.NextRetryAt.After(now) {
				due = append(due, row)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, row := range due {
		sendErr := fn(ctx, row)
		err := db.v.run(func(st *state) error {
			if sendErr == nil {
				at := db.v.now()
				row.Status = outbox.StatusSent
				row.ProcessedAt = &at
				return nil
			}
			row.RetryCount++
			row.LastError = sendErr.Error()
			if row.RetryCount >= row.MaxRetries {
				row.Status = outbox.StatusDead
			} else {
				row.Status = outbox.StatusFailed
				row.NextRetryAt = db.v.now().Add(policy.Delay(row.RetryCount))
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return len(due), nil
}

func (db *outboxDB) Stats(ctx context.Context) (stats outbox.Stats, err error) {
	err = db.v.run(func(st *state) error {
		for _, row := range st.outboxRows {
			switch row.Status {
			case outbox.StatusNew:
				stats.New++
			case outbox.StatusSent:
				stats.Sent++
			case outbox.StatusFailed:
				stats.Failed++
			case outbox.StatusDead:
				stats.Dead++
			}
		}
		return nil
	})
	return stats, err
}

func (db *outboxDB) DeadRows(ctx context.Context, limit int) ([]outbox.Record, error) {
	var dead []outbox.Record
	err := db.v.run(func(st *state) error {
		for i := len(st.outboxRows) - 1; i >= 0 && len(dead) < limit; i-- {
			if st.outboxRows[i].Status == outbox.StatusDead {
				dead = append(dead, *st.outboxRows[i])
			}
		}
		return nil
	})
	return dead, err
}

func (db *outboxDB) Requeue(ctx context.Context, id int64) error {
	return db.v.run(func(st *state) error {
		for _, row := range st.outboxRows {
			if row.ID == id {
				row.Status = outbox.StatusNew
				row.RetryCount = 0
				row.NextRetryAt = time.Time{}
				row.LastError = ""
				return nil
			}
		}
		return Error.New("outbox row %d not found", id)
	})
}

type attachmentsDB struct{ v *view }

func (db *attachmentsDB) Create(ctx context.Context, list []*attachments.Attachment) error {
	return db.v.run(func(st *state) error {
		now := db.v.now()
	next:
		for _, att := range list {
			for _, existing := range st.attachments {
				if existing.ID == att.ID {
					continue next
				}
			}
			copied := *att
			if copied.State == "" {
				copied.State = attachments.StateReceived
			}
			copied.CreatedAt = now
			copied.UpdatedAt = now
			st.attachments = append(st.attachments, &copied)
		}
		return nil
	})
}

func (db *attachmentsDB) BySubmission(ctx context.Context, submissionID string) ([]*attachments.Attachment, error) {
	var list []*attachments.Attachment
	err := db.v.run(func(st *state) error {
		for _, att := range st.attachments {
			if att.SubmissionID == submissionID {
				copied := *att
				list = append(list, &copied)
			}
		}
		return nil
	})
	return list, err
}

func (db *attachmentsDB) SetState(ctx context.Context, id string, next attachments.State, storeKey, lastError string) error {
	return db.v.run(func(st *state) error {
		for _, att := range st.attachments {
			if att.ID == id {
				att.State = next
				if storeKey != "" {
					att.StoreKey = storeKey
				}
				att.LastError = lastError
				att.UpdatedAt = db.v.now()
				return nil
			}
		}
		return attachments.ErrNotFound.New("%s", id)
	})
}

type providersDB struct{ v *view }

func (db *providersDB) Get(ctx context.Context, npi string) (*providers.Provider, error) {
	var out *providers.Provider
	err := db.v.run(func(st *state) error {
		p, ok := st.providers[npi]
		if !ok {
			return providers.ErrNotFound.New("%s", npi)
		}
		copied := *p
		out = &copied
		return nil
	})
	return out, err
}

func (db *providersDB) Upsert(ctx context.Context, provider *providers.Provider) error {
	return db.v.run(func(st *state) error {
		copied := *provider
		copied.UpdatedAt = db.v.now()
		if existing, ok := st.providers[provider.NPI]; ok {
			copied.CreatedAt = existing.CreatedAt
		} else {
			copied.CreatedAt = copied.UpdatedAt
		}
		st.providers[provider.NPI] = &copied
		return nil
	})
}

type payersDB struct{ v *view }

func (db *payersDB) Get(ctx context.Context, payerID string) (*payers.Config, error) {
	var out *payers.Config
	err := db.v.run(func(st *state) error {
		p, ok := st.payers[payerID]
		if !ok {
			return payers.ErrNotFound.New("%s", payerID)
		}
		copied := *p
		out = &copied
		return nil
	})
	return out, err
}

func (db *payersDB) Upsert(ctx context.Context, config *payers.Config) error {
	return db.v.run(func(st *state) error {
		copied := *config
		copied.UpdatedAt = db.v.now()
		if existing, ok := st.payers[config.PayerID]; ok {
			copied.CreatedAt = existing.CreatedAt
		} else {
			copied.CreatedAt = copied.UpdatedAt
		}
		st.payers[config.PayerID] = &copied
		return nil
	})
}

type auditDB struct{ v *view }

func (db *auditDB) Append(ctx context.Context, entry *auditlog.Entry) error {
	return db.v.run(func(st *state) error {
		st.auditNextID++
		entry.ID = st.auditNextID
		entry.CreatedAt = db.v.now()
		st.audit = append(st.audit, *entry)
		return nil
	})
}

func (db *auditDB) BySubmission(ctx context.Context, submissionID string) ([]auditlog.Entry, error) {
	var list []auditlog.Entry
	err := db.v.run(func(st *state) error {
		for _, entry := range st.audit {
			if entry.SubmissionID == submissionID {
				list = append(list, entry)
			}
		}
		return nil
	})
	return list, err
}
