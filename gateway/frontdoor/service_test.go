// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package frontdoor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"clearpath.io/pagw/gateway/frontdoor"
	"clearpath.io/pagw/gateway/gatewaytest"
	"clearpath.io/pagw/gateway/idempotency"
	"clearpath.io/pagw/gateway/kms"
	"clearpath.io/pagw/gateway/objectstore"
	"clearpath.io/pagw/gateway/payers"
	"clearpath.io/pagw/gateway/pipeline"
	"clearpath.io/pagw/gateway/providers"
	"clearpath.io/pagw/gateway/stage"
	"clearpath.io/pagw/gateway/stages"
	"clearpath.io/pagw/gateway/tracker"
	"clearpath.io/pagw/private/testredis"
)

const (
	testBucket = "pagw-artifacts"
	// 1234567893 passes the 80840-prefixed Luhn check.
	validNPI = "1234567893"
)

type fakePayerClient struct {
	reply *payers.Reply
	err   error
}

func (c *fakePayerClient) Submit(ctx context.Context, config *payers.Config, canonical []byte) (*payers.Reply, error) {
	return c.reply, c.err
}

type fixture struct {
	db      *gatewaytest.DB
	objects *objectstore.Memory
	runtime *stage.Runtime
	service *frontdoor.Service
	idem    *idempotency.RedisStore
	payer   *fakePayerClient
}

func newFixture(t *testing.T, ctx *testcontext.Context) *fixture {
	log := zaptest.NewLogger(t)
	db := gatewaytest.Open()
	objects := objectstore.NewMemory()
	def := pipeline.Default()

	runtime := stage.NewRuntime(log, db, objects, testBucket, def, stage.Config{
		Deadline:         time.Minute,
		PayerDeadline:    time.Minute,
		OutboxMaxRetries: 3,
	})

	noopKMS, err := kms.New(kms.Config{})
	require.NoError(t, err)

	payer := &fakePayerClient{reply: &payers.Reply{
		ExternalReferenceID: "EXT-1",
		Decision:            payers.DecisionApproved,
		Body:                []byte(`{"status":"approved"}`),
	}}
	stages.RegisterAll(log, runtime, objects, noopKMS, payer, testBucket, testBucket, stages.Config{})

	redis, err := testredis.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = redis.Close() })

	idem, err := idempotency.OpenStoreAddr(ctx, redis.Addr(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idem.Close() })

	require.NoError(t, db.Stores().Providers.Upsert(ctx, &providers.Provider{
		NPI:    validNPI,
		Name:   "Dr. Example",
		Active: true,
	}))
	require.NoError(t, db.Stores().Payers.Upsert(ctx, &payers.Config{
		PayerID:   "acme-health",
		Endpoint:  "https://payer.example",
		ReplyMode: payers.ReplySync,
		Timeout:   time.Second,
		Active:    true,
	}))

	service := frontdoor.NewService(log, db, objects, noopKMS, idem, runtime, def,
		objectstore.Config{Bucket: testBucket, ParsedBucket: testBucket},
		frontdoor.Config{
			SyncEnabled:      true,
			SyncDeadline:     5 * time.Second,
			SyncHold:         30 * time.Second,
			DefaultTenant:    "acme",
			OutboxMaxRetries: 3,
		})

	return &fixture{db: db, objects: objects, runtime: runtime, service: service, idem: idem, payer: payer}
}

func validBundle() []byte {
	data, _ := json.Marshal(stages.Bundle{
		RequestType: "prior-authorization",
		ClaimID:     "CLM-100",
		PayerID:     "acme-health",
		Member:      stages.Member{MemberID: "M1001", FirstName: "Pat", LastName: "Doe"},
		Provider:    stages.ProviderInfo{NPI: validNPI, Name: "Dr. Example"},
		Procedures:  []stages.Coding{{Code: "97110", System: "CPT"}},
	})
	return data
}

func TestSubmit_SyncApproved(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)

	response, definitive, err := f.service.Submit(ctx, frontdoor.SubmitRequest{
		Body:          validBundle(),
		CorrelationID: "corr-1",
		SyncMode:      true,
	})
	require.NoError(t, err)
	require.True(t, definitive)
	require.Equal(t, frontdoor.StatusApproved, response.Status)
	require.NotEmpty(t, response.SubmissionID)
	require.NotEmpty(t, response.ClaimResponseBundle)

	current, err := f.db.Stores().Tracker.Get(ctx, response.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, tracker.StatusCompleted, current.Status)
	require.True(t, current.SyncProcessed)
	require.False(t, current.FinalResponseRef.IsZero())
	require.Equal(t, "EXT-1", current.ExternalReferenceID)

	// every staged row was consumed in-process.
	stats, err := f.db.Stores().Outbox.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.New)
	require.Equal(t, int64(7), stats.Sent)
}

func TestSubmit_ValidationError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)

	bundle, err := json.Marshal(stages.Bundle{
		RequestType: "prior-authorization",
		PayerID:     "acme-health",
		Member:      stages.Member{MemberID: "M1001"},
		Provider:    stages.ProviderInfo{NPI: validNPI},
		Procedures:  []stages.Coding{{Code: "97110", System: "CPT"}},
	})
	require.NoError(t, err)

	response, definitive, err := f.service.Submit(ctx, frontdoor.SubmitRequest{
		Body:          bundle,
		CorrelationID: "corr-2",
		SyncMode:      true,
	})
	require.NoError(t, err)
	require.True(t, definitive)
	require.Equal(t, frontdoor.StatusError, response.Status)
	require.NotEmpty(t, response.ValidationErrors)
	require.Equal(t, "REQUIRED_FIELD_MISSING", response.ValidationErrors[0].Code)
	require.Equal(t, "claimId", response.ValidationErrors[0].Field)

	current, err := f.db.Stores().Tracker.Get(ctx, response.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, tracker.StatusFailed, current.Status)
}

func TestSubmit_Duplicate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)

	first, definitive, err := f.service.Submit(ctx, frontdoor.SubmitRequest{
		Body:           validBundle(),
		CorrelationID:  "corr-3",
		IdempotencyKey: "key-1",
		SyncMode:       true,
	})
	require.NoError(t, err)
	require.True(t, definitive)
	require.Equal(t, frontdoor.StatusApproved, first.Status)

	// the sync completion attached the response reference to the key.
	record, found, err := f.idem.Get(ctx, "acme", "key-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, first.SubmissionID, record.SubmissionID)
	require.NotEmpty(t, record.ResponseRef)

	// a replayed key creates nothing and answers with the original id.
	second, definitive, err := f.service.Submit(ctx, frontdoor.SubmitRequest{
		Body:           validBundle(),
		CorrelationID:  "corr-4",
		IdempotencyKey: "key-1",
		SyncMode:       true,
	})
	require.NoError(t, err)
	require.True(t, definitive)
	require.Equal(t, frontdoor.StatusDuplicate, second.Status)
	require.Equal(t, first.SubmissionID, second.SubmissionID)

	_, err = f.db.Stores().Tracker.Get(ctx, second.SubmissionID)
	require.NoError(t, err)
}

func TestSubmit_DuplicateAfterAsyncCompletion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)

	first, definitive, err := f.service.Submit(ctx, frontdoor.SubmitRequest{
		Body:           validBundle(),
		CorrelationID:  "corr-8",
		IdempotencyKey: "key-2",
	})
	require.NoError(t, err)
	require.False(t, definitive)
	require.Equal(t, frontdoor.StatusAccepted, first.Status)

	// the async arm finishes the submission, so no sync completion ever
	// attaches the response reference.
	outcome, err := f.runtime.RunInline(ctx, first.SubmissionID,
		func(string) bool { return true }, time.Now())
	require.NoError(t, err)
	require.Equal(t, stage.InlineCompleted, outcome.Kind)

	record, found, err := f.idem.Get(ctx, "acme", "key-2")
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, record.ResponseRef)

	// the duplicate reply backfills the pointer from the tracker.
	second, definitive, err := f.service.Submit(ctx, frontdoor.SubmitRequest{
		Body:           validBundle(),
		IdempotencyKey: "key-2",
	})
	require.NoError(t, err)
	require.True(t, definitive)
	require.Equal(t, frontdoor.StatusDuplicate, second.Status)
	require.Equal(t, first.SubmissionID, second.SubmissionID)

	record, found, err = f.idem.Get(ctx, "acme", "key-2")
	require.NoError(t, err)
	require.True(t, found)
	require.NotEmpty(t, record.ResponseRef)
}

// faultyObjects fails every write.
type faultyObjects struct {
	*objectstore.Memory
}

func (s *faultyObjects) Put(ctx context.Context, bucket, key string, data []byte) error {
	return errs.New("object store unavailable")
}

func TestSubmit_FailureReleasesIdempotencyClaim(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)

	noopKMS, err := kms.New(kms.Config{})
	require.NoError(t, err)
	broken := frontdoor.NewService(zaptest.NewLogger(t), f.db, &faultyObjects{Memory: f.objects},
		noopKMS, f.idem, f.runtime, pipeline.Default(),
		objectstore.Config{Bucket: testBucket, ParsedBucket: testBucket},
		frontdoor.Config{
			SyncEnabled:      true,
			SyncDeadline:     5 * time.Second,
			SyncHold:         30 * time.Second,
			DefaultTenant:    "acme",
			OutboxMaxRetries: 3,
		})

	_, _, err = broken.Submit(ctx, frontdoor.SubmitRequest{
		Body:           validBundle(),
		IdempotencyKey: "key-3",
		SyncMode:       true,
	})
	require.Error(t, err)

	// the failed submit released its claim instead of pointing the key at a
	// submission that was never created.
	_, found, err := f.idem.Get(ctx, "acme", "key-3")
	require.NoError(t, err)
	require.False(t, found)

	response, definitive, err := f.service.Submit(ctx, frontdoor.SubmitRequest{
		Body:           validBundle(),
		IdempotencyKey: "key-3",
		SyncMode:       true,
	})
	require.NoError(t, err)
	require.True(t, definitive)
	require.Equal(t, frontdoor.StatusApproved, response.Status)
}

func TestSubmit_AsyncAccepted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)

	response, definitive, err := f.service.Submit(ctx, frontdoor.SubmitRequest{
		Body:          validBundle(),
		CorrelationID: "corr-5",
	})
	require.NoError(t, err)
	require.False(t, definitive)
	require.Equal(t, frontdoor.StatusAccepted, response.Status)

	current, err := f.db.Stores().Tracker.Get(ctx, response.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, tracker.StatusReceived, current.Status)
	require.True(t, current.AsyncQueued)

	// the parse row was released for the publisher.
	stats, err := f.db.Stores().Outbox.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.New)
}

func TestSubmit_PendedAndCallback(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	f.payer.reply = &payers.Reply{ExternalReferenceID: "EXT-9", Async: true}

	response, definitive, err := f.service.Submit(ctx, frontdoor.SubmitRequest{
		Body:          validBundle(),
		CorrelationID: "corr-6",
		SyncMode:      true,
	})
	require.NoError(t, err)
	require.True(t, definitive)
	require.Equal(t, frontdoor.StatusPended, response.Status)

	submissionID := response.SubmissionID
	current, err := f.db.Stores().Tracker.Get(ctx, submissionID)
	require.NoError(t, err)
	require.Equal(t, tracker.StatusAwaitingCallback, current.Status)
	require.Equal(t, "EXT-9", current.ExternalReferenceID)

	// a callback before the payer answers the submission is rejected.
	require.Error(t, f.service.ApplyCallback(ctx, "PA-unknown", []byte(`{}`)))

	require.NoError(t, f.service.ApplyCallback(ctx, submissionID, []byte(`{"status":"denied"}`)))

	current, err = f.db.Stores().Tracker.Get(ctx, submissionID)
	require.NoError(t, err)
	require.False(t, current.PayerReplyRef.IsZero())

	// the re-injected row drives build-response and notify to completion.
	outcome, err := f.runtime.RunInline(ctx, submissionID,
		func(string) bool { return true }, time.Now())
	require.NoError(t, err)
	require.Equal(t, stage.InlineCompleted, outcome.Kind)

	current, err = f.db.Stores().Tracker.Get(ctx, submissionID)
	require.NoError(t, err)
	require.Equal(t, tracker.StatusCompleted, current.Status)

	data, err := f.objects.Get(ctx, current.FinalResponseRef.Bucket, current.FinalResponseRef.Key)
	require.NoError(t, err)
	var final stages.FinalResponse
	require.NoError(t, json.Unmarshal(data, &final))
	require.Equal(t, "denied", final.Status)

	// a second callback finds the submission no longer awaiting one.
	require.Error(t, f.service.ApplyCallback(ctx, submissionID, []byte(`{"status":"denied"}`)))
}

func TestStatusHistory(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)

	response, _, err := f.service.Submit(ctx, frontdoor.SubmitRequest{
		Body:          validBundle(),
		CorrelationID: "corr-7",
		SyncMode:      true,
	})
	require.NoError(t, err)

	current, history, err := f.service.Status(ctx, response.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, tracker.StatusCompleted, current.Status)
	require.NotEmpty(t, history)
	require.Equal(t, pipeline.StageParse, history[0].Stage)
	require.Equal(t, "STAGE_START", history[0].Kind)

	_, _, err = f.service.Status(ctx, "PA-missing")
	require.True(t, tracker.ErrNotFound.Has(err))
}
