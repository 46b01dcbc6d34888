// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package bus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"

	"clearpath.io/pagw/gateway/bus"
)

func TestTestBus_FIFOPerGroup(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tb := bus.NewTestBus(bus.Config{})

	require.NoError(t, tb.Publish(ctx, bus.Message{Queue: "parse", GroupID: "sub-1", DedupID: "m1", Body: []byte("a")}))
	require.NoError(t, tb.Publish(ctx, bus.Message{Queue: "parse", GroupID: "sub-1", DedupID: "m2", Body: []byte("b")}))
	require.NoError(t, tb.Publish(ctx, bus.Message{Queue: "parse", GroupID: "sub-2", DedupID: "m3", Body: []byte("c")}))

	first, err := tb.Receive(ctx, "parse")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), first.Body)

	// sub-1 has an in-flight message, so its second message is held back,
	// but sub-2 is independent.
	second, err := tb.Receive(ctx, "parse")
	require.NoError(t, err)
	require.Equal(t, "sub-2", second.GroupID)

	_, err = tb.Receive(ctx, "parse")
	require.True(t, bus.ErrEmpty.Has(err))

	require.NoError(t, tb.Ack(ctx, first))
	third, err := tb.Receive(ctx, "parse")
	require.NoError(t, err)
	require.Equal(t, []byte("b"), third.Body)
}

func TestTestBus_Dedup(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tb := bus.NewTestBus(bus.Config{})

	msg := bus.Message{Queue: "parse", GroupID: "sub-1", DedupID: "m1", Body: []byte("a")}
	require.NoError(t, tb.Publish(ctx, msg))
	require.NoError(t, tb.Publish(ctx, msg))
	require.Equal(t, 1, tb.Pending("parse"))
}

func TestTestBus_VisibilityRedelivery(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tb := bus.NewTestBus(bus.Config{VisibilityTimeout: time.Minute, MaxReceiveCount: 5})
	now := time.Now()
	tb.Now = func() time.Time { return now }

	require.NoError(t, tb.Publish(ctx, bus.Message{Queue: "q", GroupID: "g", DedupID: "m1", Body: []byte("a")}))

	first, err := tb.Receive(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 1, first.ReceiveCount)

	_, err = tb.Receive(ctx, "q")
	require.True(t, bus.ErrEmpty.Has(err))

	// visibility timeout elapses without a settle; message is redelivered.
	now = now.Add(2 * time.Minute)
	second, err := tb.Receive(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 2, second.ReceiveCount)

	// an explicit nack reschedules after the retry backoff.
	require.NoError(t, tb.Nack(ctx, second))
	_, err = tb.Receive(ctx, "q")
	require.True(t, bus.ErrEmpty.Has(err))

	now = now.Add(2 * time.Minute)
	third, err := tb.Receive(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 3, third.ReceiveCount)
}

func TestTestBus_NackBackoff(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tb := bus.NewTestBus(bus.Config{
		VisibilityTimeout: time.Minute,
		MaxReceiveCount:   5,
		RetryBase:         time.Second,
		RetryCap:          4 * time.Second,
	})
	now := time.Now()
	tb.Now = func() time.Time { return now }

	require.NoError(t, tb.Publish(ctx, bus.Message{Queue: "q", GroupID: "g", DedupID: "m1", Body: []byte("a")}))

	// delay doubles per attempt: 1s, 2s, 4s, then capped at 4s.
	for attempt, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second} {
		delivery, err := tb.Receive(ctx, "q")
		require.NoError(t, err)
		require.Equal(t, attempt+1, delivery.ReceiveCount)
		require.NoError(t, tb.Nack(ctx, delivery))

		// just before the backoff elapses the message stays invisible.
		now = now.Add(delay - time.Millisecond)
		_, err = tb.Receive(ctx, "q")
		require.True(t, bus.ErrEmpty.Has(err))
		now = now.Add(time.Millisecond)
	}
}

func TestTestBus_RedriveToDLQ(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tb := bus.NewTestBus(bus.Config{VisibilityTimeout: time.Minute, MaxReceiveCount: 2, DeadLetterQueue: "dlq"})
	now := time.Now()
	tb.Now = func() time.Time { return now }

	require.NoError(t, tb.Publish(ctx, bus.Message{Queue: "q", GroupID: "g", DedupID: "m1", Body: []byte("poison")}))

	for i := 0; i < 2; i++ {
		delivery, err := tb.Receive(ctx, "q")
		require.NoError(t, err)
		require.NoError(t, tb.Nack(ctx, delivery))
		now = now.Add(2 * time.Minute)
	}

	// receive count exhausted; the next receive moves it to the DLQ.
	_, err := tb.Receive(ctx, "q")
	require.True(t, bus.ErrEmpty.Has(err))
	require.Equal(t, 0, tb.Pending("q"))
	require.Equal(t, 1, tb.Pending("dlq"))

	dead, err := tb.Receive(ctx, "dlq")
	require.NoError(t, err)
	require.Equal(t, []byte("poison"), dead.Body)
}

func TestEnvelope_Roundtrip(t *testing.T) {
	env := &bus.Envelope{
		SubmissionID:  "PA-20250801-000001-abcd",
		MessageID:     "11111111-2222-3333-4444-555555555555",
		SchemaVersion: bus.SchemaVersion,
		Stage:         "validate",
		Tenant:        "acme",
		PayloadBucket: "pagw-artifacts",
		PayloadKey:    "202508/PA-20250801-000001-abcd/request/parsed.json",
		HasAttachments:  true,
		AttachmentCount: 2,
		Metadata:        map[string]string{"disposition": "PENDING"},
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}

	msg, err := env.ToMessage("validate")
	require.NoError(t, err)
	require.Equal(t, env.SubmissionID, msg.GroupID)
	require.Equal(t, env.MessageID, msg.DedupID)

	decoded, err := bus.DecodeEnvelope(msg.Body)
	require.NoError(t, err)
	require.Equal(t, env, decoded)
}

func TestEnvelope_Invalid(t *testing.T) {
	_, err := bus.DecodeEnvelope([]byte(`{"not": "an envelope"`))
	require.Error(t, err)

	_, err = bus.DecodeEnvelope([]byte(`{"submissionId": "x"}`))
	require.Error(t, err)

	env := &bus.Envelope{SubmissionID: "x", Stage: "parse", SchemaVersion: "1"}
	_, err = env.Encode()
	require.Error(t, err)
}
