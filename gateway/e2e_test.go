// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"clearpath.io/pagw/gateway"
	"clearpath.io/pagw/gateway/attachments"
	"clearpath.io/pagw/gateway/bus"
	"clearpath.io/pagw/gateway/frontdoor"
	"clearpath.io/pagw/gateway/gatewaytest"
	"clearpath.io/pagw/gateway/idempotency"
	"clearpath.io/pagw/gateway/objectstore"
	"clearpath.io/pagw/gateway/outbox"
	"clearpath.io/pagw/gateway/payers"
	"clearpath.io/pagw/gateway/providers"
	"clearpath.io/pagw/gateway/stage"
	"clearpath.io/pagw/gateway/stages"
	"clearpath.io/pagw/gateway/tracker"
	"clearpath.io/pagw/private/testredis"
)

const (
	testPayerID = "acme-health"
	testNPI     = "1234567893"
)

// testDB runs a full peer against the in-memory database and bus.
type testDB struct {
	*gatewaytest.DB
	bus *bus.TestBus
}

func (db *testDB) MigrateToLatest(ctx context.Context) error { return nil }
func (db *testDB) Bus(config bus.Config) bus.Bus             { return db.bus }
func (db *testDB) Close() error                              { return nil }

type harness struct {
	db   *testDB
	bus  *bus.TestBus
	addr string
}

// startGateway boots a whole single-process peer: api, workers and
// publisher, with the payer simulated by an HTTP test server.
func startGateway(ctx *testcontext.Context, t *testing.T, mode payers.ReplyMode, payerHandler http.HandlerFunc, adjust func(*gateway.Config)) *harness {
	log := zaptest.NewLogger(t)

	payer := httptest.NewServer(payerHandler)
	t.Cleanup(payer.Close)

	redis, err := testredis.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = redis.Close() })

	busConfig := bus.Config{
		VisibilityTimeout: time.Second,
		MaxReceiveCount:   3,
		DeadLetterQueue:   "dlq",
		RetryBase:         10 * time.Millisecond,
		RetryCap:          20 * time.Millisecond,
	}
	db := &testDB{DB: gatewaytest.Open(), bus: bus.NewTestBus(busConfig)}

	config := gateway.Config{
		Objects: objectstore.Config{
			Bucket:       "pagw-artifacts",
			ParsedBucket: "pagw-artifacts",
		},
		Idempotency: idempotency.Config{URL: "redis://" + redis.Addr(), TTL: time.Hour},
		Bus:         busConfig,
		Frontdoor: frontdoor.Config{
			Address:          "127.0.0.1:0",
			SyncEnabled:      true,
			SyncDeadline:     5 * time.Second,
			SyncHold:         30 * time.Second,
			DefaultTenant:    "acme",
			OutboxMaxRetries: 3,
		},
		Stage: stage.Config{
			Deadline:         time.Minute,
			PayerDeadline:    time.Minute,
			OutboxMaxRetries: 3,
		},
		Worker: stage.WorkerConfig{Interval: 10 * time.Millisecond, Concurrency: 2},
		Publisher: outbox.PublisherConfig{
			Interval:   10 * time.Millisecond,
			BatchSize:  100,
			MaxRetries: 3,
			RetryBase:  10 * time.Millisecond,
			RetryCap:   50 * time.Millisecond,
		},
	}
	if adjust != nil {
		adjust(&config)
	}

	stores := db.Stores()
	require.NoError(t, stores.Providers.Upsert(ctx, &providers.Provider{
		NPI:    testNPI,
		Name:   "Dr. Example",
		Active: true,
	}))
	require.NoError(t, stores.Payers.Upsert(ctx, &payers.Config{
		PayerID:    testPayerID,
		Name:       "Acme Health",
		Endpoint:   payer.URL,
		ReplyMode:  mode,
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		Active:     true,
	}))

	peer, err := gateway.New(ctx, log.Named("peer"), db, config, gateway.All())
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = peer.Close()
	})
	ctx.Go(func() error {
		err := peer.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return &harness{db: db, bus: db.bus, addr: peer.Addr()}
}

func approvingPayer(t *testing.T, referenceID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"referenceId": referenceID,
			"status":      "approved",
		})
	}
}

func validBundle(t *testing.T, claimID string, attachmentIDs ...string) []byte {
	bundle := stages.Bundle{
		RequestType: "prior-authorization",
		ClaimID:     claimID,
		PayerID:     testPayerID,
		Member:      stages.Member{MemberID: "M1001", FirstName: "Pat", LastName: "Doe"},
		Provider:    stages.ProviderInfo{NPI: testNPI, Name: "Dr. Example"},
		Procedures:  []stages.Coding{{System: "CPT", Code: "97110"}},
	}
	for _, id := range attachmentIDs {
		bundle.Attachments = append(bundle.Attachments, stages.AttachmentRef{
			ID:          id,
			FileName:    id + ".pdf",
			ContentType: "application/pdf",
			SizeBytes:   128,
		})
	}
	data, err := json.Marshal(bundle)
	require.NoError(t, err)
	return data
}

func submit(ctx *testcontext.Context, t *testing.T, addr string, body []byte, syncMode bool, headers map[string]string) (int, frontdoor.Response) {
	url := "http://" + addr + "/submit"
	if syncMode {
		url += "?syncMode=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", "corr-1")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var decoded frontdoor.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

type statusReply struct {
	SubmissionID        string                  `json:"submissionId"`
	Status              string                  `json:"status"`
	LastStage           string                  `json:"lastStage"`
	ExternalReferenceID string                  `json:"externalReferenceId"`
	History             []frontdoor.StatusEvent `json:"history"`
}

func getStatus(ctx *testcontext.Context, t *testing.T, addr, submissionID string) (int, statusReply) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://"+addr+"/status/"+submissionID, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var decoded statusReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func waitForStatus(ctx *testcontext.Context, t *testing.T, addr, submissionID string, want tracker.Status) statusReply {
	var last statusReply
	require.Eventually(t, func() bool {
		code, reply := getStatus(ctx, t, addr, submissionID)
		if code != http.StatusOK {
			return false
		}
		last = reply
		return reply.Status == string(want)
	}, 10*time.Second, 20*time.Millisecond, "submission %s never reached %s (last %q)", submissionID, want, last.Status)
	return last
}

func TestGateway_AsyncSubmission(t *testing.T) {
	ctx := testcontext.New(t)
	gw := startGateway(ctx, t, payers.ReplySync, approvingPayer(t, "EXT-42"), nil)

	code, resp := submit(ctx, t, gw.addr, validBundle(t, "CLM-100"), false, nil)
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, frontdoor.StatusAccepted, resp.Status)
	require.NotEmpty(t, resp.SubmissionID)

	reply := waitForStatus(ctx, t, gw.addr, resp.SubmissionID, tracker.StatusCompleted)
	require.Equal(t, "EXT-42", reply.ExternalReferenceID)
	require.NotEmpty(t, reply.History)

	current, err := gw.db.Stores().Tracker.Get(ctx, resp.SubmissionID)
	require.NoError(t, err)
	require.False(t, current.SyncProcessed)
	require.False(t, current.FinalResponseRef.IsZero())
}

func TestGateway_SyncSubmission(t *testing.T) {
	ctx := testcontext.New(t)
	gw := startGateway(ctx, t, payers.ReplySync, approvingPayer(t, "EXT-43"), nil)

	code, resp := submit(ctx, t, gw.addr, validBundle(t, "CLM-101"), true, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, frontdoor.StatusApproved, resp.Status)
	require.NotEmpty(t, resp.ClaimResponseBundle)

	current, err := gw.db.Stores().Tracker.Get(ctx, resp.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, tracker.StatusCompleted, current.Status)
	require.True(t, current.SyncProcessed)
}

func TestGateway_SyncDeadlineFallsBackToAsync(t *testing.T) {
	ctx := testcontext.New(t)
	slowPayer := func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		approvingPayer(t, "EXT-44")(w, r)
	}
	gw := startGateway(ctx, t, payers.ReplySync, slowPayer, func(config *gateway.Config) {
		config.Frontdoor.SyncDeadline = 50 * time.Millisecond
	})

	code, resp := submit(ctx, t, gw.addr, validBundle(t, "CLM-102"), true, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, frontdoor.StatusPended, resp.Status)

	waitForStatus(ctx, t, gw.addr, resp.SubmissionID, tracker.StatusCompleted)

	current, err := gw.db.Stores().Tracker.Get(ctx, resp.SubmissionID)
	require.NoError(t, err)
	require.True(t, current.AsyncQueued)
}

func TestGateway_AsyncPayerCallback(t *testing.T) {
	ctx := testcontext.New(t)
	ackPayer := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"referenceId": "EXT-45"})
	}
	gw := startGateway(ctx, t, payers.ReplyAsync, ackPayer, nil)

	code, resp := submit(ctx, t, gw.addr, validBundle(t, "CLM-103"), false, nil)
	require.Equal(t, http.StatusAccepted, code)

	reply := waitForStatus(ctx, t, gw.addr, resp.SubmissionID, tracker.StatusAwaitingCallback)
	require.Equal(t, "EXT-45", reply.ExternalReferenceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+gw.addr+"/callback/"+resp.SubmissionID,
		bytes.NewReader([]byte(`{"status":"denied","referenceId":"EXT-45"}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	callbackResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, callbackResp.Body.Close())
	require.Equal(t, http.StatusNoContent, callbackResp.StatusCode)

	waitForStatus(ctx, t, gw.addr, resp.SubmissionID, tracker.StatusCompleted)

	current, err := gw.db.Stores().Tracker.Get(ctx, resp.SubmissionID)
	require.NoError(t, err)
	require.False(t, current.PayerReplyRef.IsZero())
}

func TestGateway_PoisonDeliveryRedrives(t *testing.T) {
	ctx := testcontext.New(t)
	brokenPayer := func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
	gw := startGateway(ctx, t, payers.ReplySync, brokenPayer, nil)

	code, resp := submit(ctx, t, gw.addr, validBundle(t, "CLM-104"), false, nil)
	require.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, func() bool {
		return gw.bus.Pending("dlq") == 1
	}, 10*time.Second, 20*time.Millisecond)

	current, err := gw.db.Stores().Tracker.Get(ctx, resp.SubmissionID)
	require.NoError(t, err)
	require.NotEqual(t, tracker.StatusCompleted, current.Status)
}

func TestGateway_IdempotentReplay(t *testing.T) {
	ctx := testcontext.New(t)
	gw := startGateway(ctx, t, payers.ReplySync, approvingPayer(t, "EXT-46"), nil)

	headers := map[string]string{"X-Idempotency-Key": "key-1"}
	bundle := validBundle(t, "CLM-105")

	code, first := submit(ctx, t, gw.addr, bundle, false, headers)
	require.Equal(t, http.StatusAccepted, code)

	code, second := submit(ctx, t, gw.addr, bundle, false, headers)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, frontdoor.StatusDuplicate, second.Status)
	require.Equal(t, first.SubmissionID, second.SubmissionID)

	waitForStatus(ctx, t, gw.addr, first.SubmissionID, tracker.StatusCompleted)
}

func TestGateway_AttachmentsSidePath(t *testing.T) {
	ctx := testcontext.New(t)
	gw := startGateway(ctx, t, payers.ReplySync, approvingPayer(t, "EXT-47"), nil)

	code, resp := submit(ctx, t, gw.addr, validBundle(t, "CLM-106", "att-1", "att-2"), false, nil)
	require.Equal(t, http.StatusAccepted, code)

	waitForStatus(ctx, t, gw.addr, resp.SubmissionID, tracker.StatusCompleted)

	// the side path converges on its own; the main path never waits on it.
	require.Eventually(t, func() bool {
		rows, err := gw.db.Stores().Attachments.BySubmission(ctx, resp.SubmissionID)
		if err != nil || len(rows) != 2 {
			return false
		}
		for _, att := range rows {
			if att.State != attachments.StateScanned {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
}
