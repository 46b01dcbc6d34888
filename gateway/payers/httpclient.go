// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package payers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// HTTPClient is the production payer client. One client serves all payers;
// per-payer endpoint and timeout come from the configuration row.
type HTTPClient struct {
	log    *zap.Logger
	client *http.Client
}

// NewHTTPClient creates a payer client.
func NewHTTPClient(log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		log: log,
		// per-call deadlines come from the payer configuration; the
		// transport itself only bounds dialing.
		client: &http.Client{Timeout: 0},
	}
}

// Submit implements Client.
func (hc *HTTPClient) Submit(ctx context.Context, config *Config, canonical []byte) (_ *Reply, err error) {
	defer mon.Task()(&ctx)(&err)

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.Endpoint, bytes.NewReader(canonical))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTransient.New("payer %s timed out: %v", config.PayerID, err)
		}
		return nil, ErrTransient.New("payer %s unreachable: %v", config.PayerID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, ErrTransient.New("payer %s reply truncated: %v", config.PayerID, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, ErrTransient.New("payer %s returned %d", config.PayerID, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, ErrRejected.New("payer %s returned %d: %s", config.PayerID, resp.StatusCode, firstLine(body))
	}

	var decoded struct {
		ReferenceID string `json:"referenceId"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, Error.New("payer %s reply not decodable: %w", config.PayerID, err)
	}

	reply := &Reply{
		ExternalReferenceID: decoded.ReferenceID,
		Decision:            decoded.Status,
		Async:               config.ReplyMode == ReplyAsync || resp.StatusCode == http.StatusAccepted,
		Body:                body,
	}
	hc.log.Debug("payer reply",
		zap.String("payer_id", config.PayerID),
		zap.String("decision", reply.Decision),
		zap.Bool("async", reply.Async))
	return reply, nil
}

func firstLine(body []byte) string {
	for i, c := range body {
		if c == '\n' {
			return string(body[:i])
		}
	}
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
