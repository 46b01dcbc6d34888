// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package stages

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"go.uber.org/zap"

	"clearpath.io/pagw/gateway/stage"
	"clearpath.io/pagw/gateway/tracker"
)

// NotifyConfig holds subscriber webhook settings.
type NotifyConfig struct {
	WebhookURL    string        `help:"subscriber webhook endpoint; empty disables delivery" default:""`
	SigningSecret string        `help:"shared secret for the webhook signature header" default:""`
	Timeout       time.Duration `help:"webhook delivery timeout" default:"10s"`
}

// Notify delivers the final response to subscribers and terminalizes the
// submission.
type Notify struct {
	log    *zap.Logger
	client *http.Client
	config NotifyConfig
}

// NewNotify creates the notify-subscribers handler.
func NewNotify(log *zap.Logger, config NotifyConfig) *Notify {
	return &Notify{
		log:    log,
		client: &http.Client{Timeout: config.Timeout},
		config: config,
	}
}

// Run implements stage.Handler.
func (n *Notify) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	terminal := stage.TerminalSuccess{
		Status: tracker.StatusCompleted,
		Slot:   tracker.RefFinalResponse,
		Ref:    tracker.Ref{Bucket: req.Envelope.PayloadBucket, Key: req.Envelope.PayloadKey},
	}
	if req.Envelope.Metadata["responseStatus"] == "error" {
		terminal.Status = tracker.StatusCompletedWithErrors
	}

	if n.config.WebhookURL == "" {
		return terminal, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.WebhookURL, bytes.NewReader(req.Artifact))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Submission-ID", req.Tracker.SubmissionID)
	if n.config.SigningSecret != "" {
		httpReq.Header.Set("X-Signature", Sign(n.config.SigningSecret, req.Artifact))
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return stage.TransientFailure{Code: "SUBSCRIBER_UNAVAILABLE", Message: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return stage.TransientFailure{
			Code:    "SUBSCRIBER_REJECTED",
			Message: resp.Status,
		}, nil
	}

	n.log.Debug("subscriber notified",
		zap.String("submission_id", req.Tracker.SubmissionID),
		zap.String("status", string(terminal.Status)))
	return terminal, nil
}

// Sign computes the webhook signature for a payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
