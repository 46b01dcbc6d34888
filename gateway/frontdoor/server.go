// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package frontdoor

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clearpath.io/pagw/gateway/tracker"
)

// maxBundleSize bounds an inbound submission body.
const maxBundleSize = 8 << 20

// Server exposes the submission HTTP surface.
//
// architecture: Endpoint
type Server struct {
	log      *zap.Logger
	service  *Service
	listener net.Listener
	server   http.Server
}

// NewServer creates the front door HTTP server on the listener.
func NewServer(log *zap.Logger, service *Service, listener net.Listener) *Server {
	server := &Server{
		log:      log,
		service:  service,
		listener: listener,
	}

	router := mux.NewRouter()
	router.HandleFunc("/submit", server.handleSubmit).Methods(http.MethodPost)
	router.HandleFunc("/status/{submissionId}", server.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/callback/{submissionId}", server.handleCallback).Methods(http.MethodPost)
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)

	server.server = http.Server{Handler: router}
	return server
}

// Addr returns the address the server listens on.
func (server *Server) Addr() string { return server.listener.Addr().String() }

// Run serves requests until the context is canceled.
func (server *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errs.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close shuts the server down.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

func (server *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		server.serveError(w, http.StatusBadRequest, "X-Correlation-ID header is required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBundleSize+1))
	if err != nil {
		server.serveError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	if len(body) > maxBundleSize {
		server.serveError(w, http.StatusRequestEntityTooLarge, "bundle too large")
		return
	}
	if len(body) == 0 {
		server.serveError(w, http.StatusBadRequest, "empty request body")
		return
	}

	response, definitive, err := server.service.Submit(ctx, SubmitRequest{
		Body:           body,
		Tenant:         r.Header.Get("X-Tenant-ID"),
		CorrelationID:  correlationID,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		SyncMode:       r.URL.Query().Get("syncMode") == "true",
	})
	if err != nil {
		server.log.Error("submit failed",
			zap.String("correlation_id", correlationID), zap.Error(err))
		server.serveError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	status := http.StatusOK
	if !definitive {
		status = http.StatusAccepted
	}
	server.serveJSON(w, status, response)
}

func (server *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	submissionID := mux.Vars(r)["submissionId"]

	current, history, err := server.service.Status(ctx, submissionID)
	if tracker.ErrNotFound.Has(err) {
		server.serveError(w, http.StatusNotFound, "unknown submission")
		return
	}
	if err != nil {
		server.log.Error("status lookup failed",
			zap.String("submission_id", submissionID), zap.Error(err))
		server.serveError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	server.serveJSON(w, http.StatusOK, statusSnapshot(current, history))
}

func (server *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	submissionID := mux.Vars(r)["submissionId"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBundleSize))
	if err != nil || len(body) == 0 {
		server.serveError(w, http.StatusBadRequest, "unreadable callback body")
		return
	}

	err = server.service.ApplyCallback(ctx, submissionID, body)
	if tracker.ErrNotFound.Has(err) {
		server.serveError(w, http.StatusNotFound, "unknown submission")
		return
	}
	if err != nil {
		server.log.Warn("callback rejected",
			zap.String("submission_id", submissionID), zap.Error(err))
		server.serveError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	server.serveJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// snapshot is the status surface's view of a submission.
type snapshot struct {
	SubmissionID        string        `json:"submissionId"`
	Status              string        `json:"status"`
	LastStage           string        `json:"lastStage,omitempty"`
	ExternalReferenceID string        `json:"externalReferenceId,omitempty"`
	LastErrorCode       string        `json:"lastErrorCode,omitempty"`
	ReceivedAt          string        `json:"receivedAt"`
	CompletedAt         string        `json:"completedAt,omitempty"`
	History             []StatusEvent `json:"history,omitempty"`
}

func statusSnapshot(current *tracker.Tracker, history []StatusEvent) snapshot {
	out := snapshot{
		SubmissionID:        current.SubmissionID,
		Status:              string(current.Status),
		LastStage:           current.LastStage,
		ExternalReferenceID: current.ExternalReferenceID,
		LastErrorCode:       current.LastErrorCode,
		ReceivedAt:          current.ReceivedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		History:             history,
	}
	if current.CompletedAt != nil {
		out.CompletedAt = current.CompletedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return out
}

func (server *Server) serveJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		server.log.Error("encoding response failed", zap.Error(err))
	}
}

func (server *Server) serveError(w http.ResponseWriter, status int, message string) {
	server.serveJSON(w, status, map[string]string{"error": message})
}
