// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package stages

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"clearpath.io/pagw/gateway/objectstore"
	"clearpath.io/pagw/gateway/providers"
	"clearpath.io/pagw/gateway/stage"
	"clearpath.io/pagw/gateway/tracker"
)

// Enrich resolves the requesting provider against the registry and writes
// the enriched artifact.
type Enrich struct {
	log     *zap.Logger
	objects objectstore.Store
	bucket  string
}

// NewEnrich creates the enrich handler.
func NewEnrich(log *zap.Logger, objects objectstore.Store, bucket string) *Enrich {
	return &Enrich{log: log, objects: objects, bucket: bucket}
}

// Run implements stage.Handler.
func (e *Enrich) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	bundle, err := DecodeBundle(req.Artifact)
	if err != nil {
		return nil, err
	}

	provider, err := req.Stores.Providers.Get(ctx, bundle.Provider.NPI)
	if providers.ErrNotFound.Has(err) {
		return stage.ValidationFailure{Errors: []stage.ValidationError{{
			Code:    "UNKNOWN_PROVIDER",
			Field:   "provider.npi",
			Message: "provider is not registered: " + bundle.Provider.NPI,
		}}}, nil
	}
	if err != nil {
		return stage.TransientFailure{Code: "DATABASE_UNAVAILABLE", Message: err.Error()}, nil
	}
	if !provider.Active {
		return stage.ValidationFailure{Errors: []stage.ValidationError{{
			Code:    "INACTIVE_PROVIDER",
			Field:   "provider.npi",
			Message: "provider registration is inactive",
		}}}, nil
	}

	enriched := Enriched{
		Bundle: *bundle,
		ProviderDetail: &ProviderDetail{
			Name:      provider.Name,
			Specialty: provider.Specialty,
			TaxID:     provider.TaxID,
			Address:   provider.Address,
		},
	}
	data, err := json.Marshal(enriched)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	keys := objectstore.NewKeys(req.Tracker.SubmissionID, req.Tracker.ReceivedAt)
	if err := e.objects.Put(ctx, e.bucket, keys.Enriched(), data); err != nil {
		return stage.TransientFailure{Code: "OBJECT_STORE_UNAVAILABLE", Message: err.Error()}, nil
	}

	return stage.Advance{Route: stage.Route{
		Slot: tracker.RefEnriched,
		Ref:  tracker.Ref{Bucket: e.bucket, Key: keys.Enriched()},
	}}, nil
}
