// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package stages

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"clearpath.io/pagw/gateway/objectstore"
	"clearpath.io/pagw/gateway/stage"
	"clearpath.io/pagw/gateway/tracker"
)

// Canonical is the payer-facing request document.
type Canonical struct {
	TransactionType string `json:"transactionType"`
	SubmissionID    string `json:"submissionId"`
	PayerID         string `json:"payerId"`

	Patient struct {
		MemberID  string `json:"memberId"`
		FirstName string `json:"firstName,omitempty"`
		LastName  string `json:"lastName,omitempty"`
		BirthDate string `json:"birthDate,omitempty"`
	} `json:"patient"`

	RequestingProvider struct {
		NPI       string `json:"npi"`
		Name      string `json:"name,omitempty"`
		Specialty string `json:"specialty,omitempty"`
		TaxID     string `json:"taxId,omitempty"`
	} `json:"requestingProvider"`

	Diagnoses []Coding `json:"diagnoses,omitempty"`
	Services  []Coding `json:"services"`
}

// Convert shapes the enriched bundle into the canonical payer format.
type Convert struct {
	log     *zap.Logger
	objects objectstore.Store
	bucket  string
}

// NewConvert creates the convert handler.
func NewConvert(log *zap.Logger, objects objectstore.Store, bucket string) *Convert {
	return &Convert{log: log, objects: objects, bucket: bucket}
}

// Run implements stage.Handler.
func (c *Convert) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	var enriched Enriched
	if err := json.Unmarshal(req.Artifact, &enriched); err != nil {
		return nil, Error.New("malformed enriched document: %w", err)
	}

	canonical := Canonical{
		TransactionType: "prior-authorization",
		SubmissionID:    req.Tracker.SubmissionID,
		PayerID:         enriched.PayerID,
		Diagnoses:       enriched.Diagnoses,
		Services:        enriched.Procedures,
	}
	canonical.Patient.MemberID = enriched.Member.MemberID
	canonical.Patient.FirstName = enriched.Member.FirstName
	canonical.Patient.LastName = enriched.Member.LastName
	canonical.Patient.BirthDate = enriched.Member.BirthDate
	canonical.RequestingProvider.NPI = enriched.Provider.NPI
	canonical.RequestingProvider.Name = enriched.Provider.Name
	if enriched.ProviderDetail != nil {
		canonical.RequestingProvider.Name = enriched.ProviderDetail.Name
		canonical.RequestingProvider.Specialty = enriched.ProviderDetail.Specialty
		canonical.RequestingProvider.TaxID = enriched.ProviderDetail.TaxID
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	keys := objectstore.NewKeys(req.Tracker.SubmissionID, req.Tracker.ReceivedAt)
	if err := c.objects.Put(ctx, c.bucket, keys.Canonical(), data); err != nil {
		return stage.TransientFailure{Code: "OBJECT_STORE_UNAVAILABLE", Message: err.Error()}, nil
	}

	return stage.Advance{Route: stage.Route{
		Slot: tracker.RefCanonical,
		Ref:  tracker.Ref{Bucket: c.bucket, Key: keys.Canonical()},
	}}, nil
}
