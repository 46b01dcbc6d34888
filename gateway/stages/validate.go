// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package stages

import (
	"context"

	"go.uber.org/zap"

	"clearpath.io/pagw/gateway/stage"
)

// Validate checks the parsed bundle against the submission contract and the
// structural business rules. It produces no new artifact; the parsed
// document flows through unchanged.
type Validate struct {
	log *zap.Logger
}

// NewValidate creates the validate handler.
func NewValidate(log *zap.Logger) *Validate {
	return &Validate{log: log}
}

// Run implements stage.Handler.
func (v *Validate) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	bundle, err := DecodeBundle(req.Artifact)
	if err != nil {
		return stage.ValidationFailure{Errors: []stage.ValidationError{{
			Code:    "MALFORMED_BUNDLE",
			Message: err.Error(),
		}}}, nil
	}

	var violations []stage.ValidationError
	required := func(field, value string) {
		if value == "" {
			violations = append(violations, stage.ValidationError{
				Code:    "REQUIRED_FIELD_MISSING",
				Field:   field,
				Message: field + " is required",
			})
		}
	}
	required("claimId", bundle.ClaimID)
	required("payerId", bundle.PayerID)
	required("member.memberId", bundle.Member.MemberID)
	required("provider.npi", bundle.Provider.NPI)

	if bundle.Provider.NPI != "" && !ValidNPI(bundle.Provider.NPI) {
		violations = append(violations, stage.ValidationError{
			Code:    "INVALID_NPI",
			Field:   "provider.npi",
			Message: "npi check digit does not verify",
		})
	}
	if len(bundle.Procedures) == 0 {
		violations = append(violations, stage.ValidationError{
			Code:    "REQUIRED_FIELD_MISSING",
			Field:   "procedures",
			Message: "at least one procedure is required",
		})
	}

	if len(violations) > 0 {
		return stage.ValidationFailure{Errors: violations}, nil
	}
	return stage.Advance{}, nil
}
