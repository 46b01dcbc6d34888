// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package stages implements the pipeline stage handlers. Each handler is
// described at its I/O contract: artifact in, artifact out, Result to the
// runtime.
package stages

import (
	"encoding/json"

	"github.com/zeebo/errs"
)

// Error is the default stages errs class.
var Error = errs.Class("stages")

// Bundle is the structured claim bundle a provider submits.
type Bundle struct {
	RequestType string `json:"requestType"`
	ClaimID     string `json:"claimId"`
	PayerID     string `json:"payerId"`

	Member   Member       `json:"member"`
	Provider ProviderInfo `json:"provider"`

	Diagnoses  []Coding `json:"diagnoses,omitempty"`
	Procedures []Coding `json:"procedures,omitempty"`

	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// Member identifies the patient the authorization is requested for.
type Member struct {
	MemberID  string `json:"memberId"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	BirthDate string `json:"birthDate,omitempty"`
}

// ProviderInfo identifies the requesting provider.
type ProviderInfo struct {
	NPI  string `json:"npi"`
	Name string `json:"name,omitempty"`
}

// Coding is one diagnosis or procedure code.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// AttachmentRef describes one attachment accompanying the bundle. Contents
// travel out of band; the bundle carries metadata only.
type AttachmentRef struct {
	ID          string `json:"id"`
	FileName    string `json:"fileName,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
}

// DecodeBundle parses a bundle document.
func DecodeBundle(data []byte) (*Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, Error.New("malformed bundle: %w", err)
	}
	return &bundle, nil
}

// Enriched is the bundle plus registry data resolved during enrichment.
type Enriched struct {
	Bundle
	ProviderDetail *ProviderDetail `json:"providerDetail,omitempty"`
}

// ProviderDetail carries registry demographics for the requesting provider.
type ProviderDetail struct {
	Name      string `json:"name"`
	Specialty string `json:"specialty,omitempty"`
	TaxID     string `json:"taxId,omitempty"`
	Address   string `json:"address,omitempty"`
}

// ValidNPI checks the NPI check digit (Luhn over the 80840-prefixed number).
func ValidNPI(npi string) bool {
	if len(npi) != 10 {
		return false
	}
	// the 80840 prefix contributes a constant 24 to the Luhn sum.
	sum := 24
	double := true
	for i := len(npi) - 2; i >= 0; i-- {
		d := int(npi[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	check := (10 - sum%10) % 10
	return int(npi[len(npi)-1]-'0') == check
}
