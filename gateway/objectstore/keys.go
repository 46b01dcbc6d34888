// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package objectstore

import (
	"fmt"
	"time"
)

// Keys produces the canonical object layout for a submission. The layout is
// an external contract; keys are bit-exact:
//
//	{YYYYMM}/{submissionId}/request/raw.json
//	{YYYYMM}/{submissionId}/request/parsed.json
//	{YYYYMM}/{submissionId}/request/enriched.json
//	{YYYYMM}/{submissionId}/request/canonical.json
//	{YYYYMM}/{submissionId}/response/payer-raw.json
//	{YYYYMM}/{submissionId}/response/final.json
//	{YYYYMM}/{submissionId}/attachments/{attachmentId}
type Keys struct {
	prefix string
}

// NewKeys returns the key layout for a submission received at the given time.
func NewKeys(submissionID string, receivedAt time.Time) Keys {
	return Keys{prefix: receivedAt.UTC().Format("200601") + "/" + submissionID}
}

// Raw returns the raw request key.
func (k Keys) Raw() string { return k.prefix + "/request/raw.json" }

// Parsed returns the parsed request key.
func (k Keys) Parsed() string { return k.prefix + "/request/parsed.json" }

// Enriched returns the enriched request key.
func (k Keys) Enriched() string { return k.prefix + "/request/enriched.json" }

// Canonical returns the canonical (payer-format) request key.
func (k Keys) Canonical() string { return k.prefix + "/request/canonical.json" }

// PayerRaw returns the raw payer reply key.
func (k Keys) PayerRaw() string { return k.prefix + "/response/payer-raw.json" }

// Final returns the final response key.
func (k Keys) Final() string { return k.prefix + "/response/final.json" }

// Attachment returns the key for a stored attachment.
func (k Keys) Attachment(attachmentID string) string {
	return k.prefix + "/attachments/" + attachmentID
}

// ParsedDataKey is the canonical per-tenant parsed data path used by
// PutParsed.
func ParsedDataKey(tenant, submissionID string) string {
	return fmt.Sprintf("parsed-data/%s/%s-parsed.json", tenant, submissionID)
}
