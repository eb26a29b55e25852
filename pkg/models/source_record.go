package models

import (
	"encoding/json"
	"errors"
	"time"
)

// SourceKind identifies how a source delivers records
type SourceKind string

const (
	SourceKindDirect        SourceKind = "DIRECT"
	SourceKindAffiliateFeed SourceKind = "AFFILIATE_FEED"
	SourceKindOther         SourceKind = "OTHER"
)

// SourceKinds is the closed set of source kinds, used for metric labels
var SourceKinds = []SourceKind{SourceKindDirect, SourceKindAffiliateFeed, SourceKindOther}

// Normalize maps unknown kinds onto OTHER so label sets stay closed
func (k SourceKind) Normalize() SourceKind {
	switch k {
	case SourceKindDirect, SourceKindAffiliateFeed:
		return k
	default:
		return SourceKindOther
	}
}

// SourceRecordStatus is the lifecycle status of a source record
type SourceRecordStatus string

const (
	SourceRecordStatusPending    SourceRecordStatus = "PENDING"
	SourceRecordStatusProcessing SourceRecordStatus = "PROCESSING"
	SourceRecordStatusResolved   SourceRecordStatus = "RESOLVED"
	SourceRecordStatusError      SourceRecordStatus = "ERROR"
)

// SourceRecord is a raw product observation from one retail source.
type SourceRecord struct {
	ID         string     `json:"id" db:"id"`
	SourceID   string     `json:"source_id" db:"source_id"`
	SourceKind SourceKind `json:"source_kind" db:"source_kind"`

	UPC        *string `json:"upc,omitempty" db:"upc"`
	Brand      string  `json:"brand" db:"brand"`
	Title      string  `json:"title" db:"title"`
	Caliber    string  `json:"caliber" db:"caliber"`
	Grain      *int    `json:"grain,omitempty" db:"grain"`
	RoundCount *int    `json:"round_count,omitempty" db:"round_count"`

	// Derived by the resolver on each attempt
	BrandNorm      *string `json:"brand_norm,omitempty" db:"brand_norm"`
	CaliberNorm    *string `json:"caliber_norm,omitempty" db:"caliber_norm"`
	UPCNorm        *string `json:"upc_norm,omitempty" db:"upc_norm"`
	TitleSignature *string `json:"title_signature,omitempty" db:"title_signature"`

	Status              SourceRecordStatus `json:"status" db:"status"`
	ProcessingStartedAt *time.Time         `json:"processing_started_at,omitempty" db:"processing_started_at"`
	LeaseToken          *string            `json:"lease_token,omitempty" db:"lease_token"`
	AttemptCount        int                `json:"attempt_count" db:"attempt_count"`
	LastReasonCode      *string            `json:"last_reason_code,omitempty" db:"last_reason_code"`

	RawPayload     json.RawMessage `json:"raw_payload,omitempty" db:"raw_payload"`
	RawFingerprint string          `json:"raw_fingerprint" db:"raw_fingerprint"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// GrainValue returns the grain or 0 when absent
func (r *SourceRecord) GrainValue() int {
	if r.Grain == nil {
		return 0
	}
	return *r.Grain
}

// RoundCountValue returns the round count or 0 when absent
func (r *SourceRecord) RoundCountValue() int {
	if r.RoundCount == nil {
		return 0
	}
	return *r.RoundCount
}

// UPCValue returns the raw UPC or an empty string
func (r *SourceRecord) UPCValue() string {
	if r.UPC == nil {
		return ""
	}
	return *r.UPC
}

// SourceConfig is the per-source configuration managed by the admin surface
type SourceConfig struct {
	SourceID   string    `json:"source_id" db:"source_id"`
	UPCTrusted bool      `json:"upc_trusted" db:"upc_trusted"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// DerivedFields are the normalized values the resolver computed for a record
type DerivedFields struct {
	BrandNorm      *string `json:"brand_norm,omitempty" db:"brand_norm"`
	CaliberNorm    *string `json:"caliber_norm,omitempty" db:"caliber_norm"`
	UPCNorm        *string `json:"upc_norm,omitempty" db:"upc_norm"`
	TitleSignature *string `json:"title_signature,omitempty" db:"title_signature"`
}

// ErrLeaseLost is returned when a completion carries a lease token that no
// longer owns the record, usually because the sweeper reclaimed it.
var ErrLeaseLost = errors.New("source record lease lost")

// maxRetryShift caps the retry delay at RetryBackoff * 2^10
const maxRetryShift = 10

// ClaimPolicy bounds one claim. A record is claimable only while its attempt
// count is below MaxAttempts. An ERROR record also waits RetryDelay since its
// last update.
type ClaimPolicy struct {
	BatchSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
}

// RetryDelay is how long an ERROR record that has been attempted attempts
// times waits before it is claimable again. The delay doubles per attempt.
func (p ClaimPolicy) RetryDelay(attempts int) time.Duration {
	if p.RetryBackoff <= 0 || attempts <= 0 {
		return 0
	}
	return p.RetryBackoff << min(attempts-1, maxRetryShift)
}
