package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// LinkageStatus is the terminal outcome of one resolution
type LinkageStatus string

const (
	LinkageStatusMatched   LinkageStatus = "MATCHED"
	LinkageStatusCreated   LinkageStatus = "CREATED"
	LinkageStatusUnmatched LinkageStatus = "UNMATCHED"
	LinkageStatusError     LinkageStatus = "ERROR"
)

// LinkageStatuses is the closed set of statuses
var LinkageStatuses = []LinkageStatus{LinkageStatusMatched, LinkageStatusCreated, LinkageStatusUnmatched, LinkageStatusError}

// MatchPath is the matching tier that produced a decision
type MatchPath string

const (
	MatchPathIdentityKey        MatchPath = "IDENTITY_KEY"
	MatchPathIdentityKeyShotgun MatchPath = "IDENTITY_KEY_SHOTGUN"
	MatchPathFuzzy              MatchPath = "FUZZY"
	MatchPathUPC                MatchPath = "UPC"
	MatchPathNone               MatchPath = "NONE"
)

// MatchPaths is the closed set of match paths
var MatchPaths = []MatchPath{MatchPathIdentityKey, MatchPathIdentityKeyShotgun, MatchPathFuzzy, MatchPathUPC, MatchPathNone}

// ReasonCode explains an ERROR linkage. The set is bounded.
type ReasonCode string

const (
	ReasonLookupFailure      ReasonCode = "LOOKUP_FAILURE"
	ReasonPersistenceFailure ReasonCode = "PERSISTENCE_FAILURE"
	ReasonScoringFailure     ReasonCode = "SCORING_FAILURE"
	ReasonInvalidRecord      ReasonCode = "INVALID_RECORD"
)

// ReasonCodes is the closed set of reason codes
var ReasonCodes = []ReasonCode{ReasonLookupFailure, ReasonPersistenceFailure, ReasonScoringFailure, ReasonInvalidRecord}

// Linkage is the append-only decision connecting a source record to a
// canonical product. Rows are never updated after insert.
type Linkage struct {
	ID                 string        `json:"id" db:"id"`
	SourceRecordID     string        `json:"source_record_id" db:"source_record_id"`
	CanonicalProductID *string       `json:"canonical_product_id,omitempty" db:"canonical_product_id"`
	Status             LinkageStatus `json:"status" db:"status"`
	ReasonCode         *ReasonCode   `json:"reason_code,omitempty" db:"reason_code"`
	MatchPath          MatchPath     `json:"match_path" db:"match_path"`
	ResolverVersion    string        `json:"resolver_version" db:"resolver_version"`
	Evidence           Evidence      `json:"evidence" db:"evidence"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
}

// CanonicalID returns the linked canonical product id or an empty string
func (l *Linkage) CanonicalID() string {
	if l.CanonicalProductID == nil {
		return ""
	}
	return *l.CanonicalProductID
}

// Evidence is the persisted explanation of a decision. ConflictingCandidates
// counts bucket members excluded for a differing identity key, load type or
// shell length. BrandSimilarity is the Jaro-Winkler similarity of the input
// brand and the best candidate's brand.
type Evidence struct {
	IdentityKey           string             `json:"identity_key,omitempty"`
	AmbiguousCount        int                `json:"ambiguous_count,omitempty"`
	UPC                   string             `json:"upc,omitempty"`
	UPCTrusted            bool               `json:"upc_trusted"`
	CandidateCount        int                `json:"candidate_count"`
	ConflictingCandidates int                `json:"conflicting_candidates,omitempty"`
	ComponentScores       map[string]float64 `json:"component_scores,omitempty"`
	MatchDetails          map[string]bool    `json:"match_details,omitempty"`
	Score                 float64            `json:"score,omitempty"`
	Threshold             float64            `json:"threshold,omitempty"`
	TieBroken             bool               `json:"tie_broken,omitempty"`
	BrandSimilarity       float64            `json:"brand_similarity,omitempty"`
	MissingFields         []string           `json:"missing_fields,omitempty"`
	BrandAlias            string             `json:"brand_alias,omitempty"`
	Error                 string             `json:"error,omitempty"`
}

// Value implements driver.Valuer for the JSONB column
func (e Evidence) Value() (driver.Value, error) {
	return json.Marshal(e)
}

// Scan implements sql.Scanner for the JSONB column
func (e *Evidence) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*e = Evidence{}
		return nil
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	default:
		return fmt.Errorf("Evidence.Scan: expected []byte, got %T", src)
	}
}

// Field names reported when a matchable field fails to normalize
const (
	FieldBrand          = "brand"
	FieldCaliber        = "caliber"
	FieldGrain          = "grain"
	FieldRoundCount     = "round_count"
	FieldTitleSignature = "title_signature"
	FieldLoadType       = "load_type"
	FieldShellLength    = "shell_length"
)

// NormalizationFields is the closed set of missing-field names
var NormalizationFields = []string{
	FieldBrand,
	FieldCaliber,
	FieldGrain,
	FieldRoundCount,
	FieldTitleSignature,
	FieldLoadType,
	FieldShellLength,
}
