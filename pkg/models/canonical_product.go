package models

import (
	"encoding/json"
	"time"
)

const (
	CanonicalCreatedByResolver = "resolver"
	CanonicalCreatedByCatalog  = "catalog"
)

// CanonicalProduct is the deduplicated product identity prices aggregate against
type CanonicalProduct struct {
	ID          string          `json:"id" db:"id"`
	BrandNorm   string          `json:"brand_norm" db:"brand_norm"`
	CaliberNorm string          `json:"caliber_norm" db:"caliber_norm"`
	Grain       int             `json:"grain" db:"grain"`
	RoundCount  int             `json:"round_count" db:"round_count"`
	LoadType    string          `json:"load_type" db:"load_type"`
	ShellLength string          `json:"shell_length" db:"shell_length"`
	UPC         *string         `json:"upc,omitempty" db:"upc"`
	Name        string          `json:"name" db:"name"`
	IdentityKey *string         `json:"identity_key,omitempty" db:"identity_key"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedBy   string          `json:"created_by" db:"created_by"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// BrandAliasSourceType records where an alias suggestion came from
type BrandAliasSourceType string

const (
	BrandAliasSourceManual BrandAliasSourceType = "MANUAL"
	BrandAliasSourceMined  BrandAliasSourceType = "MINED"
	BrandAliasSourceFeed   BrandAliasSourceType = "FEED"
)

// BrandAliasStatus is the review state of an alias
type BrandAliasStatus string

const (
	BrandAliasStatusActive        BrandAliasStatus = "ACTIVE"
	BrandAliasStatusPendingReview BrandAliasStatus = "PENDING_REVIEW"
	BrandAliasStatusRejected      BrandAliasStatus = "REJECTED"
)

// BrandAlias maps a normalized alias onto a normalized canonical brand
type BrandAlias struct {
	ID            string               `json:"id" db:"id"`
	AliasNorm     string               `json:"alias_norm" db:"alias_norm"`
	CanonicalNorm string               `json:"canonical_norm" db:"canonical_norm"`
	SourceType    BrandAliasSourceType `json:"source_type" db:"source_type"`
	Status        BrandAliasStatus     `json:"status" db:"status"`
	CreatedAt     time.Time            `json:"created_at" db:"created_at"`
}
