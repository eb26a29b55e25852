package models

import (
	"strconv"
	"strings"
)

// IdentityKey is the exact-match bucket over canonical products
type IdentityKey struct {
	BrandNorm   string `json:"brand_norm"`
	CaliberNorm string `json:"caliber_norm"`
	Grain       int    `json:"grain"`
	RoundCount  int    `json:"round_count"`
	LoadType    string `json:"load_type"`
	ShellLength string `json:"shell_length,omitempty"`
}

// IsShotgun reports whether shell length participates in the key
func (k IdentityKey) IsShotgun() bool {
	return k.ShellLength != ""
}

// String renders the key deterministically. Shotgun keys carry an extra segment.
func (k IdentityKey) String() string {
	parts := []string{
		k.BrandNorm,
		k.CaliberNorm,
		strconv.Itoa(k.Grain),
		strconv.Itoa(k.RoundCount),
		k.LoadType,
	}
	if k.IsShotgun() {
		parts = append(parts, k.ShellLength)
	}
	return strings.Join(parts, "|")
}

// IdentityKeyFor builds the key a canonical product is indexed under
func IdentityKeyFor(p *CanonicalProduct) IdentityKey {
	return IdentityKey{
		BrandNorm:   p.BrandNorm,
		CaliberNorm: p.CaliberNorm,
		Grain:       p.Grain,
		RoundCount:  p.RoundCount,
		LoadType:    p.LoadType,
		ShellLength: p.ShellLength,
	}
}
