package normalizers

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/Ramsey-B/fern/pkg/models"
)

// MaxAutoActivateDailyImpact is the estimated number of source records per
// day an alias may touch before it needs a human to approve it
const MaxAutoActivateDailyImpact = 500

// MinAutoActivateLength is the shortest alias eligible for auto-activation
const MinAutoActivateLength = 4

var (
	ErrAliasEmpty           = errors.New("alias is empty")
	ErrAliasTooShort        = errors.New("alias must be at least 2 characters")
	ErrAliasShortNotAllowed = errors.New("2-3 character aliases must be allowlisted")
	ErrAliasGeneric         = errors.New("alias is a generic term")
	ErrAliasSameAsCanonical = errors.New("alias equals canonical brand")
	ErrCanonicalEmpty       = errors.New("canonical brand is empty")
)

// shortAliasAllowlist holds the 2-3 character brand abbreviations the industry
// actually uses
var shortAliasAllowlist = map[string]bool{
	"cci": true,
	"pmc": true,
	"ppu": true,
	"hsm": true,
	"imi": true,
	"ggg": true,
	"fn":  true,
	"sb":  true,
	"ims": true,
}

// genericTerms are words that show up in brand fields but never identify one
var genericTerms = map[string]bool{
	"ammo":         true,
	"ammunition":   true,
	"bulk":         true,
	"generic":      true,
	"unknown":      true,
	"n a":          true,
	"na":           true,
	"none":         true,
	"other":        true,
	"various":      true,
	"assorted":     true,
	"brand":        true,
	"new":          true,
	"sale":         true,
	"range":        true,
	"target":       true,
	"defense":      true,
	"self defense": true,
	"hunting":      true,
	"rifle":        true,
	"pistol":       true,
	"handgun":      true,
	"shotgun":      true,
	"factory":      true,
	"match":        true,
}

// IsGenericTerm reports whether a normalized value is on the generic blocklist
func IsGenericTerm(s string) bool {
	return genericTerms[s]
}

// ValidateAliasForCreation returns every rule the alias breaks. An empty
// result means the alias may be stored, not that it may be activated.
func ValidateAliasForCreation(alias, canonical string) []error {
	var errs []error

	aliasNorm := NormalizeBrand(alias)
	canonicalNorm := NormalizeBrand(canonical)

	if aliasNorm == "" {
		return []error{ErrAliasEmpty}
	}
	if canonicalNorm == "" {
		errs = append(errs, ErrCanonicalEmpty)
	}

	length := utf8.RuneCountInString(aliasNorm)
	switch {
	case length < 2:
		errs = append(errs, ErrAliasTooShort)
	case length <= 3 && !shortAliasAllowlist[aliasNorm]:
		errs = append(errs, fmt.Errorf("%w: %q", ErrAliasShortNotAllowed, aliasNorm))
	}

	if IsGenericTerm(aliasNorm) {
		errs = append(errs, fmt.Errorf("%w: %q", ErrAliasGeneric, aliasNorm))
	}

	if canonicalNorm != "" && aliasNorm == canonicalNorm {
		errs = append(errs, ErrAliasSameAsCanonical)
	}

	return errs
}

// AutoActivation explains why an alias was or was not auto-activated
type AutoActivation struct {
	Activate bool   `json:"activate"`
	Reason   string `json:"reason"`
}

// AutoActivationDecision evaluates the auto-activation rules in order and
// reports the first that fails
func AutoActivationDecision(alias string, sourceType models.BrandAliasSourceType, estimatedDailyImpact int, canonicalKnown bool) AutoActivation {
	if sourceType == models.BrandAliasSourceManual {
		return AutoActivation{Reason: "manual aliases always go to review"}
	}

	aliasNorm := NormalizeBrand(alias)
	if utf8.RuneCountInString(aliasNorm) < MinAutoActivateLength {
		return AutoActivation{Reason: fmt.Sprintf("alias shorter than %d characters", MinAutoActivateLength)}
	}
	if IsGenericTerm(aliasNorm) {
		return AutoActivation{Reason: "alias is a generic term"}
	}
	if !canonicalKnown {
		return AutoActivation{Reason: "canonical brand is not known"}
	}
	if estimatedDailyImpact < 0 || estimatedDailyImpact >= MaxAutoActivateDailyImpact {
		return AutoActivation{Reason: fmt.Sprintf("estimated daily impact %d outside [0, %d)", estimatedDailyImpact, MaxAutoActivateDailyImpact)}
	}

	return AutoActivation{Activate: true, Reason: "all auto-activation rules passed"}
}

// CanAutoActivate reports whether an alias may skip manual review
func CanAutoActivate(alias string, sourceType models.BrandAliasSourceType, estimatedDailyImpact int, canonicalKnown bool) bool {
	return AutoActivationDecision(alias, sourceType, estimatedDailyImpact, canonicalKnown).Activate
}
