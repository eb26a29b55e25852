package fingerprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestGenerate_KeyOrderIndependent(t *testing.T) {
	a := Generate(map[string]any{"brand": "federal", "grain": 115})
	b := Generate(map[string]any{"grain": 115, "brand": "federal"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestRawPayload(t *testing.T) {
	t.Run("ignores volatile scrape fields", func(t *testing.T) {
		a := RawPayload(json.RawMessage(`{"title":"Federal 9mm","scraped_at":"2024-01-01T00:00:00Z"}`))
		b := RawPayload(json.RawMessage(`{"title":"Federal 9mm","scraped_at":"2024-02-01T00:00:00Z"}`))
		assert.Equal(t, a, b)
	})

	t.Run("detects content changes", func(t *testing.T) {
		a := RawPayload(json.RawMessage(`{"title":"Federal 9mm"}`))
		b := RawPayload(json.RawMessage(`{"title":"Federal 40 S&W"}`))
		assert.NotEqual(t, a, b)
	})

	t.Run("hashes non-object payloads verbatim", func(t *testing.T) {
		assert.NotEmpty(t, RawPayload(json.RawMessage(`<html></html>`)))
	})

	t.Run("empty payload has no fingerprint", func(t *testing.T) {
		assert.Empty(t, RawPayload(nil))
	})
}

func TestIdentityKey(t *testing.T) {
	key := models.IdentityKey{BrandNorm: "federal", CaliberNorm: "9mm", Grain: 115, RoundCount: 50, LoadType: "fmj"}
	assert.Equal(t, IdentityKey(key), IdentityKey(key))

	other := key
	other.RoundCount = 1000
	assert.NotEqual(t, IdentityKey(key), IdentityKey(other))

	shotgun := models.IdentityKey{BrandNorm: "federal", CaliberNorm: "12ga", RoundCount: 25, LoadType: "buckshot", ShellLength: "2.75in"}
	longer := shotgun
	longer.ShellLength = "3in"
	assert.NotEqual(t, IdentityKey(shotgun), IdentityKey(longer))
}
