// Package fingerprint produces deterministic hashes for raw payloads and identity keys
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
)

// VolatilePayloadFields are raw payload fields that change on every scrape
// without changing the observed product
var VolatilePayloadFields = map[string]bool{
	"scraped_at": true,
	"fetched_at": true,
	"request_id": true,
	"crawl_id":   true,
}

// Generate creates a SHA256 fingerprint of the canonicalized data
func Generate(data map[string]any) string {
	return GenerateWithExclusions(data, nil)
}

// GenerateWithExclusions fingerprints data, skipping the excluded dot-notation paths
func GenerateWithExclusions(data map[string]any, excludeFields map[string]bool) string {
	var sb strings.Builder
	writeCanonical(&sb, data, excludeFields, "")
	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:])
}

// RawPayload fingerprints a raw source payload, ignoring volatile scrape metadata.
// Payloads that are not JSON objects are hashed verbatim.
func RawPayload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		hash := sha256.Sum256(raw)
		return hex.EncodeToString(hash[:])
	}
	return GenerateWithExclusions(m, VolatilePayloadFields)
}

// IdentityKey hashes an identity key into the value stored in the indexed column
func IdentityKey(key models.IdentityKey) string {
	data := map[string]any{
		"brand":    key.BrandNorm,
		"caliber":  key.CaliberNorm,
		"grain":    key.Grain,
		"count":    key.RoundCount,
		"load":     key.LoadType,
		"shotgun":  key.IsShotgun(),
		"shell_in": key.ShellLength,
	}
	return Generate(data)
}

func writeCanonical(sb *strings.Builder, data any, excludeFields map[string]bool, currentPath string) {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		first := true
		for _, k := range keys {
			fieldPath := k
			if currentPath != "" {
				fieldPath = currentPath + "." + k
			}
			if isExcluded(fieldPath, excludeFields) {
				continue
			}
			if !first {
				sb.WriteByte(',')
			}
			first = false
			keyJSON, _ := json.Marshal(k)
			sb.Write(keyJSON)
			sb.WriteByte(':')
			writeCanonical(sb, v[k], excludeFields, fieldPath)
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item, excludeFields, currentPath)
		}
		sb.WriteByte(']')
	default:
		b, _ := json.Marshal(v)
		sb.Write(b)
	}
}

func isExcluded(fieldPath string, excludeFields map[string]bool) bool {
	if excludeFields == nil {
		return false
	}
	if excludeFields[fieldPath] {
		return true
	}
	for excluded := range excludeFields {
		if strings.HasPrefix(fieldPath, excluded+".") {
			return true
		}
	}
	return false
}
