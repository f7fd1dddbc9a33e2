package stix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBundle = `{
  "type": "bundle",
  "id": "bundle--0001",
  "objects": [
    {
      "type": "indicator",
      "id": "indicator--0001",
      "created": "2024-05-01T12:00:00Z",
      "modified": "2024-05-02T12:00:00Z",
      "name": "C2 infrastructure",
      "description": "known command and control",
      "labels": ["malicious-activity"],
      "confidence": 80,
      "pattern": "[ipv4-addr:value = '1.2.3.4'] OR [domain-name:value = 'evil.example']",
      "pattern_type": "stix",
      "valid_from": "2024-05-01T12:00:00Z",
      "kill_chain_phases": [
        {"kill_chain_name": "mitre-attack", "phase_name": "command-and-control"}
      ]
    },
    {
      "type": "campaign",
      "id": "campaign--0001",
      "created": "2024-01-01T00:00:00Z",
      "modified": "2024-01-01T00:00:00Z",
      "name": "Operation Example",
      "description": "phishing wave",
      "aliases": ["OpEx"],
      "first_seen": "2024-01-01T00:00:00Z"
    },
    {
      "type": "identity",
      "id": "identity--0001",
      "created": "2024-01-01T00:00:00Z",
      "modified": "2024-01-01T00:00:00Z",
      "name": "ignored"
    }
  ]
}`

func TestParseBundle(t *testing.T) {
	records, err := ParseBundle([]byte(sampleBundle))
	require.NoError(t, err)

	// two pattern values plus the campaign; the identity is skipped
	require.Len(t, records, 3)

	assert.Equal(t, "ipv4", records[0]["ioc_type"])
	assert.Equal(t, "1.2.3.4", records[0]["ioc_value"])
	assert.Equal(t, "C2 infrastructure", records[0]["name"])
	assert.Equal(t, 80, records[0]["confidence"])
	assert.Equal(t, []any{"malicious-activity"}, records[0]["labels"])
	assert.Equal(t, []any{"command-and-control"}, records[0]["mitre_attack"])
	assert.Equal(t, "2024-05-01T12:00:00Z", records[0]["valid_from"])

	assert.Equal(t, "domain", records[1]["ioc_type"])
	assert.Equal(t, "evil.example", records[1]["ioc_value"])

	assert.Equal(t, "campaign", records[2]["stix_type"])
	assert.Equal(t, "Operation Example", records[2]["name"])
	assert.Equal(t, []any{"OpEx"}, records[2]["aliases"])
	assert.Equal(t, "2024-01-01T00:00:00Z", records[2]["first_seen"])
}

func TestParseBundleErrors(t *testing.T) {
	t.Run("not a bundle", func(t *testing.T) {
		_, err := ParseBundle([]byte(`{"type": "report", "objects": []}`))
		assert.Error(t, err)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseBundle([]byte("{"))
		assert.Error(t, err)
	})
}

func TestParseBundleSkipsNonStixPatterns(t *testing.T) {
	bundle := `{
	  "type": "bundle",
	  "id": "bundle--0002",
	  "objects": [
	    {
	      "type": "indicator",
	      "id": "indicator--0002",
	      "created": "2024-05-01T12:00:00Z",
	      "modified": "2024-05-01T12:00:00Z",
	      "pattern": "alert tcp any any -> any any",
	      "pattern_type": "snort",
	      "valid_from": "2024-05-01T12:00:00Z"
	    }
	  ]
	}`
	records, err := ParseBundle([]byte(bundle))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPatternHashes(t *testing.T) {
	bundle := `{
	  "type": "bundle",
	  "id": "bundle--0003",
	  "objects": [
	    {
	      "type": "indicator",
	      "id": "indicator--0003",
	      "created": "2024-05-01T12:00:00Z",
	      "modified": "2024-05-01T12:00:00Z",
	      "pattern": "[file:hashes.'SHA-256' = 'abc123def456']",
	      "pattern_type": "stix",
	      "valid_from": "2024-05-01T12:00:00Z"
	    }
	  ]
	}`
	records, err := ParseBundle([]byte(bundle))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "sha256", records[0]["ioc_type"])
	assert.Equal(t, "abc123def456", records[0]["ioc_value"])
}
