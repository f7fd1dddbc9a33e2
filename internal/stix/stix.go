// Package stix converts STIX 2.1 bundles into raw records for the
// transform pipeline.
package stix

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/feedwright/feedwright/internal/transform"
)

// STIX object types the converter understands.
const (
	TypeIndicator    = "indicator"
	TypeCampaign     = "campaign"
	TypeIntrusionSet = "intrusion-set"
	TypeMalware      = "malware"
	TypeThreatActor  = "threat-actor"
	TypeReport       = "report"
)

// Bundle is a STIX 2.1 bundle envelope.
type Bundle struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Objects []json.RawMessage `json:"objects"`
}

type commonProperties struct {
	Type        string     `json:"type"`
	ID          string     `json:"id"`
	Created     time.Time  `json:"created"`
	Modified    time.Time  `json:"modified"`
	Labels      []string   `json:"labels,omitempty"`
	Confidence  int        `json:"confidence,omitempty"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Aliases     []string   `json:"aliases,omitempty"`
	FirstSeen   *time.Time `json:"first_seen,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

type indicatorObject struct {
	commonProperties
	Pattern         string     `json:"pattern"`
	PatternType     string     `json:"pattern_type"`
	IndicatorTypes  []string   `json:"indicator_types,omitempty"`
	ValidFrom       time.Time  `json:"valid_from"`
	ValidUntil      *time.Time `json:"valid_until,omitempty"`
	KillChainPhases []struct {
		KillChainName string `json:"kill_chain_name"`
		PhaseName     string `json:"phase_name"`
	} `json:"kill_chain_phases,omitempty"`
}

// patternExtractors maps a raw-record ioc_type to the STIX comparison
// expression that carries it.
var patternExtractors = []struct {
	iocType string
	re      *regexp.Regexp
}{
	{"ipv4", regexp.MustCompile(`\[ipv4-addr:value\s*=\s*'([^']+)'\]`)},
	{"ipv6", regexp.MustCompile(`\[ipv6-addr:value\s*=\s*'([^']+)'\]`)},
	{"domain", regexp.MustCompile(`\[domain-name:value\s*=\s*'([^']+)'\]`)},
	{"url", regexp.MustCompile(`\[url:value\s*=\s*'([^']+)'\]`)},
	{"email", regexp.MustCompile(`\[email-addr:value\s*=\s*'([^']+)'\]`)},
	{"md5", regexp.MustCompile(`\[file:hashes\.'?MD5'?\s*=\s*'([^']+)'\]`)},
	{"sha1", regexp.MustCompile(`\[file:hashes\.'?SHA-1'?\s*=\s*'([^']+)'\]`)},
	{"sha256", regexp.MustCompile(`\[file:hashes\.'?SHA-256'?\s*=\s*'([^']+)'\]`)},
	{"registry", regexp.MustCompile(`\[windows-registry-key:key\s*=\s*'([^']+)'\]`)},
	{"asn", regexp.MustCompile(`\[autonomous-system:number\s*=\s*'?(\d+)'?\]`)},
}

// ParseBundle converts a STIX bundle into raw records. Indicator objects
// yield one record per extracted pattern value; campaign, intrusion-set,
// malware, threat-actor and report objects yield one record each. Objects
// of other types are skipped.
func ParseBundle(data []byte) ([]transform.RawRecord, error) {
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	if bundle.Type != "bundle" {
		return nil, fmt.Errorf("expected bundle type, got: %s", bundle.Type)
	}

	var records []transform.RawRecord
	for _, obj := range bundle.Objects {
		var common commonProperties
		if err := json.Unmarshal(obj, &common); err != nil {
			continue
		}

		switch common.Type {
		case TypeIndicator:
			var indicator indicatorObject
			if err := json.Unmarshal(obj, &indicator); err != nil {
				continue
			}
			records = append(records, indicatorRecords(&indicator)...)
		case TypeCampaign, TypeIntrusionSet, TypeMalware, TypeThreatActor, TypeReport:
			records = append(records, objectRecord(&common))
		}
	}
	return records, nil
}

func indicatorRecords(indicator *indicatorObject) []transform.RawRecord {
	if indicator.Pattern == "" || indicator.PatternType != "stix" {
		return nil
	}

	var mitre []any
	for _, phase := range indicator.KillChainPhases {
		if phase.KillChainName == "mitre-attack" {
			mitre = append(mitre, phase.PhaseName)
		}
	}

	var records []transform.RawRecord
	for _, part := range splitPattern(indicator.Pattern) {
		for _, extractor := range patternExtractors {
			for _, match := range extractor.re.FindAllStringSubmatch(part, -1) {
				rec := transform.RawRecord{
					"stix_id":     indicator.ID,
					"stix_type":   TypeIndicator,
					"ioc_type":    extractor.iocType,
					"ioc_value":   match[1],
					"name":        indicator.Name,
					"description": indicator.Description,
					"confidence":  indicator.Confidence,
					"labels":      anyStrings(indicator.Labels),
					"valid_from":  indicator.ValidFrom.UTC().Format(time.RFC3339),
					"created":     indicator.Created.UTC().Format(time.RFC3339),
					"modified":    indicator.Modified.UTC().Format(time.RFC3339),
				}
				if indicator.ValidUntil != nil {
					rec["valid_until"] = indicator.ValidUntil.UTC().Format(time.RFC3339)
				}
				if len(mitre) > 0 {
					rec["mitre_attack"] = mitre
				}
				records = append(records, rec)
			}
		}
	}
	return records
}

func objectRecord(common *commonProperties) transform.RawRecord {
	rec := transform.RawRecord{
		"stix_id":     common.ID,
		"stix_type":   common.Type,
		"name":        common.Name,
		"description": common.Description,
		"labels":      anyStrings(common.Labels),
		"created":     common.Created.UTC().Format(time.RFC3339),
		"modified":    common.Modified.UTC().Format(time.RFC3339),
	}
	if len(common.Aliases) > 0 {
		rec["aliases"] = anyStrings(common.Aliases)
	}
	if common.FirstSeen != nil {
		rec["first_seen"] = common.FirstSeen.UTC().Format(time.RFC3339)
	}
	if common.LastSeen != nil {
		rec["last_seen"] = common.LastSeen.UTC().Format(time.RFC3339)
	}
	return rec
}

// splitPattern splits a STIX pattern by OR operators. Nested patterns are
// not handled; each fragment is matched independently.
func splitPattern(pattern string) []string {
	parts := strings.Split(pattern, " OR ")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

func anyStrings(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}
