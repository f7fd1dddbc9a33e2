package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	catalog, err := NewCatalog(
		&IndicatorSpec{
			EntitySpec: EntitySpec{
				AppliesPath: "ip",
				Type:        PathDefault("", "Address"),
				Tags:        []*TagTransform{{Value: FromField(Path("labels"))}},
			},
			Value1:     Path("ip"),
			Confidence: Path("confidence"),
		},
		&GroupSpec{
			EntitySpec: EntitySpec{
				AppliesPath: "adversary",
				Type:        PathDefault("", "Adversary"),
				XID:         Path("id"),
			},
			Name: Path("adversary"),
		},
	)
	require.NoError(t, err)
	return NewPipeline(catalog, nil, opts, nil)
}

func TestPipelineBatch(t *testing.T) {
	p := testPipeline(t, Options{})
	recs := []RawRecord{
		{"ip": "1.2.3.4", "confidence": 90, "labels": []any{"c2"}},
		{"adversary": "APT Example", "id": "xid-1"},
	}

	result, err := p.Batch(recs)
	require.NoError(t, err)

	require.Len(t, result.Indicator, 1)
	assert.Equal(t, "1.2.3.4", result.Indicator[0]["summary"])
	assert.Equal(t, "Address", result.Indicator[0]["type"])

	require.Len(t, result.Group, 1)
	assert.Equal(t, "APT Example", result.Group[0]["name"])
	assert.Equal(t, "xid-1", result.Group[0]["xid"])

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Processed)
	assert.Equal(t, uint64(2), stats.Transformed)
}

func TestPipelineSkipsNoValidTransform(t *testing.T) {
	// records with no valid transform are skipped even when the run is
	// configured to raise on failures
	p := testPipeline(t, Options{RaiseExceptions: true})
	recs := []RawRecord{
		{"ip": "1.2.3.4"},
		{"unrelated": true},
		{"adversary": "APT Example"},
	}

	result, err := p.Batch(recs)
	require.NoError(t, err)
	assert.Len(t, result.Indicator, 1)
	assert.Len(t, result.Group, 1)
	assert.Equal(t, uint64(1), p.Stats().Skipped)
}

func TestPipelinePartialFailure(t *testing.T) {
	catalog, err := NewCatalog(&IndicatorSpec{
		EntitySpec: EntitySpec{
			Type: PathDefault("", "Host"),
			Tags: []*TagTransform{{Value: FromField(&FieldTransform{
				PathRule: PathRule{Path: "labels"},
				Transform: ruleList{{
					ForEach: &MethodRef{Call: &PredefinedCall{Name: "to_datetime"}},
				}},
			})}},
		},
		Value1: Path("domain"),
	})
	require.NoError(t, err)

	recs := []RawRecord{
		{"domain": "first.example", "labels": []any{int64(1700000000)}},
		{"domain": "second.example", "labels": []any{"not a date"}},
		{"domain": "third.example", "labels": []any{int64(1700000000)}},
	}

	t.Run("failed record skipped, others survive", func(t *testing.T) {
		p := NewPipeline(catalog, nil, Options{}, nil)
		result, err := p.Batch(recs)
		require.NoError(t, err)
		require.Len(t, result.Indicator, 2)
		assert.Equal(t, "first.example", result.Indicator[0]["summary"])
		assert.Equal(t, "third.example", result.Indicator[1]["summary"])
		assert.Equal(t, uint64(1), p.Stats().Failed)
	})

	t.Run("raise mode stops the batch", func(t *testing.T) {
		p := NewPipeline(catalog, nil, Options{RaiseExceptions: true}, nil)
		_, err := p.Batch(recs)
		var terr *TransformError
		assert.ErrorAs(t, err, &terr)
	})
}

func TestPipelineSeparateAssociations(t *testing.T) {
	catalog, err := NewCatalog(&GroupSpec{
		EntitySpec: EntitySpec{
			Type:             PathDefault("", "Adversary"),
			XID:              Path("id"),
			AssociatedGroups: []*AssociatedGroupTransform{{Value: FromField(Path("parent"))}},
		},
		Name: Path("name"),
	})
	require.NoError(t, err)

	p := NewPipeline(catalog, nil, Options{SeparateBatchAssociations: true}, nil)
	result, err := p.Batch([]RawRecord{{"id": "xid-2", "name": "APT", "parent": "xid-1"}})
	require.NoError(t, err)

	require.Len(t, result.Association, 1)
	assert.Equal(t, map[string]any{"ref_1": "xid-1", "ref_2": "xid-2"}, result.Association[0])

	// the entity payload must not carry the association inline
	require.Len(t, result.Group, 1)
	assert.NotContains(t, result.Group[0], "association")
}

func TestPipelineV3(t *testing.T) {
	p := testPipeline(t, Options{})
	recs := []RawRecord{
		{"ip": "1.2.3.4", "labels": []any{"c2"}},
		{"ip": "5.6.7.8"},
		{"adversary": "APT Example", "id": "xid-1"},
	}

	result, err := p.V3(recs)
	require.NoError(t, err)

	require.Len(t, result["Address"], 2)
	require.Len(t, result["Adversary"], 1)
	assert.Equal(t, "1.2.3.4", result["Address"][0]["summary"])
}

func TestPipelineDeterministic(t *testing.T) {
	rec := RawRecord{"ip": "1.2.3.4", "confidence": 90, "labels": []any{"c2", "apt"}}

	p := testPipeline(t, Options{})
	first, err := p.Batch([]RawRecord{rec})
	require.NoError(t, err)
	second, err := p.Batch([]RawRecord{rec})
	require.NoError(t, err)

	assert.Equal(t, first.Indicator, second.Indicator)
}

func TestPipelineTransformSingle(t *testing.T) {
	p := testPipeline(t, Options{})

	item, err := p.Transform(RawRecord{"ip": "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", item.Summary)

	_, err = p.Transform(RawRecord{"unrelated": true})
	assert.ErrorIs(t, err, ErrNoValidTransform)
}

func TestPipelineSetCatalog(t *testing.T) {
	p := testPipeline(t, Options{})

	replacement, err := NewCatalog(&IndicatorSpec{
		EntitySpec: EntitySpec{Type: PathDefault("", "EmailAddress")},
		Value1:     Path("email"),
	})
	require.NoError(t, err)
	p.SetCatalog(replacement)

	item, err := p.Transform(RawRecord{"email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "EmailAddress", item.Type)
}
