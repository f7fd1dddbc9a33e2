package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleItem() *Item {
	confidence := 85
	rating := 4.5
	item := newItem()
	item.Kind = KindIndicator
	item.Type = "Address"
	item.XID = "ioc-1001"
	item.Summary = "1.2.3.4"
	item.Confidence = &confidence
	item.Rating = &rating
	item.Metadata["dateAdded"] = "2024-05-01T12:00:00Z"
	item.Attributes = []Attribute{
		{Type: "Description", Value: "observed in campaign", Displayed: true, Source: "Feed Alpha"},
		{Type: "Additional Analysis", Value: "seen twice"},
	}
	item.Tags = []Tag{{Name: "apt"}, {Name: "c2"}}
	item.SecurityLabels = []SecurityLabel{{Name: "TLP:RED", Color: "FF0000"}}
	return item
}

func TestItemBatch(t *testing.T) {
	out := sampleItem().Batch()

	assert.Equal(t, "Address", out["type"])
	assert.Equal(t, "1.2.3.4", out["summary"])
	assert.Equal(t, "ioc-1001", out["xid"])
	assert.Equal(t, 85, out["confidence"])
	assert.Equal(t, 4.5, out["rating"])
	assert.Equal(t, "2024-05-01T12:00:00Z", out["dateAdded"])

	attrs, ok := out["attribute"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, attrs, 2)
	assert.Equal(t, true, attrs[0]["displayed"])
	assert.Equal(t, "Feed Alpha", attrs[0]["source"])
	// false flags and empty sources are omitted entirely
	assert.NotContains(t, attrs[1], "displayed")
	assert.NotContains(t, attrs[1], "pinned")
	assert.NotContains(t, attrs[1], "source")

	tags, ok := out["tag"].([]map[string]any)
	require.True(t, ok)
	assert.Equal(t, []map[string]any{{"name": "apt"}, {"name": "c2"}}, tags)

	labels, ok := out["securityLabel"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, labels, 1)
	assert.Equal(t, "TLP:RED", labels[0]["name"])
	assert.Equal(t, "FF0000", labels[0]["color"])
	assert.NotContains(t, labels[0], "description")
}

func TestItemV3(t *testing.T) {
	out := sampleItem().V3()

	assert.Equal(t, "Address", out["type"])
	assert.Equal(t, "1.2.3.4", out["summary"])

	attrsWrap, ok := out["attributes"].(map[string]any)
	require.True(t, ok)
	attrs, ok := attrsWrap["data"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, attrs, 2)

	// displayed is not part of the v3 payload, pinned always is
	for _, attr := range attrs {
		assert.NotContains(t, attr, "displayed")
		assert.Contains(t, attr, "pinned")
	}
	assert.Equal(t, "Description", attrs[0]["type"])
	assert.Equal(t, "observed in campaign", attrs[0]["value"])

	tagsWrap, ok := out["tags"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []map[string]any{{"name": "apt"}, {"name": "c2"}}, tagsWrap["data"])
}

func TestItemBatchAndV3PreserveContent(t *testing.T) {
	item := sampleItem()
	batch := item.Batch()
	v3 := item.V3()

	// shared scalar fields agree across formats
	for _, key := range []string{"type", "summary", "xid", "confidence", "rating", "dateAdded"} {
		assert.Equal(t, batch[key], v3[key], key)
	}
}

func TestItemAssociatedGroupSerialization(t *testing.T) {
	item := newItem()
	item.Kind = KindGroup
	item.Type = "Adversary"
	item.Name = "APT Example"
	item.XID = "xid-1"
	item.AssociatedGroupXIDs = []string{"xid-a", "xid-b"}

	batch := item.Batch()
	assert.Equal(t, []string{"xid-a", "xid-b"}, batch["associatedGroupXid"])

	v3 := item.V3()
	groupsWrap, ok := v3["associatedGroups"].(map[string]any)
	require.True(t, ok)
	// one xid object per associated group
	assert.Equal(t, []map[string]any{{"xid": "xid-a"}, {"xid": "xid-b"}}, groupsWrap["data"])
}

func TestItemIndicatorAssociatedGroupsInBothFormats(t *testing.T) {
	item := newItem()
	item.Kind = KindIndicator
	item.Type = "Address"
	item.Summary = "1.2.3.4"
	item.AssociatedGroups = []GroupRef{{GroupXID: "xid-a"}, {GroupXID: "xid-b"}}

	batch := item.Batch()
	assert.Equal(t,
		[]map[string]any{{"groupXid": "xid-a"}, {"groupXid": "xid-b"}},
		batch["associatedGroups"])

	v3 := item.V3()
	groupsWrap, ok := v3["associatedGroups"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t,
		[]map[string]any{{"xid": "xid-a"}, {"xid": "xid-b"}},
		groupsWrap["data"])
}

func TestItemSerializationIdempotent(t *testing.T) {
	item := sampleItem()
	assert.Equal(t, item.Batch(), item.Batch())
	assert.Equal(t, item.V3(), item.V3())
}
