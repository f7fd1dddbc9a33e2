package transform

// Attribute is one attribute row on a transformed entity.
type Attribute struct {
	Type      string
	Value     string
	Displayed bool
	Pinned    bool
	Source    string
}

// Tag is one tag on a transformed entity.
type Tag struct {
	Name string
}

// SecurityLabel is one security label on a transformed entity.
type SecurityLabel struct {
	Name        string
	Color       string
	Description string
}

// FileOccurrence is one file occurrence on a File indicator.
type FileOccurrence struct {
	FileName string
	Path     string
	Date     string
}

// GroupRef references an associated group by XID from an indicator.
type GroupRef struct {
	GroupXID string
}

// IndicatorRef references an associated indicator from a group.
type IndicatorRef struct {
	Summary       string
	IndicatorType string
}

// Association is a standalone association record, emitted when the run
// collects associations separately instead of embedding them.
type Association struct {
	Ref1            string
	Type1           string
	Ref2            string
	Type2           string
	AssociationType string
}

// Item is the intermediate representation of one transformed record. It is
// owned by the builder that produced it, consumed once by a serializer, and
// then discarded.
type Item struct {
	Kind       Kind
	Type       string
	XID        string
	Name       string // groups
	Summary    string // indicators
	Confidence *int
	Rating     *float64

	// Metadata holds scalar pass-through fields (status, size, malware,
	// dnsActive and the like) keyed by their output name.
	Metadata map[string]any

	Attributes           []Attribute
	Tags                 []Tag
	SecurityLabels       []SecurityLabel
	FileOccurrences      []FileOccurrence
	AssociatedGroupXIDs  []string
	AssociatedGroups     []GroupRef
	AssociatedIndicators []IndicatorRef
	Associations         []Association
}

func newItem() *Item {
	return &Item{Metadata: make(map[string]any)}
}

// Batch renders the item in the bulk-submit layout: flat keys with singular
// nested-array field names. Key ordering is handled by JSON marshaling,
// which sorts map keys.
func (i *Item) Batch() map[string]any {
	out := make(map[string]any)
	out["type"] = i.Type
	if i.XID != "" {
		out["xid"] = i.XID
	}
	if i.Name != "" {
		out["name"] = i.Name
	}
	if i.Summary != "" {
		out["summary"] = i.Summary
	}
	if i.Confidence != nil {
		out["confidence"] = *i.Confidence
	}
	if i.Rating != nil {
		out["rating"] = *i.Rating
	}
	for k, v := range i.Metadata {
		out[k] = v
	}

	if len(i.Attributes) > 0 {
		attrs := make([]map[string]any, 0, len(i.Attributes))
		for _, a := range i.Attributes {
			attrs = append(attrs, a.batch())
		}
		out["attribute"] = attrs
	}
	if len(i.Tags) > 0 {
		tags := make([]map[string]any, 0, len(i.Tags))
		for _, t := range i.Tags {
			tags = append(tags, map[string]any{"name": t.Name})
		}
		out["tag"] = tags
	}
	if len(i.SecurityLabels) > 0 {
		labels := make([]map[string]any, 0, len(i.SecurityLabels))
		for _, l := range i.SecurityLabels {
			labels = append(labels, l.batch())
		}
		out["securityLabel"] = labels
	}
	if len(i.FileOccurrences) > 0 {
		occurrences := make([]map[string]any, 0, len(i.FileOccurrences))
		for _, o := range i.FileOccurrences {
			occurrences = append(occurrences, o.batch())
		}
		out["fileOccurrence"] = occurrences
	}
	if len(i.AssociatedGroupXIDs) > 0 {
		out["associatedGroupXid"] = append([]string{}, i.AssociatedGroupXIDs...)
	}
	if len(i.AssociatedGroups) > 0 {
		groups := make([]map[string]any, 0, len(i.AssociatedGroups))
		for _, g := range i.AssociatedGroups {
			groups = append(groups, map[string]any{"groupXid": g.GroupXID})
		}
		out["associatedGroups"] = groups
	}
	if len(i.AssociatedIndicators) > 0 {
		indicators := make([]map[string]any, 0, len(i.AssociatedIndicators))
		for _, ind := range i.AssociatedIndicators {
			indicators = append(indicators, map[string]any{
				"summary":       ind.Summary,
				"indicatorType": ind.IndicatorType,
			})
		}
		out["associatedIndicators"] = indicators
	}
	if len(i.Associations) > 0 {
		out["association"] = i.associationMaps()
	}
	return out
}

// V3 renders the item in the v3 API layout: pluralized collection keys
// wrapped in {"data": [...]} envelopes. The displayed attribute flag is
// intentionally dropped; that API version does not support it.
func (i *Item) V3() map[string]any {
	out := make(map[string]any)
	out["type"] = i.Type
	if i.XID != "" {
		out["xid"] = i.XID
	}
	if i.Name != "" {
		out["name"] = i.Name
	}
	if i.Summary != "" {
		out["summary"] = i.Summary
	}
	if i.Confidence != nil {
		out["confidence"] = *i.Confidence
	}
	if i.Rating != nil {
		out["rating"] = *i.Rating
	}
	for k, v := range i.Metadata {
		out[k] = v
	}

	if len(i.Attributes) > 0 {
		attrs := make([]map[string]any, 0, len(i.Attributes))
		for _, a := range i.Attributes {
			attr := map[string]any{
				"type":   a.Type,
				"value":  a.Value,
				"pinned": a.Pinned,
			}
			if a.Source != "" {
				attr["source"] = a.Source
			}
			attrs = append(attrs, attr)
		}
		out["attributes"] = map[string]any{"data": attrs}
	}
	if len(i.Tags) > 0 {
		tags := make([]map[string]any, 0, len(i.Tags))
		for _, t := range i.Tags {
			tags = append(tags, map[string]any{"name": t.Name})
		}
		out["tags"] = map[string]any{"data": tags}
	}
	if len(i.SecurityLabels) > 0 {
		labels := make([]map[string]any, 0, len(i.SecurityLabels))
		for _, l := range i.SecurityLabels {
			labels = append(labels, l.batch())
		}
		out["securityLabels"] = map[string]any{"data": labels}
	}
	if len(i.FileOccurrences) > 0 {
		occurrences := make([]map[string]any, 0, len(i.FileOccurrences))
		for _, o := range i.FileOccurrences {
			occurrences = append(occurrences, o.batch())
		}
		out["fileOccurrences"] = map[string]any{"data": occurrences}
	}
	if len(i.AssociatedGroupXIDs) > 0 || len(i.AssociatedGroups) > 0 {
		groups := make([]map[string]any, 0, len(i.AssociatedGroupXIDs)+len(i.AssociatedGroups))
		for _, xid := range i.AssociatedGroupXIDs {
			groups = append(groups, map[string]any{"xid": xid})
		}
		for _, g := range i.AssociatedGroups {
			groups = append(groups, map[string]any{"xid": g.GroupXID})
		}
		out["associatedGroups"] = map[string]any{"data": groups}
	}
	if len(i.Associations) > 0 {
		out["association"] = i.associationMaps()
	}
	return out
}

// AssociationRecords returns the item's standalone association records in
// their serialized form.
func (i *Item) AssociationRecords() []map[string]any {
	return i.associationMaps()
}

func (i *Item) associationMaps() []map[string]any {
	out := make([]map[string]any, 0, len(i.Associations))
	for _, a := range i.Associations {
		assoc := map[string]any{"ref_1": a.Ref1, "ref_2": a.Ref2}
		if a.Type1 != "" {
			assoc["type_1"] = a.Type1
		}
		if a.Type2 != "" {
			assoc["type_2"] = a.Type2
		}
		if a.AssociationType != "" {
			assoc["association_type"] = a.AssociationType
		}
		out = append(out, assoc)
	}
	return out
}

func (a Attribute) batch() map[string]any {
	out := map[string]any{"type": a.Type, "value": a.Value}
	// displayed and pinned only appear when set
	if a.Displayed {
		out["displayed"] = true
	}
	if a.Pinned {
		out["pinned"] = true
	}
	if a.Source != "" {
		out["source"] = a.Source
	}
	return out
}

func (l SecurityLabel) batch() map[string]any {
	out := map[string]any{"name": l.Name}
	if l.Color != "" {
		out["color"] = l.Color
	}
	if l.Description != "" {
		out["description"] = l.Description
	}
	return out
}

func (o FileOccurrence) batch() map[string]any {
	out := map[string]any{}
	if o.FileName != "" {
		out["fileName"] = o.FileName
	}
	if o.Path != "" {
		out["path"] = o.Path
	}
	if o.Date != "" {
		out["date"] = o.Date
	}
	return out
}
