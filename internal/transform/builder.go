package transform

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Builder transforms one raw record into an Item. A builder is created
// fresh per record, shares nothing with other builders, and is discarded
// after the item is serialized. User-supplied transform callables receive
// the builder so they can read the raw record and add sub-entities
// imperatively while their field is being evaluated.
type Builder struct {
	rec     RawRecord
	catalog *Catalog
	eng     *Engine
	opts    Options
	log     *slog.Logger

	spec Spec
	item *Item

	adhocGroups     []map[string]any
	adhocIndicators []map[string]any
}

// NewBuilder creates a builder for one raw record.
func NewBuilder(rec RawRecord, catalog *Catalog, eng *Engine, opts Options, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		rec:     rec,
		catalog: catalog,
		eng:     eng,
		opts:    opts,
		log:     log,
		item:    newItem(),
	}
}

// Raw returns the raw record being transformed.
func (b *Builder) Raw() RawRecord { return b.rec }

// Item returns the in-progress transformed item.
func (b *Builder) Item() *Item { return b.item }

// AdhocGroups returns fully-formed group payloads appended by user
// callables, already in the target output shape.
func (b *Builder) AdhocGroups() []map[string]any { return b.adhocGroups }

// AdhocIndicators returns fully-formed indicator payloads appended by user
// callables.
func (b *Builder) AdhocIndicators() []map[string]any { return b.adhocIndicators }

// Build runs the full transform: spec selection, type resolution, field
// evaluation, sub-entity collection and final kind validation.
func (b *Builder) Build() (*Item, error) {
	spec, err := b.catalog.selectSpec(b.rec)
	if err != nil {
		return nil, err
	}
	b.spec = spec

	// type first, fail early
	if err := b.processType(); err != nil {
		return nil, err
	}
	if err := b.processXID(); err != nil {
		return nil, err
	}

	switch spec := b.spec.(type) {
	case *GroupSpec:
		if err := b.processGroup(spec); err != nil {
			return nil, err
		}
	case *IndicatorSpec:
		if err := b.processIndicator(spec); err != nil {
			return nil, err
		}
	}

	common := b.spec.common()
	if err := b.processAssociatedGroups(common.AssociatedGroups); err != nil {
		return nil, err
	}
	if err := b.processAttributes(common.Attributes); err != nil {
		return nil, err
	}
	if err := b.processSecurityLabels(common.SecurityLabels); err != nil {
		return nil, err
	}
	if err := b.processTags(common.Tags); err != nil {
		return nil, err
	}

	dates := []struct {
		key  string
		rule *PathRule
	}{
		{"dateAdded", common.DateAdded},
		{"lastModified", common.LastModified},
		{"firstSeen", common.FirstSeen},
		{"lastSeen", common.LastSeen},
		{"externalDateAdded", common.ExternalDateAdded},
		{"externalDateExpires", common.ExternalDateExpires},
		{"externalLastModified", common.ExternalLastModified},
	}
	for _, d := range dates {
		if err := b.processDate(d.key, d.rule); err != nil {
			return nil, err
		}
	}

	if err := b.resolveKind(); err != nil {
		return nil, err
	}
	return b.item, nil
}

// resolveKind validates the built item against each entity schema in a
// fixed priority order and assigns the first kind that validates. An
// indicator needs a resolved summary; a group needs a resolved name. A
// record satisfying neither has no valid transform.
func (b *Builder) resolveKind() error {
	for _, kind := range kindPriority {
		switch kind {
		case KindIndicator:
			if b.item.Summary != "" {
				b.item.Kind = kind
				return nil
			}
		case KindGroup:
			if b.item.Name != "" {
				b.item.Kind = kind
				return nil
			}
		}
	}
	b.log.Warn("record validates as neither group nor indicator", "type", b.item.Type)
	return ErrNoValidTransform
}

func (b *Builder) processType() error {
	typ, err := b.eng.evaluate(b.rec, b.spec.common().Type, b)
	if err != nil {
		return transformError("Type", err, ftContext(b.spec.common().Type))
	}
	if typ == nil || typ == "" {
		return transformError("Type", errors.New("type transform resolved to no value"),
			ftContext(b.spec.common().Type))
	}
	b.item.Type = toString(typ)
	return nil
}

func (b *Builder) processXID() error {
	xid, err := b.eng.evaluate(b.rec, b.spec.common().XID, b)
	if err != nil {
		return transformError("xid", err, ftContext(b.spec.common().XID))
	}
	if xid != nil {
		b.item.XID = toString(xid)
	}
	return nil
}

func (b *Builder) processGroup(spec *GroupSpec) error {
	name, err := b.eng.evaluate(b.rec, spec.Name, b)
	if err != nil {
		return transformError("name", err, ftContext(spec.Name))
	}
	if name != nil {
		b.AddName(toString(name))
	}

	switch b.item.Type {
	case "Document":
		if err := b.processMetadataFields(map[string]*FieldTransform{
			"fileName": spec.FileName, "malware": spec.Malware, "password": spec.Password,
		}); err != nil {
			return err
		}
	case "Email":
		if err := b.processMetadataFields(map[string]*FieldTransform{
			"body": spec.Body, "from": spec.FromAddr, "header": spec.Header,
			"subject": spec.Subject, "to": spec.ToAddr,
		}); err != nil {
			return err
		}
	case "Event", "Incident":
		if err := b.processDate("eventDate", spec.EventDate); err != nil {
			return err
		}
		if err := b.processMetadata("status", spec.Status); err != nil {
			return err
		}
	case "Report":
		if err := b.processMetadata("fileName", spec.FileName); err != nil {
			return err
		}
		if err := b.processDate("publishDate", spec.PublishDate); err != nil {
			return err
		}
	case "Signature":
		if err := b.processMetadataFields(map[string]*FieldTransform{
			"fileName": spec.FileName, "fileType": spec.FileType, "fileText": spec.FileText,
		}); err != nil {
			return err
		}
	case "Case":
		if err := b.processMetadataFields(map[string]*FieldTransform{
			"severity": spec.Severity, "status": spec.Status,
		}); err != nil {
			return err
		}
	}

	return b.processAssociatedIndicators(spec.AssociatedIndicators)
}

func (b *Builder) processIndicator(spec *IndicatorSpec) error {
	if err := b.processIndicatorValues(spec); err != nil {
		return err
	}

	if err := b.processMetadata("active", spec.Active); err != nil {
		return err
	}

	confidence, err := b.eng.evaluate(b.rec, spec.Confidence, b)
	if err != nil {
		return transformError("confidence", err, ftContext(spec.Confidence))
	}
	b.AddConfidence(confidence)

	rating, err := b.eng.evaluate(b.rec, spec.Rating, b)
	if err != nil {
		return transformError("Rating", err, ftContext(spec.Rating))
	}
	b.AddRating(rating)

	switch b.item.Type {
	case "File":
		if err := b.processMetadata("size", spec.Size); err != nil {
			return err
		}
		if err := b.processFileOccurrences(spec.FileOccurrences); err != nil {
			return err
		}
	case "Host":
		if err := b.processMetadataFields(map[string]*FieldTransform{
			"dnsActive": spec.DNSActive, "whoisActive": spec.WhoisActive,
		}); err != nil {
			return err
		}
	}

	return b.processCustomAssociations(spec.AssociatedIndicators)
}

// processIndicatorValues resolves value1/2/3 and builds the summary. A
// record where none of the three resolves has no valid indicator shape;
// the final kind resolution rejects it.
func (b *Builder) processIndicatorValues(spec *IndicatorSpec) error {
	parts := make([]string, 0, 3)
	for _, f := range []struct {
		name string
		ft   *FieldTransform
	}{{"value1", spec.Value1}, {"value2", spec.Value2}, {"value3", spec.Value3}} {
		value, err := b.eng.evaluate(b.rec, f.ft, b)
		if err != nil {
			return transformError(f.name, err, ftContext(f.ft))
		}
		if value == nil || value == "" {
			continue
		}
		parts = append(parts, toString(value))
	}

	if len(parts) == 0 {
		b.log.Error("no indicator value found",
			"type", b.item.Type)
		return nil
	}
	b.AddSummary(strings.Join(parts, " : "))
	return nil
}

func (b *Builder) processMetadataFields(fields map[string]*FieldTransform) error {
	for key, ft := range fields {
		if err := b.processMetadata(key, ft); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) processMetadata(key string, ft *FieldTransform) error {
	value, err := b.eng.evaluate(b.rec, ft, b)
	if err != nil {
		return transformError(key, err, ftContext(ft))
	}
	if value != nil {
		b.AddMetadata(key, toString(value))
	}
	return nil
}

func (b *Builder) processDate(key string, rule *PathRule) error {
	if rule == nil || rule.Path == "" {
		return nil
	}
	value, err := rule.search(b.rec)
	if err != nil {
		return transformError(key, err, map[string]any{"path": rule.Path})
	}
	if value == nil {
		return nil
	}
	ts, err := anyToTime(value)
	if err != nil {
		return transformError(key, err, map[string]any{"path": rule.Path})
	}
	b.AddMetadata(key, ts.UTC().Format(tcDatetimeFormat))
	return nil
}

func (b *Builder) processAttributes(attributes []*AttributeTransform) error {
	for i, attribute := range attributes {
		if err := b.processAttribute(attribute); err != nil {
			return transformError(fmt.Sprintf("Attribute [%d]", i+1), err, nil)
		}
	}
	return nil
}

func (b *Builder) processAttribute(attribute *AttributeTransform) error {
	values, err := b.eng.fieldValues(b.rec, attribute.Value, -1, b)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	n := len(values)
	types, err := b.eng.fieldValues(b.rec, attribute.Type, n, b)
	if err != nil {
		return err
	}
	sources, err := b.eng.fieldValues(b.rec, attribute.Source, n, b)
	if err != nil {
		return err
	}
	displayed, err := b.eng.fieldValues(b.rec, attribute.Displayed, n, b)
	if err != nil {
		return err
	}
	pinned, err := b.eng.fieldValues(b.rec, attribute.Pinned, n, b)
	if err != nil {
		return err
	}

	for j := range values {
		if values[j] == nil || values[j] == "" {
			continue
		}
		if types[j] == nil || types[j] == "" {
			b.log.Warn("attribute row has no type", "value", values[j])
			continue
		}
		b.AddAttribute(toString(types[j]), toString(values[j]),
			asBool(displayed[j]), asBool(pinned[j]), optString(sources[j]))
	}
	return nil
}

func (b *Builder) processSecurityLabels(labels []*SecurityLabelTransform) error {
	for i, label := range labels {
		if err := b.processSecurityLabel(label); err != nil {
			return transformError(fmt.Sprintf("Security Labels [%d]", i+1), err, nil)
		}
	}
	return nil
}

func (b *Builder) processSecurityLabel(label *SecurityLabelTransform) error {
	names, err := b.eng.fieldValues(b.rec, label.Value, -1, b)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	n := len(names)
	colors, err := b.metadataValues(label.Color, n)
	if err != nil {
		return err
	}
	descriptions, err := b.metadataValues(label.Description, n)
	if err != nil {
		return err
	}

	for j := range names {
		if names[j] == nil || names[j] == "" {
			continue
		}
		b.AddSecurityLabel(toString(names[j]), optString(colors[j]), optString(descriptions[j]))
	}
	return nil
}

func (b *Builder) processTags(tags []*TagTransform) error {
	for i, tag := range tags {
		values, err := b.eng.fieldValues(b.rec, tag.Value, -1, b)
		if err != nil {
			return transformError(fmt.Sprintf("Tags [%d]", i+1), err, nil)
		}
		for _, value := range values {
			if isFalsy(value) {
				continue
			}
			b.AddTag(toString(value))
		}
	}
	return nil
}

func (b *Builder) processAssociatedGroups(associations []*AssociatedGroupTransform) error {
	for i, association := range associations {
		values, err := b.eng.fieldValues(b.rec, association.Value, -1, b)
		if err != nil {
			return transformError(fmt.Sprintf("Associated Group [%d]", i+1), err, nil)
		}
		for _, value := range values {
			if isFalsy(value) {
				continue
			}
			b.AddAssociatedGroup(toString(value))
		}
	}
	return nil
}

func (b *Builder) processAssociatedIndicators(associations []*AssociatedIndicatorFromGroup) error {
	for i, association := range associations {
		summaries, err := b.eng.fieldValues(b.rec, association.Summary, -1, b)
		if err != nil {
			return transformError(fmt.Sprintf("Associated Indicator [%d]", i+1), err, nil)
		}
		if len(summaries) == 0 {
			b.log.Warn("associated indicator transform yielded no summary")
			continue
		}
		types, err := b.eng.fieldValues(b.rec, association.IndicatorType, len(summaries), b)
		if err != nil {
			return transformError(fmt.Sprintf("Associated Indicator [%d]", i+1), err, nil)
		}
		for j := range summaries {
			if isFalsy(summaries[j]) || isFalsy(types[j]) {
				continue
			}
			b.AddAssociatedIndicator(toString(summaries[j]), toString(types[j]))
		}
	}
	return nil
}

func (b *Builder) processCustomAssociations(associations []*AssociatedIndicatorFromIndicator) error {
	for i, association := range associations {
		field := fmt.Sprintf("Associated Indicator [%d]", i+1)

		summaries, err := b.eng.fieldValues(b.rec, association.Summary, -1, b)
		if err != nil {
			return transformError(field, err, nil)
		}
		if len(summaries) == 0 {
			b.log.Warn("custom association transform yielded no summary")
			continue
		}
		types, err := b.eng.fieldValues(b.rec, association.Type, len(summaries), b)
		if err != nil {
			return transformError(field, err, nil)
		}
		assocTypes, err := b.eng.fieldValues(b.rec, association.AssociationType, len(summaries), b)
		if err != nil {
			return transformError(field, err, nil)
		}

		for j := range summaries {
			if isFalsy(summaries[j]) || isFalsy(types[j]) || isFalsy(assocTypes[j]) {
				continue
			}
			if err := b.AddCustomAssociation(toString(summaries[j]), toString(types[j]),
				toString(assocTypes[j])); err != nil {
				return err
			}
		}
	}
	return nil
}

// processFileOccurrences evaluates each occurrence's fields twice: a first
// pass finds the row count, a second spreads static values to match. Rows
// where every field is empty are dropped rather than emitted partial.
func (b *Builder) processFileOccurrences(occurrences []*FileOccurrenceTransform) error {
	for i, occurrence := range occurrences {
		field := fmt.Sprintf("File Occurrence [%d]", i+1)

		expected := 0
		for _, fv := range []*FieldValue{occurrence.FileName, occurrence.Path, occurrence.Date} {
			if fv == nil {
				continue
			}
			values, err := b.eng.fieldValues(b.rec, fv, -1, b)
			if err != nil {
				return transformError(field, err, nil)
			}
			if len(values) > expected {
				expected = len(values)
			}
		}
		if expected == 0 {
			continue
		}

		fileNames, err := b.eng.fieldValues(b.rec, occurrence.FileName, expected, b)
		if err != nil {
			return transformError(field, err, nil)
		}
		paths, err := b.eng.fieldValues(b.rec, occurrence.Path, expected, b)
		if err != nil {
			return transformError(field, err, nil)
		}
		dates, err := b.eng.fieldValues(b.rec, occurrence.Date, expected, b)
		if err != nil {
			return transformError(field, err, nil)
		}

		for j := 0; j < expected; j++ {
			b.AddFileOccurrence(optString(fileNames[j]), optString(paths[j]), dateString(dates[j]))
		}
	}
	return nil
}

func (b *Builder) metadataValues(ft *FieldTransform, expected int) ([]any, error) {
	if ft == nil {
		return make([]any, expected), nil
	}
	values, err := b.eng.evaluateValues(b.rec, ft, b)
	if err != nil {
		return nil, err
	}
	if len(values) != expected {
		return nil, fmt.Errorf("expected transform value of length %d, but length was %d",
			expected, len(values))
	}
	return values, nil
}

// Imperative helpers, callable from user transform callables while their
// record is being evaluated. Every helper guards against empty keys and
// values; nothing nil is ever written into the item.

// AddAttribute appends an attribute row. Empty type or value is a no-op.
func (b *Builder) AddAttribute(typ, value string, displayed, pinned bool, source string) {
	if typ == "" || value == "" {
		return
	}
	b.item.Attributes = append(b.item.Attributes, Attribute{
		Type: typ, Value: value, Displayed: displayed, Pinned: pinned, Source: source,
	})
}

// AddTag appends a tag. Empty names are a no-op.
func (b *Builder) AddTag(name string) {
	if name == "" {
		return
	}
	b.item.Tags = append(b.item.Tags, Tag{Name: name})
}

// AddSecurityLabel appends a security label. Empty names are a no-op.
func (b *Builder) AddSecurityLabel(name, color, description string) {
	if name == "" {
		return
	}
	b.item.SecurityLabels = append(b.item.SecurityLabels, SecurityLabel{
		Name: name, Color: color, Description: description,
	})
}

// AddFileOccurrence appends a file occurrence unless every field is empty.
func (b *Builder) AddFileOccurrence(fileName, path, date string) {
	if fileName == "" && path == "" && date == "" {
		return
	}
	b.item.FileOccurrences = append(b.item.FileOccurrences, FileOccurrence{
		FileName: fileName, Path: path, Date: date,
	})
}

// AddName sets the group name.
func (b *Builder) AddName(name string) {
	if name == "" {
		return
	}
	b.item.Name = name
}

// AddSummary sets the indicator summary.
func (b *Builder) AddSummary(summary string) {
	if summary == "" {
		return
	}
	b.item.Summary = summary
}

// AddConfidence sets the indicator confidence. Non-numeric values are a
// no-op.
func (b *Builder) AddConfidence(confidence any) {
	if confidence == nil {
		return
	}
	if n, err := strconv.ParseFloat(toString(confidence), 64); err == nil {
		v := int(n)
		b.item.Confidence = &v
	}
}

// AddRating sets the indicator rating. Non-numeric values are a no-op.
func (b *Builder) AddRating(rating any) {
	if rating == nil {
		return
	}
	if v, err := strconv.ParseFloat(toString(rating), 64); err == nil {
		b.item.Rating = &v
	}
}

// AddMetadata sets an arbitrary scalar pass-through field.
func (b *Builder) AddMetadata(key string, value any) {
	if key == "" || value == nil || value == "" {
		return
	}
	b.item.Metadata[key] = value
}

// AddAssociatedGroup records an association to a group XID. The physical
// representation depends on the run-wide association mode and on whether
// the owning record is a group or an indicator.
func (b *Builder) AddAssociatedGroup(groupXID string) {
	if groupXID == "" {
		return
	}

	if !b.opts.SeparateBatchAssociations {
		if b.kindOfSpec() == KindGroup {
			b.item.AssociatedGroupXIDs = append(b.item.AssociatedGroupXIDs, groupXID)
		} else {
			b.item.AssociatedGroups = append(b.item.AssociatedGroups, GroupRef{GroupXID: groupXID})
		}
		return
	}

	if b.kindOfSpec() == KindGroup {
		b.item.Associations = append(b.item.Associations, Association{
			Ref1: groupXID,
			Ref2: b.item.XID,
		})
	} else {
		b.item.Associations = append(b.item.Associations, Association{
			Ref1:  groupXID,
			Ref2:  b.item.Summary,
			Type2: b.item.Type,
		})
	}
}

// AddAssociatedIndicator records an association from a group to an
// indicator identified by summary and type.
func (b *Builder) AddAssociatedIndicator(summary, indicatorType string) {
	if summary == "" || indicatorType == "" {
		return
	}
	if !b.opts.SeparateBatchAssociations {
		b.item.AssociatedIndicators = append(b.item.AssociatedIndicators, IndicatorRef{
			Summary: summary, IndicatorType: indicatorType,
		})
		return
	}
	b.item.Associations = append(b.item.Associations, Association{
		Ref1:  b.item.XID,
		Ref2:  summary,
		Type2: indicatorType,
	})
}

// AddCustomAssociation records an indicator-to-indicator association with a
// named association type. Only valid when the run collects associations
// separately.
func (b *Builder) AddCustomAssociation(summary, indicatorType, associationType string) error {
	if !b.opts.SeparateBatchAssociations {
		return transformError("associatedIndicator",
			errors.New("custom associations require separate batch associations"),
			map[string]any{"summary": summary})
	}
	b.item.Associations = append(b.item.Associations, Association{
		Ref1:            b.item.Summary,
		Type1:           b.item.Type,
		Ref2:            summary,
		Type2:           indicatorType,
		AssociationType: associationType,
	})
	return nil
}

// AddGroup appends a fully-formed group payload, bypassing the transform
// pipeline. The payload must already match the target output format.
func (b *Builder) AddGroup(data map[string]any) {
	if data == nil {
		return
	}
	b.adhocGroups = append(b.adhocGroups, data)
}

// AddIndicator appends a fully-formed indicator payload, bypassing the
// transform pipeline.
func (b *Builder) AddIndicator(data map[string]any) {
	if data == nil {
		return
	}
	b.adhocIndicators = append(b.adhocIndicators, data)
}

func (b *Builder) kindOfSpec() Kind {
	if b.spec == nil {
		return KindIndicator
	}
	return b.spec.Kind()
}

func ftContext(ft *FieldTransform) map[string]any {
	if ft == nil {
		return nil
	}
	ctx := map[string]any{}
	if ft.Path != "" {
		ctx["path"] = ft.Path
	}
	if ft.Default != nil {
		ctx["default"] = ft.Default
	}
	return ctx
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		parsed, err := strconv.ParseBool(strings.ToLower(t))
		return err == nil && parsed
	default:
		return false
	}
}

func optString(v any) string {
	if v == nil {
		return ""
	}
	return toString(v)
}

func dateString(v any) string {
	if v == nil {
		return ""
	}
	if ts, err := anyToTime(v); err == nil {
		return ts.UTC().Format(tcDatetimeFormat)
	}
	return toString(v)
}
