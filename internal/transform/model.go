// Package transform implements a declarative, rule-driven mapping engine
// that converts heterogeneous threat-intelligence records into typed group
// and indicator entities for the batch and v3 submission formats.
package transform

import (
	"github.com/jmespath/go-jmespath"
	"gopkg.in/yaml.v3"
)

// RawRecord is one untyped threat-intelligence document as produced by a
// feed or STIX adapter.
type RawRecord = map[string]any

// Kind identifies the top-level entity family a record resolves to.
type Kind string

// Entity kinds.
const (
	KindGroup     Kind = "group"
	KindIndicator Kind = "indicator"
)

// kindPriority is the tie-break order when a record structurally satisfies
// more than one entity schema: indicators win.
var kindPriority = []Kind{KindIndicator, KindGroup}

// AppliesFunc decides whether a spec handles a given raw record.
type AppliesFunc func(rec RawRecord) bool

// MethodFunc is a user-supplied transform callable. It receives the current
// field value and the builder for the record being processed, so it can
// read the raw record or add sub-entities imperatively. Returning an error
// fails the field, and with it the record.
type MethodFunc func(value any, b *Builder) (any, error)

// PredefinedCall references a named helper in the function registry. Names
// are resolved at evaluation time.
type PredefinedCall struct {
	Name   string         `yaml:"name" json:"name"`
	Params map[string]any `yaml:"params" json:"params,omitempty"`
}

// MethodRef holds either a Go callable (programmatic specs) or a
// predefined-function call (declarative specs). A ref loaded from YAML is
// always a call.
type MethodRef struct {
	Func MethodFunc      `yaml:"-" json:"-"`
	Call *PredefinedCall `yaml:"-" json:"call,omitempty"`
}

// UnmarshalYAML decodes a method reference from its declarative form.
func (m *MethodRef) UnmarshalYAML(node *yaml.Node) error {
	var call PredefinedCall
	if err := node.Decode(&call); err != nil {
		return err
	}
	m.Call = &call
	return nil
}

func (m *MethodRef) empty() bool {
	return m == nil || (m.Func == nil && m.Call == nil)
}

// TransformRule is one instruction in a field's transform chain. Exactly
// one mechanism must be set. Kwargs overlay the params of a method or
// for_each call.
type TransformRule struct {
	FilterMap map[string]any `yaml:"filter_map" json:"filter_map,omitempty"`
	StaticMap map[string]any `yaml:"static_map" json:"static_map,omitempty"`
	Method    *MethodRef     `yaml:"method" json:"method,omitempty"`
	ForEach   *MethodRef     `yaml:"for_each" json:"for_each,omitempty"`
	Kwargs    map[string]any `yaml:"kwargs" json:"kwargs,omitempty"`
}

func (r *TransformRule) compile(field string) error {
	set := 0
	if r.FilterMap != nil {
		set++
		r.FilterMap = lowerKeys(r.FilterMap)
	}
	if r.StaticMap != nil {
		set++
		r.StaticMap = lowerKeys(r.StaticMap)
	}
	if !r.Method.empty() {
		set++
	}
	if !r.ForEach.empty() {
		set++
	}
	if set == 0 {
		return configErrorf(field, "either a map or a method must be defined")
	}
	if set > 1 {
		return configErrorf(field, "only one transform mechanism can be defined")
	}
	return nil
}

// ruleList decodes either a single rule mapping or a sequence of rules.
type ruleList []*TransformRule

// UnmarshalYAML implements single-or-list decoding.
func (l *ruleList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var rules []*TransformRule
		if err := node.Decode(&rules); err != nil {
			return err
		}
		*l = rules
		return nil
	}
	var rule TransformRule
	if err := node.Decode(&rule); err != nil {
		return err
	}
	*l = ruleList{&rule}
	return nil
}

// PathRule extracts a value from the raw record via a JMESPath expression,
// falling back to a default when the path yields nothing. At least one of
// the two must be set; the path is compiled when the catalog is built.
type PathRule struct {
	Default any    `yaml:"default" json:"default,omitempty"`
	Path    string `yaml:"path" json:"path,omitempty"`

	compiled *jmespath.JMESPath
}

func (p *PathRule) compile(field string) error {
	if p.Default == nil && p.Path == "" {
		return configErrorf(field, "either default or path or both must be defined")
	}
	if p.Path != "" {
		compiled, err := jmespath.Compile(p.Path)
		if err != nil {
			return &ConfigError{Field: field, Msg: "a valid path must be provided", Err: err}
		}
		p.compiled = compiled
	}
	return nil
}

// search evaluates the compiled path against rec. A missing match is a nil
// value, not an error.
func (p *PathRule) search(rec RawRecord) (any, error) {
	if p.compiled == nil {
		return nil, nil
	}
	return p.compiled.Search(map[string]any(rec))
}

// FieldTransform is a PathRule plus an ordered chain of transform rules
// applied to the extracted value.
type FieldTransform struct {
	PathRule  `yaml:",inline"`
	Transform ruleList `yaml:"transform" json:"transform,omitempty"`
}

func (f *FieldTransform) compile(field string) error {
	if f == nil {
		return nil
	}
	if err := f.PathRule.compile(field); err != nil {
		return err
	}
	for _, rule := range f.Transform {
		if err := rule.compile(field); err != nil {
			return err
		}
	}
	return nil
}

// Path is a convenience constructor for a path-only field transform.
func Path(expr string) *FieldTransform {
	return &FieldTransform{PathRule: PathRule{Path: expr}}
}

// PathDefault is a convenience constructor for a path with a fallback.
func PathDefault(expr string, def any) *FieldTransform {
	return &FieldTransform{PathRule: PathRule{Path: expr, Default: def}}
}

// FieldValue configures a sub-entity field as either a fixed literal or a
// field transform evaluated against the raw record.
type FieldValue struct {
	Literal any
	Field   *FieldTransform
}

// Static is a convenience constructor for a literal field value.
func Static(v any) *FieldValue {
	return &FieldValue{Literal: v}
}

// FromField is a convenience constructor for a transformed field value.
func FromField(ft *FieldTransform) *FieldValue {
	return &FieldValue{Field: ft}
}

// UnmarshalYAML decodes a mapping node as a field transform and any scalar
// as a literal.
func (v *FieldValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		var ft FieldTransform
		if err := node.Decode(&ft); err != nil {
			return err
		}
		v.Field = &ft
		return nil
	}
	var literal any
	if err := node.Decode(&literal); err != nil {
		return err
	}
	v.Literal = literal
	return nil
}

func (v *FieldValue) compile(field string) error {
	if v == nil {
		return nil
	}
	return v.Field.compile(field)
}

// AttributeTransform produces zero or more attributes for a record. The
// value drives the row count; the remaining fields spread to match.
type AttributeTransform struct {
	Value     *FieldValue `yaml:"value" json:"value"`
	Type      *FieldValue `yaml:"type" json:"type"`
	Source    *FieldValue `yaml:"source" json:"source,omitempty"`
	Displayed *FieldValue `yaml:"displayed" json:"displayed,omitempty"`
	Pinned    *FieldValue `yaml:"pinned" json:"pinned,omitempty"`
}

func (t *AttributeTransform) compile(field string) error {
	if t.Value == nil {
		return configErrorf(field, "an attribute transform requires a value")
	}
	if t.Type == nil {
		return configErrorf(field, "an attribute transform requires a type")
	}
	for _, fv := range []*FieldValue{t.Value, t.Type, t.Source, t.Displayed, t.Pinned} {
		if err := fv.compile(field); err != nil {
			return err
		}
	}
	return nil
}

// TagTransform produces zero or more tags.
type TagTransform struct {
	Value *FieldValue `yaml:"value" json:"value"`
}

func (t *TagTransform) compile(field string) error {
	if t.Value == nil {
		return configErrorf(field, "a tag transform requires a value")
	}
	return t.Value.compile(field)
}

// SecurityLabelTransform produces zero or more security labels.
type SecurityLabelTransform struct {
	Value       *FieldValue     `yaml:"value" json:"value"`
	Color       *FieldTransform `yaml:"color" json:"color,omitempty"`
	Description *FieldTransform `yaml:"description" json:"description,omitempty"`
}

func (t *SecurityLabelTransform) compile(field string) error {
	if t.Value == nil {
		return configErrorf(field, "a security label transform requires a value")
	}
	if err := t.Value.compile(field); err != nil {
		return err
	}
	if err := t.Color.compile(field); err != nil {
		return err
	}
	return t.Description.compile(field)
}

// AssociatedGroupTransform yields group XIDs the record associates to.
type AssociatedGroupTransform struct {
	Value *FieldValue `yaml:"value" json:"value"`
}

func (t *AssociatedGroupTransform) compile(field string) error {
	if t.Value == nil {
		return configErrorf(field, "an associated group transform requires a value")
	}
	return t.Value.compile(field)
}

// AssociatedIndicatorFromGroup links a group record to an indicator by
// summary and type.
type AssociatedIndicatorFromGroup struct {
	Summary       *FieldValue `yaml:"summary" json:"summary"`
	IndicatorType *FieldValue `yaml:"indicator_type" json:"indicator_type"`
}

func (t *AssociatedIndicatorFromGroup) compile(field string) error {
	if t.Summary == nil || t.IndicatorType == nil {
		return configErrorf(field, "an associated indicator requires a summary and an indicator_type")
	}
	if err := t.Summary.compile(field); err != nil {
		return err
	}
	return t.IndicatorType.compile(field)
}

// AssociatedIndicatorFromIndicator links an indicator record to another
// indicator through a named association type.
type AssociatedIndicatorFromIndicator struct {
	Summary         *FieldValue `yaml:"summary" json:"summary"`
	Type            *FieldValue `yaml:"type" json:"type"`
	AssociationType *FieldValue `yaml:"association_type" json:"association_type"`
}

func (t *AssociatedIndicatorFromIndicator) compile(field string) error {
	if t.Summary == nil || t.Type == nil || t.AssociationType == nil {
		return configErrorf(field, "a custom association requires a summary, type and association_type")
	}
	for _, fv := range []*FieldValue{t.Summary, t.Type, t.AssociationType} {
		if err := fv.compile(field); err != nil {
			return err
		}
	}
	return nil
}

// FileOccurrenceTransform produces file occurrences for File indicators.
// None of its fields are required; rows where every field resolves to nil
// are dropped.
type FileOccurrenceTransform struct {
	FileName *FieldValue `yaml:"file_name" json:"file_name,omitempty"`
	Path     *FieldValue `yaml:"path" json:"path,omitempty"`
	Date     *FieldValue `yaml:"date" json:"date,omitempty"`
}

func (t *FileOccurrenceTransform) compile(field string) error {
	for _, fv := range []*FieldValue{t.FileName, t.Path, t.Date} {
		if err := fv.compile(field); err != nil {
			return err
		}
	}
	return nil
}

// EntitySpec holds the transform fields shared by groups and indicators.
type EntitySpec struct {
	// Applies decides whether this spec matches a raw record. Required on
	// every spec when the catalog holds more than one.
	Applies     AppliesFunc `yaml:"-" json:"-"`
	AppliesPath string      `yaml:"applies" json:"applies,omitempty"`

	Type *FieldTransform `yaml:"type" json:"type"`
	XID  *FieldTransform `yaml:"xid" json:"xid,omitempty"`

	DateAdded            *PathRule `yaml:"date_added" json:"date_added,omitempty"`
	LastModified         *PathRule `yaml:"last_modified" json:"last_modified,omitempty"`
	FirstSeen            *PathRule `yaml:"first_seen" json:"first_seen,omitempty"`
	LastSeen             *PathRule `yaml:"last_seen" json:"last_seen,omitempty"`
	ExternalDateAdded    *PathRule `yaml:"external_date_added" json:"external_date_added,omitempty"`
	ExternalDateExpires  *PathRule `yaml:"external_date_expires" json:"external_date_expires,omitempty"`
	ExternalLastModified *PathRule `yaml:"external_last_modified" json:"external_last_modified,omitempty"`

	Attributes       []*AttributeTransform       `yaml:"attributes" json:"attributes,omitempty"`
	Tags             []*TagTransform             `yaml:"tags" json:"tags,omitempty"`
	SecurityLabels   []*SecurityLabelTransform   `yaml:"security_labels" json:"security_labels,omitempty"`
	AssociatedGroups []*AssociatedGroupTransform `yaml:"associated_groups" json:"associated_groups,omitempty"`

	appliesCompiled *jmespath.JMESPath
}

func (s *EntitySpec) compileCommon() error {
	if s.Type == nil {
		return configErrorf("type", "a type transform is required")
	}
	if err := s.Type.compile("type"); err != nil {
		return err
	}
	if err := s.XID.compile("xid"); err != nil {
		return err
	}
	if s.AppliesPath != "" {
		compiled, err := jmespath.Compile(s.AppliesPath)
		if err != nil {
			return &ConfigError{Field: "applies", Msg: "a valid applies path must be provided", Err: err}
		}
		s.appliesCompiled = compiled
	}

	dates := map[string]*PathRule{
		"date_added":             s.DateAdded,
		"last_modified":          s.LastModified,
		"first_seen":             s.FirstSeen,
		"last_seen":              s.LastSeen,
		"external_date_added":    s.ExternalDateAdded,
		"external_date_expires":  s.ExternalDateExpires,
		"external_last_modified": s.ExternalLastModified,
	}
	for field, rule := range dates {
		if rule == nil {
			continue
		}
		if err := rule.compile(field); err != nil {
			return err
		}
	}

	for _, attr := range s.Attributes {
		if err := attr.compile("attributes"); err != nil {
			return err
		}
	}
	for _, tag := range s.Tags {
		if err := tag.compile("tags"); err != nil {
			return err
		}
	}
	for _, label := range s.SecurityLabels {
		if err := label.compile("security_labels"); err != nil {
			return err
		}
	}
	for _, assoc := range s.AssociatedGroups {
		if err := assoc.compile("associated_groups"); err != nil {
			return err
		}
	}
	return nil
}

// applies reports whether this spec handles rec. A spec with no predicate
// applies to everything.
func (s *EntitySpec) applies(rec RawRecord) bool {
	if s.Applies != nil {
		return s.Applies(rec)
	}
	if s.appliesCompiled != nil {
		v, err := s.appliesCompiled.Search(map[string]any(rec))
		return err == nil && !isFalsy(v)
	}
	return true
}

func (s *EntitySpec) hasApplies() bool {
	return s.Applies != nil || s.AppliesPath != ""
}

// GroupSpec declares the transforms for one group shape.
type GroupSpec struct {
	EntitySpec `yaml:",inline"`

	Name *FieldTransform `yaml:"name" json:"name"`
	// document
	Malware  *FieldTransform `yaml:"malware" json:"malware,omitempty"`
	Password *FieldTransform `yaml:"password" json:"password,omitempty"`
	// email
	FromAddr *FieldTransform `yaml:"from_addr" json:"from_addr,omitempty"`
	ToAddr   *FieldTransform `yaml:"to_addr" json:"to_addr,omitempty"`
	Subject  *FieldTransform `yaml:"subject" json:"subject,omitempty"`
	Body     *FieldTransform `yaml:"body" json:"body,omitempty"`
	Header   *FieldTransform `yaml:"header" json:"header,omitempty"`
	Score    *FieldTransform `yaml:"score" json:"score,omitempty"`
	// event, incident
	EventDate *PathRule       `yaml:"event_date" json:"event_date,omitempty"`
	Status    *FieldTransform `yaml:"status" json:"status,omitempty"`
	// report
	PublishDate *PathRule `yaml:"publish_date" json:"publish_date,omitempty"`
	// signature
	FileType *FieldTransform `yaml:"file_type" json:"file_type,omitempty"`
	FileText *FieldTransform `yaml:"file_text" json:"file_text,omitempty"`
	// document, report, signature
	FileName *FieldTransform `yaml:"file_name" json:"file_name,omitempty"`
	// case
	Severity *FieldTransform `yaml:"severity" json:"severity,omitempty"`

	AssociatedIndicators []*AssociatedIndicatorFromGroup `yaml:"associated_indicators" json:"associated_indicators,omitempty"`
}

// Kind implements Spec.
func (s *GroupSpec) Kind() Kind { return KindGroup }

func (s *GroupSpec) common() *EntitySpec { return &s.EntitySpec }

func (s *GroupSpec) compile() error {
	if err := s.compileCommon(); err != nil {
		return err
	}
	if s.Name == nil {
		return configErrorf("name", "a group spec requires a name transform")
	}
	fields := map[string]*FieldTransform{
		"name": s.Name, "malware": s.Malware, "password": s.Password,
		"from_addr": s.FromAddr, "to_addr": s.ToAddr, "subject": s.Subject,
		"body": s.Body, "header": s.Header, "score": s.Score,
		"status": s.Status, "file_type": s.FileType, "file_text": s.FileText,
		"file_name": s.FileName, "severity": s.Severity,
	}
	for field, ft := range fields {
		if err := ft.compile(field); err != nil {
			return err
		}
	}
	for field, rule := range map[string]*PathRule{"event_date": s.EventDate, "publish_date": s.PublishDate} {
		if rule == nil {
			continue
		}
		if err := rule.compile(field); err != nil {
			return err
		}
	}
	for _, assoc := range s.AssociatedIndicators {
		if err := assoc.compile("associated_indicators"); err != nil {
			return err
		}
	}
	return nil
}

// IndicatorSpec declares the transforms for one indicator shape.
type IndicatorSpec struct {
	EntitySpec `yaml:",inline"`

	Confidence *FieldTransform `yaml:"confidence" json:"confidence,omitempty"`
	Rating     *FieldTransform `yaml:"rating" json:"rating,omitempty"`
	Value1     *FieldTransform `yaml:"value1" json:"value1,omitempty"`
	Value2     *FieldTransform `yaml:"value2" json:"value2,omitempty"`
	Value3     *FieldTransform `yaml:"value3" json:"value3,omitempty"`
	// file
	Size            *FieldTransform            `yaml:"size" json:"size,omitempty"`
	FileOccurrences []*FileOccurrenceTransform `yaml:"file_occurrences" json:"file_occurrences,omitempty"`
	// host
	DNSActive   *FieldTransform `yaml:"dns_active" json:"dns_active,omitempty"`
	WhoisActive *FieldTransform `yaml:"whois_active" json:"whois_active,omitempty"`
	Active      *FieldTransform `yaml:"active" json:"active,omitempty"`

	AssociatedIndicators []*AssociatedIndicatorFromIndicator `yaml:"associated_indicators" json:"associated_indicators,omitempty"`
}

// Kind implements Spec.
func (s *IndicatorSpec) Kind() Kind { return KindIndicator }

func (s *IndicatorSpec) common() *EntitySpec { return &s.EntitySpec }

func (s *IndicatorSpec) compile() error {
	if err := s.compileCommon(); err != nil {
		return err
	}
	if s.Value1 == nil && s.Value2 == nil && s.Value3 == nil {
		return configErrorf("value1", "an indicator spec requires at least one of value1, value2 or value3")
	}
	fields := map[string]*FieldTransform{
		"confidence": s.Confidence, "rating": s.Rating,
		"value1": s.Value1, "value2": s.Value2, "value3": s.Value3,
		"size": s.Size, "dns_active": s.DNSActive,
		"whois_active": s.WhoisActive, "active": s.Active,
	}
	for field, ft := range fields {
		if err := ft.compile(field); err != nil {
			return err
		}
	}
	for _, occurrence := range s.FileOccurrences {
		if err := occurrence.compile("file_occurrences"); err != nil {
			return err
		}
	}
	for _, assoc := range s.AssociatedIndicators {
		if err := assoc.compile("associated_indicators"); err != nil {
			return err
		}
	}
	return nil
}

// Spec is one validated entity transform specification.
type Spec interface {
	Kind() Kind
	common() *EntitySpec
	compile() error
}

// Catalog is an immutable, validated collection of specs shared by every
// record in a run.
type Catalog struct {
	specs []Spec
}

// NewCatalog validates and compiles the given specs. All configuration
// errors surface here, before any data flows.
func NewCatalog(specs ...Spec) (*Catalog, error) {
	if len(specs) == 0 {
		return nil, configErrorf("", "at least one spec is required")
	}
	for _, spec := range specs {
		if err := spec.compile(); err != nil {
			return nil, err
		}
	}
	if len(specs) > 1 {
		for _, spec := range specs {
			if !spec.common().hasApplies() {
				return nil, configErrorf("applies",
					"when more than one spec is provided, every spec must define an applies predicate")
			}
		}
	}
	return &Catalog{specs: specs}, nil
}

// Specs returns the catalog's specs in declaration order.
func (c *Catalog) Specs() []Spec {
	return c.specs
}

// selectSpec returns the first spec whose predicate matches rec.
func (c *Catalog) selectSpec(rec RawRecord) (Spec, error) {
	for _, spec := range c.specs {
		if spec.common().applies(rec) {
			return spec, nil
		}
	}
	return nil, ErrNoValidTransform
}
