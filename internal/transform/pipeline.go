package transform

import (
	"errors"
	"log/slog"
	"sync/atomic"
)

// progressInterval controls how often batch progress is logged.
const progressInterval = 1000

// Options controls run-wide transform behavior.
type Options struct {
	// RaiseExceptions stops the batch on the first failed record instead
	// of skipping it. Records with no valid transform are always skipped.
	RaiseExceptions bool

	// SeparateBatchAssociations collects associations as standalone
	// records instead of embedding them in each entity payload.
	SeparateBatchAssociations bool
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Processed   uint64 `json:"processed"`
	Transformed uint64 `json:"transformed"`
	Skipped     uint64 `json:"skipped"`
	Failed      uint64 `json:"failed"`
}

// BatchResult holds serialized batch-format payloads for one run.
type BatchResult struct {
	Group       []map[string]any `json:"group"`
	Indicator   []map[string]any `json:"indicator"`
	Association []map[string]any `json:"association,omitempty"`
}

// Pipeline transforms raw records against a compiled catalog. It is safe
// for concurrent use; per-record state lives in a Builder created for
// each record.
type Pipeline struct {
	catalog *Catalog
	eng     *Engine
	opts    Options
	log     *slog.Logger

	processed   atomic.Uint64
	transformed atomic.Uint64
	skipped     atomic.Uint64
	failed      atomic.Uint64
}

// NewPipeline creates a pipeline over a compiled catalog. A nil registry
// gets the builtin predefined functions; a nil logger uses the default.
func NewPipeline(catalog *Catalog, funcs *Registry, opts Options, log *slog.Logger) *Pipeline {
	if funcs == nil {
		funcs = NewRegistry()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		catalog: catalog,
		eng:     NewEngine(funcs, log),
		opts:    opts,
		log:     log.With("component", "transform-pipeline"),
	}
}

// SetCatalog swaps the active catalog. In-flight records finish against
// the catalog they started with.
func (p *Pipeline) SetCatalog(catalog *Catalog) {
	p.catalog = catalog
}

// Catalog returns the active catalog.
func (p *Pipeline) Catalog() *Catalog { return p.catalog }

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:   p.processed.Load(),
		Transformed: p.transformed.Load(),
		Skipped:     p.skipped.Load(),
		Failed:      p.failed.Load(),
	}
}

// Transform maps one raw record to an Item. Unlike the batch methods it
// always surfaces the error, including ErrNoValidTransform.
func (p *Pipeline) Transform(rec RawRecord) (*Item, error) {
	p.processed.Add(1)
	b := NewBuilder(rec, p.catalog, p.eng, p.opts, p.log)
	item, err := b.Build()
	if err != nil {
		if errors.Is(err, ErrNoValidTransform) {
			p.skipped.Add(1)
		} else {
			p.failed.Add(1)
		}
		return nil, err
	}
	p.transformed.Add(1)
	return item, nil
}

// Batch transforms records into batch-format payloads. Failed records are
// skipped with a log entry unless RaiseExceptions is set; records with no
// valid transform are always skipped. Ad hoc entities appended by user
// callables land in the same result.
func (p *Pipeline) Batch(recs []RawRecord) (*BatchResult, error) {
	result := &BatchResult{}

	err := p.each(recs, func(b *Builder, item *Item) {
		payload := item.Batch()
		if p.opts.SeparateBatchAssociations && len(item.Associations) > 0 {
			result.Association = append(result.Association, item.associationMaps()...)
			delete(payload, "association")
		}
		switch item.Kind {
		case KindGroup:
			result.Group = append(result.Group, payload)
		case KindIndicator:
			result.Indicator = append(result.Indicator, payload)
		}
		result.Group = append(result.Group, b.AdhocGroups()...)
		result.Indicator = append(result.Indicator, b.AdhocIndicators()...)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// V3 transforms records into v3-format payloads grouped by entity type.
func (p *Pipeline) V3(recs []RawRecord) (map[string][]map[string]any, error) {
	result := make(map[string][]map[string]any)

	err := p.each(recs, func(b *Builder, item *Item) {
		result[item.Type] = append(result[item.Type], item.V3())
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Items transforms records and returns the typed items without
// serializing, for callers that post-process entities themselves.
func (p *Pipeline) Items(recs []RawRecord) ([]*Item, error) {
	var items []*Item
	err := p.each(recs, func(b *Builder, item *Item) {
		items = append(items, item)
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (p *Pipeline) each(recs []RawRecord, emit func(b *Builder, item *Item)) error {
	for i, rec := range recs {
		p.processed.Add(1)
		if (i+1)%progressInterval == 0 {
			p.log.Info("transform progress", "processed", i+1, "total", len(recs))
		}

		b := NewBuilder(rec, p.catalog, p.eng, p.opts, p.log)
		item, err := b.Build()
		if err != nil {
			if errors.Is(err, ErrNoValidTransform) {
				p.skipped.Add(1)
				p.log.Warn("no valid transform for record, skipping", "record", i)
				continue
			}
			p.failed.Add(1)
			if p.opts.RaiseExceptions {
				return err
			}
			p.log.Error("failed to transform record, skipping", "record", i, "error", err)
			continue
		}
		p.transformed.Add(1)
		emit(b, item)
	}
	return nil
}
