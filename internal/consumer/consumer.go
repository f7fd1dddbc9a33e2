// Package consumer provides Kafka consumption for the feedwright service.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/feedwright/feedwright/internal/config"
	"github.com/feedwright/feedwright/internal/transform"
	"github.com/feedwright/feedwright/pkg/logger"
)

// RawIntelEvent is an incoming raw threat intel record from Kafka.
type RawIntelEvent struct {
	RecordID   string            `json:"record_id"`
	FeedID     string            `json:"feed_id"`
	ReceivedAt time.Time         `json:"received_at"`
	Record     map[string]any    `json:"record"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TransformedEvent is a transformed entity produced to the output topic.
type TransformedEvent struct {
	RecordID      string           `json:"record_id"`
	FeedID        string           `json:"feed_id"`
	Kind          string           `json:"kind"`
	Type          string           `json:"type"`
	Entity        map[string]any   `json:"entity"`
	Associations  []map[string]any `json:"associations,omitempty"`
	TransformedAt time.Time        `json:"transformed_at"`
}

// FailedEvent wraps a record that could not be transformed, for the DLQ.
type FailedEvent struct {
	RecordID string         `json:"record_id"`
	FeedID   string         `json:"feed_id"`
	Record   map[string]any `json:"record"`
	Error    string         `json:"error"`
	FailedAt time.Time      `json:"failed_at"`
}

// Consumer handles Kafka consumption and transformation.
type Consumer struct {
	cfg      *config.Config
	client   *kgo.Client
	pipeline *transform.Pipeline
	producer *kgo.Client
	logger   *slog.Logger

	// Batching
	batchCh   chan *kgo.Record
	batchSize int
	batchWait time.Duration

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	consumeWG sync.WaitGroup

	// Metrics
	messagesConsumed atomic.Uint64
	messagesProduced atomic.Uint64
	messagesDLQ      atomic.Uint64
	messagesSkipped  atomic.Uint64
	transformErrors  atomic.Uint64
	batchesProcessed atomic.Uint64
}

// NewConsumer creates a new Kafka consumer.
func NewConsumer(cfg *config.Config, pipeline *transform.Pipeline, logger *slog.Logger) (*Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	consumerOpts := []kgo.Opt{
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.ConsumerGroup(cfg.KafkaConsumerGroup),
		kgo.ConsumeTopics(cfg.KafkaInputTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchMaxWait(100 * time.Millisecond),
		kgo.FetchMaxBytes(10 * 1024 * 1024), // 10MB
	}

	consumer, err := kgo.NewClient(consumerOpts...)
	if err != nil {
		cancel()
		return nil, err
	}

	producerOpts := []kgo.Opt{
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.ProducerBatchMaxBytes(16 * 1024 * 1024), // 16MB
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}

	producer, err := kgo.NewClient(producerOpts...)
	if err != nil {
		consumer.Close()
		cancel()
		return nil, err
	}

	return &Consumer{
		cfg:       cfg,
		client:    consumer,
		pipeline:  pipeline,
		producer:  producer,
		logger:    logger.With("component", "kafka-consumer"),
		batchCh:   make(chan *kgo.Record, cfg.BatchSize*2),
		batchSize: cfg.BatchSize,
		batchWait: cfg.BatchTimeout,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start starts the consumer loop and batch workers.
func (c *Consumer) Start() {
	c.logger.Info("starting intel consumer",
		"input_topic", c.cfg.KafkaInputTopic,
		"output_topic", c.cfg.KafkaOutputTopic,
		"workers", c.cfg.Workers,
	)

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.batchWorker()
	}

	c.consumeWG.Add(1)
	go c.consumeLoop()
}

// Stop stops the consumer and drains in-flight batches. The batch channel
// is closed only after the consume loop has exited, so a fetch being
// drained can never send on a closed channel.
func (c *Consumer) Stop() {
	c.logger.Info("stopping intel consumer")
	c.cancel()
	c.consumeWG.Wait()
	close(c.batchCh)
	c.wg.Wait()
	c.client.Close()
	c.producer.Close()
	c.logger.Info("intel consumer stopped")
}

// Stats returns consumer statistics.
func (c *Consumer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"messages_consumed": c.messagesConsumed.Load(),
		"messages_produced": c.messagesProduced.Load(),
		"messages_dlq":      c.messagesDLQ.Load(),
		"messages_skipped":  c.messagesSkipped.Load(),
		"transform_errors":  c.transformErrors.Load(),
		"batches_processed": c.batchesProcessed.Load(),
	}
}

func (c *Consumer) consumeLoop() {
	defer c.consumeWG.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				c.logger.Error("fetch error",
					"topic", err.Topic,
					"partition", err.Partition,
					"error", err.Err,
				)
			}
			continue
		}

		fetches.EachRecord(func(r *kgo.Record) {
			select {
			case c.batchCh <- r:
				c.messagesConsumed.Add(1)
			case <-c.ctx.Done():
				return
			}
		})
	}
}

func (c *Consumer) batchWorker() {
	defer c.wg.Done()

	batch := make([]*kgo.Record, 0, c.batchSize)
	ticker := time.NewTicker(c.batchWait)
	defer ticker.Stop()

	processBatch := func() {
		if len(batch) == 0 {
			return
		}

		c.processBatch(batch)
		c.batchesProcessed.Add(1)
		batch = batch[:0]
	}

	for {
		select {
		case <-c.ctx.Done():
			processBatch()
			return

		case record, ok := <-c.batchCh:
			if !ok {
				processBatch()
				return
			}
			batch = append(batch, record)
			if len(batch) >= c.batchSize {
				processBatch()
			}

		case <-ticker.C:
			processBatch()
		}
	}
}

func (c *Consumer) processBatch(records []*kgo.Record) {
	if len(records) == 0 {
		return
	}

	var produceRecords []*kgo.Record
	var dlqRecords []*kgo.Record

	for _, record := range records {
		raw := c.decodeRecord(record)
		rlog := logger.WithContext(logger.ContextWithFeedID(c.ctx, raw.FeedID), c.logger)

		item, err := c.pipeline.Transform(transform.RawRecord(raw.Record))
		if err != nil {
			if errors.Is(err, transform.ErrNoValidTransform) {
				c.messagesSkipped.Add(1)
				rlog.Warn("no valid transform for record, skipping",
					"record_id", raw.RecordID,
				)
				continue
			}

			c.transformErrors.Add(1)
			if dlq := c.dlqRecord(raw, err); dlq != nil {
				dlqRecords = append(dlqRecords, dlq)
			}
			continue
		}

		event := TransformedEvent{
			RecordID:      raw.RecordID,
			FeedID:        raw.FeedID,
			Kind:          string(item.Kind),
			Type:          item.Type,
			Entity:        item.Batch(),
			TransformedAt: time.Now().UTC(),
		}
		if c.cfg.SeparateBatchAssociations && len(item.Associations) > 0 {
			delete(event.Entity, "association")
			event.Associations = item.AssociationRecords()
		}

		data, err := json.Marshal(event)
		if err != nil {
			c.logger.Error("failed to marshal transformed event",
				"record_id", raw.RecordID,
				"error", err,
			)
			continue
		}

		produceRecords = append(produceRecords, &kgo.Record{
			Topic: c.cfg.KafkaOutputTopic,
			Key:   []byte(raw.FeedID),
			Value: data,
			Headers: []kgo.RecordHeader{
				{Key: "record_id", Value: []byte(raw.RecordID)},
				{Key: "kind", Value: []byte(item.Kind)},
				{Key: "type", Value: []byte(item.Type)},
			},
		})
	}

	if len(produceRecords) > 0 {
		results := c.producer.ProduceSync(c.ctx, produceRecords...)
		for _, r := range results {
			if r.Err != nil {
				c.logger.Error("failed to produce transformed event",
					"topic", r.Record.Topic,
					"error", r.Err,
				)
			} else {
				c.messagesProduced.Add(1)
			}
		}
	}

	if len(dlqRecords) > 0 {
		results := c.producer.ProduceSync(c.ctx, dlqRecords...)
		for _, r := range results {
			if r.Err != nil {
				c.logger.Error("failed to produce to DLQ",
					"topic", r.Record.Topic,
					"error", r.Err,
				)
			} else {
				c.messagesDLQ.Add(1)
			}
		}
	}

	if err := c.client.CommitRecords(c.ctx, records...); err != nil {
		c.logger.Error("failed to commit offsets", "error", err)
	}
}

// decodeRecord unmarshals a Kafka record, falling back to treating the
// whole value as a bare raw record.
func (c *Consumer) decodeRecord(record *kgo.Record) *RawIntelEvent {
	var raw RawIntelEvent
	if err := json.Unmarshal(record.Value, &raw); err == nil && raw.Record != nil {
		if raw.RecordID == "" {
			raw.RecordID = uuid.New().String()
		}
		return &raw
	}

	raw = RawIntelEvent{
		RecordID:   uuid.New().String(),
		FeedID:     "unknown",
		ReceivedAt: time.Now().UTC(),
		Metadata:   make(map[string]string),
	}
	for _, h := range record.Headers {
		raw.Metadata[h.Key] = string(h.Value)
	}

	var bare map[string]any
	if err := json.Unmarshal(record.Value, &bare); err == nil {
		raw.Record = bare
	} else {
		raw.Record = map[string]any{}
	}
	return &raw
}

func (c *Consumer) dlqRecord(raw *RawIntelEvent, cause error) *kgo.Record {
	failed := FailedEvent{
		RecordID: raw.RecordID,
		FeedID:   raw.FeedID,
		Record:   raw.Record,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(failed)
	if err != nil {
		c.logger.Error("failed to marshal DLQ event",
			"record_id", raw.RecordID,
			"error", err,
		)
		return nil
	}
	return &kgo.Record{
		Topic: c.cfg.KafkaDLQTopic,
		Key:   []byte(raw.FeedID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "record_id", Value: []byte(raw.RecordID)},
		},
	}
}
