package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/triage-ai/proximity/internal/dedup"
	"github.com/triage-ai/proximity/internal/evidence"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink receives decoded batches. Per-item failures are reported in the
// returned stats, never as an error.
type Sink interface {
	Ingest(ctx context.Context, items []evidence.RawItem) dedup.Stats
}

// Config configures the consumer group.
type Config struct {
	Brokers      []string
	Topic        string
	Group        string
	MaxBatch     int           // flush once this many messages are pending
	DrainTimeout time.Duration // flush a partial batch after this long
}

// Consumer reads RawItems from a Kafka topic as part of a consumer group.
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler *batchHandler
	logger  *zap.Logger
}

// NewConsumer joins the consumer group. Offsets start at the oldest message
// so a new group replays the topic; dedup makes that idempotent.
func NewConsumer(cfg Config, sink Sink, decoder *Decoder, logger *zap.Logger) (*Consumer, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_6_0_0
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.Group, sc)
	if err != nil {
		return nil, fmt.Errorf("NewConsumer: %w", err)
	}

	logger.Info("kafka intake configured",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.String("group", cfg.Group),
	)
	return &Consumer{
		group:   group,
		topic:   cfg.Topic,
		handler: newBatchHandler(sink, decoder, cfg.MaxBatch, cfg.DrainTimeout, logger),
		logger:  logger,
	}, nil
}

// Run consumes until ctx is cancelled or the group is closed.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			if err := c.group.Consume(ctx, []string{c.topic}, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return nil
				}
				c.logger.Error("kafka consume failed", zap.Error(err))
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case err, ok := <-c.group.Errors():
				if !ok {
					return nil
				}
				c.logger.Warn("kafka consumer error", zap.Error(err))
			case <-ctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// batchHandler implements sarama.ConsumerGroupHandler. Messages are marked
// only after their batch was handed to the sink; anything pending when a
// session ends is redelivered.
type batchHandler struct {
	sink     Sink
	decoder  *Decoder
	maxBatch int
	drain    time.Duration
	logger   *zap.Logger
}

func newBatchHandler(sink Sink, decoder *Decoder, maxBatch int, drain time.Duration, logger *zap.Logger) *batchHandler {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	if drain <= 0 {
		drain = 5 * time.Second
	}
	return &batchHandler{sink: sink, decoder: decoder, maxBatch: maxBatch, drain: drain, logger: logger}
}

func (h *batchHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *batchHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *batchHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ticker := time.NewTicker(h.drain)
	defer ticker.Stop()

	pending := make([]*sarama.ConsumerMessage, 0, h.maxBatch)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		h.process(sess.Context(), pending)
		for _, m := range pending {
			sess.MarkMessage(m, "")
		}
		pending = pending[:0]
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				flush()
				return nil
			}
			pending = append(pending, msg)
			if len(pending) >= h.maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-sess.Context().Done():
			return nil
		}
	}
}

// process decodes a batch and hands the valid items to the sink. Invalid
// payloads are logged, counted as errors and still marked.
func (h *batchHandler) process(ctx context.Context, msgs []*sarama.ConsumerMessage) dedup.Stats {
	items := make([]evidence.RawItem, 0, len(msgs))
	var invalid int
	for _, m := range msgs {
		item, err := h.decoder.Decode(m.Value)
		if err != nil {
			invalid++
			h.logger.Warn("dropping raw item",
				zap.Int32("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
			continue
		}
		items = append(items, item)
	}

	var stats dedup.Stats
	if len(items) > 0 {
		stats = h.sink.Ingest(ctx, items)
	}
	stats.Errors += invalid
	return stats
}
