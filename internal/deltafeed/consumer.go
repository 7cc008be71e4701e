// Package deltafeed consumes pre-encoded BGP UPDATE fragments from Kafka —
// produced by whatever upstream service computes route deltas, out of this
// engine's scope — and exposes them to a session.Engine through the
// session.DeltaProducer interface. The consumer group wiring (partition
// assign/revoke/lost callbacks, manual offset commit after a record is
// actually forwarded) is adapted from this engine's reference material's
// Kafka state consumer.
package deltafeed

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-engine/internal/metrics"
	"github.com/route-beacon/bgp-engine/internal/session"
)

// Consumer pulls UPDATE fragments for one neighbor's topic(s) and hands
// them out one at a time via Next, committing the offset only after the
// caller has successfully forwarded the fragment.
type Consumer struct {
	client  *kgo.Client
	topic   string
	logger  *zap.Logger
	joined  atomic.Bool
	pending chan fetchedRecord
}

type fetchedRecord struct {
	value  []byte
	record *kgo.Record
}

// NewConsumer builds a Consumer. tlsCfg/mechanism may be nil to disable
// TLS/SASL.
func NewConsumer(brokers []string, groupID string, topics []string, tlsCfg *tls.Config, mechanism sasl.Mechanism, logger *zap.Logger) (*Consumer, error) {
	c := &Consumer{
		logger:  logger,
		pending: make(chan fetchedRecord, 256),
	}
	if len(topics) > 0 {
		c.topic = topics[0]
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(true)
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(false)
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(false)
		}),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mechanism != nil {
		opts = append(opts, kgo.SASL(mechanism))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	c.client = client
	return c, nil
}

// Run polls fetches until ctx is canceled, forwarding each record's value
// to the pending channel and committing its offset once Next has consumed
// it. Meant to run in its own goroutine.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				c.logger.Warn("fetch error", zap.String("topic", e.Topic), zap.Int32("partition", e.Partition), zap.Error(e.Err))
			}
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			metrics.DeltaMessagesTotal.WithLabelValues(rec.Topic).Inc()
			select {
			case c.pending <- fetchedRecord{value: rec.Value, record: rec}:
			case <-ctx.Done():
			}
		})
	}
}

// Next implements session.DeltaProducer: it blocks for the next UPDATE
// fragment, committing the previously delivered record's offset first so
// a crash between delivery and commit results in at-least-once redelivery
// rather than a silent gap.
func (c *Consumer) Next(ctx context.Context) ([]byte, error) {
	select {
	case fr := <-c.pending:
		c.client.MarkCommitRecords(fr.record)
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.logger.Warn("commit failed", zap.Error(err))
		}
		return fr.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsJoined reports whether this consumer currently holds partition
// assignments, used by the readiness endpoint.
func (c *Consumer) IsJoined() bool {
	return c.joined.Load()
}

func (c *Consumer) Close() {
	c.client.Close()
}

var _ session.DeltaProducer = (*Consumer)(nil)
