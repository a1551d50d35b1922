package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

var (
	consumeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_consume_total",
		Help: "Messages delivered to subscribers, by topic.",
	}, []string{"topic"})
	decodeSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_decode_skipped_total",
		Help: "Poison messages skipped during decode, by topic.",
	}, []string{"topic"})
)

// Envelope is one decoded message as delivered to a subscriber.
type Envelope struct {
	Topic   string
	Key     string
	Message interface{}
}

// Subscription is a pull iterator over a consumer group's topics.
// Next blocks until a message arrives or the context is cancelled;
// cancellation interrupts the poll within one fetch wait (300ms) and
// Close releases the group membership.
//
// Delivery is at-least-once: a record's offset is committed only after
// the caller has taken the *following* record, so a crash mid-message
// replays it.
type Subscription struct {
	client  *kgo.Client
	reg     *Registry
	queue   []*kgo.Record
	pending *kgo.Record
}

// Subscribe joins |group| over |topics| and returns the message iterator.
func Subscribe(brokers []string, group string, topics []string, reg *Registry) (*Subscription, error) {
	var client, err = kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(300*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("joining group %q: %w", group, err)
	}
	return &Subscription{client: client, reg: reg}, nil
}

// Next returns the next decoded message. Messages which fail to decode
// are logged and skipped, never fatal, so a poison payload cannot halt
// the pipeline.
func (s *Subscription) Next(ctx context.Context) (Envelope, error) {
	for {
		// Acknowledge the previously delivered record before taking
		// another. Commit failures are retried on a later pass.
		if s.pending != nil {
			if err := s.client.CommitRecords(ctx, s.pending); err != nil {
				if ctx.Err() != nil {
					return Envelope{}, ctx.Err()
				}
				log.WithFields(log.Fields{
					"topic":  s.pending.Topic,
					"offset": s.pending.Offset,
					"err":    err,
				}).Warn("offset commit failed")
			} else {
				s.pending = nil
			}
		}

		var record = s.pop()
		if record == nil {
			var fetches = s.client.PollFetches(ctx)
			if err := ctx.Err(); err != nil {
				return Envelope{}, err
			}
			for _, fe := range fetches.Errors() {
				log.WithFields(log.Fields{
					"topic": fe.Topic, "partition": fe.Partition, "err": fe.Err,
				}).Warn("fetch error")
			}
			var iter = fetches.RecordIter()
			for !iter.Done() {
				s.queue = append(s.queue, iter.Next())
			}
			continue
		}

		var msg, err = s.reg.Decode(record.Topic, record.Value)
		if err != nil {
			decodeSkipped.WithLabelValues(record.Topic).Inc()
			log.WithFields(log.Fields{
				"topic":  record.Topic,
				"offset": record.Offset,
				"err":    err,
			}).Warn("skipping undecodable message")
			s.pending = record
			continue
		}

		s.pending = record
		consumeTotal.WithLabelValues(record.Topic).Inc()
		return Envelope{Topic: record.Topic, Key: string(record.Key), Message: msg}, nil
	}
}

func (s *Subscription) pop() *kgo.Record {
	if len(s.queue) == 0 {
		return nil
	}
	var record = s.queue[0]
	s.queue = s.queue[1:]
	return record
}

// Close commits any delivered-but-uncommitted record and leaves the group.
func (s *Subscription) Close() {
	if s.pending != nil {
		var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.client.CommitRecords(ctx, s.pending)
	}
	s.client.Close()
}
