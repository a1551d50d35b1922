package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_publish_total",
		Help: "Messages published, by topic.",
	}, []string{"topic"})
	publishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_publish_retries_total",
		Help: "Publish attempts retried after a transient broker error.",
	})
)

// Publisher writes typed messages onto topics. Transient broker errors are
// retried with exponential backoff (0.5s doubling to an 8s cap, three
// attempts); anything still failing surfaces to the caller.
type Publisher struct {
	client *kgo.Client
	reg    *Registry
}

// NewPublisher dials the brokers and returns a Publisher using the given
// codec registry.
func NewPublisher(brokers []string, reg *Registry) (*Publisher, error) {
	var client, err = kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing brokers: %w", err)
	}
	return &Publisher{client: client, reg: reg}, nil
}

// Publish encodes |msg| with the topic's codec and appends it, keyed by
// |key| for partition ordering. An empty key lets the broker spread the
// message across partitions.
func (p *Publisher) Publish(ctx context.Context, topic string, msg interface{}, key string) error {
	var data, err = p.reg.Encode(topic, msg)
	if err != nil {
		return fmt.Errorf("encoding for %q: %w", topic, err)
	}
	var record = &kgo.Record{Topic: topic, Value: data}
	if key != "" {
		record.Key = []byte(key)
	}

	var policy = backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 8 * time.Second

	err = backoff.Retry(func() error {
		if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
			publishRetries.Inc()
			log.WithFields(log.Fields{"topic": topic, "err": err}).Warn("publish attempt failed")
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))

	if err != nil {
		return fmt.Errorf("publishing to %q: %w", topic, err)
	}
	publishTotal.WithLabelValues(topic).Inc()
	return nil
}

// Close flushes and releases the producer.
func (p *Publisher) Close() { p.client.Close() }
