// Package kafka publishes counter events to a Kafka topic with franz-go.
//
// Records are keyed by counter name so every event for one counter lands
// on the same partition in order. The value is the JSON-encoded
// notify.CounterEvent.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sornon/member-sub002/internal/notify"
)

// DefaultTopic receives counter events when no topic is configured.
const DefaultTopic = "member-counter-events"

// Config configures a Publisher.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string

	// Partitions and ReplicationFactor are used by EnsureTopic.
	// Defaults: 1 and 1.
	Partitions        int32
	ReplicationFactor int16

	// ProduceTimeout bounds one CounterChanged call. Default: 10s.
	ProduceTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.ClientID == "" {
		c.ClientID = "reconciled"
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.ProduceTimeout <= 0 {
		c.ProduceTimeout = 10 * time.Second
	}
	return c
}

// Publisher implements notify.Notifier on a Kafka topic.
type Publisher struct {
	client *kgo.Client
	cfg    Config
}

// New creates a Publisher. The client connects lazily.
func New(cfg Config, opts ...kgo.Opt) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	cfg = cfg.withDefaults()

	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	return &Publisher{client: client, cfg: cfg}, nil
}

// Topic returns the topic events are published to.
func (p *Publisher) Topic() string {
	return p.cfg.Topic
}

// EnsureTopic creates the topic if it does not exist.
func (p *Publisher) EnsureTopic(ctx context.Context) error {
	admin := kadm.NewClient(p.client)
	resp, err := admin.CreateTopics(ctx, p.cfg.Partitions, p.cfg.ReplicationFactor, nil, p.cfg.Topic)
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", p.cfg.Topic, err)
	}
	for _, t := range resp {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("kafka: create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}

// Ping checks that a broker is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// CounterChanged publishes ev and waits for the broker acknowledgement.
func (p *Publisher) CounterChanged(ctx context.Context, ev notify.CounterEvent) error {
	rec, err := record(p.cfg.Topic, ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProduceTimeout)
	defer cancel()
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka: publish %s event: %w", ev.Counter, err)
	}
	return nil
}

// Close flushes buffered records and closes the client.
func (p *Publisher) Close() {
	p.client.Close()
}

func record(topic string, ev notify.CounterEvent) (*kgo.Record, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("kafka: marshal event: %w", err)
	}
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(ev.Counter),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "member-id", Value: []byte(ev.MemberID)},
			{Key: "collection", Value: []byte(ev.Collection)},
		},
	}
	if !ev.At.IsZero() {
		rec.Timestamp = ev.At
	}
	return rec, nil
}

var _ notify.Notifier = (*Publisher)(nil)
