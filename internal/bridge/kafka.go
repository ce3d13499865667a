// Package bridge connects the in-process broker to Kafka: published events
// are mirrored out for external consumers, and (optionally) events produced
// by external systems are ingested back into the broker.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/componentry/relay/internal/broker"
	"github.com/componentry/relay/internal/event"
)

// ingestMemory bounds the set of recently ingested event ids used to keep
// ingested events from being mirrored straight back to Kafka.
const ingestMemory = 4096

// KafkaConfig holds the bridge's Kafka settings.
type KafkaConfig struct {
	Brokers       []string // broker addresses; empty disables the bridge
	Topic         string   // Kafka topic mirrored to / ingested from
	ConsumerGroup string
	Ingest        bool // also consume the topic back into the broker
}

// Kafka mirrors the local broker's published events to a Kafka topic and,
// when configured, ingests externally produced events from the same topic.
type Kafka struct {
	cfg        KafkaConfig
	broker     *broker.Broker
	localTopic string
	logger     *zap.Logger

	writer *kafka.Writer
	reader *kafka.Reader
	sub    *broker.Subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	ingested map[string]struct{}
	order    []string
}

// NewKafka creates the bridge. It fails when no broker address is given;
// callers gate construction on configuration.
func NewKafka(cfg KafkaConfig, b *broker.Broker, localTopic string, logger *zap.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "component-relay"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	}

	return &Kafka{
		cfg:        cfg,
		broker:     b,
		localTopic: localTopic,
		logger:     logger.Named("kafka-bridge"),
		writer:     writer,
		ingested:   make(map[string]struct{}),
	}, nil
}

// Start launches the mirror loop and, when configured, the ingest loop.
func (k *Kafka) Start(ctx context.Context) {
	ctx, k.cancel = context.WithCancel(ctx)

	k.sub = k.broker.Subscribe(k.localTopic)
	k.wg.Add(1)
	go k.mirrorLoop(ctx)

	if k.cfg.Ingest {
		k.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  k.cfg.Brokers,
			Topic:    k.cfg.Topic,
			GroupID:  k.cfg.ConsumerGroup,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
		k.wg.Add(1)
		go k.ingestLoop(ctx)
	}

	k.logger.Info("kafka bridge started",
		zap.Strings("brokers", k.cfg.Brokers),
		zap.String("topic", k.cfg.Topic),
		zap.Bool("ingest", k.cfg.Ingest))
}

// Close stops both loops and releases the Kafka producer and consumer.
func (k *Kafka) Close() error {
	if k.cancel != nil {
		k.cancel()
	}
	if k.sub != nil {
		k.broker.Unsubscribe(k.sub)
	}

	var firstErr error
	if k.reader != nil {
		if err := k.reader.Close(); err != nil {
			firstErr = err
		}
	}
	if err := k.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	k.wg.Wait()
	return firstErr
}

// mirrorLoop copies every locally published event out to Kafka, skipping
// events the ingest loop just brought in so the two loops cannot feed each
// other forever.
func (k *Kafka) mirrorLoop(ctx context.Context) {
	defer k.wg.Done()

	for ev := range k.sub.C() {
		if k.wasIngested(ev.ID) {
			continue
		}

		value, err := json.Marshal(ev)
		if err != nil {
			k.logger.Error("marshal event", zap.String("event", ev.ID), zap.Error(err))
			continue
		}

		msg := kafka.Message{Key: []byte(ev.ID), Value: value}
		if err := k.writer.WriteMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			k.logger.Error("write to kafka", zap.String("event", ev.ID), zap.Error(err))
		}
	}
}

func (k *Kafka) ingestLoop(ctx context.Context) {
	defer k.wg.Done()

	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.logger.Error("read from kafka", zap.Error(err))
			continue
		}

		var ev event.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			k.logger.Warn("undecodable kafka message", zap.Error(err))
			continue
		}
		if ev.ID == "" || !ev.Kind.Valid() {
			k.logger.Warn("ignoring malformed event from kafka", zap.String("event", ev.ID))
			continue
		}

		k.markIngested(ev.ID)
		k.broker.Publish(k.localTopic, ev)
	}
}

func (k *Kafka) markIngested(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ingested[id] = struct{}{}
	k.order = append(k.order, id)
	if len(k.order) > ingestMemory {
		delete(k.ingested, k.order[0])
		k.order = k.order[1:]
	}
}

func (k *Kafka) wasIngested(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.ingested[id]
	return ok
}
