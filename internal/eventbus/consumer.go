package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/davidx345/openride-backend-sub002/pkg/kafka"
	"github.com/davidx345/openride-backend-sub002/pkg/logger"
	"github.com/davidx345/openride-backend-sub002/pkg/retry"
)

// ConsumerConfig contains settings for the event consumer
type ConsumerConfig struct {
	Brokers       []string
	GroupID       string
	Topics        []string
	ClientID      string
	WorkerCount   int
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultConsumerConfig returns default consumer settings
func DefaultConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		Brokers:       []string{"localhost:9092"},
		GroupID:       "openride",
		ClientID:      "openride-consumer",
		WorkerCount:   10,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	}
}

// Consumer dispatches Kafka events to registered handlers. Records are
// committed only after the handler (or DLQ publish) succeeds.
type Consumer struct {
	consumer *kafka.Consumer
	dlq      *retry.DLQHandler
	config   *ConsumerConfig
	log      *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer group member for the given topics.
// producer feeds the dead letter queue; pass nil to disable DLQ routing.
func NewConsumer(ctx context.Context, cfg *ConsumerConfig, producer *kafka.Producer) (*Consumer, error) {
	if cfg == nil {
		cfg = DefaultConsumerConfig()
	}

	kc, err := kafka.NewConsumer(ctx, &kafka.ConsumerConfig{
		Brokers:       cfg.Brokers,
		GroupID:       cfg.GroupID,
		Topics:        cfg.Topics,
		ClientID:      cfg.ClientID,
		MaxRetries:    cfg.MaxRetries,
		RetryInterval: cfg.RetryInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	var dlqPublisher retry.DLQPublisher = retry.NewNoOpDLQPublisher()
	if producer != nil {
		dlqPublisher = retry.NewKafkaDLQPublisher(
			&retry.KafkaProducerAdapter{Producer: producer},
			&retry.DLQConfig{TopicSuffix: ".dlq", Source: cfg.ClientID},
		)
	}

	dlq := retry.NewDLQHandler(dlqPublisher, &retry.DLQHandlerConfig{
		RetryConfig: &retry.Config{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.RetryInterval,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
			JitterFactor:    0.1,
		},
		Source: cfg.ClientID,
	})

	return &Consumer{
		consumer: kc,
		dlq:      dlq,
		config:   cfg,
		log:      logger.Get(),
		handlers: make(map[string][]Handler),
		stopCh:   make(chan struct{}),
	}, nil
}

// Subscribe registers a handler for an event type. Must be called before Start.
func (c *Consumer) Subscribe(eventType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// Start begins polling and dispatching
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer is already running")
	}
	c.running = true
	c.mu.Unlock()

	c.log.Info("Starting event consumer", "topics", c.config.Topics, "group", c.config.GroupID)

	recordsCh := make(chan *kafka.Record, c.config.WorkerCount*10)

	for i := 0; i < c.config.WorkerCount; i++ {
		c.wg.Add(1)
		go c.worker(ctx, recordsCh)
	}

	c.wg.Add(1)
	go c.poll(ctx, recordsCh)

	return nil
}

func (c *Consumer) poll(ctx context.Context, recordsCh chan<- *kafka.Record) {
	defer c.wg.Done()
	defer close(recordsCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
			records, err := c.consumer.Poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Error("Failed to poll records", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for _, record := range records {
				select {
				case recordsCh <- record:
				case <-ctx.Done():
					return
				case <-c.stopCh:
					return
				}
			}
		}
	}
}

func (c *Consumer) worker(ctx context.Context, recordsCh <-chan *kafka.Record) {
	defer c.wg.Done()

	for record := range recordsCh {
		if err := c.processRecord(ctx, record); err != nil {
			c.log.Error("Failed to process record",
				"topic", record.Topic, "offset", record.Offset, "error", err)
		}
	}
}

func (c *Consumer) processRecord(ctx context.Context, record *kafka.Record) error {
	var event Event
	if err := json.Unmarshal(record.Value, &event); err != nil {
		c.log.Error("Dropping malformed event", "topic", record.Topic, "error", err)
		// commit anyway so a poison record does not wedge the partition
		return c.consumer.CommitRecords(ctx, []*kafka.Record{record})
	}

	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[event.Type]...)
	c.mu.RUnlock()

	if len(handlers) == 0 {
		return c.consumer.CommitRecords(ctx, []*kafka.Record{record})
	}

	msgCtx := &retry.MessageContext{
		ID:      event.EventID,
		Topic:   record.Topic,
		Key:     string(record.Key),
		Payload: record.Value,
		Headers: record.Headers,
	}

	err := c.dlq.ProcessWithDLQ(ctx, msgCtx, func(ctx context.Context) error {
		for _, h := range handlers {
			if err := h(ctx, &event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// retries exhausted and the event is parked in the DLQ; commit so
		// the stream keeps moving
		c.log.Error("Event moved to DLQ", "event_id", event.EventID, "type", event.Type, "error", err)
	}

	return c.consumer.CommitRecords(ctx, []*kafka.Record{record})
}

// Stop drains workers and closes the consumer
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
	c.consumer.Close()
	c.log.Info("Event consumer stopped")
}
