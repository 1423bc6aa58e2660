package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DLQMessage is the envelope parked on a dead-letter topic when an event
// delivery exhausts its retries. It carries everything an operator needs
// to replay the event by hand.
type DLQMessage struct {
	ID             string            `json:"id"`
	OriginalTopic  string            `json:"original_topic"`
	OriginalKey    string            `json:"original_key"`
	Payload        json.RawMessage   `json:"payload"`
	Headers        map[string]string `json:"headers,omitempty"`
	Error          string            `json:"error"`
	Attempts       int               `json:"attempts"`
	FirstAttemptAt time.Time         `json:"first_attempt_at"`
	LastAttemptAt  time.Time         `json:"last_attempt_at"`
	MovedToDLQAt   time.Time         `json:"moved_to_dlq_at"`
	Source         string            `json:"source"`
}

// DLQPublisher parks exhausted deliveries
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, msg *DLQMessage) error
	// GetDLQTopic names the dead-letter topic for an original topic
	GetDLQTopic(originalTopic string) string
}

// DLQConfig names the dead-letter topics and their source service
type DLQConfig struct {
	// TopicSuffix is appended to the original topic (default ".dlq")
	TopicSuffix string
	// Source identifies the consumer that gave up on the message
	Source string
}

// PublishJSON is the producer surface the DLQ needs; pkg/kafka's producer
// satisfies it
type PublishJSON interface {
	ProduceJSON(ctx context.Context, topic string, key string, data interface{}, headers map[string]string) error
}

// KafkaPublisher is PublishJSON under the name the DLQ publisher calls it
type KafkaPublisher interface {
	PublishJSON(ctx context.Context, topic string, key string, data interface{}, headers map[string]string) error
}

// KafkaProducerAdapter bridges a pkg/kafka producer to KafkaPublisher
type KafkaProducerAdapter struct {
	Producer PublishJSON
}

func (a *KafkaProducerAdapter) PublishJSON(ctx context.Context, topic string, key string, data interface{}, headers map[string]string) error {
	return a.Producer.ProduceJSON(ctx, topic, key, data, headers)
}

// KafkaDLQPublisher writes dead-lettered events to `<topic><suffix>`
type KafkaDLQPublisher struct {
	producer KafkaPublisher
	cfg      *DLQConfig
}

var _ DLQPublisher = (*KafkaDLQPublisher)(nil)

// NewKafkaDLQPublisher creates a Kafka-backed DLQ publisher
func NewKafkaDLQPublisher(producer KafkaPublisher, cfg *DLQConfig) *KafkaDLQPublisher {
	if cfg == nil {
		cfg = &DLQConfig{}
	}
	if cfg.TopicSuffix == "" {
		cfg.TopicSuffix = ".dlq"
	}
	if cfg.Source == "" {
		cfg.Source = "unknown"
	}
	return &KafkaDLQPublisher{producer: producer, cfg: cfg}
}

func (p *KafkaDLQPublisher) PublishToDLQ(ctx context.Context, msg *DLQMessage) error {
	if msg == nil {
		return fmt.Errorf("DLQ message cannot be nil")
	}

	msg.MovedToDLQAt = time.Now()
	msg.Source = p.cfg.Source

	headers := map[string]string{
		"content_type":    "application/json",
		"original_topic":  msg.OriginalTopic,
		"error":           msg.Error,
		"attempts":        fmt.Sprintf("%d", msg.Attempts),
		"moved_to_dlq_at": msg.MovedToDLQAt.Format(time.RFC3339),
		"source":          msg.Source,
	}
	// keep the original headers, renamed so they cannot shadow ours
	for k, v := range msg.Headers {
		if _, exists := headers[k]; !exists {
			headers["original_"+k] = v
		}
	}

	return p.producer.PublishJSON(ctx, p.GetDLQTopic(msg.OriginalTopic), msg.OriginalKey, msg, headers)
}

func (p *KafkaDLQPublisher) GetDLQTopic(originalTopic string) string {
	return originalTopic + p.cfg.TopicSuffix
}

// DLQHandler retries a message handler and parks the message when the
// schedule runs out
type DLQHandler struct {
	retrier   *Retrier
	publisher DLQPublisher
	source    string
}

// DLQHandlerConfig configures the handler's retries and source label
type DLQHandlerConfig struct {
	RetryConfig *Config
	Source      string
}

// NewDLQHandler creates a handler publishing exhausted messages via publisher
func NewDLQHandler(publisher DLQPublisher, cfg *DLQHandlerConfig) *DLQHandler {
	if cfg == nil {
		cfg = &DLQHandlerConfig{}
	}
	source := cfg.Source
	if source == "" {
		source = "unknown"
	}
	return &DLQHandler{
		retrier:   New(cfg.RetryConfig),
		publisher: publisher,
		source:    source,
	}
}

// MessageContext identifies the delivery being processed
type MessageContext struct {
	ID             string
	Topic          string
	Key            string
	Payload        json.RawMessage
	Headers        map[string]string
	FirstAttemptAt time.Time
}

// ProcessWithDLQ runs op under the retry schedule. When every attempt
// fails the message is published to the DLQ and the final error returned;
// a DLQ publish failure wraps both so the caller can refuse the commit.
func (h *DLQHandler) ProcessWithDLQ(ctx context.Context, msgCtx *MessageContext, op Operation) error {
	if msgCtx.FirstAttemptAt.IsZero() {
		msgCtx.FirstAttemptAt = time.Now()
	}

	result := h.retrier.Do(ctx, op)
	if result.Err == nil {
		return nil
	}

	errMsg := result.Err.Error()
	if result.LastError != nil {
		errMsg = result.LastError.Error()
	}

	msg := &DLQMessage{
		ID:             msgCtx.ID,
		OriginalTopic:  msgCtx.Topic,
		OriginalKey:    msgCtx.Key,
		Payload:        msgCtx.Payload,
		Headers:        msgCtx.Headers,
		Error:          errMsg,
		Attempts:       result.Attempts,
		FirstAttemptAt: msgCtx.FirstAttemptAt,
		LastAttemptAt:  time.Now(),
		Source:         h.source,
	}

	if publishErr := h.publisher.PublishToDLQ(ctx, msg); publishErr != nil {
		return fmt.Errorf("failed to publish to DLQ: %w (original error: %v)", publishErr, result.LastError)
	}
	return result.Err
}

// NoOpDLQPublisher drops dead-lettered messages. The consumer falls back
// to it when no producer is configured.
type NoOpDLQPublisher struct{}

var _ DLQPublisher = (*NoOpDLQPublisher)(nil)

// NewNoOpDLQPublisher creates a publisher that discards everything
func NewNoOpDLQPublisher() *NoOpDLQPublisher {
	return &NoOpDLQPublisher{}
}

func (*NoOpDLQPublisher) PublishToDLQ(context.Context, *DLQMessage) error { return nil }

func (*NoOpDLQPublisher) GetDLQTopic(originalTopic string) string { return originalTopic + ".dlq" }
