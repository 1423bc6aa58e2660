package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureDLQ records parked messages
type captureDLQ struct {
	messages []*DLQMessage
	err      error
}

func (c *captureDLQ) PublishToDLQ(_ context.Context, msg *DLQMessage) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureDLQ) GetDLQTopic(topic string) string { return topic + ".dlq" }

// captureProducer records what KafkaDLQPublisher hands to the broker
type captureProducer struct {
	topic   string
	key     string
	data    interface{}
	headers map[string]string
}

func (c *captureProducer) PublishJSON(_ context.Context, topic, key string, data interface{}, headers map[string]string) error {
	c.topic, c.key, c.data, c.headers = topic, key, data, headers
	return nil
}

func confirmedMsgCtx() *MessageContext {
	return &MessageContext{
		ID:      "evt-1",
		Topic:   "booking.confirmed",
		Key:     "booking-1",
		Payload: json.RawMessage(`{"booking_id":"booking-1","payment_id":"pay-1"}`),
		Headers: map[string]string{"content_type": "application/json"},
	}
}

func newTestHandler(pub DLQPublisher, maxRetries int) *DLQHandler {
	return NewDLQHandler(pub, &DLQHandlerConfig{
		RetryConfig: fastConfig(maxRetries),
		Source:      "openride-worker",
	})
}

func TestProcessWithDLQSuccessNeverParks(t *testing.T) {
	dlq := &captureDLQ{}
	h := newTestHandler(dlq, 3)

	calls := 0
	err := h.ProcessWithDLQ(context.Background(), confirmedMsgCtx(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("ticket repo busy")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Empty(t, dlq.messages)
}

func TestProcessWithDLQParksExhaustedDelivery(t *testing.T) {
	dlq := &captureDLQ{}
	h := newTestHandler(dlq, 2)

	msgCtx := confirmedMsgCtx()
	handlerErr := errors.New("ticket signing key unavailable")
	err := h.ProcessWithDLQ(context.Background(), msgCtx, func(context.Context) error {
		return handlerErr
	})

	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	require.Len(t, dlq.messages, 1)

	parked := dlq.messages[0]
	assert.Equal(t, "evt-1", parked.ID)
	assert.Equal(t, "booking.confirmed", parked.OriginalTopic)
	assert.Equal(t, "booking-1", parked.OriginalKey)
	assert.JSONEq(t, string(msgCtx.Payload), string(parked.Payload))
	assert.Equal(t, handlerErr.Error(), parked.Error)
	assert.Equal(t, 3, parked.Attempts)
	assert.Equal(t, "openride-worker", parked.Source)
	assert.False(t, parked.FirstAttemptAt.IsZero())
	assert.False(t, parked.LastAttemptAt.IsZero())
}

func TestProcessWithDLQPermanentParksImmediately(t *testing.T) {
	dlq := &captureDLQ{}
	h := newTestHandler(dlq, 5)

	calls := 0
	err := h.ProcessWithDLQ(context.Background(), confirmedMsgCtx(), func(context.Context) error {
		calls++
		return Permanent(errors.New("booking references an unknown route"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	require.Len(t, dlq.messages, 1)
	assert.Equal(t, 1, dlq.messages[0].Attempts)
}

func TestProcessWithDLQSurfacesPublishFailure(t *testing.T) {
	dlq := &captureDLQ{err: errors.New("broker down")}
	h := newTestHandler(dlq, 0)

	err := h.ProcessWithDLQ(context.Background(), confirmedMsgCtx(), func(context.Context) error {
		return errors.New("handler failed")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish to DLQ")
	assert.Contains(t, err.Error(), "handler failed")
}

func TestKafkaDLQPublisherTopicAndHeaders(t *testing.T) {
	producer := &captureProducer{}
	pub := NewKafkaDLQPublisher(producer, &DLQConfig{TopicSuffix: ".dlq", Source: "openride-worker"})

	msg := &DLQMessage{
		ID:            "evt-1",
		OriginalTopic: "payment.success",
		OriginalKey:   "pay-1",
		Payload:       json.RawMessage(`{}`),
		Headers:       map[string]string{"trace_id": "abc", "error": "shadowed"},
		Error:         "settlement handler failed",
		Attempts:      4,
	}
	require.NoError(t, pub.PublishToDLQ(context.Background(), msg))

	assert.Equal(t, "payment.success.dlq", producer.topic)
	assert.Equal(t, "pay-1", producer.key)
	assert.Equal(t, msg, producer.data)
	assert.Equal(t, "settlement handler failed", producer.headers["error"])
	assert.Equal(t, "4", producer.headers["attempts"])
	assert.Equal(t, "openride-worker", producer.headers["source"])
	// original headers survive under a prefix and never shadow the DLQ's own
	assert.Equal(t, "abc", producer.headers["original_trace_id"])
	assert.Equal(t, "shadowed", producer.headers["original_error"])
	assert.False(t, msg.MovedToDLQAt.IsZero())
}

func TestKafkaDLQPublisherDefaults(t *testing.T) {
	pub := NewKafkaDLQPublisher(&captureProducer{}, nil)
	assert.Equal(t, "booking.created.dlq", pub.GetDLQTopic("booking.created"))

	assert.Error(t, pub.PublishToDLQ(context.Background(), nil))
}

func TestNoOpDLQPublisher(t *testing.T) {
	pub := NewNoOpDLQPublisher()
	assert.NoError(t, pub.PublishToDLQ(context.Background(), &DLQMessage{}))
	assert.Equal(t, "booking.created.dlq", pub.GetDLQTopic("booking.created"))
}

func TestDLQMessageRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	msg := &DLQMessage{
		ID:             "evt-1",
		OriginalTopic:  "booking.confirmed",
		OriginalKey:    "booking-1",
		Payload:        json.RawMessage(`{"booking_id":"booking-1"}`),
		Error:          "handler failed",
		Attempts:       3,
		FirstAttemptAt: now,
		LastAttemptAt:  now,
		MovedToDLQAt:   now,
		Source:         "openride-worker",
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded DLQMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *msg, decoded)
}
