package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/kafka-go"

	"github.com/flowforge/syncflow/pkg/metrics"
)

const (
	headerJobRetryCount  = "sf-job-retry-count"
	headerJobRetryAt     = "sf-job-retry-at"
	headerJobOriginTopic = "sf-job-origin-topic"
	headerJobDLQError    = "sf-job-dlq-error"

	defaultRetryLimit   = 5
	defaultRetryBackoff = 10 * time.Second
	maxRetryBackoff     = 30 * time.Minute
)

// Job carries one accepted webhook delivery to the processor. Payload holds
// the request body exactly as received.
type Job struct {
	ID          string    `json:"id"`
	LogID       uuid.UUID `json:"logId"`
	TenantID    uuid.UUID `json:"tenantId"`
	RequestID   string    `json:"requestId"`
	PayloadHash string    `json:"payloadHash"`
	Payload     []byte    `json:"payload"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// NewJobID returns a time-ordered job identifier.
func NewJobID() string {
	return ulid.Make().String()
}

type JobHandler func(context.Context, *Job) error

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers      []string
	ClientID     string
	GroupID      string
	Topic        string
	RetryTopic   string
	DLQTopic     string
	MaxRetries   int
	RetryBackoff time.Duration
}

type WebhookQueue struct {
	writer       messageWriter
	retryWriter  messageWriter
	dlqWriter    messageWriter
	reader       messageReader
	retryReader  messageReader
	topic        string
	retryTopic   string
	dlqTopic     string
	maxRetry     int
	backoff      time.Duration
	now          func() time.Time
	messageGroup sync.WaitGroup
}

func newWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
	}
}

func newReader(cfg Config, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   topic,
		Dialer: &kafka.Dialer{
			ClientID: cfg.ClientID,
		},
	})
}

// NewProducer returns a queue that can only enqueue, used by the API server.
func NewProducer(cfg Config) *WebhookQueue {
	return &WebhookQueue{
		writer: newWriter(cfg),
		topic:  cfg.Topic,
		now:    time.Now,
	}
}

// NewConsumer returns a queue reading the main and retry topics with
// consumer group cfg.GroupID.
func NewConsumer(cfg Config) *WebhookQueue {
	q := &WebhookQueue{
		writer:      newWriter(cfg),
		retryWriter: newWriter(cfg),
		dlqWriter:   newWriter(cfg),
		reader:      newReader(cfg, cfg.Topic),
		topic:       cfg.Topic,
		retryTopic:  cfg.RetryTopic,
		dlqTopic:    cfg.DLQTopic,
		maxRetry:    cfg.MaxRetries,
		backoff:     cfg.RetryBackoff,
		now:         time.Now,
	}
	if cfg.RetryTopic != "" {
		q.retryReader = newReader(cfg, cfg.RetryTopic)
	}
	if q.maxRetry <= 0 {
		q.maxRetry = defaultRetryLimit
	}
	if q.backoff <= 0 {
		q.backoff = defaultRetryBackoff
	}
	return q
}

func (q *WebhookQueue) Enqueue(ctx context.Context, job *Job) error {
	if q.writer == nil {
		return errors.New("webhook queue writer is not configured")
	}
	if job.ID == "" {
		job.ID = NewJobID()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	message := kafka.Message{
		Topic: q.topic,
		Key:   []byte(job.TenantID.String()),
		Value: payload,
		Time:  q.now(),
	}
	return q.writer.WriteMessages(ctx, message)
}

// Consume delivers jobs from the main and retry topics to handler until ctx
// ends. A handler error sends the job to the retry topic, and to the dead
// letter topic once its retries are used up. Each topic is consumed by its own
// loop, so a retry waiting out its backoff never holds up fresh deliveries.
func (q *WebhookQueue) Consume(ctx context.Context, handler JobHandler) error {
	if q.reader == nil {
		return errors.New("webhook queue reader is not configured")
	}
	if handler == nil {
		return errors.New("job handler is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readers := []messageReader{q.reader}
	if q.retryReader != nil {
		readers = append(readers, q.retryReader)
	}

	errCh := make(chan error, len(readers))
	for _, reader := range readers {
		q.messageGroup.Add(1)
		go func(reader messageReader) {
			defer q.messageGroup.Done()
			errCh <- q.consumeReader(ctx, reader, handler)
		}(reader)
	}

	err := <-errCh
	cancel()
	for i := 1; i < len(readers); i++ {
		<-errCh
	}
	return err
}

type queuedMessage struct {
	reader  messageReader
	message kafka.Message
}

func (q *WebhookQueue) consumeReader(ctx context.Context, reader messageReader, handler JobHandler) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := q.handleMessage(ctx, queuedMessage{reader: reader, message: msg}, handler); err != nil {
			return err
		}
	}
}

func (q *WebhookQueue) handleMessage(ctx context.Context, msg queuedMessage, handler JobHandler) error {
	if q.retryTopic != "" && msg.message.Topic == q.retryTopic {
		if retryAt := retryTime(msg.message); !retryAt.IsZero() {
			if delay := retryAt.Sub(q.now()); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
	}

	job, err := decodeJob(msg.message)
	if err != nil {
		return q.deadLetter(ctx, msg, err)
	}

	if err := handler(ctx, job); err != nil {
		return q.handleFailure(ctx, msg, err)
	}
	if err := msg.reader.CommitMessages(ctx, msg.message); err != nil {
		return fmt.Errorf("commit job offset: %w", err)
	}
	return nil
}

func decodeJob(message kafka.Message) (*Job, error) {
	var job Job
	if err := json.Unmarshal(message.Value, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *WebhookQueue) handleFailure(ctx context.Context, msg queuedMessage, handlerErr error) error {
	retryCount := retryAttempt(msg.message)
	if retryCount >= q.maxRetry || q.retryTopic == "" {
		return q.deadLetter(ctx, msg, handlerErr)
	}

	retryAt := q.now().Add(calculateBackoff(q.backoff, retryCount+1))
	headers := replaceHeaders(msg.message.Headers,
		kafka.Header{Key: headerJobRetryCount, Value: []byte(strconv.Itoa(retryCount + 1))},
		kafka.Header{Key: headerJobRetryAt, Value: []byte(retryAt.Format(time.RFC3339Nano))},
		kafka.Header{Key: headerJobOriginTopic, Value: []byte(q.topic)},
	)
	if err := q.publish(ctx, q.retryWriter, q.retryTopic, msg.message.Key, msg.message.Value, headers); err != nil {
		return err
	}
	metrics.QueueRetries.WithLabelValues("retry").Inc()
	if err := msg.reader.CommitMessages(ctx, msg.message); err != nil {
		return fmt.Errorf("commit job offset: %w", err)
	}
	return nil
}

func (q *WebhookQueue) deadLetter(ctx context.Context, msg queuedMessage, cause error) error {
	if q.dlqTopic == "" {
		return cause
	}
	headers := replaceHeaders(msg.message.Headers,
		kafka.Header{Key: headerJobOriginTopic, Value: []byte(q.topic)},
		kafka.Header{Key: headerJobDLQError, Value: []byte(cause.Error())},
	)
	if err := q.publish(ctx, q.dlqWriter, q.dlqTopic, msg.message.Key, msg.message.Value, headers); err != nil {
		return err
	}
	metrics.QueueRetries.WithLabelValues("dlq").Inc()
	if err := msg.reader.CommitMessages(ctx, msg.message); err != nil {
		return fmt.Errorf("commit job offset: %w", err)
	}
	return nil
}

func calculateBackoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > maxRetryBackoff || delay <= 0 {
		return maxRetryBackoff
	}
	return delay
}

func retryAttempt(message kafka.Message) int {
	for _, header := range message.Headers {
		if header.Key == headerJobRetryCount {
			count, err := strconv.Atoi(string(header.Value))
			if err == nil {
				return count
			}
			return 0
		}
	}
	return 0
}

func retryTime(message kafka.Message) time.Time {
	for _, header := range message.Headers {
		if header.Key == headerJobRetryAt {
			parsed, err := time.Parse(time.RFC3339Nano, string(header.Value))
			if err == nil {
				return parsed
			}
			return time.Time{}
		}
	}
	return time.Time{}
}

// replaceHeaders returns existing with every key in headers overwritten.
func replaceHeaders(existing []kafka.Header, headers ...kafka.Header) []kafka.Header {
	merged := make([]kafka.Header, 0, len(existing)+len(headers))
	for _, header := range existing {
		replaced := false
		for _, h := range headers {
			if h.Key == header.Key {
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, header)
		}
	}
	return append(merged, headers...)
}

func (q *WebhookQueue) publish(ctx context.Context, writer messageWriter, topic string, key, value []byte, headers []kafka.Header) error {
	if writer == nil {
		return errors.New("webhook queue writer is not configured")
	}
	message := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    q.now(),
	}
	return writer.WriteMessages(ctx, message)
}

func (q *WebhookQueue) Close() error {
	q.messageGroup.Wait()
	var errs []error
	for _, closer := range []interface{ Close() error }{q.writer, q.retryWriter, q.dlqWriter, q.reader, q.retryReader} {
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
