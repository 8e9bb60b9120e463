package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

type fakeReader struct {
	messages  chan kafka.Message
	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{messages: make(chan kafka.Message, len(msgs))}
	for _, msg := range msgs {
		r.messages <- msg
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-r.messages:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func testQueue(reader *fakeReader, writer, retry, dlq *recordingWriter) *WebhookQueue {
	return &WebhookQueue{
		writer:      writer,
		retryWriter: retry,
		dlqWriter:   dlq,
		reader:      reader,
		topic:       "webhooks",
		retryTopic:  "webhooks.retry",
		dlqTopic:    "webhooks.dlq",
		maxRetry:    2,
		backoff:     time.Second,
		now:         func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) },
	}
}

func jobMessage(t *testing.T, job Job, headers ...kafka.Header) kafka.Message {
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return kafka.Message{Topic: "webhooks", Key: []byte(job.TenantID.String()), Value: payload, Headers: headers}
}

// consumeUntil runs Consume until done reports true.
func consumeUntil(t *testing.T, q *WebhookQueue, handler JobHandler, done func() bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- q.Consume(ctx, handler) }()

	require.Eventually(t, done, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestEnqueueAssignsJobID(t *testing.T) {
	writer := &recordingWriter{}
	q := &WebhookQueue{writer: writer, topic: "webhooks", now: time.Now}
	job := &Job{LogID: uuid.New(), TenantID: uuid.New(), Payload: []byte(`{"id":"1"}`)}

	require.NoError(t, q.Enqueue(context.Background(), job))

	assert.Len(t, job.ID, 26)
	messages := writer.written()
	require.Len(t, messages, 1)
	assert.Equal(t, "webhooks", messages[0].Topic)
	assert.Equal(t, job.TenantID.String(), string(messages[0].Key))

	var decoded Job
	require.NoError(t, json.Unmarshal(messages[0].Value, &decoded))
	assert.Equal(t, job.LogID, decoded.LogID)
	assert.Equal(t, `{"id":"1"}`, string(decoded.Payload))
}

func TestConsumeCommitsHandledJob(t *testing.T) {
	job := Job{ID: NewJobID(), LogID: uuid.New(), TenantID: uuid.New()}
	reader := newFakeReader(jobMessage(t, job))
	retry, dlq := &recordingWriter{}, &recordingWriter{}
	q := testQueue(reader, &recordingWriter{}, retry, dlq)

	var seen uuid.UUID
	consumeUntil(t, q, func(_ context.Context, j *Job) error {
		seen = j.LogID
		return nil
	}, func() bool { return reader.commits() == 1 })

	assert.Equal(t, job.LogID, seen)
	assert.Empty(t, retry.written())
	assert.Empty(t, dlq.written())
}

func TestConsumeSendsFailedJobToRetryTopic(t *testing.T) {
	reader := newFakeReader(jobMessage(t, Job{ID: NewJobID(), LogID: uuid.New()}))
	retry, dlq := &recordingWriter{}, &recordingWriter{}
	q := testQueue(reader, &recordingWriter{}, retry, dlq)

	consumeUntil(t, q, func(context.Context, *Job) error {
		return errors.New("webhook log not visible yet")
	}, func() bool { return reader.commits() == 1 })

	messages := retry.written()
	require.Len(t, messages, 1)
	assert.Equal(t, "webhooks.retry", messages[0].Topic)
	assert.Equal(t, 1, retryAttempt(messages[0]))
	assert.Equal(t, time.Date(2024, 3, 10, 12, 0, 1, 0, time.UTC), retryTime(messages[0]))
	assert.Empty(t, dlq.written())
}

func TestConsumeDeadLettersExhaustedJob(t *testing.T) {
	msg := jobMessage(t, Job{ID: NewJobID(), LogID: uuid.New()},
		kafka.Header{Key: headerJobRetryCount, Value: []byte("2")})
	reader := newFakeReader(msg)
	retry, dlq := &recordingWriter{}, &recordingWriter{}
	q := testQueue(reader, &recordingWriter{}, retry, dlq)

	consumeUntil(t, q, func(context.Context, *Job) error {
		return errors.New("database unavailable")
	}, func() bool { return reader.commits() == 1 })

	assert.Empty(t, retry.written())
	messages := dlq.written()
	require.Len(t, messages, 1)
	var dlqError string
	for _, header := range messages[0].Headers {
		if header.Key == headerJobDLQError {
			dlqError = string(header.Value)
		}
	}
	assert.Equal(t, "database unavailable", dlqError)
}

func TestConsumeDeadLettersUndecodableMessage(t *testing.T) {
	reader := newFakeReader(kafka.Message{Topic: "webhooks", Value: []byte("not json")})
	retry, dlq := &recordingWriter{}, &recordingWriter{}
	q := testQueue(reader, &recordingWriter{}, retry, dlq)

	called := false
	consumeUntil(t, q, func(context.Context, *Job) error {
		called = true
		return nil
	}, func() bool { return reader.commits() == 1 })

	assert.False(t, called)
	assert.Len(t, dlq.written(), 1)
	assert.Empty(t, retry.written())
}

func TestConsumeHandlesFreshJobWhileRetryWaits(t *testing.T) {
	delayed := jobMessage(t, Job{ID: NewJobID(), LogID: uuid.New()},
		kafka.Header{Key: headerJobRetryCount, Value: []byte("1")},
		kafka.Header{Key: headerJobRetryAt, Value: []byte("2024-03-10T13:00:00Z")})
	delayed.Topic = "webhooks.retry"
	fresh := Job{ID: NewJobID(), LogID: uuid.New()}

	reader := newFakeReader(jobMessage(t, fresh))
	retryReader := newFakeReader(delayed)
	q := testQueue(reader, &recordingWriter{}, &recordingWriter{}, &recordingWriter{})
	q.retryReader = retryReader

	var mu sync.Mutex
	var seen []uuid.UUID
	consumeUntil(t, q, func(_ context.Context, j *Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, j.LogID)
		return nil
	}, func() bool { return reader.commits() == 1 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uuid.UUID{fresh.LogID}, seen)
	assert.Zero(t, retryReader.commits())
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), calculateBackoff(time.Second, 0))
	assert.Equal(t, time.Second, calculateBackoff(time.Second, 1))
	assert.Equal(t, 8*time.Second, calculateBackoff(time.Second, 4))
	assert.Equal(t, maxRetryBackoff, calculateBackoff(time.Minute, 40))
}

func TestReplaceHeadersOverwritesRetryCount(t *testing.T) {
	headers := replaceHeaders(
		[]kafka.Header{{Key: "trace", Value: []byte("abc")}, {Key: headerJobRetryCount, Value: []byte("1")}},
		kafka.Header{Key: headerJobRetryCount, Value: []byte("2")},
	)
	require.Len(t, headers, 2)
	assert.Equal(t, 2, retryAttempt(kafka.Message{Headers: headers}))
}
