// Package queue provides a durable job queue for deferred persistence work,
// built on a NATS JetStream stream with a durable push consumer, grounded on the
// teacher's JetStream subscribe/Nak-for-redelivery block in server.go.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/marketfeed/internal/metrics"
)

const (
	maxAttempts  = 3
	baseBackoff  = 2 * time.Second
	failLogLimit = 100
)

// Job is a unit of deferred work dispatched by Kind.
type Job struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Handler processes one job's payload. Returning an error triggers a
// Nak-with-backoff redelivery up to maxAttempts.
type Handler func(ctx context.Context, payload json.RawMessage) error

// FailedJob records a job that exhausted its retry budget.
type FailedJob struct {
	Job      Job
	Err      string
	FailedAt time.Time
}

// Queue wraps a JetStream stream + durable push consumer and dispatches
// delivered jobs to registered kind handlers.
type Queue struct {
	js       nats.JetStreamContext
	stream   string
	subject  string
	logger   zerolog.Logger
	handlers map[string]Handler

	mu      sync.Mutex
	failLog []FailedJob
}

// New declares (or reuses) the JetStream stream backing the queue. name
// becomes both the stream name and the subject prefix, matching
// PRICE_QUEUE_NAME's role as the single configured queue identifier.
func New(js nats.JetStreamContext, name string, logger zerolog.Logger) (*Queue, error) {
	subject := name + ".jobs"
	_, err := js.StreamInfo(name)
	if err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  []string{subject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
			MaxMsgs:   100_000,
		})
		if err != nil {
			return nil, fmt.Errorf("create job stream %q: %w", name, err)
		}
	}

	return &Queue{
		js:       js,
		stream:   name,
		subject:  subject,
		logger:   logger,
		handlers: make(map[string]Handler),
	}, nil
}

// Register binds a handler to a job kind. Must be called before Start.
func (q *Queue) Register(kind string, h Handler) {
	q.handlers[kind] = h
}

// Enqueue publishes a job for later dispatch.
func (q *Queue) Enqueue(kind string, payload json.RawMessage) error {
	data, err := json.Marshal(Job{Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := q.js.Publish(q.subject, data); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	metrics.JobsEnqueued.WithLabelValues(kind).Inc()
	return nil
}

// Start subscribes a durable consumer and dispatches jobs to their
// registered handler until ctx is canceled.
func (q *Queue) Start(ctx context.Context) error {
	sub, err := q.js.Subscribe(q.subject, func(msg *nats.Msg) {
		q.deliver(ctx, msg)
	}, nats.Durable(q.stream+"-worker"), nats.ManualAck(), nats.AckWait(30*time.Second))
	if err != nil {
		return fmt.Errorf("subscribe job queue: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (q *Queue) deliver(ctx context.Context, msg *nats.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		q.logger.Warn().Err(err).Msg("discarding malformed job envelope")
		_ = msg.Ack()
		return
	}

	handler, ok := q.handlers[job.Kind]
	if !ok {
		q.logger.Warn().Str("kind", job.Kind).Msg("no handler registered for job kind")
		_ = msg.Ack()
		return
	}

	attempt := deliveryAttempt(msg)
	if err := handler(ctx, job.Payload); err != nil {
		if attempt >= maxAttempts {
			q.recordFailure(job, err)
			metrics.JobsCompleted.WithLabelValues(job.Kind, "failed").Inc()
			_ = msg.Ack() // terminal: stop redelivery, surfaced via fail-log only
			return
		}
		metrics.JobRetries.WithLabelValues(job.Kind).Inc()
		metrics.JobsCompleted.WithLabelValues(job.Kind, "retry").Inc()
		delay := baseBackoff * time.Duration(1<<uint(attempt-1))
		_ = msg.NakWithDelay(delay)
		return
	}

	metrics.JobsCompleted.WithLabelValues(job.Kind, "ok").Inc()
	_ = msg.Ack()
}

// deliveryAttempt reads JetStream's redelivery count from message metadata,
// defaulting to 1 if metadata is unavailable.
func deliveryAttempt(msg *nats.Msg) int {
	meta, err := msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func (q *Queue) recordFailure(job Job, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failLog = append(q.failLog, FailedJob{Job: job, Err: cause.Error(), FailedAt: time.Now()})
	if len(q.failLog) > failLogLimit {
		q.failLog = q.failLog[len(q.failLog)-failLogLimit:]
	}
}

// FailedJobs returns a snapshot of the bounded fail-log, newest last.
func (q *Queue) FailedJobs() []FailedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FailedJob, len(q.failLog))
	copy(out, q.failLog)
	return out
}
