package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueTranscripts is the Redis list key for transcript archive jobs.
	QueueTranscripts = "worker:transcripts"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// QueueFailedReports keeps status reports the order backend rejected. Never replayed automatically.
	QueueFailedReports = "reports:failed"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// maxFailedReports caps the failed-report list.
	maxFailedReports = 10000
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeTranscriptArchive JobType = "transcript_archive"
)

// TranscriptArchivePayload is the payload for transcript archive jobs.
type TranscriptArchivePayload struct {
	CallID string `json:"call_id"`
}

// FailedReport is a status update that could not be delivered.
type FailedReport struct {
	CallID   string          `json:"call_id"`
	Status   string          `json:"status"`
	Error    string          `json:"error"`
	Body     json.RawMessage `json:"body,omitempty"`
	FailedAt time.Time       `json:"failed_at"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client redis.UniversalClient, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueTranscriptArchive enqueues an archive job for a finished call.
func (q *Queue) EnqueueTranscriptArchive(ctx context.Context, payload TranscriptArchivePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypeTranscriptArchive,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueTranscripts, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued transcript archive job", zap.String("job_id", job.ID), zap.String("call_id", payload.CallID))
	return nil
}

// RecordFailedReport appends a failed status report to the dead-letter list.
func (q *Queue) RecordFailedReport(ctx context.Context, report FailedReport) error {
	if report.FailedAt.IsZero() {
		report.FailedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal failed report: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, QueueFailedReports, raw)
	pipe.LTrim(ctx, QueueFailedReports, -maxFailedReports, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record failed report: %w", err)
	}
	q.logger.Warn("status report dead-lettered", zap.String("call_id", report.CallID), zap.String("status", report.Status))
	return nil
}

// FailedReports returns up to limit of the most recent failed reports, oldest first.
func (q *Queue) FailedReports(ctx context.Context, limit int64) ([]FailedReport, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.client.LRange(ctx, QueueFailedReports, -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}
	out := make([]FailedReport, 0, len(raws))
	for _, raw := range raws {
		var r FailedReport
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			q.logger.Warn("invalid failed report", zap.String("raw", raw), zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Dequeue blocks until a job is available or ctx is done. Returns job and key (queue name).
func (q *Queue) Dequeue(ctx context.Context) (*Job, string, error) {
	result, err := q.client.BLPop(ctx, 0, QueueTranscripts).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueTranscripts, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
