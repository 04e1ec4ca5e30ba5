package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/aura-voice/callbridge/internal/models"
	"github.com/aura-voice/callbridge/pkg/queue"
	"github.com/aura-voice/callbridge/pkg/storage"
)

// CallStore is the slice of the call repository the archiver needs.
type CallStore interface {
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	SetTranscriptURL(ctx context.Context, callID, url string) error
}

// Uploader stores an object and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader) (string, error)
}

// JobQueue feeds the processor.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// TranscriptDocument is the archived JSON object.
type TranscriptDocument struct {
	CallID         string                   `json:"call_id"`
	StreamID       string                   `json:"stream_id,omitempty"`
	ConversationID string                   `json:"conversation_id,omitempty"`
	EndReason      string                   `json:"end_reason,omitempty"`
	StartedAt      time.Time                `json:"started_at"`
	EndedAt        *time.Time               `json:"ended_at,omitempty"`
	Metrics        models.CallMetrics       `json:"metrics"`
	Transcript     []models.TranscriptEntry `json:"transcript"`
}

// TranscriptProcessor processes transcript archive jobs: load the finished call, upload the transcript to S3, store the URL.
type TranscriptProcessor struct {
	calls    CallStore
	uploader Uploader
	queue    JobQueue
	logger   *zap.Logger
	backoff  time.Duration
}

// NewTranscriptProcessor creates a transcript archive processor.
func NewTranscriptProcessor(calls CallStore, uploader Uploader, q JobQueue, logger *zap.Logger) *TranscriptProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TranscriptProcessor{calls: calls, uploader: uploader, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one transcript archive job.
func (p *TranscriptProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeTranscriptArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.TranscriptArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	rec, err := p.calls.GetByCallID(ctx, payload.CallID)
	if err != nil {
		return fmt.Errorf("load call %s: %w", payload.CallID, err)
	}
	if rec.State != models.CallStateEnded {
		return fmt.Errorf("call %s not ended (state %s)", rec.CallID, rec.State)
	}
	if rec.TranscriptURL != "" {
		p.logger.Info("transcript already archived", zap.String("call_id", rec.CallID))
		return nil
	}

	transcript := rec.Transcript
	if transcript == nil {
		transcript = []models.TranscriptEntry{}
	}
	body, err := json.Marshal(TranscriptDocument{
		CallID:         rec.CallID,
		StreamID:       rec.StreamID,
		ConversationID: rec.ConversationID,
		EndReason:      rec.EndReason,
		StartedAt:      rec.StartedAt,
		EndedAt:        rec.EndedAt,
		Metrics:        rec.Metrics,
		Transcript:     transcript,
	})
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	key := storage.TranscriptKey(rec.CallID, rec.StartedAt)
	url, err := p.uploader.Upload(ctx, key, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	if err := p.calls.SetTranscriptURL(ctx, rec.CallID, url); err != nil {
		p.logger.Error("update transcript url failed", zap.Error(err), zap.String("call_id", rec.CallID))
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("transcript archived", zap.String("call_id", rec.CallID), zap.String("s3_key", key), zap.Int("entries", len(transcript)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. It returns when ctx is done.
func (p *TranscriptProcessor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			p.logger.Info("transcript worker stopping")
			return
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *TranscriptProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
