package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-voice/callbridge/internal/models"
)

// ErrNotFound is returned when no call record matches.
var ErrNotFound = errors.New("call not found")

// Repository handles call history persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a calls repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `id, call_id, COALESCE(stream_id,''), COALESCE(conversation_id,''), state, COALESCE(end_reason,''),
	custom_parameters, metrics, transcript, COALESCE(transcript_url,''), started_at, ended_at, created_at, updated_at`

// upsertSessionSQL starts a session row. A reconnect for the same call id
// replaces every column the previous session wrote, so the new session is
// archived and reported on its own.
const upsertSessionSQL = `INSERT INTO call_sessions (call_id, stream_id, state, custom_parameters, started_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (call_id) DO UPDATE SET stream_id = EXCLUDED.stream_id, state = EXCLUDED.state,
		custom_parameters = EXCLUDED.custom_parameters, started_at = EXCLUDED.started_at,
		conversation_id = NULL, end_reason = NULL, ended_at = NULL,
		metrics = '{}'::jsonb, transcript = '[]'::jsonb, transcript_url = NULL,
		updated_at = NOW()
	RETURNING id, created_at, updated_at`

// Create inserts the record when a call connects. A reconnect for the same call id overwrites the row.
func (r *Repository) Create(ctx context.Context, rec *models.CallRecord) error {
	params, err := json.Marshal(nonNilParams(rec.CustomParameters))
	if err != nil {
		return fmt.Errorf("marshal custom parameters: %w", err)
	}
	return r.pool.QueryRow(ctx, upsertSessionSQL, rec.CallID, rec.StreamID, rec.State, params, rec.StartedAt).
		Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
}

// UpdateState sets the state of a call.
func (r *Repository) UpdateState(ctx context.Context, callID string, state models.CallState) error {
	const q = `UPDATE call_sessions SET state = $1, updated_at = NOW() WHERE call_id = $2`
	_, err := r.pool.Exec(ctx, q, state, callID)
	return err
}

// Finish stores the final state, metrics and transcript of an ended call.
func (r *Repository) Finish(ctx context.Context, rec *models.CallRecord) error {
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	transcript, err := json.Marshal(nonNilTranscript(rec.Transcript))
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	const q = `UPDATE call_sessions SET state = $1, end_reason = $2, conversation_id = NULLIF($3, ''),
			metrics = $4, transcript = $5, ended_at = $6, updated_at = NOW()
		WHERE call_id = $7`
	tag, err := r.pool.Exec(ctx, q, rec.State, rec.EndReason, rec.ConversationID, metrics, transcript, rec.EndedAt, rec.CallID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTranscriptURL records where the archived transcript lives.
func (r *Repository) SetTranscriptURL(ctx context.Context, callID, url string) error {
	const q = `UPDATE call_sessions SET transcript_url = $1, updated_at = NOW() WHERE call_id = $2`
	_, err := r.pool.Exec(ctx, q, url, callID)
	return err
}

// GetByCallID returns the record for a telephony call id.
func (r *Repository) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	q := `SELECT ` + selectColumns + ` FROM call_sessions WHERE call_id = $1`
	rec, err := scanRecord(r.pool.QueryRow(ctx, q, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListRecent returns the most recently started calls.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + selectColumns + ` FROM call_sessions ORDER BY started_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.CallRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

func scanRecord(row pgx.Row) (*models.CallRecord, error) {
	var (
		rec                          models.CallRecord
		params, metrics, transcript []byte
	)
	err := row.Scan(&rec.ID, &rec.CallID, &rec.StreamID, &rec.ConversationID, &rec.State, &rec.EndReason,
		&params, &metrics, &transcript, &rec.TranscriptURL, &rec.StartedAt, &rec.EndedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &rec.CustomParameters); err != nil {
		return nil, fmt.Errorf("decode custom parameters: %w", err)
	}
	if err := json.Unmarshal(metrics, &rec.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	if err := json.Unmarshal(transcript, &rec.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return &rec, nil
}

func nonNilParams(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	return p
}

func nonNilTranscript(t []models.TranscriptEntry) []models.TranscriptEntry {
	if t == nil {
		return []models.TranscriptEntry{}
	}
	return t
}
