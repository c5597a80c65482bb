package database

import (
	"context"
	"fmt"
	"time"
)

// Run states persisted in the analyses.status column.
const (
	StatusPending      = "pending"
	StatusFetching     = "fetching"
	StatusNormalizing  = "normalizing"
	StatusTranscribing = "transcribing"
	StatusAnalyzing    = "analyzing"
	StatusDone         = "done"
	StatusFailed       = "failed"
)

// AnalysisRow is one pipeline run as stored.
type AnalysisRow struct {
	ID          int64      `json:"id"`
	SourceURL   string     `json:"source_url"`
	Origin      string     `json:"origin"` // "url" or "file"
	Status      string     `json:"status"`
	FailureKind *string    `json:"failure_kind,omitempty"`
	FailureMsg  *string    `json:"failure_msg,omitempty"`
	Transcript  *string    `json:"transcript,omitempty"`
	Report      *string    `json:"report,omitempty"`
	Language    *string    `json:"language,omitempty"`
	STTModel    *string    `json:"stt_model,omitempty"`
	LLMModel    *string    `json:"llm_model,omitempty"`
	FetchMs     *int       `json:"fetch_ms,omitempty"`
	NormalizeMs *int       `json:"normalize_ms,omitempty"`
	TranscribeMs *int      `json:"transcribe_ms,omitempty"`
	AnalyzeMs   *int       `json:"analyze_ms,omitempty"`
	ArchiveKey  *string    `json:"archive_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const analysisColumns = `id, source_url, origin, status, failure_kind, failure_msg,
	transcript, report, language, stt_model, llm_model,
	fetch_ms, normalize_ms, transcribe_ms, analyze_ms, archive_key,
	created_at, completed_at`

// InsertAnalysis creates a pending run and returns its id.
func (db *DB) InsertAnalysis(ctx context.Context, sourceURL, origin string) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO analyses (source_url, origin, status)
		VALUES ($1, $2, $3)
		RETURNING id
	`, sourceURL, origin, StatusPending).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert analysis: %w", err)
	}
	return id, nil
}

// UpdateAnalysisStatus records a state transition.
func (db *DB) UpdateAnalysisStatus(ctx context.Context, id int64, status string) error {
	_, err := db.Pool.Exec(ctx, `UPDATE analyses SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update analysis status: %w", err)
	}
	return nil
}

// StageTimings carries the per-stage durations of a finished run.
type StageTimings struct {
	FetchMs      int
	NormalizeMs  int
	TranscribeMs int
	AnalyzeMs    int
}

// CompleteAnalysis stores the terminal success state with both result texts.
func (db *DB) CompleteAnalysis(ctx context.Context, id int64, transcript, report, language, sttModel, llmModel string, t StageTimings) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE analyses SET
			status = $2, transcript = $3, report = $4, language = $5,
			stt_model = $6, llm_model = $7,
			fetch_ms = $8, normalize_ms = $9, transcribe_ms = $10, analyze_ms = $11,
			completed_at = now()
		WHERE id = $1
	`, id, StatusDone, transcript, report, nullIfEmpty(language), sttModel, llmModel,
		t.FetchMs, t.NormalizeMs, t.TranscribeMs, t.AnalyzeMs)
	if err != nil {
		return fmt.Errorf("complete analysis: %w", err)
	}
	return nil
}

// FailAnalysis stores the terminal failure state. A transcript produced
// before the failing stage is kept so the UI can still show it.
func (db *DB) FailAnalysis(ctx context.Context, id int64, kind, message string, transcript *string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE analyses SET
			status = $2, failure_kind = $3, failure_msg = $4,
			transcript = COALESCE($5, transcript),
			completed_at = now()
		WHERE id = $1
	`, id, StatusFailed, kind, message, transcript)
	if err != nil {
		return fmt.Errorf("fail analysis: %w", err)
	}
	return nil
}

// SetArchiveKey records where the normalized audio of a run was archived.
func (db *DB) SetArchiveKey(ctx context.Context, id int64, key string) error {
	_, err := db.Pool.Exec(ctx, `UPDATE analyses SET archive_key = $2 WHERE id = $1`, id, key)
	if err != nil {
		return fmt.Errorf("set archive key: %w", err)
	}
	return nil
}

// GetAnalysis returns one run by id, or nil if absent.
func (db *DB) GetAnalysis(ctx context.Context, id int64) (*AnalysisRow, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	row, err := scanAnalysis(rows)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// ListAnalyses returns runs newest-first.
func (db *DB) ListAnalyses(ctx context.Context, limit, offset int) ([]AnalysisRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+analysisColumns+`
		FROM analyses
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	result := []AnalysisRow{}
	for rows.Next() {
		row, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *row)
	}
	return result, rows.Err()
}

// rowScanner matches both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(r rowScanner) (*AnalysisRow, error) {
	var row AnalysisRow
	err := r.Scan(
		&row.ID, &row.SourceURL, &row.Origin, &row.Status,
		&row.FailureKind, &row.FailureMsg,
		&row.Transcript, &row.Report, &row.Language,
		&row.STTModel, &row.LLMModel,
		&row.FetchMs, &row.NormalizeMs, &row.TranscribeMs, &row.AnalyzeMs,
		&row.ArchiveKey,
		&row.CreatedAt, &row.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan analysis: %w", err)
	}
	return &row, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
