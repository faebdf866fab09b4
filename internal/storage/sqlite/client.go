package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS index_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		chunk_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		removed INTEGER NOT NULL DEFAULT 0,
		logged_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_index_log_chunk ON index_log(collection, chunk_id, seq);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		query_text TEXT NOT NULL,
		answer TEXT,
		confidence REAL,
		state TEXT NOT NULL,
		low_confidence INTEGER DEFAULT 0,
		failure_reason TEXT,
		chunk_ids TEXT,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_user ON query_history(user_id);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);

	CREATE TABLE IF NOT EXISTS query_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		chunk_id TEXT NOT NULL,
		score REAL,
		similarity REAL,
		page_start INTEGER,
		page_end INTEGER,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sources_query ON query_sources(query_id);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		helpful INTEGER NOT NULL,
		comment TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_query ON feedback(query_id);

	CREATE TABLE IF NOT EXISTS run_summaries (
		run_id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		pages_skipped INTEGER NOT NULL,
		chunk_count INTEGER NOT NULL,
		chunks_skipped INTEGER NOT NULL,
		mentions_detected INTEGER NOT NULL,
		mentions_after_filter INTEGER NOT NULL,
		drug_count INTEGER NOT NULL,
		confirmed_drugs INTEGER NOT NULL,
		overall_grade TEXT,
		errors TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON run_summaries(finished_at);

	CREATE TABLE IF NOT EXISTS evaluation_runs (
		id TEXT PRIMARY KEY,
		dataset TEXT NOT NULL,
		cases INTEGER NOT NULL,
		hit_rate REAL,
		mean_confidence REAL,
		low_confidence_rate REAL,
		failed_rate REAL,
		created_at INTEGER NOT NULL
	);
	`

	_, err := c.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// CommitChunks appends commit entries for chunk ids of collection with the
// fingerprint of the content the store confirmed. Log rows are never updated
// or removed; the latest entry per id is its state.
func (c *Client) CommitChunks(ctx context.Context, collection string, fingerprints map[string]string) error {
	ids := make([]string, 0, len(fingerprints))
	for id := range fingerprints {
		ids = append(ids, id)
	}
	return c.appendIndexLog(ctx, collection, ids, fingerprints, false)
}

// ForgetChunks appends removal entries for ids of collection.
func (c *Client) ForgetChunks(ctx context.Context, collection string, ids []string) error {
	return c.appendIndexLog(ctx, collection, ids, nil, true)
}

func (c *Client) appendIndexLog(ctx context.Context, collection string, ids []string, fingerprints map[string]string, removed bool) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO index_log (collection, chunk_id, fingerprint, removed, logged_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare index log entry: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, collection, id, fingerprints[id], removed, now); err != nil {
			return fmt.Errorf("failed to log chunk %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index log: %w", err)
	}

	logger.Debug("Index log appended",
		zap.String("collection", collection),
		zap.Int("count", len(ids)),
		zap.Bool("removed", removed),
	)
	return nil
}

// CommittedChunks maps each chunk id of collection whose latest log entry is
// a commit to that entry's fingerprint.
func (c *Client) CommittedChunks(ctx context.Context, collection string) (map[string]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT l.chunk_id, l.fingerprint
		FROM index_log l
		JOIN (
			SELECT chunk_id, MAX(seq) AS seq FROM index_log WHERE collection = ? GROUP BY chunk_id
		) last ON l.seq = last.seq
		WHERE l.removed = 0`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to read index log: %w", err)
	}
	defer rows.Close()

	done := make(map[string]string)
	for rows.Next() {
		var id, fp string
		if err := rows.Scan(&id, &fp); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		done[id] = fp
	}
	return done, rows.Err()
}

// IndexLogLength counts every entry ever appended for collection.
func (c *Client) IndexLogLength(ctx context.Context, collection string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM index_log WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count index log: %w", err)
	}
	return n, nil
}

func (c *Client) InsertQueryRecord(ctx context.Context, record *models.QueryRecord) error {
	chunkIDs, err := json.Marshal(record.ChunkIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk ids: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_history (id, user_id, query_text, answer, confidence, state, low_confidence,
			failure_reason, chunk_ids, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.UserID,
		record.QueryText,
		record.Answer,
		record.Confidence,
		string(record.State),
		boolToInt(record.LowConfidence),
		record.FailureReason,
		string(chunkIDs),
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	for _, src := range record.Sources {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO query_sources (query_id, chunk_id, score, similarity, page_start, page_end) VALUES (?, ?, ?, ?, ?, ?)`,
			record.ID, src.ChunkID, src.Score, src.Similarity, src.PageStart, src.PageEnd,
		)
		if err != nil {
			return fmt.Errorf("failed to insert query source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit query record: %w", err)
	}

	logger.Info("Query recorded",
		zap.String("query_id", record.ID),
		zap.String("state", string(record.State)),
		zap.Float64("confidence", record.Confidence),
	)
	return nil
}

// GetQueryHistory returns the newest records first. An empty userID lists all users.
func (c *Client) GetQueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error) {
	query := `
		SELECT id, COALESCE(user_id, ''), query_text, COALESCE(answer, ''), COALESCE(confidence, 0), state,
			low_confidence, COALESCE(failure_reason, ''), COALESCE(chunk_ids, '[]'), COALESCE(latency_ms, 0), created_at
		FROM query_history
		WHERE (? = '' OR user_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var r models.QueryRecord
		var state, chunkIDs string
		var low int
		var createdAt int64

		err := rows.Scan(&r.ID, &r.UserID, &r.QueryText, &r.Answer, &r.Confidence, &state,
			&low, &r.FailureReason, &chunkIDs, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(chunkIDs), &r.ChunkIDs); err != nil {
			return nil, fmt.Errorf("failed to decode chunk ids of %s: %w", r.ID, err)
		}

		r.State = models.QueryState(state)
		r.LowConfidence = low == 1
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) QueryExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM query_history WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up query: %w", err)
	}
	return n > 0, nil
}

func (c *Client) StoreFeedback(ctx context.Context, feedback *models.Feedback) error {
	if feedback.CreatedAt.IsZero() {
		feedback.CreatedAt = time.Now()
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO feedback (query_id, helpful, comment, created_at) VALUES (?, ?, ?, ?)`,
		feedback.QueryID,
		boolToInt(feedback.Helpful),
		feedback.Comment,
		feedback.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		feedback.ID = id
	}

	logger.Info("Feedback stored",
		zap.String("query_id", feedback.QueryID),
		zap.Bool("helpful", feedback.Helpful),
	)
	return nil
}

// FeedbackStats returns how many feedback rows were helpful, out of all rows.
func (c *Client) FeedbackStats(ctx context.Context) (helpful, total int, err error) {
	err = c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(helpful), 0), COUNT(1) FROM feedback`).Scan(&helpful, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read feedback stats: %w", err)
	}
	return helpful, total, nil
}

// RecordRun stores a corpus build summary. Re-recording a run id replaces it.
func (c *Client) RecordRun(ctx context.Context, s models.RunSummary) error {
	errs, err := json.Marshal(s.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO run_summaries (run_id, document_id, pages_skipped, chunk_count, chunks_skipped,
			mentions_detected, mentions_after_filter, drug_count, confirmed_drugs, overall_grade, errors,
			started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			pages_skipped = excluded.pages_skipped,
			chunk_count = excluded.chunk_count,
			chunks_skipped = excluded.chunks_skipped,
			mentions_detected = excluded.mentions_detected,
			mentions_after_filter = excluded.mentions_after_filter,
			drug_count = excluded.drug_count,
			confirmed_drugs = excluded.confirmed_drugs,
			overall_grade = excluded.overall_grade,
			errors = excluded.errors,
			finished_at = excluded.finished_at`,
		s.RunID, s.DocumentID, s.PagesSkipped, s.ChunkCount, s.ChunksSkipped,
		s.MentionsDetected, s.MentionsAfterFilter, s.DrugCount, s.ConfirmedDrugs, s.OverallGrade, string(errs),
		s.StartedAt.Unix(), s.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	logger.Debug("Run summary recorded", zap.String("run_id", s.RunID))
	return nil
}

func (c *Client) ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT run_id, document_id, pages_skipped, chunk_count, chunks_skipped, mentions_detected,
			mentions_after_filter, drug_count, confirmed_drugs, COALESCE(overall_grade, ''), COALESCE(errors, '[]'),
			started_at, finished_at
		FROM run_summaries
		ORDER BY finished_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunSummary
	for rows.Next() {
		var s models.RunSummary
		var errs string
		var started, finished int64
		err := rows.Scan(&s.RunID, &s.DocumentID, &s.PagesSkipped, &s.ChunkCount, &s.ChunksSkipped,
			&s.MentionsDetected, &s.MentionsAfterFilter, &s.DrugCount, &s.ConfirmedDrugs, &s.OverallGrade, &errs,
			&started, &finished)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(errs), &s.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode errors of run %s: %w", s.RunID, err)
		}
		s.StartedAt = time.Unix(started, 0).UTC()
		s.FinishedAt = time.Unix(finished, 0).UTC()
		runs = append(runs, s)
	}
	return runs, rows.Err()
}

func (c *Client) InsertEvaluation(ctx context.Context, e models.EvaluationSummary) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO evaluation_runs (id, dataset, cases, hit_rate, mean_confidence, low_confidence_rate, failed_rate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Dataset, e.Cases, e.HitRate, e.MeanConfidence, e.LowConfidenceRate, e.FailedRate, e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
