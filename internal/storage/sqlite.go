package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists jobs in a single sqlite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies
// pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// WAL keeps stage-boundary writes cheap; NORMAL sync is safe with WAL.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set sqlite pragmas: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) SaveJob(ctx context.Context, job *JobRecord) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs(
		id, tier, status, stage, error, created_at, updated_at,
		files_total, hands_parsed, screenshots_total, matched, clean_files, residual_files
	) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tier=excluded.tier,
		status=excluded.status,
		stage=excluded.stage,
		error=excluded.error,
		updated_at=excluded.updated_at,
		files_total=excluded.files_total,
		hands_parsed=excluded.hands_parsed,
		screenshots_total=excluded.screenshots_total,
		matched=excluded.matched,
		clean_files=excluded.clean_files,
		residual_files=excluded.residual_files`,
		job.ID, job.Tier, job.Status, job.Stage, job.Error,
		job.CreatedAt.Format(time.RFC3339Nano), job.UpdatedAt.Format(time.RFC3339Nano),
		job.FilesTotal, job.HandsParsed, job.ScreenshotsTotal, job.Matched, job.CleanFiles, job.ResidualFiles)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		id, tier, status, stage, error, created_at, updated_at,
		files_total, hands_parsed, screenshots_total, matched, clean_files, residual_files
	FROM jobs WHERE id = ?`, id)

	var job JobRecord
	var created, updated string
	err := row.Scan(&job.ID, &job.Tier, &job.Status, &job.Stage, &job.Error, &created, &updated,
		&job.FilesTotal, &job.HandsParsed, &job.ScreenshotsTotal, &job.Matched, &job.CleanFiles, &job.ResidualFiles)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &job, nil
}

func (s *SQLiteStore) SaveScreenshotOutcomes(ctx context.Context, jobID string, outcomes []ScreenshotOutcome) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, o := range outcomes {
			if _, err := tx.ExecContext(ctx, `INSERT INTO screenshot_outcomes(
				job_id, filename, hand_id, matched_hand, confidence, failure_kind
			) VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id, filename) DO UPDATE SET
				hand_id=excluded.hand_id,
				matched_hand=excluded.matched_hand,
				confidence=excluded.confidence,
				failure_kind=excluded.failure_kind`,
				jobID, o.Filename, o.HandID, o.MatchedHand, o.Confidence, o.FailureKind); err != nil {
				return fmt.Errorf("save outcome %s/%s: %w", jobID, o.Filename, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListScreenshotOutcomes(ctx context.Context, jobID string) ([]ScreenshotOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT filename, hand_id, matched_hand, confidence, failure_kind
		FROM screenshot_outcomes WHERE job_id = ? ORDER BY filename`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScreenshotOutcome
	for rows.Next() {
		var o ScreenshotOutcome
		if err := rows.Scan(&o.Filename, &o.HandID, &o.MatchedHand, &o.Confidence, &o.FailureKind); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveRewrittenFiles(ctx context.Context, jobID string, files []RewrittenFile) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, f := range files {
			body, err := compress(f.Body)
			if err != nil {
				return fmt.Errorf("compress %s: %w", f.Filename, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO rewritten_files(
				job_id, filename, class, body, body_size
			) VALUES(?, ?, ?, ?, ?)
			ON CONFLICT(job_id, filename) DO UPDATE SET
				class=excluded.class,
				body=excluded.body,
				body_size=excluded.body_size`,
				jobID, f.Filename, f.Class, body, len(f.Body)); err != nil {
				return fmt.Errorf("save file %s/%s: %w", jobID, f.Filename, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListRewrittenFiles(ctx context.Context, jobID string) ([]RewrittenFile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT filename, class, body
		FROM rewritten_files WHERE job_id = ? ORDER BY filename`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RewrittenFile
	for rows.Next() {
		var f RewrittenFile
		var body []byte
		if err := rows.Scan(&f.Filename, &f.Class, &body); err != nil {
			return nil, err
		}
		if f.Body, err = decompress(body); err != nil {
			return nil, fmt.Errorf("decompress %s: %w", f.Filename, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveTableConflicts(ctx context.Context, jobID string, conflicts []TableConflict) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range conflicts {
			if _, err := tx.ExecContext(ctx, `INSERT INTO table_conflicts(
				job_id, table_id, anonymous_id, names
			) VALUES(?, ?, ?, ?)
			ON CONFLICT(job_id, table_id, anonymous_id) DO UPDATE SET
				names=excluded.names`,
				jobID, c.TableID, c.AnonymousID, strings.Join(c.Names, "\x1f")); err != nil {
				return fmt.Errorf("save conflict %s/%s: %w", jobID, c.AnonymousID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListTableConflicts(ctx context.Context, jobID string) ([]TableConflict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT table_id, anonymous_id, names
		FROM table_conflicts WHERE job_id = ? ORDER BY table_id, anonymous_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TableConflict
	for rows.Next() {
		var c TableConflict
		var names string
		if err := rows.Scan(&c.TableID, &c.AnonymousID, &names); err != nil {
			return nil, err
		}
		if names != "" {
			c.Names = strings.Split(names, "\x1f")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}
