package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/mailreport/internal/model"
)

// outcomeRow is the database representation of an OutcomeRecord.
type outcomeRow struct {
	ID             string    `db:"id"`
	Status         string    `db:"status"`
	EmailSubject   string    `db:"email_subject"`
	EmailSender    string    `db:"email_sender"`
	AttachmentPath string    `db:"attachment_path"`
	ReportPath     string    `db:"report_path"`
	ImageCount     int       `db:"image_count"`
	DroppedImages  int       `db:"dropped_images"`
	Reason         string    `db:"reason"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r outcomeRow) toModel() model.OutcomeRecord {
	return model.OutcomeRecord{
		ID:             r.ID,
		Status:         model.OutcomeStatus(r.Status),
		EmailSubject:   r.EmailSubject,
		EmailSender:    r.EmailSender,
		AttachmentPath: r.AttachmentPath,
		ReportPath:     r.ReportPath,
		ImageCount:     r.ImageCount,
		DroppedImages:  r.DroppedImages,
		Reason:         r.Reason,
		CreatedAt:      r.CreatedAt,
	}
}

// Stats aggregates the recorded outcomes for operator review.
type Stats struct {
	Total     int `db:"total"`
	Successes int `db:"successes"`
	Warnings  int `db:"warnings"`
	Failures  int `db:"failures"`
}

// SaveOutcome inserts a single outcome record.
func (s *SQLiteStore) SaveOutcome(ctx context.Context, rec model.OutcomeRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO outcomes (
	id, status, email_subject, email_sender, attachment_path,
	report_path, image_count, dropped_images, reason, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Status), rec.EmailSubject, rec.EmailSender,
		rec.AttachmentPath, rec.ReportPath, rec.ImageCount,
		rec.DroppedImages, rec.Reason, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting outcome %s: %w", rec.ID, err)
	}
	return nil
}

// SaveOutcomes inserts a batch of outcome records in one transaction.
func (s *SQLiteStore) SaveOutcomes(ctx context.Context, recs []model.OutcomeRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
INSERT INTO outcomes (
	id, status, email_subject, email_sender, attachment_path,
	report_path, image_count, dropped_images, reason, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		_, err := stmt.ExecContext(ctx,
			rec.ID, string(rec.Status), rec.EmailSubject, rec.EmailSender,
			rec.AttachmentPath, rec.ReportPath, rec.ImageCount,
			rec.DroppedImages, rec.Reason, rec.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("inserting outcome %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

// RecentOutcomes returns the most recent outcome records, newest
// first, optionally filtered by status.
func (s *SQLiteStore) RecentOutcomes(
	ctx context.Context, status model.OutcomeStatus, limit int,
) ([]model.OutcomeRecord, error) {
	if limit < 1 {
		limit = 10
	}

	query := "SELECT * FROM outcomes"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	var rows []outcomeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}

	recs := make([]model.OutcomeRecord, 0, len(rows))
	for _, r := range rows {
		recs = append(recs, r.toModel())
	}
	return recs, nil
}

// Stats returns aggregate outcome counts.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.GetContext(ctx, &st, `
SELECT
	COUNT(*) AS total,
	COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS successes,
	COALESCE(SUM(CASE WHEN status = 'warning' THEN 1 ELSE 0 END), 0) AS warnings,
	COALESCE(SUM(CASE WHEN status = 'failure' THEN 1 ELSE 0 END), 0) AS failures
FROM outcomes`)
	if err != nil {
		return Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	return st, nil
}
