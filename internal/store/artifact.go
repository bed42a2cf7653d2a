package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Screenshot is a discovered screenshot file awaiting upload to the
// study service. Associated to a play at discovery time; PlayID is nil
// for files that appeared with no session to attach to.
type Screenshot struct {
	ID         int64
	PlayID     *int64
	Path       string // location in the hold directory
	Directory  string // remote directory, derived from the play's game
	Digest     string // sha1 of file contents, the upload idempotency token
	CreatedAt  time.Time
	UploadedAt *time.Time
	Skipped    bool
	Error      string
}

// Save is a discovered save bundle awaiting upload. ScreenshotID
// references the most recent screenshot at discovery time, for human
// identification of the save upstream.
type Save struct {
	ID           int64
	PlayID       *int64
	ScreenshotID *int64
	Path         string
	Directory    string
	Digest       string
	CreatedAt    time.Time
	UploadedAt   *time.Time
	Skipped      bool
	Error        string
}

const screenshotColumns = `id, play_id, path, directory, digest, created_at,
       uploaded_at, skipped, error`

const saveColumns = `id, play_id, screenshot_id, path, directory, digest,
       created_at, uploaded_at, skipped, error`

// RecordScreenshot persists a newly discovered screenshot and returns
// its id.
func (s *Store) RecordScreenshot(ctx context.Context, sc *Screenshot) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO screenshots (play_id, path, directory, digest, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		nullInt64(sc.PlayID), sc.Path, sc.Directory, nullString(sc.Digest),
		formatTime(sc.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to record screenshot %s: %w", sc.Path, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get screenshot id: %w", err)
	}
	sc.ID = id
	return id, nil
}

// RecordSave persists a newly discovered save bundle and returns its id.
func (s *Store) RecordSave(ctx context.Context, sv *Save) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO saves (play_id, screenshot_id, path, directory, digest, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		nullInt64(sv.PlayID), nullInt64(sv.ScreenshotID), sv.Path, sv.Directory,
		nullString(sv.Digest), formatTime(sv.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to record save %s: %w", sv.Path, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get save id: %w", err)
	}
	sv.ID = id
	return id, nil
}

// MarkScreenshotUploaded records confirmed delivery. Idempotent: a
// non-null marker is never regressed.
func (s *Store) MarkScreenshotUploaded(ctx context.Context, id int64, at time.Time) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE screenshots SET uploaded_at = COALESCE(uploaded_at, ?) WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark screenshot %d uploaded: %w", id, err)
	}
	return checkFound(res, id)
}

// MarkSaveUploaded records confirmed delivery. Idempotent.
func (s *Store) MarkSaveUploaded(ctx context.Context, id int64, at time.Time) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE saves SET uploaded_at = COALESCE(uploaded_at, ?) WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark save %d uploaded: %w", id, err)
	}
	return checkFound(res, id)
}

// SkipScreenshot excludes a screenshot from pending work, recording a
// sticky error when reason is non-empty.
func (s *Store) SkipScreenshot(ctx context.Context, id int64, reason string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE screenshots SET skipped = 1, error = ? WHERE id = ?`,
		nullString(reason), id)
	if err != nil {
		return fmt.Errorf("failed to skip screenshot %d: %w", id, err)
	}
	return checkFound(res, id)
}

// SkipSave excludes a save from pending work, recording a sticky error
// when reason is non-empty.
func (s *Store) SkipSave(ctx context.Context, id int64, reason string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE saves SET skipped = 1, error = ? WHERE id = ?`,
		nullString(reason), id)
	if err != nil {
		return fmt.Errorf("failed to skip save %d: %w", id, err)
	}
	return checkFound(res, id)
}

// PendingScreenshots returns unconfirmed screenshots, oldest first.
func (s *Store) PendingScreenshots(ctx context.Context) ([]*Screenshot, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+screenshotColumns+` FROM screenshots
		 WHERE uploaded_at IS NULL AND skipped = 0
		 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending screenshots: %w", err)
	}
	defer rows.Close()

	var shots []*Screenshot
	for rows.Next() {
		sc, err := scanScreenshot(rows)
		if err != nil {
			return nil, err
		}
		shots = append(shots, sc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending screenshots: %w", err)
	}

	return shots, nil
}

// PendingSaves returns unconfirmed saves, oldest first.
func (s *Store) PendingSaves(ctx context.Context) ([]*Save, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+saveColumns+` FROM saves
		 WHERE uploaded_at IS NULL AND skipped = 0
		 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending saves: %w", err)
	}
	defer rows.Close()

	var saves []*Save
	for rows.Next() {
		sv, err := scanSave(rows)
		if err != nil {
			return nil, err
		}
		saves = append(saves, sv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending saves: %w", err)
	}

	return saves, nil
}

// ScreenshotPathRecorded reports whether any screenshot row references
// the given hold path. Used by startup recovery to find hold files
// whose row was never committed.
func (s *Store) ScreenshotPathRecorded(ctx context.Context, path string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM screenshots WHERE path = ?`, path).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check screenshot path %s: %w", path, err)
	}
	return n > 0, nil
}

// SavePathRecorded reports whether any save row references the given
// hold path.
func (s *Store) SavePathRecorded(ctx context.Context, path string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM saves WHERE path = ?`, path).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check save path %s: %w", path, err)
	}
	return n > 0, nil
}

// LatestScreenshotID returns the id of the most recently recorded
// screenshot, or ErrNotFound when none exist yet.
func (s *Store) LatestScreenshotID(ctx context.Context) (int64, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT id FROM screenshots ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no screenshots recorded: %w", ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query latest screenshot: %w", err)
	}
	return id, nil
}

// Counts is the pending-work snapshot the status reporter aggregates.
type Counts struct {
	PendingPlays       int
	PendingScreenshots int
	PendingSaves       int
	StickyErrors       int
}

// Pending returns the total outstanding work across all three engines.
func (c Counts) Pending() int {
	return c.PendingPlays + c.PendingScreenshots + c.PendingSaves
}

// PendingCounts returns pending-work and sticky-error counts for status
// aggregation.
func (s *Store) PendingCounts(ctx context.Context) (Counts, error) {
	var c Counts

	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM plays
		 WHERE skipped = 0
		   AND (submitted_start IS NULL
		        OR (end_time IS NOT NULL AND submitted_end IS NULL))`).Scan(&c.PendingPlays)
	if err != nil {
		return c, fmt.Errorf("failed to count pending plays: %w", err)
	}

	err = s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM screenshots
		 WHERE uploaded_at IS NULL AND skipped = 0`).Scan(&c.PendingScreenshots)
	if err != nil {
		return c, fmt.Errorf("failed to count pending screenshots: %w", err)
	}

	err = s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM saves
		 WHERE uploaded_at IS NULL AND skipped = 0`).Scan(&c.PendingSaves)
	if err != nil {
		return c, fmt.Errorf("failed to count pending saves: %w", err)
	}

	err = s.conn.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM plays WHERE skipped = 1 AND error IS NOT NULL)
		      + (SELECT COUNT(*) FROM screenshots WHERE skipped = 1 AND error IS NOT NULL)
		      + (SELECT COUNT(*) FROM saves WHERE skipped = 1 AND error IS NOT NULL)`).Scan(&c.StickyErrors)
	if err != nil {
		return c, fmt.Errorf("failed to count sticky errors: %w", err)
	}

	return c, nil
}

func scanScreenshot(row scanner) (*Screenshot, error) {
	var sc Screenshot
	var playID sql.NullInt64
	var digest, uploadedAt, errText sql.NullString
	var createdAt string
	var skipped int

	err := row.Scan(
		&sc.ID,
		&playID,
		&sc.Path,
		&sc.Directory,
		&digest,
		&createdAt,
		&uploadedAt,
		&skipped,
		&errText,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan screenshot: %w", err)
	}

	if playID.Valid {
		sc.PlayID = &playID.Int64
	}
	sc.Digest = digest.String
	sc.CreatedAt = parseTime(createdAt)
	sc.UploadedAt = nullStringToTime(uploadedAt)
	sc.Skipped = skipped != 0
	sc.Error = errText.String

	return &sc, nil
}

func scanSave(row scanner) (*Save, error) {
	var sv Save
	var playID, screenshotID sql.NullInt64
	var digest, uploadedAt, errText sql.NullString
	var createdAt string
	var skipped int

	err := row.Scan(
		&sv.ID,
		&playID,
		&screenshotID,
		&sv.Path,
		&sv.Directory,
		&digest,
		&createdAt,
		&uploadedAt,
		&skipped,
		&errText,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan save: %w", err)
	}

	if playID.Valid {
		sv.PlayID = &playID.Int64
	}
	if screenshotID.Valid {
		sv.ScreenshotID = &screenshotID.Int64
	}
	sv.Digest = digest.String
	sv.CreatedAt = parseTime(createdAt)
	sv.UploadedAt = nullStringToTime(uploadedAt)
	sv.Skipped = skipped != 0
	sv.Error = errText.String

	return &sv, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
