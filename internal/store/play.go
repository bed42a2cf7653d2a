package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Play is one recorded game session. The start and end halves of the
// record are separately-syncable facts: the end time is not known at
// start-sync time and may arrive much later or never.
type Play struct {
	ID        int64
	LocalID   string // stable local identifier sent upstream for idempotent dedupe
	Game      string
	StartTime time.Time
	EndTime   *time.Time

	IntakeID       *int64 // server-assigned idempotency token, nil until accepted
	SubmittedStart *time.Time
	SubmittedEnd   *time.Time

	Skipped bool
	Error   string // sticky permanent-failure message, "" when none
}

// PlayField selects which confirmation marker MarkPlaySubmitted sets.
type PlayField string

const (
	FieldSubmittedStart PlayField = "submitted_start"
	FieldSubmittedEnd   PlayField = "submitted_end"
)

const playColumns = `id, local_id, game, start_time, end_time, intake_id,
       submitted_start, submitted_end, skipped, error`

// OpenPlay records a new session start and points current at it.
//
// Returns ErrConflict if an open, unskipped play already exists; the
// caller must close or skip it first. The check and insert run in one
// transaction, so two concurrent opens can never both succeed.
func (s *Store) OpenPlay(ctx context.Context, game string, startTime time.Time) (*Play, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var staleID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM plays WHERE end_time IS NULL AND skipped = 0 LIMIT 1`).Scan(&staleID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("play %d is still open: %w", staleID, ErrConflict)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to check for open play: %w", err)
	}

	localID := uuid.NewString()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO plays (local_id, game, start_time) VALUES (?, ?, ?)`,
		localID, game, formatTime(startTime))
	if err != nil {
		return nil, fmt.Errorf("failed to insert play: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get play id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO current (id, play_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET play_id = excluded.play_id`, id); err != nil {
		return nil, fmt.Errorf("failed to set current play: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &Play{
		ID:        id,
		LocalID:   localID,
		Game:      game,
		StartTime: startTime.UTC().Truncate(time.Second),
	}, nil
}

// ClosePlay records the session end. Idempotent: closing an already
// closed play is a no-op and never moves an earlier end time later.
// Returns ErrNotFound for an unknown id.
func (s *Store) ClosePlay(ctx context.Context, id int64, endTime time.Time) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE plays SET end_time = COALESCE(end_time, ?) WHERE id = ?`,
		formatTime(endTime), id)
	if err != nil {
		return fmt.Errorf("failed to close play %d: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check close result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("play %d: %w", id, ErrNotFound)
	}

	return nil
}

// SetIntakeID records the intake service's idempotency token for a play.
// A previously recorded token is never overwritten.
func (s *Store) SetIntakeID(ctx context.Context, id int64, intakeID int64) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE plays SET intake_id = COALESCE(intake_id, ?) WHERE id = ?`,
		intakeID, id)
	if err != nil {
		return fmt.Errorf("failed to set intake id for play %d: %w", id, err)
	}
	return checkFound(res, id)
}

// MarkPlaySubmitted records that one half of the play record was
// confirmed delivered upstream. Idempotent: a non-null marker is never
// regressed.
func (s *Store) MarkPlaySubmitted(ctx context.Context, id int64, field PlayField, at time.Time) error {
	var query string
	switch field {
	case FieldSubmittedStart:
		query = `UPDATE plays SET submitted_start = COALESCE(submitted_start, ?) WHERE id = ?`
	case FieldSubmittedEnd:
		query = `UPDATE plays SET submitted_end = COALESCE(submitted_end, ?) WHERE id = ?`
	default:
		return fmt.Errorf("unknown play field %q", field)
	}

	res, err := s.conn.ExecContext(ctx, query, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark play %d %s: %w", id, field, err)
	}
	return checkFound(res, id)
}

// SkipPlay excludes a play from all pending-work queries. A non-empty
// reason records a sticky error that the status reporter surfaces until
// an operator intervenes.
func (s *Store) SkipPlay(ctx context.Context, id int64, reason string) error {
	var errVal sql.NullString
	if reason != "" {
		errVal = sql.NullString{String: reason, Valid: true}
	}

	res, err := s.conn.ExecContext(ctx,
		`UPDATE plays SET skipped = 1, error = ? WHERE id = ?`, errVal, id)
	if err != nil {
		return fmt.Errorf("failed to skip play %d: %w", id, err)
	}
	return checkFound(res, id)
}

// GetPlay retrieves a single play by id.
func (s *Store) GetPlay(ctx context.Context, id int64) (*Play, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+playColumns+` FROM plays WHERE id = ?`, id)
	play, err := scanPlay(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("play %d: %w", id, ErrNotFound)
	}
	return play, err
}

// CurrentOpenPlay returns the open, unskipped play, or ErrNotFound when
// every play is closed. At most one such play exists at any time.
func (s *Store) CurrentOpenPlay(ctx context.Context) (*Play, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+playColumns+` FROM plays
		 WHERE end_time IS NULL AND skipped = 0
		 ORDER BY start_time DESC LIMIT 1`)
	play, err := scanPlay(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no open play: %w", ErrNotFound)
	}
	return play, err
}

// CurrentPlay resolves the current pointer: the play newly discovered
// artifacts attach to. Falls back to the most recently started unskipped
// play when the pointer is unset, since the pointer is a cache and not
// an independent source of truth.
func (s *Store) CurrentPlay(ctx context.Context) (*Play, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+playColumns+` FROM plays
		 WHERE id = (SELECT play_id FROM current WHERE id = 1)`)
	play, err := scanPlay(row)
	if err == nil {
		return play, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	row = s.conn.QueryRowContext(ctx,
		`SELECT `+playColumns+` FROM plays
		 WHERE skipped = 0 ORDER BY start_time DESC LIMIT 1`)
	play, err = scanPlay(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no current play: %w", ErrNotFound)
	}
	return play, err
}

// SetCurrent points the current pointer at the given play.
func (s *Store) SetCurrent(ctx context.Context, playID int64) error {
	if _, err := s.conn.ExecContext(ctx,
		`INSERT INTO current (id, play_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET play_id = excluded.play_id`, playID); err != nil {
		return fmt.Errorf("failed to set current play: %w", err)
	}
	return nil
}

// PendingPlays returns, oldest first, every play still needing intake
// sync: the start not yet confirmed, or the session ended but the end
// not yet confirmed. Skipped plays are excluded.
func (s *Store) PendingPlays(ctx context.Context) ([]*Play, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+playColumns+` FROM plays
		 WHERE skipped = 0
		   AND (submitted_start IS NULL
		        OR (end_time IS NOT NULL AND submitted_end IS NULL))
		 ORDER BY start_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending plays: %w", err)
	}
	defer rows.Close()

	var plays []*Play
	for rows.Next() {
		play, err := scanPlay(rows)
		if err != nil {
			return nil, err
		}
		plays = append(plays, play)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending plays: %w", err)
	}

	return plays, nil
}

// LastActivity returns the most recent timestamp associated with a play:
// its latest attached artifact, or its start time when no artifacts were
// discovered. Used to self-heal a stale open play without fabricating
// session length.
func (s *Store) LastActivity(ctx context.Context, playID int64) (time.Time, error) {
	var ts string
	err := s.conn.QueryRowContext(ctx, `
	SELECT COALESCE(
		(SELECT MAX(created_at) FROM (
			SELECT created_at FROM screenshots WHERE play_id = ?
			UNION ALL
			SELECT created_at FROM saves WHERE play_id = ?
		)),
		(SELECT start_time FROM plays WHERE id = ?)
	)`, playID, playID, playID).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last activity for play %d: %w", playID, err)
	}

	return parseTime(ts), nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPlay(row scanner) (*Play, error) {
	var play Play
	var startTime string
	var endTime, submittedStart, submittedEnd, errText sql.NullString
	var intakeID sql.NullInt64
	var skipped int

	err := row.Scan(
		&play.ID,
		&play.LocalID,
		&play.Game,
		&startTime,
		&endTime,
		&intakeID,
		&submittedStart,
		&submittedEnd,
		&skipped,
		&errText,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan play: %w", err)
	}

	play.StartTime = parseTime(startTime)
	play.EndTime = nullStringToTime(endTime)
	play.SubmittedStart = nullStringToTime(submittedStart)
	play.SubmittedEnd = nullStringToTime(submittedEnd)
	if intakeID.Valid {
		play.IntakeID = &intakeID.Int64
	}
	play.Skipped = skipped != 0
	play.Error = errText.String

	return &play, nil
}

func checkFound(res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("play %d: %w", id, ErrNotFound)
	}
	return nil
}
