package remote

import (
	"context"
	"fmt"

	"studysync/internal/store"
)

// Intake submits play session records to the intake service.
//
// A play is two separately-syncable facts: the start half and the end
// half. The start submission returns an intake id, the server-assigned
// idempotency token reused on every later request for that play. The
// play's local id rides along on every request so a retry after a lost
// response deduplicates server-side even before a token is known.
type Intake struct {
	base   string
	client *Client
}

// NewIntake creates an intake client for the given base URL.
func NewIntake(base string, client *Client) *Intake {
	if client == nil {
		client = NewClient()
	}
	return &Intake{base: base, client: client}
}

type startRequest struct {
	LocalID   string `json:"local_id"`
	Game      string `json:"game"`
	StartTime int64  `json:"start_time"`
}

type endRequest struct {
	LocalID  string `json:"local_id"`
	IntakeID int64  `json:"intake_id"`
	EndTime  int64  `json:"end_time"`
}

type fullRequest struct {
	LocalID   string `json:"local_id"`
	Game      string `json:"game"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
}

type intakeResponse struct {
	IntakeID int64 `json:"intake_id"`
}

// SubmitStarted reports the start half of a play and returns the
// server-assigned intake id.
func (i *Intake) SubmitStarted(ctx context.Context, play *store.Play) (int64, error) {
	req := startRequest{
		LocalID:   play.LocalID,
		Game:      play.Game,
		StartTime: play.StartTime.Unix(),
	}

	var res intakeResponse
	if err := i.client.postJSON(ctx, joinURL(i.base, "plays"), req, &res); err != nil {
		return 0, err
	}
	return res.IntakeID, nil
}

// SubmitEnded reports the end half of a play whose start was already
// accepted (play.IntakeID must be set).
func (i *Intake) SubmitEnded(ctx context.Context, play *store.Play) error {
	if play.IntakeID == nil {
		return fmt.Errorf("play %d has no intake id", play.ID)
	}
	if play.EndTime == nil {
		return fmt.Errorf("play %d is not closed", play.ID)
	}

	req := endRequest{
		LocalID:  play.LocalID,
		IntakeID: *play.IntakeID,
		EndTime:  play.EndTime.Unix(),
	}

	return i.client.postJSON(ctx, joinURL(i.base, "plays", "end"), req, nil)
}

// SubmitFull reports both halves in one request, for plays that closed
// before their start was ever submitted (long offline periods). Returns
// the intake id.
func (i *Intake) SubmitFull(ctx context.Context, play *store.Play) (int64, error) {
	if play.EndTime == nil {
		return 0, fmt.Errorf("play %d is not closed", play.ID)
	}

	req := fullRequest{
		LocalID:   play.LocalID,
		Game:      play.Game,
		StartTime: play.StartTime.Unix(),
		EndTime:   play.EndTime.Unix(),
	}

	var res intakeResponse
	if err := i.client.postJSON(ctx, joinURL(i.base, "plays", "full"), req, &res); err != nil {
		return 0, err
	}
	return res.IntakeID, nil
}
