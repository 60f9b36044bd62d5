package domain

import "time"

// BlockScore is one participant's recorded outcome on one block
type BlockScore struct {
	ID               int64     `json:"id"`
	ParticipantID    int64     `json:"participant"`
	BlockID          int64     `json:"block"`
	ScoreOptionID    int64     `json:"score_option"`
	EarnedPoints     int       `json:"earned_points"`
	CreatedAt        time.Time `json:"created_at"`
	ParticipantName  string    `json:"participant_name,omitempty"`
	BlockLane        string    `json:"block_lane,omitempty"`
	ScoreOptionLabel string    `json:"score_option_label,omitempty"`
}

// BlockScoreFilter narrows block score listings
type BlockScoreFilter struct {
	ParticipantID *int64
	BlockID       *int64
}

// ScoreRequest names the triple a score is recorded for
type ScoreRequest struct {
	ParticipantID int64 `json:"participant"`
	BlockID       int64 `json:"block"`
	ScoreOptionID int64 `json:"score_option"`
}

// ScoreAction describes a ledger transition
type ScoreAction string

const (
	ScoreRecorded ScoreAction = "recorded"
	ScoreUpdated  ScoreAction = "updated"
	ScoreDeleted  ScoreAction = "deleted"
)

// ScoreChange is the committed outcome of one ledger operation
type ScoreChange struct {
	Action        ScoreAction `json:"action"`
	Score         BlockScore  `json:"score"`
	Participant   Participant `json:"participant"`
	ScoreDelta    int         `json:"score_delta"`
	DistanceDelta int         `json:"distance_delta"`
}

// ScoreSubmission is a score reported through the event stream. The block
// may be named by id or lane and the option by id or key.
type ScoreSubmission struct {
	ParticipantID int64  `json:"participant_id"`
	BlockID       int64  `json:"block_id,omitempty"`
	Lane          string `json:"lane,omitempty"`
	ScoreOptionID int64  `json:"score_option_id,omitempty"`
	OptionKey     string `json:"option_key,omitempty"`
}

// Validate checks that the submission identifies a block and an option
func (s *ScoreSubmission) Validate() error {
	if s.ParticipantID <= 0 {
		return Invalid("participant_id is required")
	}
	if s.BlockID <= 0 && s.Lane == "" {
		return Invalid("block_id or lane is required")
	}
	if s.ScoreOptionID <= 0 && s.OptionKey == "" {
		return Invalid("score_option_id or option_key is required")
	}
	return nil
}

// LedgerEvent is the published form of a ScoreChange
type LedgerEvent struct {
	Action          ScoreAction `json:"action"`
	BlockScoreID    int64       `json:"block_score_id"`
	ParticipantID   int64       `json:"participant_id"`
	BlockID         int64       `json:"block_id"`
	ScoreOptionID   int64       `json:"score_option_id"`
	EarnedPoints    int         `json:"earned_points"`
	ScoreDelta      int         `json:"score_delta"`
	DistanceDelta   int         `json:"distance_delta"`
	Score           int         `json:"score"`
	DistanceClimbed int         `json:"distance_climbed"`
	Cup             Cup         `json:"cup"`
	Timestamp       time.Time   `json:"timestamp"`
}

// NewLedgerEvent flattens a committed change into its event form
func NewLedgerEvent(change ScoreChange, at time.Time) LedgerEvent {
	return LedgerEvent{
		Action:          change.Action,
		BlockScoreID:    change.Score.ID,
		ParticipantID:   change.Participant.ID,
		BlockID:         change.Score.BlockID,
		ScoreOptionID:   change.Score.ScoreOptionID,
		EarnedPoints:    change.Score.EarnedPoints,
		ScoreDelta:      change.ScoreDelta,
		DistanceDelta:   change.DistanceDelta,
		Score:           change.Participant.Score,
		DistanceClimbed: change.Participant.DistanceClimbed,
		Cup:             change.Participant.Cup,
		Timestamp:       at,
	}
}

// ReconcileReport summarises one aggregate reconciliation pass
type ReconcileReport struct {
	Checked  int               `json:"checked"`
	Drifted  []AggregateTotals `json:"drifted"`
	Repaired int               `json:"repaired"`
}

// Standing is a participant's position in a cup leaderboard
type Standing struct {
	Rank            int64  `json:"rank"`
	ParticipantID   int64  `json:"participant_id"`
	Username        string `json:"username"`
	Cup             Cup    `json:"cup"`
	Score           int    `json:"score"`
	DistanceClimbed int    `json:"distance_climbed"`
}
