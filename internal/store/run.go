package store

import (
	"time"
)

type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCanceled  RunStatus = "canceled"
)

func (s RunStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageCanceled  StageStatus = "canceled"
	StageSkipped   StageStatus = "skipped"
)

type Run struct {
	RunID       int64      `param:"run_id" json:"run_id"`
	Target      string     `json:"target"`
	Mode        string     `json:"mode"`
	Status      RunStatus  `json:"status"`
	ArtifactRef *string    `json:"artifact_ref,omitempty"`
	FailedStage *string    `json:"failed_stage,omitempty"`
	Error       *string    `json:"error,omitempty"`
	URL         *string    `db:"url" json:"url,omitempty"`
	Output      *string    `json:"-"`
	CreatedOn   time.Time  `json:"created_on"`
	StartedOn   *time.Time `json:"started_on,omitempty"`
	EndedOn     *time.Time `json:"ended_on,omitempty"`

	StageResults []StageResult `db:"-" json:"stage_results,omitempty"`
}

// StageResult is written once when a stage ends and never updated.
type StageResult struct {
	StageResultID int64       `json:"-"`
	StageRunID    int64       `json:"run_id"`
	Position      int         `json:"position"`
	Name          string      `json:"name"`
	Status        StageStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	Error         *string     `json:"error,omitempty"`
	ArtifactRef   *string     `json:"artifact_ref,omitempty"`
	URL           *string     `db:"url" json:"url,omitempty"`
	StartedOn     *time.Time  `json:"started_on,omitempty"`
	EndedOn       *time.Time  `json:"ended_on,omitempty"`
}
