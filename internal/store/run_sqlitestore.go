package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/haatos/simple-cd/internal"
)

const runColumns = `run_id,
	target,
	mode,
	status,
	artifact_ref,
	failed_stage,
	error,
	url,
	created_on,
	started_on,
	ended_on`

type RunSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewRunSQLiteStore(rdb, rwdb *sql.DB) *RunSQLiteStore {
	return &RunSQLiteStore{rdb, rwdb}
}

func dbTimestamp(t time.Time) string {
	return t.UTC().Format(internal.DBTimestampLayout)
}

func dbTimestampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := dbTimestamp(*t)
	return &s
}

func (store *RunSQLiteStore) CreateRun(
	ctx context.Context,
	target, mode string,
	artifactRef *string,
) (*Run, error) {
	r := &Run{
		Target:      target,
		Mode:        mode,
		Status:      StatusPending,
		ArtifactRef: artifactRef,
		CreatedOn:   time.Now().UTC().Truncate(time.Millisecond),
	}
	query := `insert into runs (
		target,
		mode,
		status,
		artifact_ref,
		created_on
	)
	values ($1, $2, $3, $4, $5)
	returning run_id`
	if err := sqlscan.Get(
		ctx, store.rwdb, &r.RunID, query,
		r.Target, r.Mode, r.Status, r.ArtifactRef, dbTimestamp(r.CreatedOn),
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (store *RunSQLiteStore) ReadRunByID(ctx context.Context, id int64) (*Run, error) {
	r := new(Run)
	query := "select " + runColumns + " from runs where run_id = $1"
	if err := sqlscan.Get(ctx, store.rdb, r, query, id); err != nil {
		return nil, err
	}
	stages, err := store.ListStageResults(ctx, id)
	if err != nil {
		return nil, err
	}
	r.StageResults = stages
	return r, nil
}

// UpdateRunStartedOn moves a pending run to running. sql.ErrNoRows is returned
// when the run is no longer pending.
func (store *RunSQLiteStore) UpdateRunStartedOn(
	ctx context.Context,
	id int64,
	startedOn time.Time,
) error {
	query := `update runs
	set status = $1,
		started_on = $2
	where run_id = $3 and status = $4`
	res, err := store.rwdb.ExecContext(
		ctx, query,
		StatusRunning,
		dbTimestamp(startedOn),
		id,
		StatusPending,
	)
	return expectAffected(res, err)
}

// UpdateRunEndedOn records the terminal state of a run. A run that is already
// terminal is left untouched and sql.ErrNoRows is returned.
func (store *RunSQLiteStore) UpdateRunEndedOn(
	ctx context.Context,
	id int64,
	status RunStatus,
	failedStage, errorDetail, url *string,
	endedOn time.Time,
) error {
	query := `update runs
	set status = $1,
		failed_stage = $2,
		error = $3,
		url = $4,
		ended_on = $5
	where run_id = $6 and status in ($7, $8)`
	res, err := store.rwdb.ExecContext(
		ctx, query,
		status,
		failedStage,
		errorDetail,
		url,
		dbTimestamp(endedOn),
		id,
		StatusPending,
		StatusRunning,
	)
	return expectAffected(res, err)
}

func (store *RunSQLiteStore) AppendRunOutput(ctx context.Context, id int64, out string) error {
	query := `update runs
	set output = coalesce(output, '') || $1
	where run_id = $2`
	_, err := store.rwdb.ExecContext(ctx, query, out, id)
	return err
}

func (store *RunSQLiteStore) ReadRunOutput(ctx context.Context, id int64) (string, error) {
	var output *string
	query := "select output from runs where run_id = $1"
	if err := store.rdb.QueryRowContext(ctx, query, id).Scan(&output); err != nil {
		return "", err
	}
	if output == nil {
		return "", nil
	}
	return *output, nil
}

func (store *RunSQLiteStore) CreateStageResult(ctx context.Context, sr *StageResult) error {
	query := `insert into stage_results (
		stage_run_id,
		position,
		name,
		status,
		attempts,
		error,
		artifact_ref,
		url,
		started_on,
		ended_on
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	returning stage_result_id`
	return sqlscan.Get(
		ctx, store.rwdb, &sr.StageResultID, query,
		sr.StageRunID,
		sr.Position,
		sr.Name,
		sr.Status,
		sr.Attempts,
		sr.Error,
		sr.ArtifactRef,
		sr.URL,
		dbTimestampPtr(sr.StartedOn),
		dbTimestampPtr(sr.EndedOn),
	)
}

func (store *RunSQLiteStore) ListStageResults(ctx context.Context, runID int64) ([]StageResult, error) {
	query := `select * from stage_results
	where stage_run_id = $1
	order by position`
	results := make([]StageResult, 0)
	err := sqlscan.Select(ctx, store.rdb, &results, query, runID)
	return results, err
}

func (store *RunSQLiteStore) ListTargetRunsPaginated(
	ctx context.Context,
	target string,
	limit, offset int64,
) ([]Run, error) {
	query := "select " + runColumns + ` from runs
	where target = $1
	order by run_id desc limit $2 offset $3`
	runs := make([]Run, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query, target, limit, offset)
	return runs, err
}

func (store *RunSQLiteStore) CountTargetRuns(ctx context.Context, target string) (int64, error) {
	var count int64
	query := `select count(*) from runs where target = $1`
	err := sqlscan.Get(ctx, store.rdb, &count, query, target)
	return count, err
}

// ListActiveRuns returns pending and running runs in trigger order.
func (store *RunSQLiteStore) ListActiveRuns(ctx context.Context) ([]Run, error) {
	query := "select " + runColumns + ` from runs
	where status in ($1, $2)
	order by run_id`
	runs := make([]Run, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query, StatusPending, StatusRunning)
	return runs, err
}

func (store *RunSQLiteStore) DeleteRunsEndedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `delete from runs
	where ended_on is not null and ended_on < $1`
	res, err := store.rwdb.ExecContext(ctx, query, dbTimestamp(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}


func expectAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
