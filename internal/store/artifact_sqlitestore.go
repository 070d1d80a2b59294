package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type ArtifactSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewArtifactSQLiteStore(rdb, rwdb *sql.DB) *ArtifactSQLiteStore {
	return &ArtifactSQLiteStore{rdb, rwdb}
}

// UpsertArtifact inserts the record, replacing an existing record with the
// same run and name.
func (store *ArtifactSQLiteStore) UpsertArtifact(ctx context.Context, a *ArtifactRecord) error {
	query := `insert into artifacts (
		artifact_run_id,
		name,
		location,
		sha256,
		size,
		files,
		created_on,
		expires_on
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8)
	on conflict (artifact_run_id, name) do update set
		location = excluded.location,
		sha256 = excluded.sha256,
		size = excluded.size,
		files = excluded.files,
		created_on = excluded.created_on,
		expires_on = excluded.expires_on
	returning artifact_id`
	return sqlscan.Get(
		ctx, store.rwdb, &a.ArtifactID, query,
		a.ArtifactRunID,
		a.Name,
		a.Location,
		a.SHA256,
		a.Size,
		a.Files,
		dbTimestamp(a.CreatedOn),
		dbTimestamp(a.ExpiresOn),
	)
}

func (store *ArtifactSQLiteStore) ReadArtifact(
	ctx context.Context,
	runID int64,
	name string,
) (*ArtifactRecord, error) {
	a := new(ArtifactRecord)
	query := `select * from artifacts
	where artifact_run_id = $1 and name = $2`
	if err := sqlscan.Get(ctx, store.rdb, a, query, runID, name); err != nil {
		return nil, err
	}
	return a, nil
}

func (store *ArtifactSQLiteStore) ListExpiredArtifacts(
	ctx context.Context,
	now time.Time,
) ([]ArtifactRecord, error) {
	query := `select * from artifacts
	where expires_on <= $1
	order by artifact_id`
	artifacts := make([]ArtifactRecord, 0)
	err := sqlscan.Select(ctx, store.rdb, &artifacts, query, dbTimestamp(now))
	return artifacts, err
}

func (store *ArtifactSQLiteStore) DeleteArtifact(ctx context.Context, id int64) error {
	query := "delete from artifacts where artifact_id = $1"
	_, err := store.rwdb.ExecContext(ctx, query, id)
	return err
}
