package store

import "time"

// ArtifactRecord is the metadata row of an archive held by the local
// artifact store. The archive itself lives at Location.
type ArtifactRecord struct {
	ArtifactID    int64
	ArtifactRunID int64
	Name          string
	Location      string
	SHA256        string `db:"sha256"`
	Size          int64
	Files         int64
	CreatedOn     time.Time
	ExpiresOn     time.Time
}
