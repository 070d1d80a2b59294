package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type artifactSQLiteStoreSuite struct {
	artifactStore *ArtifactSQLiteStore
	db            *sql.DB
	suite.Suite
}

func TestArtifactSQLiteStore(t *testing.T) {
	suite.Run(t, new(artifactSQLiteStoreSuite))
}

func (suite *artifactSQLiteStoreSuite) SetupSuite() {
	suite.db = newTestDB()
	suite.artifactStore = NewArtifactSQLiteStore(suite.db, suite.db)
}

func (suite *artifactSQLiteStoreSuite) TearDownSuite() {
	_ = suite.db.Close()
}

func (suite *artifactSQLiteStoreSuite) TestArtifactSQLiteStore_UpsertArtifact() {
	suite.Run("success - artifact inserted and read", func() {
		// arrange
		now := time.Now().UTC()
		a := &ArtifactRecord{
			ArtifactRunID: 1,
			Name:          "site-public",
			Location:      "artifacts/1/site-public.tar.gz",
			SHA256:        "abc",
			Size:          128,
			Files:         3,
			CreatedOn:     now,
			ExpiresOn:     now.Add(time.Hour),
		}

		// act
		err := suite.artifactStore.UpsertArtifact(context.Background(), a)

		// assert
		suite.NoError(err)
		suite.NotZero(a.ArtifactID)
		read, err := suite.artifactStore.ReadArtifact(context.Background(), 1, "site-public")
		suite.NoError(err)
		suite.Equal("abc", read.SHA256)
		suite.Equal(int64(3), read.Files)
		suite.WithinDuration(now.Add(time.Hour), read.ExpiresOn, time.Second)
	})
	suite.Run("success - same run and name replaces the record", func() {
		// arrange
		now := time.Now().UTC()
		a := &ArtifactRecord{
			ArtifactRunID: 2, Name: "site-public", Location: "first", SHA256: "1",
			CreatedOn: now, ExpiresOn: now.Add(time.Hour),
		}
		suite.Require().NoError(suite.artifactStore.UpsertArtifact(context.Background(), a))
		b := &ArtifactRecord{
			ArtifactRunID: 2, Name: "site-public", Location: "second", SHA256: "2",
			CreatedOn: now, ExpiresOn: now.Add(time.Hour),
		}

		// act
		err := suite.artifactStore.UpsertArtifact(context.Background(), b)

		// assert
		suite.NoError(err)
		read, err := suite.artifactStore.ReadArtifact(context.Background(), 2, "site-public")
		suite.NoError(err)
		suite.Equal("second", read.Location)
		suite.Equal("2", read.SHA256)
	})
}

func (suite *artifactSQLiteStoreSuite) TestArtifactSQLiteStore_ReadArtifact() {
	suite.Run("failure - unknown artifact", func() {
		// act
		a, err := suite.artifactStore.ReadArtifact(context.Background(), 404, "site-public")

		// assert
		suite.ErrorIs(err, sql.ErrNoRows)
		suite.Nil(a)
	})
}

func (suite *artifactSQLiteStoreSuite) TestArtifactSQLiteStore_ListExpiredArtifacts() {
	suite.Run("success - only expired artifacts listed and deleted", func() {
		// arrange
		now := time.Now().UTC()
		expired := &ArtifactRecord{
			ArtifactRunID: 10, Name: "old", Location: "old", SHA256: "x",
			CreatedOn: now.Add(-2 * time.Hour), ExpiresOn: now.Add(-time.Hour),
		}
		fresh := &ArtifactRecord{
			ArtifactRunID: 11, Name: "new", Location: "new", SHA256: "y",
			CreatedOn: now, ExpiresOn: now.Add(time.Hour),
		}
		suite.Require().NoError(suite.artifactStore.UpsertArtifact(context.Background(), expired))
		suite.Require().NoError(suite.artifactStore.UpsertArtifact(context.Background(), fresh))

		// act
		list, err := suite.artifactStore.ListExpiredArtifacts(context.Background(), now)

		// assert
		suite.NoError(err)
		names := make([]string, 0, len(list))
		for _, a := range list {
			names = append(names, a.Name)
		}
		suite.Contains(names, "old")
		suite.NotContains(names, "new")

		suite.NoError(suite.artifactStore.DeleteArtifact(context.Background(), expired.ArtifactID))
		_, err = suite.artifactStore.ReadArtifact(context.Background(), 10, "old")
		suite.ErrorIs(err, sql.ErrNoRows)
	})
}
