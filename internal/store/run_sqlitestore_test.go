package store

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/haatos/simple-cd/internal/util"
	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"
)

type runSQLiteStoreSuite struct {
	runStore *RunSQLiteStore
	db       *sql.DB
	suite.Suite
}

func TestRunSQLiteStore(t *testing.T) {
	suite.Run(t, new(runSQLiteStoreSuite))
}

func newTestDB() *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		log.Fatal(err)
	}
	if err := RunMigrations(db); err != nil {
		log.Fatal(err)
	}
	return db
}

func (suite *runSQLiteStoreSuite) SetupSuite() {
	suite.db = newTestDB()
	suite.runStore = NewRunSQLiteStore(suite.db, suite.db)
}

func (suite *runSQLiteStoreSuite) TearDownSuite() {
	_ = suite.db.Close()
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_CreateRun() {
	suite.Run("success - run created pending", func() {
		// act
		r, err := suite.runStore.CreateRun(context.Background(), "docs", "direct", nil)

		// assert
		suite.NoError(err)
		suite.NotNil(r)
		suite.NotZero(r.RunID)
		suite.Equal(StatusPending, r.Status)
		suite.Equal("docs", r.Target)
	})
	suite.Run("success - run ids follow trigger order", func() {
		// act
		first, err1 := suite.runStore.CreateRun(context.Background(), "docs", "staged", nil)
		second, err2 := suite.runStore.CreateRun(context.Background(), "docs", "staged", nil)

		// assert
		suite.NoError(err1)
		suite.NoError(err2)
		suite.Less(first.RunID, second.RunID)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_ReadRunByID() {
	suite.Run("success - run read with stage results", func() {
		// arrange
		ref := "1/site-public"
		r, err := suite.runStore.CreateRun(context.Background(), "blog", "deploy-only", &ref)
		suite.Require().NoError(err)
		now := time.Now().UTC()
		suite.Require().NoError(suite.runStore.CreateStageResult(context.Background(), &StageResult{
			StageRunID: r.RunID,
			Position:   0,
			Name:       "download-artifact",
			Status:     StageSucceeded,
			Attempts:   1,
			StartedOn:  &now,
			EndedOn:    &now,
		}))
		suite.Require().NoError(suite.runStore.CreateStageResult(context.Background(), &StageResult{
			StageRunID: r.RunID,
			Position:   1,
			Name:       "deploy",
			Status:     StageSucceeded,
			Attempts:   1,
			URL:        util.AsPtr("https://blog.example.com"),
			StartedOn:  &now,
			EndedOn:    &now,
		}))

		// act
		read, err := suite.runStore.ReadRunByID(context.Background(), r.RunID)

		// assert
		suite.NoError(err)
		suite.Equal(r.RunID, read.RunID)
		suite.Equal(ref, *read.ArtifactRef)
		suite.Len(read.StageResults, 2)
		suite.Equal("download-artifact", read.StageResults[0].Name)
		suite.Equal("https://blog.example.com", *read.StageResults[1].URL)
		suite.WithinDuration(now, *read.StageResults[1].EndedOn, time.Second)
	})
	suite.Run("failure - run not found", func() {
		// act
		r, err := suite.runStore.ReadRunByID(context.Background(), 987654)

		// assert
		suite.True(errors.Is(err, sql.ErrNoRows))
		suite.Nil(r)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_StatusTransitions() {
	suite.Run("success - pending to running to succeeded", func() {
		// arrange
		r, err := suite.runStore.CreateRun(context.Background(), "docs", "direct", nil)
		suite.Require().NoError(err)

		// act
		startErr := suite.runStore.UpdateRunStartedOn(context.Background(), r.RunID, time.Now())
		endErr := suite.runStore.UpdateRunEndedOn(
			context.Background(), r.RunID, StatusSucceeded,
			nil, nil, util.AsPtr("https://docs.example.com"), time.Now(),
		)

		// assert
		suite.NoError(startErr)
		suite.NoError(endErr)
		read, err := suite.runStore.ReadRunByID(context.Background(), r.RunID)
		suite.NoError(err)
		suite.Equal(StatusSucceeded, read.Status)
		suite.NotNil(read.StartedOn)
		suite.NotNil(read.EndedOn)
		suite.Equal("https://docs.example.com", *read.URL)
	})
	suite.Run("failure - terminal run is not updated again", func() {
		// arrange
		r, err := suite.runStore.CreateRun(context.Background(), "docs", "direct", nil)
		suite.Require().NoError(err)
		suite.Require().NoError(suite.runStore.UpdateRunEndedOn(
			context.Background(), r.RunID, StatusCanceled, nil, nil, nil, time.Now(),
		))

		// act
		startErr := suite.runStore.UpdateRunStartedOn(context.Background(), r.RunID, time.Now())
		endErr := suite.runStore.UpdateRunEndedOn(
			context.Background(), r.RunID, StatusSucceeded, nil, nil, nil, time.Now(),
		)

		// assert
		suite.ErrorIs(startErr, sql.ErrNoRows)
		suite.ErrorIs(endErr, sql.ErrNoRows)
		read, err := suite.runStore.ReadRunByID(context.Background(), r.RunID)
		suite.NoError(err)
		suite.Equal(StatusCanceled, read.Status)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_AppendRunOutput() {
	suite.Run("success - output appended", func() {
		// arrange
		r, err := suite.runStore.CreateRun(context.Background(), "docs", "direct", nil)
		suite.Require().NoError(err)

		// act
		err1 := suite.runStore.AppendRunOutput(context.Background(), r.RunID, "hello ")
		err2 := suite.runStore.AppendRunOutput(context.Background(), r.RunID, "world")

		// assert
		suite.NoError(err1)
		suite.NoError(err2)
		out, err := suite.runStore.ReadRunOutput(context.Background(), r.RunID)
		suite.NoError(err)
		suite.Equal("hello world", out)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_ListAndCount() {
	suite.Run("success - runs listed newest first", func() {
		// arrange
		target := "paginated"
		for range 3 {
			_, err := suite.runStore.CreateRun(context.Background(), target, "direct", nil)
			suite.Require().NoError(err)
		}

		// act
		runs, err := suite.runStore.ListTargetRunsPaginated(context.Background(), target, 2, 0)
		count, countErr := suite.runStore.CountTargetRuns(context.Background(), target)

		// assert
		suite.NoError(err)
		suite.NoError(countErr)
		suite.Len(runs, 2)
		suite.Greater(runs[0].RunID, runs[1].RunID)
		suite.Equal(int64(3), count)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_ListActiveRuns() {
	suite.Run("success - only pending and running runs listed", func() {
		// arrange
		pending, err := suite.runStore.CreateRun(context.Background(), "active", "direct", nil)
		suite.Require().NoError(err)
		done, err := suite.runStore.CreateRun(context.Background(), "active", "direct", nil)
		suite.Require().NoError(err)
		suite.Require().NoError(suite.runStore.UpdateRunEndedOn(
			context.Background(), done.RunID, StatusFailed, nil, nil, nil, time.Now(),
		))

		// act
		runs, err := suite.runStore.ListActiveRuns(context.Background())

		// assert
		suite.NoError(err)
		ids := make([]int64, 0, len(runs))
		for _, r := range runs {
			suite.False(r.Status.IsTerminal())
			ids = append(ids, r.RunID)
		}
		suite.Contains(ids, pending.RunID)
		suite.NotContains(ids, done.RunID)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_DeleteRunsEndedBefore() {
	suite.Run("success - old terminal runs deleted with their stage results", func() {
		// arrange
		r, err := suite.runStore.CreateRun(context.Background(), "retention", "direct", nil)
		suite.Require().NoError(err)
		ended := time.Now().Add(-48 * time.Hour)
		suite.Require().NoError(suite.runStore.UpdateRunEndedOn(
			context.Background(), r.RunID, StatusSucceeded, nil, nil, nil, ended,
		))
		suite.Require().NoError(suite.runStore.CreateStageResult(context.Background(), &StageResult{
			StageRunID: r.RunID, Name: "build", Status: StageSucceeded, Attempts: 1,
		}))

		// act
		n, err := suite.runStore.DeleteRunsEndedBefore(context.Background(), time.Now().Add(-24*time.Hour))

		// assert
		suite.NoError(err)
		suite.GreaterOrEqual(n, int64(1))
		_, err = suite.runStore.ReadRunByID(context.Background(), r.RunID)
		suite.ErrorIs(err, sql.ErrNoRows)
		stages, err := suite.runStore.ListStageResults(context.Background(), r.RunID)
		suite.NoError(err)
		suite.Empty(stages)
	})
}
