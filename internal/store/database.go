package store

import (
	"database/sql"
	"fmt"
	"runtime"

	"github.com/haatos/simple-cd/internal/settings"
)

func InitDatabase(s *settings.AppSettings, readonly bool) (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.SQLiteDbString(readonly))
	if err != nil {
		return nil, fmt.Errorf("err opening sqlite database: %w", err)
	}

	if readonly {
		db.SetMaxOpenConns(max(4, runtime.NumCPU()))
	} else {
		if _, err := db.Exec("PRAGMA temp_store=memory"); err != nil {
			db.Close()
			return nil, err
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, err
		}
		db.SetMaxOpenConns(1)
	}

	return db, nil
}
