// Package state is the tracker's durable store: the feed cursor, the open
// sessions, and produced-but-unclaimed draft entries, all in a local SQLite
// file so a process restart resumes rather than restarts.
package state

import (
	"embed"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know about
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type Storage struct {
	TrackerState *TrackerStateTable
	Drafts       *DraftsTable
	DB           *sqlx.DB
}

// NewStorage opens (creating if needed) the SQLite file at path and runs
// pending schema migrations.
func NewStorage(path string) (*Storage, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		sentry.CaptureException(err)
		logger.Err(err).Str("path", path).Msg("failed to open SQLite DB")
		return nil, err
	}
	// a single writer keeps SQLite happy and matches the tracker's
	// sequential execution model
	db.SetMaxOpenConns(1)
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) (*Storage, error) {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		sentry.CaptureException(err)
		logger.Err(err).Msg("failed to run schema migrations")
		return nil, err
	}
	return &Storage{
		TrackerState: NewTrackerStateTable(db),
		Drafts:       NewDraftsTable(db),
		DB:           db,
	}, nil
}

func (s *Storage) Teardown() {
	if err := s.DB.Close(); err != nil {
		panic("state.Storage.Teardown: " + err.Error())
	}
}
