package state

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/tracklight-app/tracklight/session"
)

// TrackerStateRow is the single persisted blob per tracker instance:
// the feed cursor plus the open sessions as a JSON array. Timestamps inside
// the blob are RFC 3339 strings and rehydrate to time.Time on load.
type TrackerStateRow struct {
	TrackerID string `db:"tracker_id"`
	Cursor    string `db:"cursor"`
	Sessions  []byte `db:"sessions"`
}

type TrackerStateTable struct {
	db *sqlx.DB
}

func NewTrackerStateTable(db *sqlx.DB) *TrackerStateTable {
	return &TrackerStateTable{db: db}
}

// Load returns the persisted cursor and open sessions for the tracker.
// A tracker that has never saved gets ("", nil, nil), not an error.
func (t *TrackerStateTable) Load(trackerID string) (string, []session.Session, error) {
	var row TrackerStateRow
	err := t.db.Get(&row, `SELECT tracker_id, cursor, sessions FROM tracker_state WHERE tracker_id=?`, trackerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, nil
		}
		return "", nil, err
	}
	var sessions []session.Session
	if len(row.Sessions) > 0 {
		if err := json.Unmarshal(row.Sessions, &sessions); err != nil {
			return "", nil, err
		}
	}
	return row.Cursor, sessions, nil
}

// Save upserts the tracker's whole state blob.
func (t *TrackerStateTable) Save(trackerID, cursor string, sessions []session.Session) error {
	if sessions == nil {
		sessions = []session.Session{}
	}
	blob, err := json.Marshal(sessions)
	if err != nil {
		return err
	}
	_, err = t.db.Exec(`
	INSERT INTO tracker_state(tracker_id, cursor, sessions) VALUES (?, ?, ?)
	ON CONFLICT(tracker_id) DO UPDATE SET cursor=excluded.cursor, sessions=excluded.sessions`,
		trackerID, cursor, blob,
	)
	return err
}

// Cursor returns just the persisted cursor, "" if none. Satisfies
// history.CheckpointStore.
func (t *TrackerStateTable) Cursor(trackerID string) (string, error) {
	var cursor string
	err := t.db.Get(&cursor, `SELECT cursor FROM tracker_state WHERE tracker_id=?`, trackerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cursor, err
}

// SetCursor updates only the cursor, preserving any persisted sessions.
// Satisfies history.CheckpointStore.
func (t *TrackerStateTable) SetCursor(trackerID, cursor string) error {
	_, err := t.db.Exec(`
	INSERT INTO tracker_state(tracker_id, cursor, sessions) VALUES (?, ?, ?)
	ON CONFLICT(tracker_id) DO UPDATE SET cursor=excluded.cursor`,
		trackerID, cursor, []byte("[]"),
	)
	return err
}
