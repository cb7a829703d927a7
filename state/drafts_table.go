package state

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"

	"github.com/tracklight-app/tracklight/classify"
	"github.com/tracklight-app/tracklight/sqlutil"
)

// DraftRow holds one produced draft entry. The payload is a CBOR-encoded
// classify.DraftEntry: it is never searched, only handed back whole, so a
// single blob column beats a dozen typed ones.
type DraftRow struct {
	ID        int64  `db:"id"`
	TrackerID string `db:"tracker_id"`
	Payload   []byte `db:"payload"`
	Claimed   bool   `db:"claimed"`
	CreatedAt string `db:"created_at"`
}

// Draft is a decoded draft row.
type Draft struct {
	ID    int64
	Entry classify.DraftEntry
}

type DraftsTable struct {
	db *sqlx.DB
}

func NewDraftsTable(db *sqlx.DB) *DraftsTable {
	return &DraftsTable{db: db}
}

// Insert stores a freshly produced draft entry and returns its row ID.
func (t *DraftsTable) Insert(trackerID string, entry classify.DraftEntry) (int64, error) {
	payload, err := cbor.Marshal(entry)
	if err != nil {
		return 0, err
	}
	res, err := t.db.Exec(
		`INSERT INTO tracker_drafts(tracker_id, payload, claimed, created_at) VALUES (?, ?, 0, ?)`,
		trackerID, payload, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Unclaimed returns the drafts the host application has not yet claimed, in
// production order.
func (t *DraftsTable) Unclaimed(trackerID string) ([]Draft, error) {
	var rows []DraftRow
	err := t.db.Select(&rows,
		`SELECT id, tracker_id, payload, claimed, created_at FROM tracker_drafts
		WHERE tracker_id=? AND claimed=0 ORDER BY id ASC`, trackerID)
	if err != nil {
		return nil, err
	}
	drafts := make([]Draft, 0, len(rows))
	for _, row := range rows {
		var entry classify.DraftEntry
		if err := cbor.Unmarshal(row.Payload, &entry); err != nil {
			return nil, err
		}
		drafts = append(drafts, Draft{ID: row.ID, Entry: entry})
	}
	return drafts, nil
}

// Claim marks drafts as consumed by the host application. Claiming an
// already-claimed or unknown ID is a no-op.
func (t *DraftsTable) Claim(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return sqlutil.WithTransaction(t.db, func(txn *sqlx.Tx) error {
		for _, id := range ids {
			if _, err := txn.Exec(`UPDATE tracker_drafts SET claimed=1 WHERE id=?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}
