package history

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// CheckpointStore persists the feed cursor. Implemented by
// state.TrackerStateTable.
type CheckpointStore interface {
	Cursor(trackerID string) (string, error)
	SetCursor(trackerID, cursor string) error
}

// CheckpointManager owns the tracker's position in the provider's change
// feed. The cursor is opaque and provider-assigned; locally we only ever
// store it, hand it back, or throw it away when the provider reports it gone.
//
// The cursor never regresses: it moves forward via Advance after a fully
// processed batch, or jumps to a fresh position via Reset after staleness.
type CheckpointManager struct {
	trackerID string
	client    Client
	store     CheckpointStore
	cursor    string
	logger    zerolog.Logger
}

func NewCheckpointManager(trackerID string, client Client, store CheckpointStore) *CheckpointManager {
	return &CheckpointManager{
		trackerID: trackerID,
		client:    client,
		store:     store,
		logger: zerolog.New(os.Stdout).With().Timestamp().Str("tracker", trackerID).Logger().Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}),
	}
}

// Initialize loads the persisted cursor if one exists, otherwise fetches the
// provider's current position and persists it. Returns internal.AuthError if
// the credential is rejected.
func (m *CheckpointManager) Initialize(ctx context.Context, credential string) error {
	stored, err := m.store.Cursor(m.trackerID)
	if err != nil {
		return err
	}
	if stored != "" {
		m.cursor = stored
		m.logger.Info().Str("cursor", stored).Msg("resuming from persisted cursor")
		return nil
	}
	fresh, err := m.client.LatestCursor(ctx, credential)
	if err != nil {
		return err
	}
	if err := m.store.SetCursor(m.trackerID, fresh); err != nil {
		return err
	}
	m.cursor = fresh
	m.logger.Info().Str("cursor", fresh).Msg("initialized fresh cursor")
	return nil
}

// Cursor returns the current feed position.
func (m *CheckpointManager) Cursor() string {
	return m.cursor
}

// Advance persists newCursor as the resumption point. Callers must have fully
// processed every record up to newCursor first: downstream delivery is
// at-least-once, and advancing early would silently turn it into at-most-once.
func (m *CheckpointManager) Advance(newCursor string) error {
	if newCursor == "" || newCursor == m.cursor {
		return nil
	}
	if err := m.store.SetCursor(m.trackerID, newCursor); err != nil {
		return err
	}
	m.cursor = newCursor
	return nil
}

// Reset fetches and persists a fresh cursor after the provider reported the
// stored one stale. Records between the stale cursor and the fresh one are
// gone; the provider offers no way to recover them.
func (m *CheckpointManager) Reset(ctx context.Context, credential string) (string, error) {
	fresh, err := m.client.LatestCursor(ctx, credential)
	if err != nil {
		return "", err
	}
	if err := m.store.SetCursor(m.trackerID, fresh); err != nil {
		return "", err
	}
	m.logger.Warn().Str("old_cursor", m.cursor).Str("new_cursor", fresh).Msg("cursor was stale, reset to fresh position")
	m.cursor = fresh
	return fresh, nil
}
