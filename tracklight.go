// Package tracklight is the email-activity session tracker behind the
// time-tracking product's automated entries. It polls an external provider's
// incremental change feed, reconstructs reading sessions from unread→read
// transitions, estimates how long each message was open, classifies the
// activity against known clients and projects, and persists draft time
// entries for the host application to review.
//
// The package is a background library: no CLI, no HTTP surface. The host
// wires in a provider client, a credential from its own OAuth flow, and a
// pubsub listener for the resulting drafts.
package tracklight

import (
	"context"
	"os"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/tracklight-app/tracklight/classify"
	"github.com/tracklight-app/tracklight/history"
	"github.com/tracklight-app/tracklight/pubsub"
	"github.com/tracklight-app/tracklight/session"
	"github.com/tracklight-app/tracklight/state"
)

// Tracker owns one user's session-tracking pipeline and its durable state.
// It is explicitly constructed and carries its own lifecycle, so multiple
// instances (or test doubles) coexist without shared globals.
//
// Lifecycle: New → Start → (SetCredential as needed) → Stop.
type Tracker struct {
	id       string
	cfg      Config
	store    *state.Storage
	client   history.Client
	notifier pubsub.Notifier

	checkpoint   *history.CheckpointManager
	poller       *history.Poller
	sessions     *session.Tracker
	engine       *classify.Engine
	promNotifier *pubsub.PromNotifier

	credMu     sync.RWMutex
	credential string

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New assembles a tracker. The store and notifier are shared infrastructure
// owned by the caller; the tracker owns everything else.
func New(id, credential string, cfg Config, tables classify.Tables, store *state.Storage, client history.Client, notifier pubsub.Notifier) *Tracker {
	t := &Tracker{
		id:         id,
		cfg:        cfg,
		store:      store,
		client:     client,
		notifier:   notifier,
		engine:     classify.NewEngine(tables),
		credential: credential,
		logger: zerolog.New(os.Stdout).With().Timestamp().Str("tracker", id).Logger().Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}),
	}
	if cfg.EnablePrometheus {
		t.promNotifier = pubsub.NewPromNotifier(notifier, "tracker")
		t.notifier = t.promNotifier
	}
	meta := history.NewMetadataCache(client, t.currentCredential, cfg.MetadataCacheTTL)
	t.sessions = session.NewTracker(meta, cfg.MinSessionDuration, cfg.IdleTimeout)
	t.checkpoint = history.NewCheckpointManager(id, client, store.TrackerState)
	t.poller = history.NewPoller(id, credential, client, t.checkpoint, t, cfg.PollInterval, cfg.EnablePrometheus)
	return t
}

// Start loads persisted state, initializes the checkpoint and begins
// polling. Returns internal.AuthError if the credential is rejected while
// fetching an initial cursor.
func (t *Tracker) Start(ctx context.Context) error {
	cursor, sessions, err := t.store.TrackerState.Load(t.id)
	if err != nil {
		return err
	}
	t.sessions.Restore(sessions)
	if len(sessions) > 0 || cursor != "" {
		t.logger.Info().Str("cursor", cursor).Int("open_sessions", len(sessions)).Msg("resumed persisted tracker state")
	}
	if err := t.checkpoint.Initialize(ctx, t.currentCredential()); err != nil {
		return err
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.poller.Run()
	}()
	return nil
}

// Stop cancels polling, force-closes open sessions with reason manual_close
// (the usual discard threshold still applies) and saves final state. It does
// not wait for an in-flight fetch.
func (t *Tracker) Stop() {
	t.poller.Stop()
	t.wg.Wait()
	closed := t.sessions.CloseActiveSessions(session.CloseManual)
	if err := t.emitDrafts(closed); err != nil {
		t.logger.Err(err).Msg("failed to emit drafts during shutdown")
		sentry.CaptureException(err)
	}
	if err := t.save(); err != nil {
		t.logger.Err(err).Msg("failed to save state during shutdown")
		sentry.CaptureException(err)
	}
	if t.promNotifier != nil {
		// the underlying notifier is the caller's, only drop the counter
		t.promNotifier.Unregister()
	}
}

// SetCredential installs a fresh credential from the host's OAuth flow and
// resumes polling if it was paused on an auth failure.
func (t *Tracker) SetCredential(credential string) {
	t.credMu.Lock()
	t.credential = credential
	t.credMu.Unlock()
	t.poller.SetCredential(credential)
}

// UnclaimedDrafts returns drafts the host application has not picked up yet,
// e.g. those produced while the host was not listening.
func (t *Tracker) UnclaimedDrafts() ([]state.Draft, error) {
	return t.store.Drafts.Unclaimed(t.id)
}

// ClaimDrafts marks drafts as consumed by the host application.
func (t *Tracker) ClaimDrafts(ids []int64) error {
	return t.store.Drafts.Claim(ids)
}

// OnHistory implements history.Sink: one fully processed poll batch. Idle
// sessions are expired first, then the batch drives the open/close state
// machine; every qualifying close becomes a persisted draft plus a pubsub
// payload, and the whole state blob is saved before the poller advances the
// checkpoint.
func (t *Tracker) OnHistory(ctx context.Context, records []history.ChangeRecord) error {
	closed := t.sessions.ExpireIdle()
	closed = append(closed, t.sessions.OnChangeRecords(ctx, records)...)
	if err := t.emitDrafts(closed); err != nil {
		return err
	}
	return t.save()
}

// OnPaused implements history.Sink.
func (t *Tracker) OnPaused() {
	if err := t.notifier.Notify(pubsub.ChanTracker, &pubsub.TrackerPausedPayload{TrackerID: t.id}); err != nil {
		t.logger.Warn().Err(err).Msg("failed to notify tracker pause")
	}
}

func (t *Tracker) emitDrafts(closed []session.Session) error {
	for _, s := range closed {
		entry := t.engine.Classify(s)
		draftID, err := t.store.Drafts.Insert(t.id, entry)
		if err != nil {
			return err
		}
		t.logger.Info().
			Str("message_id", s.MessageID).
			Str("close_reason", string(s.CloseReason)).
			Float64("duration_hours", entry.DurationHours).
			Str("client", entry.InferredClient).
			Msg("emitted draft entry")
		err = t.notifier.Notify(pubsub.ChanTracker, &pubsub.DraftEntryPayload{
			TrackerID: t.id,
			DraftID:   draftID,
			Entry:     entry,
		})
		if err != nil {
			// the draft is persisted; the host finds it via
			// UnclaimedDrafts even if this notification is lost
			t.logger.Warn().Err(err).Int64("draft_id", draftID).Msg("failed to notify draft entry")
			sentry.CaptureException(err)
		}
	}
	return nil
}

// save persists {cursor, open sessions} in one blob. Called after every
// state-changing operation: write amplification is the price of never losing
// an in-flight session to a crash.
func (t *Tracker) save() error {
	return t.store.TrackerState.Save(t.id, t.checkpoint.Cursor(), t.sessions.OpenSessions())
}

func (t *Tracker) currentCredential() string {
	t.credMu.RLock()
	defer t.credMu.RUnlock()
	return t.credential
}
