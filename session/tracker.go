package session

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracklight-app/tracklight/history"
	"github.com/tracklight-app/tracklight/internal"
)

// MetadataSource supplies subject/sender for a message. Implemented by
// history.MetadataCache; a session fetches its metadata exactly once, at open.
type MetadataSource interface {
	MessageMetadata(ctx context.Context, messageID string) (subject, sender string, err error)
}

// Tracker maintains the open-session state machine. A user can read only one
// message at a time, so opening message B while A is open closes A first.
// All methods are synchronous and in-memory; the only I/O is the one-off
// metadata fetch at session open.
//
// Tracker is not safe for concurrent use. The poller is the only caller
// during normal operation and each tick runs to completion.
type Tracker struct {
	// open sessions keyed by message ID. The state machine keeps at most
	// one entry, but restored state is trusted as-is, hence a map.
	open map[string]*Session
	// insertion order of `open`, so forced closes respect feed order.
	openOrder []string

	minDuration time.Duration
	idleTimeout time.Duration
	meta        MetadataSource
	now         func() time.Time
	logger      zerolog.Logger
}

func NewTracker(meta MetadataSource, minDuration, idleTimeout time.Duration) *Tracker {
	return &Tracker{
		open:        make(map[string]*Session),
		minDuration: minDuration,
		idleTimeout: idleTimeout,
		meta:        meta,
		now:         time.Now,
		logger: zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}),
	}
}

// SetClock overrides the tracker's time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// OnChangeRecords processes one poll batch in the order the provider returned
// it. Only unread→read transitions open sessions; every other label change is
// skipped. Re-reads of previously read mail do not open sessions.
//
// Returns the closed sessions that met the minimum-duration threshold, in
// close order. Shorter closes are discarded as accidental opens.
//
// Reprocessing a batch after a crash is safe: the open session marks how far
// the batch was already applied, so everything up to and including the last
// read record for that message is skipped.
func (t *Tracker) OnChangeRecords(ctx context.Context, records []history.ChangeRecord) []Session {
	start := 0
	for i, rec := range records {
		if rec.Change != history.ChangeRead {
			continue
		}
		if _, ok := t.open[rec.MessageID]; ok {
			start = i + 1
		}
	}
	var closed []Session
	for _, rec := range records[start:] {
		if rec.Change != history.ChangeRead {
			continue
		}
		if _, ok := t.open[rec.MessageID]; ok {
			// duplicate read within the batch
			continue
		}
		closed = append(closed, t.closeAll(CloseOpenedAnother)...)
		t.openSession(ctx, rec.MessageID)
	}
	return closed
}

// CloseActiveSessions force-closes every open session with the given reason.
// The minimum-duration discard rule still applies. Used on explicit shutdown.
func (t *Tracker) CloseActiveSessions(reason CloseReason) []Session {
	return t.closeAll(reason)
}

// ExpireIdle closes sessions that have been open longer than the idle
// timeout, with reason CloseTimeout. Called once per poll tick.
func (t *Tracker) ExpireIdle() []Session {
	if t.idleTimeout <= 0 {
		return nil
	}
	now := t.now()
	var closed []Session
	for _, id := range append([]string(nil), t.openOrder...) {
		s := t.open[id]
		if now.Sub(s.OpenedAt) < t.idleTimeout {
			continue
		}
		if out, ok := t.closeOne(id, CloseTimeout); ok {
			closed = append(closed, out)
		}
	}
	return closed
}

// OpenSessions returns a snapshot of the open sessions in open order, for
// persistence.
func (t *Tracker) OpenSessions() []Session {
	out := make([]Session, 0, len(t.open))
	for _, id := range t.openOrder {
		out = append(out, *t.open[id])
	}
	return out
}

// Restore rehydrates open sessions loaded from the durable store. Closed
// sessions in the input are ignored: they were already handled before the
// state was written.
func (t *Tracker) Restore(sessions []Session) {
	for i := range sessions {
		s := sessions[i]
		if !s.Open() {
			continue
		}
		if _, ok := t.open[s.MessageID]; ok {
			continue
		}
		t.open[s.MessageID] = &s
		t.openOrder = append(t.openOrder, s.MessageID)
	}
	internal.Assert("restored at most one open session", len(t.open) <= 1)
}

func (t *Tracker) openSession(ctx context.Context, messageID string) {
	internal.Assert("no session open when opening a new one", len(t.open) == 0)
	s := &Session{
		MessageID: messageID,
		OpenedAt:  t.now(),
	}
	subject, sender, err := t.meta.MessageMetadata(ctx, messageID)
	if err != nil {
		// non-fatal: the session still tracks time, it just classifies
		// as unclassified later on
		t.logger.Warn().Str("message_id", messageID).Err(err).Msg("failed to fetch message metadata")
	} else {
		s.Subject = subject
		s.Sender = sender
	}
	t.open[messageID] = s
	t.openOrder = append(t.openOrder, messageID)
}

func (t *Tracker) closeAll(reason CloseReason) []Session {
	var closed []Session
	for _, id := range append([]string(nil), t.openOrder...) {
		if out, ok := t.closeOne(id, reason); ok {
			closed = append(closed, out)
		}
	}
	return closed
}

// closeOne closes the session for messageID and reports whether it qualifies
// for a draft entry. Sessions under the minimum duration are dropped.
func (t *Tracker) closeOne(messageID string, reason CloseReason) (Session, bool) {
	s, ok := t.open[messageID]
	if !ok {
		return Session{}, false
	}
	delete(t.open, messageID)
	for i, id := range t.openOrder {
		if id == messageID {
			t.openOrder = append(t.openOrder[:i], t.openOrder[i+1:]...)
			break
		}
	}
	s.close(t.now(), reason)
	if s.Duration() < t.minDuration {
		t.logger.Debug().
			Str("message_id", messageID).
			Str("duration", s.Duration().String()).
			Msg("discarding short session")
		return Session{}, false
	}
	return *s, true
}
