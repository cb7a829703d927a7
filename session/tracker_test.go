package session

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/tracklight-app/tracklight/history"
)

type fakeMeta struct {
	calls map[string]int
	err   error
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{calls: make(map[string]int)}
}

func (f *fakeMeta) MessageMetadata(ctx context.Context, messageID string) (string, string, error) {
	f.calls[messageID]++
	if f.err != nil {
		return "", "", f.err
	}
	return "subject-" + messageID, messageID + "@corp.example", nil
}

// fakeClock advances by a fixed step on demand.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func at(hhmmss string) time.Time {
	ts, err := time.Parse("2006-01-02 15:04:05", "2024-03-04 "+hhmmss)
	if err != nil {
		panic(err)
	}
	return ts
}

func newTestTracker(clock *fakeClock) (*Tracker, *fakeMeta) {
	meta := newFakeMeta()
	tr := NewTracker(meta, 30*time.Second, 30*time.Minute)
	tr.SetClock(clock.Now)
	return tr, meta
}

func readRecord(id string) history.ChangeRecord {
	return history.ChangeRecord{MessageID: id, Change: history.ChangeRead}
}

// Opening M2 40 seconds after M1 closes M1 with reason opened_another and a
// qualifying ~0.67 minute duration.
func TestOpenClosesPrevious(t *testing.T) {
	clock := &fakeClock{now: at("10:00:00")}
	tr, _ := newTestTracker(clock)

	closed := tr.OnChangeRecords(context.Background(), []history.ChangeRecord{readRecord("m1")})
	if len(closed) != 0 {
		t.Fatalf("first open closed %d sessions, want 0", len(closed))
	}

	clock.Advance(40 * time.Second)
	closed = tr.OnChangeRecords(context.Background(), []history.ChangeRecord{readRecord("m2")})
	if len(closed) != 1 {
		t.Fatalf("got %d closed sessions, want 1", len(closed))
	}
	s := closed[0]
	if s.MessageID != "m1" {
		t.Errorf("closed message is %q want m1", s.MessageID)
	}
	if s.CloseReason != CloseOpenedAnother {
		t.Errorf("close reason is %q want %q", s.CloseReason, CloseOpenedAnother)
	}
	if math.Abs(s.EstimatedDurationMinutes-40.0/60) > 0.001 {
		t.Errorf("estimated duration is %f minutes, want ~0.67", s.EstimatedDurationMinutes)
	}

	open := tr.OpenSessions()
	if len(open) != 1 || open[0].MessageID != "m2" {
		t.Errorf("open sessions after switch: %+v, want just m2", open)
	}
}

// At most one session is ever open, regardless of the open sequence.
func TestSessionExclusivity(t *testing.T) {
	clock := &fakeClock{now: at("09:00:00")}
	tr, _ := newTestTracker(clock)

	for i := 0; i < 5; i++ {
		tr.OnChangeRecords(context.Background(), []history.ChangeRecord{readRecord(fmt.Sprintf("m%d", i))})
		if got := len(tr.OpenSessions()); got != 1 {
			t.Fatalf("after open %d: %d sessions open, want 1", i, got)
		}
		clock.Advance(time.Minute)
	}
}

func TestDiscardThreshold(t *testing.T) {
	for _, gap := range []time.Duration{0, time.Second, 29 * time.Second} {
		clock := &fakeClock{now: at("10:00:00")}
		tr, _ := newTestTracker(clock)
		tr.OnChangeRecords(context.Background(), []history.ChangeRecord{readRecord("m1")})
		clock.Advance(gap)
		closed := tr.OnChangeRecords(context.Background(), []history.ChangeRecord{readRecord("m2")})
		if len(closed) != 0 {
			t.Errorf("gap %s: session qualified below the threshold", gap)
		}
	}

	// exactly the threshold qualifies
	clock := &fakeClock{now: at("10:00:00")}
	tr, _ := newTestTracker(clock)
	tr.OnChangeRecords(context.Background(), []history.ChangeRecord{readRecord("m1")})
	clock.Advance(30 * time.Second)
	closed := tr.OnChangeRecords(context.Background(), []history.ChangeRecord{readRecord("m2")})
	if len(closed) != 1 {
		t.Errorf("30s session was discarded, want it kept")
	}
}

// Replaying a batch (crash between processing and checkpoint advance) must
// not change state or produce more closed sessions.
func TestIdempotentReplay(t *testing.T) {
	clock := &fakeClock{now: at("10:00:00")}
	tr, meta := newTestTracker(clock)

	batch := []history.ChangeRecord{readRecord("m1")}
	tr.OnChangeRecords(context.Background(), batch)
	clock.Advance(40 * time.Second)
	closed := tr.OnChangeRecords(context.Background(), batch)
	if len(closed) != 0 {
		t.Errorf("replay closed %d sessions, want 0", len(closed))
	}
	open := tr.OpenSessions()
	if len(open) != 1 || open[0].MessageID != "m1" || !open[0].OpenedAt.Equal(at("10:00:00")) {
		t.Errorf("replay disturbed the open session: %+v", open)
	}
	if meta.calls["m1"] != 1 {
		t.Errorf("metadata fetched %d times want 1", meta.calls["m1"])
	}
}

// A redelivered multi-record batch must also be a no-op: the records before
// the currently open message were already applied and must not close it.
func TestIdempotentReplayMultiRecordBatch(t *testing.T) {
	clock := &fakeClock{now: at("10:00:00")}
	tr, meta := newTestTracker(clock)

	batch := []history.ChangeRecord{readRecord("m1"), readRecord("m2")}
	tr.OnChangeRecords(context.Background(), batch)
	clock.Advance(30 * time.Second)

	closed := tr.OnChangeRecords(context.Background(), batch)
	if len(closed) != 0 {
		t.Errorf("replay produced %d qualifying closes, want 0: %+v", len(closed), closed)
	}
	open := tr.OpenSessions()
	if len(open) != 1 || open[0].MessageID != "m2" || !open[0].OpenedAt.Equal(at("10:00:00")) {
		t.Errorf("replay disturbed the open session: %+v", open)
	}
	if meta.calls["m1"] != 1 || meta.calls["m2"] != 1 {
		t.Errorf("metadata re-fetched on replay: %v", meta.calls)
	}

	// a record after the replayed suffix is still processed
	clock.Advance(time.Minute)
	closed = tr.OnChangeRecords(context.Background(), append(batch, readRecord("m3")))
	if len(closed) != 1 || closed[0].MessageID != "m2" {
		t.Fatalf("partial replay with a new record: closed %+v, want m2", closed)
	}
	if got := tr.OpenSessions(); len(got) != 1 || got[0].MessageID != "m3" {
		t.Errorf("open session is %+v, want m3", got)
	}
}

func TestNonReadChangesIgnored(t *testing.T) {
	clock := &fakeClock{now: at("10:00:00")}
	tr, _ := newTestTracker(clock)

	closed := tr.OnChangeRecords(context.Background(), []history.ChangeRecord{
		{MessageID: "m1", Change: history.ChangeUnread},
		{MessageID: "m2", Change: "labeled"},
	})
	if len(closed) != 0 || len(tr.OpenSessions()) != 0 {
		t.Errorf("non-read changes affected state: closed=%d open=%d", len(closed), len(tr.OpenSessions()))
	}
}

// Multiple opens in one batch are processed in feed order: only the last one
// stays open, the rest close against each other.
func TestBatchProcessedInFeedOrder(t *testing.T) {
	clock := &fakeClock{now: at("10:00:00")}
	tr, _ := newTestTracker(clock)

	closed := tr.OnChangeRecords(context.Background(), []history.ChangeRecord{
		readRecord("m1"), readRecord("m2"), readRecord("m3"),
	})
	// same-instant closes are below the threshold and discarded
	if len(closed) != 0 {
		t.Errorf("same-tick switches produced %d drafts, want 0", len(closed))
	}
	open := tr.OpenSessions()
	if len(open) != 1 || open[0].MessageID != "m3" {
		t.Errorf("open session is %+v, want m3", open)
	}
}

func TestCloseActiveSessions(t *testing.T) {
	clock := &fakeClock{now: at("10:00:00")}
	tr, _ := newTestTracker(clock)
	tr.OnChangeRecords(context.Background(), []history.ChangeRecord{readRecord("m1")})
	clock.Advance(5 * time.Minute)

	closed := tr.CloseActiveSessions(CloseManual)
	if len(closed) != 1 {
		t.Fatalf("got %d closed sessions want 1", len(closed))
	}
	if closed[0].CloseReason != CloseManual {
		t.Errorf("close reason is %q want %q", closed[0].CloseReason, CloseManual)
	}
	if len(tr.OpenSessions()) != 0 {
		t.Errorf("sessions remain open after CloseActiveSessions")
	}

	// short sessions are still discarded on shutdown
	tr.OnChangeRecords(context.Background(), []history.ChangeRecord{readRecord("m2")})
	clock.Advance(10 * time.Second)
	if closed := tr.CloseActiveSessions(CloseManual); len(closed) != 0 {
		t.Errorf("short session qualified on shutdown")
	}
}

func TestExpireIdle(t *testing.T) {
	clock := &fakeClock{now: at("10:00:00")}
	tr, _ := newTestTracker(clock)
	tr.OnChangeRecords(context.Background(), []history.ChangeRecord{readRecord("m1")})

	clock.Advance(29 * time.Minute)
	if closed := tr.ExpireIdle(); len(closed) != 0 {
		t.Fatalf("session expired before the idle timeout")
	}
	clock.Advance(time.Minute)
	closed := tr.ExpireIdle()
	if len(closed) != 1 {
		t.Fatalf("got %d expired sessions want 1", len(closed))
	}
	if closed[0].CloseReason != CloseTimeout {
		t.Errorf("close reason is %q want %q", closed[0].CloseReason, CloseTimeout)
	}
}

func TestRestoreRehydratesOpenSession(t *testing.T) {
	clock := &fakeClock{now: at("10:00:00")}
	tr, meta := newTestTracker(clock)
	tr.Restore([]Session{{
		MessageID: "m1",
		Subject:   "persisted subject",
		Sender:    "m1@corp.example",
		OpenedAt:  at("09:58:00"),
	}})

	// the restored session closes like any other, counting from its
	// original open time
	clock.Advance(0)
	closed := tr.OnChangeRecords(context.Background(), []history.ChangeRecord{readRecord("m2")})
	if len(closed) != 1 {
		t.Fatalf("restored session did not close, got %d", len(closed))
	}
	if got := closed[0].EstimatedDurationMinutes; math.Abs(got-2.0) > 0.001 {
		t.Errorf("duration is %f minutes want 2", got)
	}
	if closed[0].Subject != "persisted subject" {
		t.Errorf("restored metadata was lost: %+v", closed[0])
	}
	if meta.calls["m1"] != 0 {
		t.Errorf("metadata re-fetched for a restored session")
	}
}

func TestMetadataFailureStillOpensSession(t *testing.T) {
	clock := &fakeClock{now: at("10:00:00")}
	meta := newFakeMeta()
	meta.err = fmt.Errorf("metadata unavailable")
	tr := NewTracker(meta, 30*time.Second, 30*time.Minute)
	tr.SetClock(clock.Now)

	tr.OnChangeRecords(context.Background(), []history.ChangeRecord{readRecord("m1")})
	open := tr.OpenSessions()
	if len(open) != 1 {
		t.Fatalf("session not opened on metadata failure")
	}
	if open[0].Subject != "" || open[0].Sender != "" {
		t.Errorf("expected empty metadata, got %+v", open[0])
	}
}
