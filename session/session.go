package session

import "time"

// CloseReason explains why a reading session ended.
type CloseReason string

const (
	// CloseOpenedAnother: the user opened a different message. Reading is
	// exclusive, so the previous message's session ends here.
	CloseOpenedAnother CloseReason = "opened_another"
	// CloseManual: the tracker was explicitly stopped.
	CloseManual CloseReason = "manual_close"
	// CloseTimeout: the session sat open past the idle timeout.
	CloseTimeout CloseReason = "timeout"
)

// Session is one open-to-close reading interval for a single message.
// Subject and sender are denormalized at open time and never re-fetched.
// Timestamps serialize as RFC 3339 strings, which is what the persisted
// state blob carries across restarts.
type Session struct {
	MessageID string     `json:"messageId"`
	Subject   string     `json:"subject"`
	Sender    string     `json:"sender"`
	OpenedAt  time.Time  `json:"openedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
	// EstimatedDurationMinutes is set only at close. It is an estimate, not
	// a measurement: the open/close boundaries come from read-state
	// transitions in the provider's feed, not from the user's screen.
	EstimatedDurationMinutes float64     `json:"estimatedDurationMinutes,omitempty"`
	CloseReason              CloseReason `json:"closeReason,omitempty"`
}

// Open reports whether the session has not yet been closed.
func (s *Session) Open() bool {
	return s.ClosedAt == nil
}

func (s *Session) close(at time.Time, reason CloseReason) {
	s.ClosedAt = &at
	s.CloseReason = reason
	s.EstimatedDurationMinutes = at.Sub(s.OpenedAt).Minutes()
}

// Duration returns the closed session's elapsed time. Zero for open sessions.
func (s *Session) Duration() time.Duration {
	if s.ClosedAt == nil {
		return 0
	}
	return s.ClosedAt.Sub(s.OpenedAt)
}
