// Package classify turns closed reading sessions into draft time entries.
// Classification is a heuristic, not a judgement: the output always exists
// and defaults to "Unclassified" when nothing matches, so a human reviewer
// decides what a draft is worth, not the engine.
package classify

import (
	"fmt"
	"math"

	"github.com/tracklight-app/tracklight/session"
)

const (
	ClientUnclassified  = "Unclassified"
	ProjectUnclassified = "Unclassified"
)

// DraftEntry is an unconfirmed, heuristically classified time entry awaiting
// human review.
type DraftEntry struct {
	Date            string  `json:"date"`      // YYYY-MM-DD, from the session open time
	StartTime       string  `json:"startTime"` // HH:MM
	DurationHours   float64 `json:"durationHours"`
	Description     string  `json:"description"`
	InferredClient  string  `json:"inferredClient"`
	InferredProject string  `json:"inferredProject"`
	Billable        bool    `json:"billable"`
}

// Engine classifies sessions against an ordered rule list.
type Engine struct {
	rules []Rule
}

func NewEngine(tables Tables) *Engine {
	return &Engine{rules: buildRules(tables)}
}

// Classify is a pure function from a closed, qualifying session to exactly
// one draft entry. It never returns a partial result: every heuristic can
// fall through and the draft still comes out, classified as Unclassified.
func (e *Engine) Classify(s session.Session) DraftEntry {
	outcome := Outcome{Client: ClientUnclassified, Project: ProjectUnclassified}
	for _, rule := range e.rules {
		if out, ok := rule.Match(s); ok {
			outcome = out
			break
		}
	}

	return DraftEntry{
		Date:            s.OpenedAt.Format("2006-01-02"),
		StartTime:       s.OpenedAt.Format("15:04"),
		DurationHours:   roundHours(s.EstimatedDurationMinutes / 60),
		Description:     describe(s),
		InferredClient:  outcome.Client,
		InferredProject: outcome.Project,
		// every draft starts billable; marking entries non-billable is a
		// reviewer decision, not the engine's
		Billable: true,
	}
}

func describe(s session.Session) string {
	if s.Subject == "" {
		return "Email (no subject)"
	}
	return fmt.Sprintf("Email: %s", s.Subject)
}

// roundHours keeps three decimal places, enough for ~4-second resolution on
// an estimate that is only good to tens of seconds anyway.
func roundHours(h float64) float64 {
	return math.Round(h*1000) / 1000
}
