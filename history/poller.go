package history

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tracklight-app/tracklight/internal"
)

// PollState is where the poller is in its cycle. Exposed for observability;
// transitions are internal.
type PollState string

const (
	StateIdle    PollState = "idle"
	StatePolling PollState = "polling"
	StateStale   PollState = "stale"
)

// Sink receives the outcome of each poll. Implemented by the root Tracker.
type Sink interface {
	// OnHistory is handed every change record between the previous cursor
	// and the provider's present state, in feed order. The checkpoint is
	// advanced only after OnHistory returns nil, so implementations must
	// tolerate re-delivery of the final batch after a crash.
	OnHistory(ctx context.Context, records []ChangeRecord) error
	// OnPaused fires when the credential was rejected and polling stops
	// until a fresh credential arrives.
	OnPaused()
}

// Poller drives the whole pipeline: every interval it fetches the change feed
// from the stored cursor, hands the records to its sink, then advances the
// checkpoint. One tick runs to completion before the next is considered, so
// there are never two in-flight polls against the same cursor.
//
// Errors never escape a tick. A transient failure is retried on the next
// tick with the cursor untouched; a stale cursor triggers a checkpoint reset;
// a rejected credential pauses the poller until SetCredential is called.
type Poller struct {
	trackerID  string
	client     Client
	checkpoint *CheckpointManager
	sink       Sink
	interval   time.Duration

	mu         sync.Mutex
	credential string
	paused     bool
	state      PollState

	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once

	pollsTotal *prometheus.CounterVec
	logger     zerolog.Logger
}

func NewPoller(trackerID, credential string, client Client, checkpoint *CheckpointManager, sink Sink, interval time.Duration, enablePrometheus bool) *Poller {
	p := &Poller{
		trackerID:  trackerID,
		client:     client,
		checkpoint: checkpoint,
		sink:       sink,
		interval:   interval,
		credential: credential,
		state:      StateIdle,
		done:       make(chan struct{}),
		logger: zerolog.New(os.Stdout).With().Timestamp().Str("tracker", trackerID).Logger().Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}),
	}
	if enablePrometheus {
		p.pollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracklight",
			Subsystem: "poller",
			Name:      "polls_total",
			Help:      "Number of history polls by outcome",
		}, []string{"outcome"})
		prometheus.MustRegister(p.pollsTotal)
	}
	return p
}

// Run blocks, polling every interval until Stop is called. Do this in a
// goroutine.
func (p *Poller) Run() {
	p.logger.Info().Str("interval", p.interval.String()).Msg("poll loop started")
	p.ticker = time.NewTicker(p.interval)
	defer p.ticker.Stop()
	// eager first poll so a restart catches up immediately
	p.PollOnce(context.Background())
	for {
		select {
		case <-p.done:
			p.logger.Info().Msg("poll loop stopped")
			return
		case <-p.ticker.C:
			p.PollOnce(context.Background())
		}
	}
}

// Stop cancels the poll timer. It does not wait for an in-flight fetch.
// Safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.pollsTotal != nil {
			prometheus.Unregister(p.pollsTotal)
		}
	})
}

// SetCredential swaps in a fresh credential and resumes a paused poller.
func (p *Poller) SetCredential(credential string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credential = credential
	if p.paused {
		p.logger.Info().Msg("credential refreshed, resuming polling")
		p.paused = false
	}
}

// State returns the poller's current state.
func (p *Poller) State() PollState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PollOnce performs a single fetch → sink → advance cycle. Exposed so tests
// (and the first eager poll at startup) can drive ticks directly.
func (p *Poller) PollOnce(ctx context.Context) {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return
	}
	credential := p.credential
	p.state = StatePolling
	p.mu.Unlock()

	resp, err := p.client.History(ctx, credential, p.checkpoint.Cursor())
	if err != nil {
		p.handlePollError(ctx, credential, err)
		return
	}
	if err := p.sink.OnHistory(ctx, resp.Records); err != nil {
		// cursor not advanced: the whole batch is re-delivered next tick
		p.logger.Err(err).Int("num_records", len(resp.Records)).Msg("sink failed to process batch")
		p.count("sink_error")
		p.setState(StateIdle)
		return
	}
	if err := p.checkpoint.Advance(resp.NextCursor); err != nil {
		// non-fatal: next tick re-fetches from the old cursor and the
		// sink is replay-safe
		p.logger.Warn().Str("cursor", resp.NextCursor).Err(err).Msg("failed to persist advanced cursor")
	}
	p.count("ok")
	p.setState(StateIdle)
}

func (p *Poller) handlePollError(ctx context.Context, credential string, err error) {
	var authErr *internal.AuthError
	var staleErr *internal.StaleCursorError
	switch {
	case errors.As(err, &authErr):
		p.logger.Warn().Err(err).Msg("credential rejected, pausing until it is refreshed")
		p.mu.Lock()
		p.paused = true
		p.state = StateIdle
		p.mu.Unlock()
		p.count("auth")
		p.sink.OnPaused()
	case errors.As(err, &staleErr):
		p.setState(StateStale)
		p.count("stale")
		if _, resetErr := p.checkpoint.Reset(ctx, credential); resetErr != nil {
			// stay in Stale; History will fail the same way next tick
			// and reset will be retried
			p.logger.Err(resetErr).Msg("failed to reset stale cursor")
			return
		}
		p.setState(StateIdle)
	default:
		p.logger.Warn().Err(err).Msg("history poll returned temporary error, will retry next tick")
		p.count("transient")
		p.setState(StateIdle)
	}
}

func (p *Poller) setState(s PollState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Poller) count(outcome string) {
	if p.pollsTotal != nil {
		p.pollsTotal.WithLabelValues(outcome).Inc()
	}
}
