package pubsub

import "github.com/tracklight-app/tracklight/classify"

// The channel which carries tracker payloads.
const ChanTracker = "trackerch"

// TrackerListener is what the host application implements to receive tracker
// output without polling the store.
type TrackerListener interface {
	// OnDraftEntry fires once per qualifying closed session. The draft is
	// already persisted; DraftID is its row in the store, for claiming.
	OnDraftEntry(p *DraftEntryPayload)
	// OnTrackerPaused fires when polling stopped on a rejected credential,
	// so the host can prompt for re-authorization.
	OnTrackerPaused(p *TrackerPausedPayload)
}

type DraftEntryPayload struct {
	TrackerID string
	DraftID   int64
	Entry     classify.DraftEntry
}

func (p DraftEntryPayload) Type() string { return "d" }

type TrackerPausedPayload struct {
	TrackerID string
}

func (p TrackerPausedPayload) Type() string { return "p" }

// TrackerSub dispatches channel payloads onto a TrackerListener.
type TrackerSub struct {
	listener Listener
	receiver TrackerListener
}

func NewTrackerSub(l Listener, recv TrackerListener) *TrackerSub {
	return &TrackerSub{
		listener: l,
		receiver: recv,
	}
}

func (s *TrackerSub) Teardown() {
	s.listener.Close()
}

func (s *TrackerSub) onMessage(p Payload) {
	switch p.Type() {
	case DraftEntryPayload{}.Type():
		s.receiver.OnDraftEntry(p.(*DraftEntryPayload))
	case TrackerPausedPayload{}.Type():
		s.receiver.OnTrackerPaused(p.(*TrackerPausedPayload))
	}
}

func (s *TrackerSub) Listen() error {
	return s.listener.Listen(ChanTracker, s.onMessage)
}
