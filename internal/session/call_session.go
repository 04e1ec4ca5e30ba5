package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aura-voice/callbridge/internal/models"
	"github.com/aura-voice/callbridge/internal/relay"
	"github.com/aura-voice/callbridge/internal/transcript"
)

// ErrInvalidTransition is returned for a state change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid call state transition")

var transitions = map[models.CallState][]models.CallState{
	models.CallStateInitiated: {models.CallStateConnected, models.CallStateEnded},
	models.CallStateConnected: {models.CallStateStreaming, models.CallStateEnded},
	models.CallStateStreaming: {models.CallStateEnded},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to models.CallState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CallSession is the live state of one call. Only the owning controller
// mutates it; anyone may read through Snapshot.
type CallSession struct {
	mu             sync.RWMutex
	callID         string
	streamID       string
	conversationID string
	state          models.CallState
	params         map[string]string
	endReason      string
	startedAt      time.Time
	endedAt        *time.Time

	transcript      *transcript.Aggregator
	stats           relay.Stats
	agentUtterances atomic.Int64
	userUtterances  atomic.Int64
}

func newCallSession(now time.Time) *CallSession {
	return &CallSession{
		state:      models.CallStateInitiated,
		startedAt:  now,
		transcript: transcript.New(),
	}
}

// CallID returns the telephony call id, empty before start.
func (s *CallSession) CallID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callID
}

// StreamID returns the media stream id, empty before start.
func (s *CallSession) StreamID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamID
}

// State returns the current lifecycle state.
func (s *CallSession) State() models.CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CustomParameters returns a copy of the parameters captured at start.
func (s *CallSession) CustomParameters() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyParams(s.params)
}

// connect captures the stream identity. The stream id is set only here.
func (s *CallSession) connect(callID, streamID string, params map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, models.CallStateConnected) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, models.CallStateConnected)
	}
	s.callID = callID
	s.streamID = streamID
	s.params = copyParams(params)
	s.state = models.CallStateConnected
	return nil
}

func (s *CallSession) transition(to models.CallState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

// end moves the session to ENDED. It reports false if it already was.
func (s *CallSession) end(reason string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == models.CallStateEnded {
		return false
	}
	s.state = models.CallStateEnded
	s.endReason = reason
	s.endedAt = &now
	return true
}

func (s *CallSession) setConversationID(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

// Metrics returns the current counters.
func (s *CallSession) Metrics() models.CallMetrics {
	return models.CallMetrics{
		AudioFromTelephony: s.stats.FromTelephony.Load(),
		AudioToEngine:      s.stats.ToEngine.Load(),
		AudioFromEngine:    s.stats.FromEngine.Load(),
		AudioToTelephony:   s.stats.ToTelephony.Load(),
		AgentUtterances:    s.agentUtterances.Load(),
		UserUtterances:     s.userUtterances.Load(),
		Interruptions:      s.stats.Interruptions.Load(),
		DroppedChunks:      s.stats.Dropped.Load(),
	}
}

// Snapshot returns a consistent copy of the session.
func (s *CallSession) Snapshot() models.CallRecord {
	s.mu.RLock()
	rec := models.CallRecord{
		CallID:           s.callID,
		StreamID:         s.streamID,
		ConversationID:   s.conversationID,
		State:            s.state,
		EndReason:        s.endReason,
		CustomParameters: copyParams(s.params),
		StartedAt:        s.startedAt,
	}
	if s.endedAt != nil {
		t := *s.endedAt
		rec.EndedAt = &t
	}
	s.mu.RUnlock()
	rec.Metrics = s.Metrics()
	rec.Transcript = s.transcript.Entries()
	return rec
}

func copyParams(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
