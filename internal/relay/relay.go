// Package relay forwards audio chunks between the telephony and engine connections of one call.
package relay

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// TelephonySink plays audio to the caller.
type TelephonySink interface {
	SendMedia(streamID string, audio []byte) error
	SendClear(streamID string) error
}

// EngineSink accepts caller audio.
type EngineSink interface {
	SendAudio(audio []byte) error
}

// Stats are the relay counters. Safe to read from any goroutine.
type Stats struct {
	FromTelephony atomic.Int64
	ToEngine      atomic.Int64
	FromEngine    atomic.Int64
	ToTelephony   atomic.Int64
	Interruptions atomic.Int64
	Dropped       atomic.Int64
}

// Relay is driven by a single session goroutine; it is not safe for
// concurrent use apart from reading Stats. Every call forwards immediately,
// so output order is call order.
type Relay struct {
	callID    string
	telephony TelephonySink
	engine    EngineSink
	stats     *Stats
	logger    *zap.Logger
}

// New creates a relay for callID writing to telephony. Counters go to stats.
func New(callID string, telephony TelephonySink, stats *Stats, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &Relay{
		callID:    callID,
		telephony: telephony,
		stats:     stats,
		logger:    logger.With(zap.String("call_id", callID)),
	}
}

// AttachEngine starts forwarding caller audio to e.
func (r *Relay) AttachEngine(e EngineSink) {
	r.engine = e
}

// DetachEngine stops forwarding caller audio.
func (r *Relay) DetachEngine() {
	r.engine = nil
}

// ToEngine forwards one caller chunk. Reports whether it was sent.
func (r *Relay) ToEngine(audio []byte) bool {
	r.stats.FromTelephony.Add(1)
	if r.engine == nil {
		r.drop("engine not attached", nil)
		return false
	}
	if err := r.engine.SendAudio(audio); err != nil {
		r.drop("engine send failed", err)
		return false
	}
	r.stats.ToEngine.Add(1)
	return true
}

// ToTelephony forwards one agent chunk to the caller. Reports whether it was sent.
func (r *Relay) ToTelephony(streamID string, audio []byte) bool {
	r.stats.FromEngine.Add(1)
	if streamID == "" {
		r.drop("no stream id yet", nil)
		return false
	}
	if err := r.telephony.SendMedia(streamID, audio); err != nil {
		r.drop("telephony send failed", err)
		return false
	}
	r.stats.ToTelephony.Add(1)
	return true
}

// Interrupt flushes caller playback. Agent audio relayed after it returns is
// queued behind the clear on the same socket.
func (r *Relay) Interrupt(streamID string) bool {
	r.stats.Interruptions.Add(1)
	if streamID == "" {
		r.logger.Warn("interruption before stream start")
		return false
	}
	if err := r.telephony.SendClear(streamID); err != nil {
		r.logger.Warn("clear failed", zap.String("stream_id", streamID), zap.Error(err))
		return false
	}
	return true
}

func (r *Relay) drop(reason string, err error) {
	r.stats.Dropped.Add(1)
	fields := []zap.Field{zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	r.logger.Warn("dropped audio chunk", fields...)
}
