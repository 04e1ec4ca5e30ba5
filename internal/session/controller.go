package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aura-voice/callbridge/internal/engine"
	"github.com/aura-voice/callbridge/internal/events"
	"github.com/aura-voice/callbridge/internal/models"
	"github.com/aura-voice/callbridge/internal/relay"
	"github.com/aura-voice/callbridge/internal/reporting"
	"github.com/aura-voice/callbridge/internal/telephony"
	"github.com/aura-voice/callbridge/pkg/queue"
)

// End reasons recorded on the call.
const (
	ReasonTelephonyStop   = "telephony_stop"
	ReasonTelephonyClosed = "telephony_closed"
	ReasonEngineClosed    = "engine_closed"
	ReasonMaxDuration     = "max_duration"
	ReasonShutdown        = "shutdown"
	ReasonCancelled       = "cancelled"
	ReasonDuplicateCall   = "duplicate_call"
)

type setupResult struct {
	conn *engine.Conn
	err  error
}

// controller is the single goroutine that owns one CallSession. Every state
// change and every relay write for the call happens on it.
type controller struct {
	svc    *Service
	sess   *CallSession
	tel    *telephony.Conn
	relay  *relay.Relay
	logger *zap.Logger

	setup     chan setupResult
	eng       *engine.Conn
	engEvents <-chan engine.Event

	lane       *lane
	registered bool
}

func newController(svc *Service, tc *telephony.Conn) *controller {
	sess := newCallSession(time.Now().UTC())
	return &controller{
		svc:    svc,
		sess:   sess,
		tel:    tc,
		relay:  relay.New("", tc, &sess.stats, svc.logger),
		logger: svc.logger,
		setup:  make(chan setupResult),
	}
}

func (c *controller) run(ctx context.Context) {
	reason := ReasonTelephonyClosed
	defer func() { c.teardown(reason) }()

	var lifetime <-chan time.Time
	if d := c.svc.opts.MaxCallDuration; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		lifetime = t.C
	}

	telEvents := c.tel.Events()
	for {
		select {
		case ev, ok := <-telEvents:
			if !ok {
				reason = ReasonTelephonyClosed
				return
			}
			if end, r := c.onTelephony(ctx, ev); end {
				reason = r
				return
			}
		case res := <-c.setup:
			c.onSetup(res)
		case ev, ok := <-c.engEvents:
			if !ok {
				reason = ReasonEngineClosed
				return
			}
			c.onEngine(ev)
		case <-lifetime:
			c.logger.Warn("call reached max duration", zap.Duration("max", c.svc.opts.MaxCallDuration))
			reason = ReasonMaxDuration
			return
		case <-ctx.Done():
			reason = ReasonCancelled
			if c.svc.baseCtx.Err() != nil {
				reason = ReasonShutdown
			}
			return
		}
	}
}

func (c *controller) onTelephony(ctx context.Context, ev telephony.Event) (end bool, reason string) {
	switch ev.Kind {
	case telephony.EventStart:
		return c.onStart(ctx, ev)
	case telephony.EventMedia:
		if c.sess.State() == models.CallStateInitiated {
			c.sess.stats.FromTelephony.Add(1)
			c.sess.stats.Dropped.Add(1)
			c.logger.Warn("media before stream start dropped")
			return false, ""
		}
		c.relay.ToEngine(ev.Audio)
	case telephony.EventStop:
		c.logger.Info("telephony stop received")
		return true, ReasonTelephonyStop
	default:
		c.logger.Debug("ignoring telephony event", zap.String("event", ev.Name))
	}
	return false, ""
}

func (c *controller) onStart(ctx context.Context, ev telephony.Event) (bool, string) {
	if c.sess.State() != models.CallStateInitiated {
		c.logger.Warn("duplicate start ignored", zap.String("stream_id", ev.StreamID))
		return false, ""
	}
	if err := c.sess.connect(ev.CallID, ev.StreamID, ev.CustomParameters); err != nil {
		c.logger.Warn("start rejected", zap.Error(err))
		return false, ""
	}
	c.logger = c.svc.logger.With(zap.String("call_id", ev.CallID), zap.String("stream_id", ev.StreamID))

	if !c.svc.registry.Insert(ev.CallID, c.sess) {
		c.logger.Warn("call already has a live session, rejecting connection")
		return true, ReasonDuplicateCall
	}
	c.registered = true
	c.relay = relay.New(ev.CallID, c.tel, &c.sess.stats, c.svc.logger)
	c.lane = startLane(&c.svc.lanes, c.svc.opts.TaskTimeout, c.logger)
	c.logger.Info("call connected", zap.Int("custom_parameters", len(ev.CustomParameters)))

	rec := c.sess.Snapshot()
	c.post("store create", func(ctx context.Context) error {
		if c.svc.opts.Store == nil {
			return nil
		}
		return c.svc.opts.Store.Create(ctx, &rec)
	})
	c.publishState(models.CallStateConnected)

	c.startSetup(ctx, engine.NewConversation(ev.CustomParameters, c.svc.opts.Defaults))
	return false, ""
}

// startSetup dials the engine off the controller goroutine. A result nobody
// is waiting for any more is closed.
func (c *controller) startSetup(ctx context.Context, conv engine.Conversation) {
	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, c.svc.opts.SetupTimeout)
		defer cancel()
		conn, err := c.svc.opts.Engine.Dial(dialCtx, conv)
		select {
		case c.setup <- setupResult{conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (c *controller) onSetup(res setupResult) {
	if res.err != nil {
		c.logger.Warn("engine setup failed, call stays connected without audio", zap.Error(res.err))
		return
	}
	if err := c.sess.transition(models.CallStateStreaming); err != nil {
		c.logger.Warn("engine ready in unexpected state", zap.Error(err))
		_ = res.conn.Close()
		return
	}
	c.eng = res.conn
	c.engEvents = res.conn.Events()
	c.relay.AttachEngine(res.conn)
	c.logger.Info("call streaming")

	callID := c.sess.CallID()
	c.post("report in-progress", func(ctx context.Context) error {
		c.svc.report(ctx, reporting.StatusUpdate{CallID: callID, Status: reporting.StatusInProgress})
		return nil
	})
	c.post("store state", func(ctx context.Context) error {
		if c.svc.opts.Store == nil {
			return nil
		}
		return c.svc.opts.Store.UpdateState(ctx, callID, models.CallStateStreaming)
	})
	c.publishState(models.CallStateStreaming)
}

func (c *controller) onEngine(ev engine.Event) {
	switch ev.Kind {
	case engine.EventMetadata:
		c.sess.setConversationID(ev.ConversationID)
		c.logger.Info("engine conversation started", zap.String("conversation_id", ev.ConversationID))
	case engine.EventAudio:
		c.relay.ToTelephony(c.sess.StreamID(), ev.Audio)
	case engine.EventInterruption:
		c.relay.Interrupt(c.sess.StreamID())
	case engine.EventAgentResponse:
		c.appendTranscript(models.SpeakerAgent, ev.Text, &c.sess.agentUtterances)
	case engine.EventUserTranscript:
		c.appendTranscript(models.SpeakerUser, ev.Text, &c.sess.userUtterances)
	default:
		c.logger.Debug("ignoring engine event", zap.String("type", ev.Type))
	}
}

func (c *controller) appendTranscript(speaker models.Speaker, text string, counter interface{ Add(int64) int64 }) {
	at := time.Now().UTC()
	if !c.sess.transcript.Append(speaker, text, at) {
		return
	}
	counter.Add(1)
	entry := models.TranscriptEntry{Speaker: speaker, Text: text, Timestamp: at}
	c.publish(events.EventTranscript, entry)
}

func (c *controller) teardown(reason string) {
	if !c.sess.end(reason, time.Now().UTC()) {
		return
	}
	c.relay.DetachEngine()
	if c.eng != nil {
		_ = c.eng.Close()
	}
	_ = c.tel.Close()
	final := c.sess.transcript.Freeze()

	if c.registered {
		if !c.svc.registry.RemoveIf(c.sess.CallID(), c.sess) {
			c.logger.Error("session missing from registry at teardown")
		}
	}

	rec := c.sess.Snapshot()
	rec.Transcript = final
	c.logger.Info("call ended",
		zap.String("reason", reason),
		zap.Duration("duration", rec.Duration(time.Now().UTC())),
		zap.Int("transcript_entries", len(final)),
		zap.Int64("audio_to_engine", rec.Metrics.AudioToEngine),
		zap.Int64("audio_to_telephony", rec.Metrics.AudioToTelephony),
		zap.Int64("interruptions", rec.Metrics.Interruptions),
		zap.Int64("dropped_chunks", rec.Metrics.DroppedChunks),
	)
	if c.lane == nil {
		return
	}
	c.lane.finish("finalize", func(ctx context.Context) error {
		c.finalize(ctx, rec)
		return nil
	})
}

// finalize runs on the lane after teardown: report, persist, archive, publish.
func (c *controller) finalize(ctx context.Context, rec models.CallRecord) {
	c.svc.report(ctx, reporting.StatusUpdate{
		CallID:     rec.CallID,
		Status:     reporting.StatusCompleted,
		Transcript: rec.Transcript,
	})
	if c.svc.opts.Store != nil {
		if err := c.svc.opts.Store.Finish(ctx, &rec); err != nil {
			c.logger.Warn("store finish failed", zap.Error(err))
		} else if c.svc.opts.Archiver != nil {
			if err := c.svc.opts.Archiver.EnqueueTranscriptArchive(ctx, queue.TranscriptArchivePayload{CallID: rec.CallID}); err != nil {
				c.logger.Warn("enqueue transcript archive failed", zap.Error(err))
			}
		}
	}
	if c.svc.opts.Publisher != nil {
		if err := c.svc.opts.Publisher.PublishCallEvent(ctx, rec.CallID, events.EventEnded, rec); err != nil {
			c.logger.Debug("publish ended failed", zap.Error(err))
		}
	}
}

func (c *controller) post(name string, fn func(ctx context.Context) error) {
	if c.lane != nil {
		c.lane.post(name, fn)
	}
}

func (c *controller) offer(name string, fn func(ctx context.Context) error) {
	if c.lane != nil {
		c.lane.offer(name, fn)
	}
}

func (c *controller) publishState(state models.CallState) {
	c.publish(events.EventState, map[string]models.CallState{"state": state})
}

func (c *controller) publish(event string, payload any) {
	if c.svc.opts.Publisher == nil {
		return
	}
	callID := c.sess.CallID()
	c.offer("publish "+event, func(ctx context.Context) error {
		return c.svc.opts.Publisher.PublishCallEvent(ctx, callID, event, payload)
	})
}
