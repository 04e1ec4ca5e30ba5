// Package session runs the lifecycle of bridged calls: one controller per
// telephony connection, driving INITIATED -> CONNECTED -> STREAMING -> ENDED.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-voice/callbridge/internal/engine"
	"github.com/aura-voice/callbridge/internal/models"
	"github.com/aura-voice/callbridge/internal/registry"
	"github.com/aura-voice/callbridge/internal/reporting"
	"github.com/aura-voice/callbridge/internal/telephony"
	"github.com/aura-voice/callbridge/pkg/queue"
)

// EngineDialer opens an engine conversation for a call.
type EngineDialer interface {
	Dial(ctx context.Context, conv engine.Conversation) (*engine.Conn, error)
}

// Store persists call history.
type Store interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	UpdateState(ctx context.Context, callID string, state models.CallState) error
	Finish(ctx context.Context, rec *models.CallRecord) error
}

// Publisher broadcasts lifecycle events.
type Publisher interface {
	PublishCallEvent(ctx context.Context, callID, event string, payload any) error
}

// Archiver schedules transcript archiving for ended calls.
type Archiver interface {
	EnqueueTranscriptArchive(ctx context.Context, payload queue.TranscriptArchivePayload) error
}

// DeadLetters keeps status reports that could not be delivered.
type DeadLetters interface {
	RecordFailedReport(ctx context.Context, report queue.FailedReport) error
}

// Options configures a Service. Engine and Reporter are required; the other
// collaborators are optional and skipped when nil.
type Options struct {
	Engine      EngineDialer
	Reporter    reporting.Reporter
	Store       Store
	Publisher   Publisher
	Archiver    Archiver
	DeadLetters DeadLetters
	Registry    *registry.Registry[*CallSession]
	Defaults    engine.Defaults

	SetupTimeout    time.Duration // engine signed URL + dial; default 10s
	MaxCallDuration time.Duration // 0 = unbounded
	TaskTimeout     time.Duration // per background task; default 10s

	Logger *zap.Logger
}

// Service owns the call registry and every running call controller.
type Service struct {
	opts     Options
	registry *registry.Registry[*CallSession]
	logger   *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	closed      bool
	controllers sync.WaitGroup
	lanes       sync.WaitGroup
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = registry.New[*CallSession]()
	}
	if opts.Reporter == nil {
		opts.Reporter = reporting.NewLogReporter(opts.Logger)
	}
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = 10 * time.Second
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:     opts,
		registry: opts.Registry,
		logger:   opts.Logger,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Serve runs the controller for one telephony connection and returns when the
// call has ended. The connection is closed on return.
func (s *Service) Serve(ctx context.Context, tc *telephony.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("rejecting media stream during shutdown")
		_ = tc.Close()
		return
	}
	s.controllers.Add(1)
	s.mu.Unlock()
	defer s.controllers.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	newController(s, tc).run(ctx)
}

// HandleMediaStream handles GET /media-stream (Twilio Media Streams websocket).
func (s *Service) HandleMediaStream(c *gin.Context) {
	tc, err := telephony.Upgrade(c.Writer, c.Request, s.logger)
	if err != nil {
		s.logger.Warn("media stream upgrade failed", zap.Error(err))
		return
	}
	s.Serve(c.Request.Context(), tc)
}

// ActiveCount returns the number of registered (started, not ended) calls.
func (s *Service) ActiveCount() int {
	return s.registry.Count()
}

// Active returns snapshots of all registered calls.
func (s *Service) Active() []models.CallRecord {
	sessions := s.registry.Snapshot()
	out := make([]models.CallRecord, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

// Lookup returns the snapshot of a live call.
func (s *Service) Lookup(callID string) (models.CallRecord, bool) {
	sess, ok := s.registry.Get(callID)
	if !ok {
		return models.CallRecord{}, false
	}
	return sess.Snapshot(), true
}

// Shutdown ends every call and waits for their final reports. It returns
// false if ctx expired first; reports still pending at that point are lost.
func (s *Service) Shutdown(ctx context.Context) bool {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	active := s.registry.Count()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.controllers.Wait()
		s.lanes.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("call sessions drained", zap.Int("ended", active))
		return true
	case <-ctx.Done():
		s.logger.Error("shutdown deadline reached, pending call reports lost",
			zap.Int("active", s.registry.Count()), zap.Error(ctx.Err()))
		return false
	}
}

// report delivers one status update and dead-letters it on failure. Reports
// are never retried.
func (s *Service) report(ctx context.Context, update reporting.StatusUpdate) {
	err := s.opts.Reporter.Report(ctx, update)
	if err == nil {
		return
	}
	s.logger.Warn("status report failed",
		zap.String("call_id", update.CallID),
		zap.String("status", update.Status),
		zap.Error(err),
	)
	if s.opts.DeadLetters != nil {
		dlCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if dlErr := s.opts.DeadLetters.RecordFailedReport(dlCtx, queue.FailedReport{
			CallID: update.CallID,
			Status: update.Status,
			Error:  err.Error(),
		}); dlErr != nil {
			s.logger.Warn("dead-letter failed", zap.String("call_id", update.CallID), zap.Error(dlErr))
		}
	}
}
