package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// laneBuffer caps the backlog beyond which best-effort tasks are shed.
const laneBuffer = 64

type laneTask struct {
	name string
	fn   func(ctx context.Context) error
}

// lane runs a session's side effects (reports, persistence, events) in order
// on its own goroutine so the controller never waits on them. Reports and
// persistence are always kept; only event publishes are shed under backlog.
type lane struct {
	mu     sync.Mutex
	queue  []laneTask
	closed bool
	wake   chan struct{}

	timeout time.Duration
	logger  *zap.Logger
}

func startLane(wg *sync.WaitGroup, timeout time.Duration, logger *zap.Logger) *lane {
	l := &lane{
		wake:    make(chan struct{}, 1),
		timeout: timeout,
		logger:  logger,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.run()
	}()
	return l
}

// run executes tasks until the lane is finished and drained.
func (l *lane) run() {
	for {
		t, ok := l.next()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		if err := t.fn(ctx); err != nil {
			l.logger.Warn("background task failed", zap.String("task", t.name), zap.Error(err))
		}
		cancel()
	}
}

func (l *lane) next() (laneTask, bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			t := l.queue[0]
			l.queue[0] = laneTask{}
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return t, true
		}
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return laneTask{}, false
		}
		<-l.wake
	}
}

// post queues a task that must run. It never blocks and never drops.
func (l *lane) post(name string, fn func(ctx context.Context) error) {
	l.enqueue(laneTask{name: name, fn: fn}, false)
}

// offer queues a best-effort task, dropping it once laneBuffer tasks are waiting.
func (l *lane) offer(name string, fn func(ctx context.Context) error) bool {
	return l.enqueue(laneTask{name: name, fn: fn}, true)
}

// finish queues the final task and closes the lane. Tasks queued earlier
// still run first; anything posted afterwards is discarded.
func (l *lane) finish(name string, fn func(ctx context.Context) error) {
	l.enqueue(laneTask{name: name, fn: fn}, false)
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *lane) enqueue(t laneTask, droppable bool) bool {
	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		l.logger.Warn("background lane finished, task discarded", zap.String("task", t.name))
		return false
	case droppable && len(l.queue) >= laneBuffer:
		l.mu.Unlock()
		l.logger.Warn("background lane backlogged, task dropped", zap.String("task", t.name))
		return false
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()
	l.signal()
	return true
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
