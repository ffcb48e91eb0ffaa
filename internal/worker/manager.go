package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"robustagent/internal/logging"
	"robustagent/internal/pipeline"
)

var (
	// ErrBusy is returned when a session already has a full queue of turns.
	ErrBusy = errors.New("session queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("worker manager closed")
)

const (
	defaultQueueLen    = 16
	defaultIdleTimeout = 5 * time.Minute
	defaultMaxParallel = 8
)

// Runner executes one turn.
type Runner interface {
	Run(ctx context.Context, sessionID, input string) (*pipeline.Result, error)
}

type Config struct {
	MaxConcurrentTurns int64         // turns running at once across all sessions
	QueueSize          int           // pending turns per session
	IdleTimeout        time.Duration // a worker with nothing to do retires after this
}

// Manager gives every active session its own goroutine so that turns of one
// session run strictly in order while different sessions proceed in
// parallel, up to MaxConcurrentTurns.
type Manager struct {
	runner   Runner
	sem      *semaphore.Weighted
	queueLen int
	idle     time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	workers map[string]*sessionWorker
	closed  bool
	wg      sync.WaitGroup
}

type turnTask struct {
	ctx      context.Context
	input    string
	resultCh chan turnReturn
}

type turnReturn struct {
	result *pipeline.Result
	err    error
}

func NewManager(runner Runner, cfg Config, logger *zap.Logger) *Manager {
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = defaultMaxParallel
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueLen
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Manager{
		runner:   runner,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentTurns),
		queueLen: cfg.QueueSize,
		idle:     cfg.IdleTimeout,
		logger:   logging.OrNop(logger),
		workers:  make(map[string]*sessionWorker),
	}
}

// Submit queues a turn on the session's worker and waits for its result.
// When ctx ends first the turn still runs to completion if it already
// started, but its result is discarded.
func (m *Manager) Submit(ctx context.Context, sessionID, input string) (*pipeline.Result, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	task := turnTask{ctx: ctx, input: input, resultCh: make(chan turnReturn, 1)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	w := m.ensureWorkerLocked(sessionID)
	select {
	case w.taskCh <- task:
	default:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, sessionID)
	}
	m.mu.Unlock()

	select {
	case ret := <-task.resultCh:
		return ret.result, ret.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ActiveSessions returns the number of live session workers.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Close stops accepting turns, fails queued ones with ErrClosed and waits
// for running turns to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, w := range m.workers {
		close(w.stopCh)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) ensureWorkerLocked(sessionID string) *sessionWorker {
	if w, ok := m.workers[sessionID]; ok {
		return w
	}
	w := newSessionWorker(sessionID, m.queueLen)
	m.workers[sessionID] = w
	m.wg.Add(1)
	go m.runWorker(w)
	m.logger.Debug("session worker started", zap.String("session_id", sessionID))
	return w
}

// retire removes an idle worker. It refuses when a turn was queued after the
// idle timer fired.
func (m *Manager) retire(w *sessionWorker) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(w.taskCh) > 0 {
		return false
	}
	if m.workers[w.sessionID] == w {
		delete(m.workers, w.sessionID)
	}
	return true
}

func (m *Manager) handle(task turnTask, sessionID string) {
	ctx := task.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		task.resultCh <- turnReturn{err: err}
		return
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		task.resultCh <- turnReturn{err: err}
		return
	}
	defer m.sem.Release(1)

	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("turn panicked", zap.String("session_id", sessionID), zap.Any("panic", p))
			task.resultCh <- turnReturn{err: fmt.Errorf("turn panicked: %v", p)}
		}
	}()
	res, err := m.runner.Run(ctx, sessionID, task.input)
	task.resultCh <- turnReturn{result: res, err: err}
}
