package worker

import (
	"time"

	"go.uber.org/zap"
)

type sessionWorker struct {
	sessionID string
	taskCh    chan turnTask
	stopCh    chan struct{}
}

func newSessionWorker(sessionID string, queueLen int) *sessionWorker {
	return &sessionWorker{
		sessionID: sessionID,
		taskCh:    make(chan turnTask, queueLen),
		stopCh:    make(chan struct{}),
	}
}

func (m *Manager) runWorker(w *sessionWorker) {
	defer m.wg.Done()

	idle := time.NewTimer(m.idle)
	defer idle.Stop()

	for {
		// stop wins over queued work
		select {
		case <-w.stopCh:
			m.drain(w)
			return
		default:
		}

		select {
		case <-w.stopCh:
			m.drain(w)
			return
		case task := <-w.taskCh:
			m.handle(task, w.sessionID)
			idle.Reset(m.idle)
		case <-idle.C:
			if m.retire(w) {
				m.logger.Debug("session worker retired", zap.String("session_id", w.sessionID))
				return
			}
			idle.Reset(m.idle)
		}
	}
}

// drain fails every turn still queued when the manager closes.
func (m *Manager) drain(w *sessionWorker) {
	for {
		select {
		case task := <-w.taskCh:
			task.resultCh <- turnReturn{err: ErrClosed}
		default:
			return
		}
	}
}
