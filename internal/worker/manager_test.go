package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"robustagent/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner tracks how many turns run at once, overall and per session.
type fakeRunner struct {
	mu         sync.Mutex
	inFlight   int
	maxFlight  int
	perSession map[string]int
	overlap    bool
	started    chan string
	gate       chan struct{} // when non-nil every turn waits for a receive
	panicOn    string
	ran        int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{perSession: make(map[string]int), started: make(chan string, 64)}
}

func (f *fakeRunner) Run(ctx context.Context, sessionID, input string) (*pipeline.Result, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	f.perSession[sessionID]++
	if f.perSession[sessionID] > 1 {
		f.overlap = true
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.perSession[sessionID]--
		f.mu.Unlock()
	}()

	atomic.AddInt32(&f.ran, 1)
	f.started <- sessionID
	if input == f.panicOn && input != "" {
		panic("boom")
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &pipeline.Result{SessionID: sessionID, Reply: "echo: " + input}, nil
}

func (f *fakeRunner) stats() (maxFlight int, overlap bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxFlight, f.overlap
}

func newTestManager(t *testing.T, r Runner, cfg Config) *Manager {
	t.Helper()
	m := NewManager(r, cfg, nil)
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func queued(m *Manager, sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[sessionID]; ok {
		return len(w.taskCh)
	}
	return 0
}

func TestSubmitReturnsRunnerResult(t *testing.T) {
	m := newTestManager(t, newFakeRunner(), Config{})
	res, err := m.Submit(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if res.Reply != "echo: hello" || res.SessionID != "s1" {
		t.Fatalf("unexpected result: %#v", res)
	}
	if _, err := m.Submit(context.Background(), "", "hello"); err == nil {
		t.Fatalf("expected error for empty session id")
	}
}

func TestTurnsOfOneSessionAreSerialized(t *testing.T) {
	r := newFakeRunner()
	m := newTestManager(t, r, Config{MaxConcurrentTurns: 4, QueueSize: 8})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Submit(context.Background(), "same", "hi"); err != nil {
				t.Errorf("Submit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, overlap := r.stats(); overlap {
		t.Fatalf("turns of one session overlapped")
	}
	if got := atomic.LoadInt32(&r.ran); got != 6 {
		t.Fatalf("expected 6 turns, got %d", got)
	}
}

func TestSessionsRunInParallelUpToLimit(t *testing.T) {
	r := newFakeRunner()
	r.gate = make(chan struct{})
	m := newTestManager(t, r, Config{MaxConcurrentTurns: 2})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.Submit(context.Background(), id, "hi"); err != nil {
				t.Errorf("Submit(%s) error: %v", id, err)
			}
		}(id)
	}

	// two sessions start without waiting for each other, the third waits for a slot
	<-r.started
	<-r.started
	select {
	case id := <-r.started:
		t.Fatalf("session %s started beyond the concurrency limit", id)
	case <-time.After(30 * time.Millisecond):
	}

	for i := 0; i < 3; i++ {
		r.gate <- struct{}{}
	}
	wg.Wait()

	if maxFlight, _ := r.stats(); maxFlight != 2 {
		t.Fatalf("expected 2 concurrent turns, got %d", maxFlight)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	r := newFakeRunner()
	r.gate = make(chan struct{})
	m := newTestManager(t, r, Config{QueueSize: 1})

	errs := make(chan error, 2)
	go func() {
		_, err := m.Submit(context.Background(), "s1", "first")
		errs <- err
	}()
	<-r.started // first turn is running, queue is empty

	go func() {
		_, err := m.Submit(context.Background(), "s1", "second")
		errs <- err
	}()
	waitFor(t, "second turn to queue", func() bool { return queued(m, "s1") == 1 })

	_, err := m.Submit(context.Background(), "s1", "third")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	r.gate <- struct{}{}
	r.gate <- struct{}{}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("queued turn failed: %v", err)
		}
	}
}

func TestIdleWorkersRetire(t *testing.T) {
	m := newTestManager(t, newFakeRunner(), Config{IdleTimeout: 10 * time.Millisecond})
	if _, err := m.Submit(context.Background(), "s1", "hi"); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	waitFor(t, "worker to retire", func() bool { return m.ActiveSessions() == 0 })

	// a retired session gets a fresh worker
	if _, err := m.Submit(context.Background(), "s1", "again"); err != nil {
		t.Fatalf("Submit after retire error: %v", err)
	}
}

func TestCloseFailsQueuedTurnsAndRejectsNewOnes(t *testing.T) {
	r := newFakeRunner()
	r.gate = make(chan struct{})
	m := NewManager(r, Config{QueueSize: 4}, nil)

	errs := make(chan error, 2)
	go func() {
		_, err := m.Submit(context.Background(), "s1", "running")
		errs <- err
	}()
	<-r.started
	go func() {
		_, err := m.Submit(context.Background(), "s1", "queued")
		errs <- err
	}()
	waitFor(t, "turn to queue", func() bool { return queued(m, "s1") == 1 })

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatalf("Close returned while a turn was running")
	case <-time.After(20 * time.Millisecond):
	}
	r.gate <- struct{}{}
	<-closed

	var gotClosed, gotOK int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			gotOK++
		case errors.Is(err, ErrClosed):
			gotClosed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if gotOK != 1 || gotClosed != 1 {
		t.Fatalf("expected one finished and one closed turn, got ok=%d closed=%d", gotOK, gotClosed)
	}

	if _, err := m.Submit(context.Background(), "s1", "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
	m.Close()
}

func TestSubmitHonorsContext(t *testing.T) {
	r := newFakeRunner()
	r.gate = make(chan struct{})
	m := newTestManager(t, r, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Submit(ctx, "s1", "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunnerPanicBecomesError(t *testing.T) {
	r := newFakeRunner()
	r.panicOn = "explode"
	m := newTestManager(t, r, Config{})

	if _, err := m.Submit(context.Background(), "s1", "explode"); err == nil {
		t.Fatalf("expected error from panicking turn")
	}
	if _, err := m.Submit(context.Background(), "s1", "fine"); err != nil {
		t.Fatalf("worker should survive a panic: %v", err)
	}
}
