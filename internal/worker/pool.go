package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fcmrelay/internal/logging"
	"fcmrelay/internal/metrics"
	"fcmrelay/internal/model"
)

var (
	// ErrAlreadyRunning is returned when a worker exists for the credential.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrNotRunning is returned when no worker exists for the credential.
	ErrNotRunning = errors.New("worker not running")
)

const (
	stopTimeout     = 3 * time.Second
	shutdownTimeout = 2 * time.Second
)

// handle tracks one spawned worker.
type handle struct {
	name      string
	cancel    context.CancelFunc
	done      chan struct{}
	createdAt time.Time
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Pool owns the set of running workers, keyed by credential id.
//
// Reads (IsRunning, ActiveCount) take the read lock; mutations take the
// write lock. The lock is never held while waiting on a worker to finish.
type Pool struct {
	deps Deps
	log  *logging.Logger

	mu      sync.RWMutex
	workers map[string]*handle
}

// NewPool creates an empty Pool sharing the given worker dependencies.
func NewPool(deps Deps) *Pool {
	if deps.BaseDelay == 0 {
		deps.BaseDelay = defaultBaseDelay
	}
	return &Pool{
		deps:    deps,
		log:     deps.Log,
		workers: make(map[string]*handle),
	}
}

// StartAllRunnable starts a worker for every active, non-suspended
// credential. Per-credential failures are logged, not propagated.
func (p *Pool) StartAllRunnable(ctx context.Context) error {
	creds, err := p.deps.Store.ListRunnable(ctx)
	if err != nil {
		return fmt.Errorf("list runnable credentials: %w", err)
	}
	p.log.Info("starting runnable credential listeners", "count", len(creds))

	for i := range creds {
		if err := p.StartWorker(&creds[i]); err != nil {
			p.log.Error("failed to start worker", "credential", creds[i].ID, "error", err)
		}
	}
	return nil
}

// StartWorker spawns a worker for the credential. It fails with
// ErrAlreadyRunning when a handle exists for the credential id.
func (p *Pool) StartWorker(cred *model.Credential) error {
	p.mu.Lock()
	if _, ok := p.workers[cred.ID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, cred.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		name:      cred.Name,
		cancel:    cancel,
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	p.workers[cred.ID] = h
	p.mu.Unlock()

	w := New(*cred, p.deps)
	go func() {
		metrics.ActiveWorkers.Inc()
		defer metrics.ActiveWorkers.Dec()
		defer close(h.done)
		w.Run(ctx)
	}()

	p.log.Info("worker started", "credential", cred.ID, "name", cred.Name)
	return nil
}

// StopWorker signals the worker's shutdown and waits for it to finish, up
// to a short timeout. The handle is released either way: a receive blocked
// in the vendor client exits when its connection drops on its own.
func (p *Pool) StopWorker(credentialID string) error {
	p.mu.Lock()
	h, ok := p.workers[credentialID]
	delete(p.workers, credentialID)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, credentialID)
	}

	p.log.Info("stopping worker", "credential", credentialID, "name", h.name)
	h.cancel()

	select {
	case <-h.done:
		p.log.Info("worker stopped gracefully", "credential", credentialID)
	case <-p.deps.Clock.After(stopTimeout):
		p.log.Warn("worker stop timed out, releasing handle", "credential", credentialID)
	}
	return nil
}

// RestartWorker stops the worker if running, then starts it fresh from the
// given credential snapshot.
func (p *Pool) RestartWorker(cred *model.Credential) error {
	if err := p.StopWorker(cred.ID); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return p.StartWorker(cred)
}

// IsRunning reports whether a worker for the credential exists and has not
// finished.
func (p *Pool) IsRunning(credentialID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.workers[credentialID]
	return ok && !h.finished()
}

// ActiveCount returns the number of workers that have not finished.
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, h := range p.workers {
		if !h.finished() {
			n++
		}
	}
	return n
}

// ShutdownAll signals every worker and waits briefly for each. Called once
// at process shutdown.
func (p *Pool) ShutdownAll() {
	p.log.Info("shutting down all workers")

	p.mu.Lock()
	handles := make([]*handle, 0, len(p.workers))
	ids := make([]string, 0, len(p.workers))
	for id, h := range p.workers {
		handles = append(handles, h)
		ids = append(ids, id)
	}
	p.workers = make(map[string]*handle)
	p.mu.Unlock()

	for i, h := range handles {
		h.cancel()
		select {
		case <-h.done:
			p.log.Info("worker stopped gracefully", "credential", ids[i])
		case <-p.deps.Clock.After(shutdownTimeout):
			// Blocking receives cannot be aborted; move on.
			p.log.Warn("worker shutdown timed out", "credential", ids[i])
		}
	}

	p.log.Info("all workers stopped")
}
