package service

import (
	"context"
	"sync"

	"github.com/haatos/simple-cd/internal/store"
)

// RunHandle observes and controls one triggered run.
type RunHandle struct {
	RunID  int64
	Target string
	Mode   Mode

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu       sync.Mutex
	status   store.RunStatus
	stage    string
	lease    *Lease
	finished bool
}

func newRunHandle(run *store.Run, mode Mode) *RunHandle {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &RunHandle{
		RunID:  run.RunID,
		Target: run.Target,
		Mode:   mode,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		status: run.Status,
	}
}

// Done is closed once the run reached a terminal status.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

func (h *RunHandle) Status() store.RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Wait blocks until the run is terminal or ctx is done.
func (h *RunHandle) Wait(ctx context.Context) (store.RunStatus, error) {
	select {
	case <-h.done:
		return h.Status(), nil
	case <-ctx.Done():
		return h.Status(), ctx.Err()
	}
}

func (h *RunHandle) setStatus(s store.RunStatus) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return false
	}
	h.status = s
	return true
}

func (h *RunHandle) setStage(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stage = name
}

func (h *RunHandle) currentStage() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stage
}

// holds reports whether l is the lease the unfinished run was admitted with.
func (h *RunHandle) holds(l *Lease) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.finished && h.lease == l
}

// admit records the lease the run was granted. It reports false when the run
// was finished concurrently, in which case the caller still owns the lease.
func (h *RunHandle) admit(l *Lease) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return false
	}
	h.lease = l
	return true
}

// markFinished transitions the handle to a terminal status exactly once and
// hands back the lease to release.
func (h *RunHandle) markFinished(s store.RunStatus) (*Lease, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return nil, false
	}
	h.finished = true
	h.status = s
	l := h.lease
	h.lease = nil
	return l, true
}

type runHandles struct {
	mu      sync.Mutex
	handles map[int64]*RunHandle
}

func newRunHandles() *runHandles {
	return &runHandles{handles: make(map[int64]*RunHandle)}
}

func (m *runHandles) add(h *RunHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[h.RunID] = h
}

func (m *runHandles) remove(runID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, runID)
}

func (m *runHandles) get(runID int64) (*RunHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[runID]
	return h, ok
}

func (m *runHandles) all() []*RunHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := make([]*RunHandle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	return hs
}
