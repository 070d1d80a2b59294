package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lease proves exclusive admission to a deployment target. Its context is
// canceled when the lease is released or reclaimed; Err reports which.
type Lease struct {
	ID         string
	Group      string
	RunID      int64
	AcquiredOn time.Time

	expiresOn time.Time
	ctx       context.Context
	cancel    context.CancelCauseFunc
}

func (l *Lease) Context() context.Context {
	return l.ctx
}

func (l *Lease) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Err is nil while the lease is held, ErrLeaseReleased after a normal release
// and wraps ErrLeaseTimeout after the controller reclaimed it.
func (l *Lease) Err() error {
	if l.ctx.Err() == nil {
		return nil
	}
	return context.Cause(l.ctx)
}

type LeaseInfo struct {
	ID         string    `json:"id"`
	Group      string    `json:"group"`
	RunID      int64     `json:"run_id"`
	AcquiredOn time.Time `json:"acquired_on"`
	ExpiresOn  time.Time `json:"expires_on"`
	Waiting    int       `json:"waiting"`
}

type leaseGroup struct {
	holder  *Lease
	waiters []*LeaseTicket
}

func (g *leaseGroup) removeWaiter(t *LeaseTicket) bool {
	for i, w := range g.waiters {
		if w == t {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// LeaseTicket is a queued admission request. Tickets for one group are
// granted strictly in the order they were requested.
type LeaseTicket struct {
	lc      *LeaseController
	group   string
	runID   int64
	granted chan *Lease
}

// Wait suspends until the ticket is granted or ctx is done. A ticket whose
// wait was abandoned leaves the queue, and a lease granted concurrently with
// the abandonment is released again.
func (t *LeaseTicket) Wait(ctx context.Context) (*Lease, error) {
	select {
	case l := <-t.granted:
		return l, nil
	case <-ctx.Done():
	}

	t.lc.mu.Lock()
	g := t.lc.groups[t.group]
	removed := g != nil && g.removeWaiter(t)
	if removed {
		t.lc.deleteIfIdle(t.group, g)
	}
	t.lc.mu.Unlock()

	if !removed {
		l := <-t.granted
		_ = t.lc.Release(l)
	}
	return nil, context.Cause(ctx)
}

// LeaseController serializes runs per deployment target. The lease table is
// guarded by a single mutex; holders are handed over to the oldest waiter on
// release so admission order matches request order.
type LeaseController struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	groups map[string]*leaseGroup
}

func NewLeaseController(ttl time.Duration) *LeaseController {
	return &LeaseController{
		ttl:    ttl,
		now:    time.Now,
		groups: make(map[string]*leaseGroup),
	}
}

// Request enqueues an admission request for group without blocking. When the
// group is free the ticket is granted immediately.
func (lc *LeaseController) Request(group string, runID int64) *LeaseTicket {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	t := &LeaseTicket{lc: lc, group: group, runID: runID, granted: make(chan *Lease, 1)}
	g, ok := lc.groups[group]
	if !ok {
		g = &leaseGroup{}
		lc.groups[group] = g
	}
	if g.holder == nil && len(g.waiters) == 0 {
		t.granted <- lc.grant(g, group, runID)
		return t
	}
	g.waiters = append(g.waiters, t)
	return t
}

// Acquire blocks until a lease on group is held or ctx is done.
func (lc *LeaseController) Acquire(ctx context.Context, group string, runID int64) (*Lease, error) {
	return lc.Request(group, runID).Wait(ctx)
}

// Release gives up l and admits the next waiter, if any. ErrLeaseNotHeld is
// returned when l was already released or reclaimed.
func (lc *LeaseController) Release(l *Lease) error {
	return lc.Revoke(l, ErrLeaseReleased)
}

// Revoke ends l with cause and admits the next waiter, if any. The lease's
// context is canceled with cause before the next holder is granted.
func (lc *LeaseController) Revoke(l *Lease, cause error) error {
	if l == nil {
		return ErrLeaseNotHeld
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()

	g, ok := lc.groups[l.Group]
	if !ok || g.holder != l {
		return ErrLeaseNotHeld
	}
	lc.revoke(l.Group, g, cause)
	return nil
}

// Renew pushes the expiry of l one TTL into the future.
func (lc *LeaseController) Renew(l *Lease) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	g, ok := lc.groups[l.Group]
	if !ok || g.holder != l {
		return ErrLeaseNotHeld
	}
	l.expiresOn = lc.now().Add(lc.ttl)
	return nil
}

// Expired returns the leases held past their expiry. They stay held until
// revoked.
func (lc *LeaseController) Expired() []*Lease {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	now := lc.now()
	expired := make([]*Lease, 0)
	for _, g := range lc.groups {
		if g.holder != nil && !now.Before(g.holder.expiresOn) {
			expired = append(expired, g.holder)
		}
	}
	return expired
}

// Held returns the lease currently held on group.
func (lc *LeaseController) Held(group string) (*Lease, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	g, ok := lc.groups[group]
	if !ok || g.holder == nil {
		return nil, false
	}
	return g.holder, true
}

func (lc *LeaseController) Holder(group string) (LeaseInfo, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	g, ok := lc.groups[group]
	if !ok || g.holder == nil {
		return LeaseInfo{}, false
	}
	return LeaseInfo{
		ID:         g.holder.ID,
		Group:      group,
		RunID:      g.holder.RunID,
		AcquiredOn: g.holder.AcquiredOn,
		ExpiresOn:  g.holder.expiresOn,
		Waiting:    len(g.waiters),
	}, true
}

func (lc *LeaseController) grant(g *leaseGroup, group string, runID int64) *Lease {
	ctx, cancel := context.WithCancelCause(context.Background())
	now := lc.now()
	l := &Lease{
		ID:         uuid.NewString(),
		Group:      group,
		RunID:      runID,
		AcquiredOn: now,
		expiresOn:  now.Add(lc.ttl),
		ctx:        ctx,
		cancel:     cancel,
	}
	g.holder = l
	return l
}

// revoke must be called with mu held.
func (lc *LeaseController) revoke(group string, g *leaseGroup, cause error) {
	g.holder.cancel(cause)
	g.holder = nil
	if len(g.waiters) > 0 {
		next := g.waiters[0]
		g.waiters = g.waiters[1:]
		next.granted <- lc.grant(g, group, next.runID)
		return
	}
	lc.deleteIfIdle(group, g)
}

func (lc *LeaseController) deleteIfIdle(group string, g *leaseGroup) {
	if g.holder == nil && len(g.waiters) == 0 {
		delete(lc.groups, group)
	}
}
