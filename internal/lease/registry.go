package lease

import (
	"errors"
	"sync"
	"time"

	"github.com/corveehq/corvee/internal/taskstore"
	"github.com/corveehq/corvee/pkg/log"
)

var (
	// ErrUnknownToken indicates no lease exists for the given token.
	ErrUnknownToken = errors.New("lease: unknown token")
	// ErrOwnerBusy indicates the owner already holds a lease.
	ErrOwnerBusy = errors.New("lease: owner already holds a lease")
)

// Lease binds one claimed unit to one worker session.
type Lease struct {
	Token string
	Owner string
	Unit  taskstore.UnitKey

	// Connected reports whether the heartbeat connection is up.
	Connected bool
	// ReclaimAtMs is the deadline after which the reaper tears the
	// lease down. Zero means no deadline is armed.
	ReclaimAtMs int64
	CreatedMs   int64
	LastSeenMs  int64
}

// ReclaimFunc is invoked by the reaper for each expired lease, outside
// the registry lock.
type ReclaimFunc func(*Lease)

// Registry is the in-memory lease table.
type Registry struct {
	mu      sync.Mutex
	byToken map[string]*Lease
	byOwner map[string]*Lease
	byUnit  map[taskstore.UnitKey]*Lease

	graceMs   int64
	nowMs     func() int64
	onReclaim ReclaimFunc
	logger    log.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// Options configures a Registry.
type Options struct {
	// GraceMs is the disconnect grace window in milliseconds.
	GraceMs int64
	// NowMs overrides the clock. Defaults to wall time.
	NowMs func() int64
	// OnReclaim is called for each reaped lease.
	OnReclaim ReclaimFunc
	Logger    log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Registry{
		byToken:   make(map[string]*Lease),
		byOwner:   make(map[string]*Lease),
		byUnit:    make(map[taskstore.UnitKey]*Lease),
		graceMs:   opts.GraceMs,
		nowMs:     opts.NowMs,
		onReclaim: opts.OnReclaim,
		logger:    logger.WithComponent("lease"),
	}
}

// Register creates a lease for owner on unit. Any lease still held for
// the same unit is evicted in the same step; the evicted lease is
// returned so the caller can close its session. Returns ErrOwnerBusy
// when owner already holds a lease on a different unit.
//
// The new lease starts disconnected with the reclaim deadline armed:
// a worker that never opens its heartbeat loses the lease after one
// grace window.
func (r *Registry) Register(token, owner string, unit taskstore.UnitKey) (*Lease, *Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.byOwner[owner]; existing != nil && existing.Unit != unit {
		return nil, nil, ErrOwnerBusy
	}

	var evicted *Lease
	if old := r.byUnit[unit]; old != nil {
		evicted = old
		r.removeLocked(old)
	}

	now := r.nowMs()
	l := &Lease{
		Token:       token,
		Owner:       owner,
		Unit:        unit,
		ReclaimAtMs: now + r.graceMs,
		CreatedMs:   now,
		LastSeenMs:  now,
	}
	r.byToken[token] = l
	r.byOwner[owner] = l
	r.byUnit[unit] = l

	if evicted != nil {
		r.logger.Info("evicted stale lease",
			log.Str("unit", unit.String()),
			log.Str("evicted_owner", evicted.Owner),
			log.Str("owner", owner))
	}
	return l, evicted, nil
}

// Lookup returns the lease for token.
func (r *Registry) Lookup(token string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.byToken[token]
	if l == nil {
		return nil, ErrUnknownToken
	}
	cp := *l
	return &cp, nil
}

// LookupByOwner returns the lease held by owner, if any.
func (r *Registry) LookupByOwner(owner string) (*Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.byOwner[owner]
	if l == nil {
		return nil, false
	}
	cp := *l
	return &cp, true
}

// MarkConnected records the heartbeat connection state for token.
// Connecting clears the reclaim deadline; disconnecting arms it at now
// plus the grace window.
func (r *Registry) MarkConnected(token string, connected bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.byToken[token]
	if l == nil {
		return ErrUnknownToken
	}
	l.Connected = connected
	now := r.nowMs()
	l.LastSeenMs = now
	if connected {
		l.ReclaimAtMs = 0
	} else {
		l.ReclaimAtMs = now + r.graceMs
	}
	return nil
}

// Touch records heartbeat activity for token.
func (r *Registry) Touch(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.byToken[token]
	if l == nil {
		return ErrUnknownToken
	}
	l.LastSeenMs = r.nowMs()
	return nil
}

// Unregister removes the lease for token and returns it.
func (r *Registry) Unregister(token string) (*Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.byToken[token]
	if l == nil {
		return nil, false
	}
	r.removeLocked(l)
	return l, true
}

// removeLocked drops l from all indexes. Caller holds r.mu.
func (r *Registry) removeLocked(l *Lease) {
	delete(r.byToken, l.Token)
	if cur := r.byOwner[l.Owner]; cur == l {
		delete(r.byOwner, l.Owner)
	}
	if cur := r.byUnit[l.Unit]; cur == l {
		delete(r.byUnit, l.Unit)
	}
}

// Len returns the number of live leases.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byToken)
}

// ReapExpired removes every lease whose reclaim deadline is at or
// before nowMs and invokes the reclaim callback for each. Callbacks run
// after the registry lock is released.
func (r *Registry) ReapExpired(nowMs int64) []*Lease {
	r.mu.Lock()
	var expired []*Lease
	for _, l := range r.byToken {
		if l.ReclaimAtMs > 0 && l.ReclaimAtMs <= nowMs {
			expired = append(expired, l)
		}
	}
	for _, l := range expired {
		r.removeLocked(l)
	}
	cb := r.onReclaim
	r.mu.Unlock()

	for _, l := range expired {
		r.logger.Info("reclaiming expired lease",
			log.Str("unit", l.Unit.String()),
			log.Str("owner", l.Owner))
		if cb != nil {
			cb(l)
		}
	}
	return expired
}

// Start launches the background reaper at the given interval.
func (r *Registry) Start(interval time.Duration) {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.ReapExpired(r.nowMs())
			}
		}
	}()
}

// Stop halts the background reaper and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	stop, done := r.stopCh, r.doneCh
	r.stopCh = nil
	r.doneCh = nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
