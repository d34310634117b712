// Package distributor assigns work units to workers and drives their
// lifecycle: fetch hands out a unit under a fresh task token, skip
// returns it to the pool, submit exports the rows and completes it.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corveehq/corvee/internal/lease"
	"github.com/corveehq/corvee/internal/sink"
	"github.com/corveehq/corvee/internal/suggest"
	"github.com/corveehq/corvee/internal/taskstore"
	"github.com/corveehq/corvee/internal/userstore"
	"github.com/corveehq/corvee/pkg/log"
)

// Assignment is one unit handed to a worker.
type Assignment struct {
	Token string
	Task  *taskstore.Task
	// Resumed reports that the worker got back a unit it already held
	// from a previous session.
	Resumed bool
}

// Options configures a Service.
type Options struct {
	Store  *taskstore.Store
	Leases *lease.Registry
	Sink   sink.Sink
	// Users receives contribution credit on completion. Optional.
	Users *userstore.Store
	// Suggester is fed submitted rows for autocomplete. Optional.
	Suggester *suggest.Suggester
	// StaleAfterMs is the age at which a durable lock becomes
	// reclaimable by other workers' claims.
	StaleAfterMs int64
	// NowMs overrides the clock. Defaults to wall time.
	NowMs  func() int64
	Logger log.Logger
}

// Service distributes work units.
type Service struct {
	store        *taskstore.Store
	leases       *lease.Registry
	sink         sink.Sink
	users        *userstore.Store
	suggester    *suggest.Suggester
	staleAfterMs int64
	nowMs        func() int64
	logger       log.Logger
}

// NewService creates a distributor.
func NewService(opts Options) *Service {
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Service{
		store:        opts.Store,
		leases:       opts.Leases,
		sink:         opts.Sink,
		users:        opts.Users,
		suggester:    opts.Suggester,
		staleAfterMs: opts.StaleAfterMs,
		nowMs:        opts.NowMs,
		logger:       logger.WithComponent("distributor"),
	}
}

// Fetch returns a unit for username, scoped to project when non-empty.
//
// The resolution order is fixed: a live lease is returned as is, then a
// durable lock from a previous session is resumed under a fresh token,
// and only then is a new unit claimed. A worker therefore never holds
// more than one unit, and a crashed worker gets its old unit back
// instead of a new one.
func (s *Service) Fetch(ctx context.Context, username, project string) (*Assignment, error) {
	if l, ok := s.leases.LookupByOwner(username); ok {
		task, err := s.store.Get(l.Unit)
		if err == nil && task.Status == taskstore.StatusLocked && task.Owner == username {
			return &Assignment{Token: l.Token, Task: task, Resumed: true}, nil
		}
		// The durable lock is gone; the lease is an orphan.
		s.leases.Unregister(l.Token)
	}

	locked, err := s.store.FindLockedBy(username)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if len(locked) > 0 {
		return s.assign(locked[0], true)
	}

	task, _, err := s.store.Claim(username, project, s.staleAfterMs, s.nowMs())
	if errors.Is(err, taskstore.ErrNoWork) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return s.assign(task, false)
}

// assign issues a fresh token and registers the lease. Registering
// evicts any lease still standing for the unit, which tears down the
// previous holder's session after a stale-lock reclaim.
func (s *Service) assign(task *taskstore.Task, resumed bool) (*Assignment, error) {
	token := uuid.NewString()
	_, evicted, err := s.leases.Register(token, task.Owner, task.Key)
	if err != nil {
		// A concurrent fetch by the same worker won the lease. Return
		// the unit so it is not left locked with no session behind it.
		if rerr := s.store.Release(task.Owner, task.Key, s.nowMs()); rerr != nil {
			s.logger.Warn("release of unassignable unit failed",
				log.Str("unit", task.Key.String()),
				log.Str("owner", task.Owner),
				log.Err(rerr))
		}
		return nil, fmt.Errorf("assign %s: %w", task.Key, err)
	}
	if evicted != nil && evicted.Owner != task.Owner {
		s.logger.Info("displaced stale session",
			log.Str("unit", task.Key.String()),
			log.Str("displaced", evicted.Owner),
			log.Str("owner", task.Owner))
	}
	return &Assignment{Token: token, Task: task, Resumed: resumed}, nil
}

// Skip releases the unit behind token back to the pool and ends the
// lease. The caller must be the lease owner.
func (s *Service) Skip(ctx context.Context, username, token string) error {
	l, err := s.leases.Lookup(token)
	if err != nil {
		return ErrInvalidToken
	}
	if l.Owner != username {
		return ErrOwnershipMismatch
	}
	if err := s.store.Release(l.Owner, l.Unit, s.nowMs()); err != nil {
		if errors.Is(err, taskstore.ErrNotOwner) {
			s.leases.Unregister(token)
			return ErrOwnershipMismatch
		}
		return fmt.Errorf("skip %s: %w", l.Unit, err)
	}
	s.leases.Unregister(token)
	s.logger.Info("skipped unit", log.Str("unit", l.Unit.String()), log.Str("owner", l.Owner))
	return nil
}

// Submit exports rows to the sink and completes the unit behind token.
// The caller must be the lease owner.
//
// The sink write happens first: if it fails the lock and lease stay
// intact and the worker can retry, so a unit is never completed without
// its rows in the dataset.
func (s *Service) Submit(ctx context.Context, username, token string, rows []taskstore.Row) (*taskstore.Submission, error) {
	l, err := s.leases.Lookup(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if l.Owner != username {
		return nil, ErrOwnershipMismatch
	}
	task, err := s.store.Get(l.Unit)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", l.Unit, err)
	}
	if task.Status != taskstore.StatusLocked || task.Owner != l.Owner {
		s.leases.Unregister(token)
		return nil, ErrOwnershipMismatch
	}

	if err := s.sink.Append(ctx, &taskstore.Submission{
		Key:      l.Unit,
		Username: l.Owner,
		Rows:     rows,
	}); err != nil {
		s.logger.Error("sink append failed",
			log.Str("unit", l.Unit.String()),
			log.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	sub, err := s.store.CompleteWithSubmission(l.Owner, l.Unit, rows, s.nowMs())
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", l.Unit, err)
	}
	s.leases.Unregister(token)

	if s.users != nil {
		if err := s.users.Credit(l.Owner, 1); err != nil {
			s.logger.Warn("credit failed", log.Str("username", l.Owner), log.Err(err))
		}
	}
	if s.suggester != nil {
		if err := s.suggester.AddRows(rows); err != nil {
			s.logger.Warn("suggestion feed failed", log.Err(err))
		}
	}

	s.logger.Info("completed unit",
		log.Str("unit", l.Unit.String()),
		log.Str("owner", l.Owner),
		log.Int("rows", len(rows)))
	return sub, nil
}

// ValidateToken resolves a task token to its lease.
func (s *Service) ValidateToken(token string) (*lease.Lease, error) {
	l, err := s.leases.Lookup(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return l, nil
}

// HeartbeatConnected records the heartbeat connection state for token.
func (s *Service) HeartbeatConnected(token string, connected bool) error {
	if err := s.leases.MarkConnected(token, connected); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// HeartbeatPing records heartbeat activity for token.
func (s *Service) HeartbeatPing(token string) error {
	if err := s.leases.Touch(token); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// ReleaseExpired is the lease reaper callback: it returns the expired
// lease's unit to the pool.
func (s *Service) ReleaseExpired(l *lease.Lease) {
	err := s.store.Release(l.Owner, l.Unit, s.nowMs())
	if err != nil && !errors.Is(err, taskstore.ErrNotFound) {
		s.logger.Warn("release of expired lease failed",
			log.Str("unit", l.Unit.String()),
			log.Str("owner", l.Owner),
			log.Err(err))
	}
}
