package taskstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/corveehq/corvee/internal/storage/pebble"
	"github.com/corveehq/corvee/pkg/id"
	"github.com/corveehq/corvee/pkg/log"
)

var (
	// ErrNotFound indicates the unit or submission does not exist.
	ErrNotFound = errors.New("taskstore: not found")
	// ErrNoWork indicates no claimable unit matched the request.
	ErrNoWork = errors.New("taskstore: no claimable work")
	// ErrNotOwner indicates the caller does not hold the unit's lock.
	ErrNotOwner = errors.New("taskstore: unit locked by another owner")
	// ErrNotLocked indicates the unit is not in the locked state.
	ErrNotLocked = errors.New("taskstore: unit is not locked")
	// ErrCompleted indicates the unit has already been completed.
	ErrCompleted = errors.New("taskstore: unit already completed")
)

// claimRetries bounds re-selection after losing a claim race.
const claimRetries = 4

// numStripes is the size of the per-unit lock stripe table.
const numStripes = 64

// Counts aggregates unit lifecycle totals for one project.
type Counts struct {
	Pending   int `json:"pending"`
	Locked    int `json:"locked"`
	Completed int `json:"completed"`
}

// Store is the durable unit and submission store backed by Pebble.
//
// Claim transitions serialize on a per-unit lock stripe so two claims of
// the same unit cannot both commit, while claims of unrelated units run
// concurrently.
type Store struct {
	db      *pebblestore.DB
	logger  log.Logger
	idGen   *id.Generator
	stripes [numStripes]sync.Mutex
}

// NewStore creates a Store on top of an open Pebble database.
func NewStore(db *pebblestore.DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.WithComponent("taskstore"),
		idGen:  id.NewGenerator(),
	}
}

func (s *Store) stripe(k UnitKey) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(unitSuffix(k)))
	return &s.stripes[h.Sum32()%numStripes]
}

// EnsureUnit creates the unit record and pending index entry if the unit
// does not exist yet. Existing units are left untouched.
func (s *Store) EnsureUnit(k UnitKey, pageCount int, imagePath string, nowMs int64) (bool, error) {
	mu := s.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	exists, err := s.db.Has(TaskKey(k))
	if err != nil {
		return false, fmt.Errorf("ensure unit %s: %w", k, err)
	}
	if exists {
		return false, nil
	}

	task := &Task{
		Key:       k,
		Status:    StatusPending,
		PageCount: pageCount,
		ImagePath: imagePath,
		CreatedMs: nowMs,
		UpdatedMs: nowMs,
	}
	data, err := encodeTask(task)
	if err != nil {
		return false, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(TaskKey(k), data, nil); err != nil {
		return false, err
	}
	if err := b.Set(PendingKey(k), nil, nil); err != nil {
		return false, err
	}
	if err := s.db.CommitBatch(context.Background(), b); err != nil {
		return false, fmt.Errorf("ensure unit %s: %w", k, err)
	}
	return true, nil
}

// Claim atomically locks one claimable unit for owner and returns it,
// together with the previous owner when the claim reclaimed a stale lock.
//
// A unit is claimable when it is pending, or when it is locked and its
// lock is older than staleAfterMs. The candidate is chosen uniformly at
// random; project scopes the selection when non-empty. Returns ErrNoWork
// when nothing is claimable.
func (s *Store) Claim(owner, project string, staleAfterMs, nowMs int64) (*Task, string, error) {
	cutoff := nowMs - staleAfterMs

	for attempt := 0; attempt <= claimRetries; attempt++ {
		candidate, ok, err := s.pickCandidate(project, cutoff)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, "", ErrNoWork
		}

		task, prevOwner, err := s.tryClaim(candidate, owner, cutoff, nowMs)
		if err != nil {
			return nil, "", err
		}
		if task != nil {
			if prevOwner != "" {
				s.logger.Info("reclaimed stale lock",
					log.Str("unit", task.Key.String()),
					log.Str("previous_owner", prevOwner),
					log.Str("owner", owner))
			}
			return task, prevOwner, nil
		}
		// Lost the race for this candidate, pick again.
	}
	return nil, "", ErrNoWork
}

// pickCandidate selects one claimable unit uniformly at random using
// reservoir sampling over the pending index and the stale slice of the
// lock-time index. Selection takes no locks; the winner is re-verified
// under the unit's stripe before committing.
func (s *Store) pickCandidate(project string, cutoff int64) (UnitKey, bool, error) {
	var picked UnitKey
	seen := 0

	consider := func(k UnitKey) {
		seen++
		if rand.Intn(seen) == 0 {
			picked = k
		}
	}

	pendPrefix := PendingPrefix(project)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: pendPrefix,
		UpperBound: upperBound(pendPrefix),
	})
	if err != nil {
		return UnitKey{}, false, err
	}
	for it.First(); it.Valid(); it.Next() {
		if k, ok := parseUnitFromKey(it.Key(), len(prefixPending)); ok {
			consider(k)
		}
	}
	if err := it.Close(); err != nil {
		return UnitKey{}, false, err
	}

	// Stale locks live below lockt/{cutoff} in key order.
	staleUpper := make([]byte, len(prefixLockT)+8)
	copy(staleUpper, prefixLockT)
	binary.BigEndian.PutUint64(staleUpper[len(prefixLockT):], uint64(cutoff))
	it, err = s.db.NewIter(&pebble.IterOptions{
		LowerBound: LockTimePrefix(),
		UpperBound: staleUpper,
	})
	if err != nil {
		return UnitKey{}, false, err
	}
	for it.First(); it.Valid(); it.Next() {
		k, ok := parseUnitFromKey(it.Key(), len(prefixLockT)+9)
		if !ok {
			continue
		}
		if project != "" && k.Project != project {
			continue
		}
		consider(k)
	}
	if err := it.Close(); err != nil {
		return UnitKey{}, false, err
	}

	return picked, seen > 0, nil
}

// tryClaim re-reads the candidate under its stripe and commits the lock
// transition if it is still claimable. Returns (nil, "", nil) when the
// candidate was taken by a concurrent claim.
func (s *Store) tryClaim(k UnitKey, owner string, cutoff, nowMs int64) (*Task, string, error) {
	mu := s.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	task, err := s.getTask(k)
	if errors.Is(err, ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	prevOwner := ""
	b := s.db.NewBatch()
	defer b.Close()

	switch {
	case task.Status == StatusPending:
		if err := b.Delete(PendingKey(k), nil); err != nil {
			return nil, "", err
		}
	case task.Status == StatusLocked && task.LockedAtMs < cutoff:
		prevOwner = task.Owner
		if err := b.Delete(LockTimeKey(task.LockedAtMs, k), nil); err != nil {
			return nil, "", err
		}
		if err := b.Delete(OwnerKey(task.Owner, k), nil); err != nil {
			return nil, "", err
		}
	default:
		// No longer claimable.
		return nil, "", nil
	}

	task.Status = StatusLocked
	task.Owner = owner
	task.LockedAtMs = nowMs
	task.UpdatedMs = nowMs

	data, err := encodeTask(task)
	if err != nil {
		return nil, "", err
	}
	if err := b.Set(TaskKey(k), data, nil); err != nil {
		return nil, "", err
	}
	if err := b.Set(LockTimeKey(nowMs, k), nil, nil); err != nil {
		return nil, "", err
	}
	if err := b.Set(OwnerKey(owner, k), nil, nil); err != nil {
		return nil, "", err
	}
	if err := s.db.CommitBatch(context.Background(), b); err != nil {
		return nil, "", fmt.Errorf("claim %s: %w", k, err)
	}
	return task, prevOwner, nil
}

// Release returns a unit locked by owner to the pending state. Releasing
// a unit that is already pending is a no-op. Completed units cannot be
// released.
func (s *Store) Release(owner string, k UnitKey, nowMs int64) error {
	mu := s.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	task, err := s.getTask(k)
	if err != nil {
		return err
	}

	switch task.Status {
	case StatusPending:
		return nil
	case StatusCompleted:
		return ErrCompleted
	}
	if task.Owner != owner {
		return ErrNotOwner
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(LockTimeKey(task.LockedAtMs, k), nil); err != nil {
		return err
	}
	if err := b.Delete(OwnerKey(task.Owner, k), nil); err != nil {
		return err
	}

	task.Status = StatusPending
	task.Owner = ""
	task.LockedAtMs = 0
	task.UpdatedMs = nowMs

	data, err := encodeTask(task)
	if err != nil {
		return err
	}
	if err := b.Set(TaskKey(k), data, nil); err != nil {
		return err
	}
	if err := b.Set(PendingKey(k), nil, nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(context.Background(), b); err != nil {
		return fmt.Errorf("release %s: %w", k, err)
	}
	return nil
}

// Complete marks a unit locked by owner as completed. Completing an
// already completed unit is a no-op.
func (s *Store) Complete(owner string, k UnitKey, nowMs int64) error {
	mu := s.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.stageComplete(b, owner, k, nowMs); err != nil {
		return err
	}
	if err := s.db.CommitBatch(context.Background(), b); err != nil {
		return fmt.Errorf("complete %s: %w", k, err)
	}
	return nil
}

// CompleteWithSubmission completes a unit and records its submission in
// one atomic batch. Either both land or neither does.
func (s *Store) CompleteWithSubmission(owner string, k UnitKey, rows []Row, nowMs int64) (*Submission, error) {
	mu := s.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	subID := s.idGen.Next()
	sub := &Submission{
		ID:          subID.String(),
		Key:         k,
		Username:    owner,
		Rows:        rows,
		SubmittedMs: nowMs,
	}
	data, err := encodeSubmission(sub)
	if err != nil {
		return nil, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.stageComplete(b, owner, k, nowMs); err != nil {
		return nil, err
	}
	if err := b.Set(SubmissionKey(subID.Bytes()), data, nil); err != nil {
		return nil, err
	}
	if err := b.Set(SubmissionUserKey(owner, subID.Bytes()), nil, nil); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(context.Background(), b); err != nil {
		return nil, fmt.Errorf("complete %s with submission: %w", k, err)
	}
	return sub, nil
}

// stageComplete stages the lock-to-completed transition into b. Caller
// must hold the unit's stripe.
func (s *Store) stageComplete(b *pebble.Batch, owner string, k UnitKey, nowMs int64) error {
	task, err := s.getTask(k)
	if err != nil {
		return err
	}

	switch task.Status {
	case StatusCompleted:
		return ErrCompleted
	case StatusPending:
		return ErrNotLocked
	}
	if task.Owner != owner {
		return ErrNotOwner
	}

	if err := b.Delete(LockTimeKey(task.LockedAtMs, k), nil); err != nil {
		return err
	}
	if err := b.Delete(OwnerKey(task.Owner, k), nil); err != nil {
		return err
	}

	task.Status = StatusCompleted
	task.Owner = ""
	task.LockedAtMs = 0
	task.UpdatedMs = nowMs

	data, err := encodeTask(task)
	if err != nil {
		return err
	}
	return b.Set(TaskKey(k), data, nil)
}

// ForceRelease returns a locked unit to pending regardless of owner.
// Used by the admin unlock operation. Returns the owner that held the
// lock.
func (s *Store) ForceRelease(k UnitKey, nowMs int64) (string, error) {
	mu := s.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	task, err := s.getTask(k)
	if err != nil {
		return "", err
	}
	if task.Status != StatusLocked {
		return "", ErrNotLocked
	}
	owner := task.Owner

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(LockTimeKey(task.LockedAtMs, k), nil); err != nil {
		return "", err
	}
	if err := b.Delete(OwnerKey(task.Owner, k), nil); err != nil {
		return "", err
	}

	task.Status = StatusPending
	task.Owner = ""
	task.LockedAtMs = 0
	task.UpdatedMs = nowMs

	data, err := encodeTask(task)
	if err != nil {
		return "", err
	}
	if err := b.Set(TaskKey(k), data, nil); err != nil {
		return "", err
	}
	if err := b.Set(PendingKey(k), nil, nil); err != nil {
		return "", err
	}
	if err := s.db.CommitBatch(context.Background(), b); err != nil {
		return "", fmt.Errorf("force release %s: %w", k, err)
	}
	return owner, nil
}

// FindLockedBy returns all units currently locked by owner, oldest lock
// first.
func (s *Store) FindLockedBy(owner string) ([]*Task, error) {
	prefix := OwnerPrefix(owner)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var tasks []*Task
	for it.First(); it.Valid(); it.Next() {
		k, ok := parseUnitFromKey(it.Key(), len(prefix))
		if !ok {
			continue
		}
		task, err := s.getTask(k)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if task.Status == StatusLocked && task.Owner == owner {
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].LockedAtMs < tasks[j].LockedAtMs })
	return tasks, nil
}

// Get returns the unit record for k.
func (s *Store) Get(k UnitKey) (*Task, error) {
	return s.getTask(k)
}

func (s *Store) getTask(k UnitKey) (*Task, error) {
	data, err := s.db.Get(TaskKey(k))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeTask(data)
}

// Reconcile removes every non-completed unit of project that is absent
// from valid, together with its index entries. Completed units are kept
// for history. Returns the number of removed units.
func (s *Store) Reconcile(project string, valid map[UnitKey]struct{}, nowMs int64) (int, error) {
	prefix := []byte(prefixTask + project + "/")
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return 0, err
	}

	var stale []UnitKey
	for it.First(); it.Valid(); it.Next() {
		task, err := decodeTask(it.Value())
		if err != nil {
			continue
		}
		if _, ok := valid[task.Key]; ok {
			continue
		}
		if task.Status == StatusCompleted {
			continue
		}
		stale = append(stale, task.Key)
	}
	if err := it.Close(); err != nil {
		return 0, err
	}

	removed := 0
	for _, k := range stale {
		if err := s.removeUnit(k); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("reconciled stale units",
			log.Str("project", project),
			log.Int("removed", removed))
	}
	return removed, nil
}

func (s *Store) removeUnit(k UnitKey) error {
	mu := s.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	task, err := s.getTask(k)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status == StatusCompleted {
		return nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(TaskKey(k), nil); err != nil {
		return err
	}
	if err := b.Delete(PendingKey(k), nil); err != nil {
		return err
	}
	if task.Status == StatusLocked {
		if err := b.Delete(LockTimeKey(task.LockedAtMs, k), nil); err != nil {
			return err
		}
		if err := b.Delete(OwnerKey(task.Owner, k), nil); err != nil {
			return err
		}
	}
	if err := s.db.CommitBatch(context.Background(), b); err != nil {
		return fmt.Errorf("remove unit %s: %w", k, err)
	}
	return nil
}

// Stats returns per-project lifecycle counts across all units.
func (s *Store) Stats() (map[string]*Counts, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: TaskPrefix(),
		UpperBound: upperBound(TaskPrefix()),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	stats := make(map[string]*Counts)
	for it.First(); it.Valid(); it.Next() {
		task, err := decodeTask(it.Value())
		if err != nil {
			continue
		}
		c := stats[task.Key.Project]
		if c == nil {
			c = &Counts{}
			stats[task.Key.Project] = c
		}
		switch task.Status {
		case StatusPending:
			c.Pending++
		case StatusLocked:
			c.Locked++
		case StatusCompleted:
			c.Completed++
		}
	}
	return stats, nil
}

// AvailableProjects lists projects that still have pending units, sorted.
func (s *Store) AvailableProjects() ([]string, error) {
	prefix := PendingPrefix("")
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	set := make(map[string]struct{})
	for it.First(); it.Valid(); it.Next() {
		if k, ok := parseUnitFromKey(it.Key(), len(prefixPending)); ok {
			set[k.Project] = struct{}{}
		}
	}
	projects := make([]string, 0, len(set))
	for p := range set {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	return projects, nil
}

// LockedTasks returns all currently locked units, oldest lock first.
func (s *Store) LockedTasks() ([]*Task, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: LockTimePrefix(),
		UpperBound: upperBound(LockTimePrefix()),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var tasks []*Task
	for it.First(); it.Valid(); it.Next() {
		k, ok := parseUnitFromKey(it.Key(), len(prefixLockT)+9)
		if !ok {
			continue
		}
		task, err := s.getTask(k)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if task.Status == StatusLocked {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// GetSubmission returns one submission by its hex ID.
func (s *Store) GetSubmission(idStr string) (*Submission, error) {
	subID, err := id.Parse(idStr)
	if err != nil {
		return nil, ErrNotFound
	}
	data, err := s.db.Get(SubmissionKey(subID.Bytes()))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeSubmission(data)
}

// SubmissionsByUser returns all submissions by username, oldest first.
func (s *Store) SubmissionsByUser(username string) ([]*Submission, error) {
	prefix := SubmissionUserPrefix(username)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var subs []*Submission
	for it.First(); it.Valid(); it.Next() {
		raw := it.Key()[len(prefix):]
		data, err := s.db.Get(SubmissionKey(raw))
		if err != nil {
			if errors.Is(err, pebblestore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		sub, err := decodeSubmission(data)
		if err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// UpdateSubmission replaces the rows of an existing submission.
func (s *Store) UpdateSubmission(idStr string, rows []Row, nowMs int64) (*Submission, error) {
	sub, err := s.GetSubmission(idStr)
	if err != nil {
		return nil, err
	}
	sub.Rows = rows
	sub.UpdatedMs = nowMs

	data, err := encodeSubmission(sub)
	if err != nil {
		return nil, err
	}
	subID, _ := id.Parse(sub.ID)
	if err := s.db.Set(SubmissionKey(subID.Bytes()), data); err != nil {
		return nil, fmt.Errorf("update submission %s: %w", idStr, err)
	}
	return sub, nil
}

// EachSubmission calls fn for every stored submission. Iteration stops
// on the first error.
func (s *Store) EachSubmission(fn func(*Submission) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: SubmissionPrefix(),
		UpperBound: upperBound(SubmissionPrefix()),
	})
	if err != nil {
		return err
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		sub, err := decodeSubmission(it.Value())
		if err != nil {
			continue
		}
		if err := fn(sub); err != nil {
			return err
		}
	}
	return nil
}
