package taskstore

import (
	"errors"
	"sync"
	"testing"

	pebblestore "github.com/corveehq/corvee/internal/storage/pebble"
	"github.com/corveehq/corvee/pkg/log"
)

const testStaleMs = 10_000

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, log.NewNop())
}

func unit(project, machine string, page int) UnitKey {
	return UnitKey{Project: project, Machine: machine, Page: page}
}

func TestEnsureUnitIdempotent(t *testing.T) {
	s := newTestStore(t)
	k := unit("plantA", "doc1", 1)

	created, err := s.EnsureUnit(k, 3, "/static/work_plantA/pages/doc1_1.png", 1000)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("expected first ensure to create the unit")
	}

	created, err = s.EnsureUnit(k, 3, "/static/work_plantA/pages/doc1_1.png", 2000)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if created {
		t.Fatal("expected second ensure to be a no-op")
	}

	task, err := s.Get(k)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.CreatedMs != 1000 {
		t.Fatalf("expected original CreatedMs 1000, got %d", task.CreatedMs)
	}
	if task.Status != StatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
}

func TestClaimLifecycle(t *testing.T) {
	s := newTestStore(t)
	k := unit("plantA", "doc1", 1)
	if _, err := s.EnsureUnit(k, 1, "img", 1000); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	task, prev, err := s.Claim("alice", "plantA", testStaleMs, 2000)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if prev != "" {
		t.Fatalf("expected no previous owner, got %q", prev)
	}
	if task.Key != k || task.Status != StatusLocked || task.Owner != "alice" {
		t.Fatalf("unexpected claimed task: %+v", task)
	}
	if task.LockedAtMs != 2000 {
		t.Fatalf("expected LockedAtMs 2000, got %d", task.LockedAtMs)
	}

	if err := s.Complete("alice", k, 3000); err != nil {
		t.Fatalf("complete: %v", err)
	}
	task, err = s.Get(k)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusCompleted || task.Owner != "" {
		t.Fatalf("unexpected completed task: %+v", task)
	}

	if _, _, err := s.Claim("bob", "plantA", testStaleMs, 100_000); !errors.Is(err, ErrNoWork) {
		t.Fatalf("expected ErrNoWork claiming completed unit, got %v", err)
	}
}

func TestClaimNoWork(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Claim("alice", "", testStaleMs, 1000); !errors.Is(err, ErrNoWork) {
		t.Fatalf("expected ErrNoWork, got %v", err)
	}
}

func TestClaimScopedToProject(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.EnsureUnit(unit("plantA", "doc1", 1), 1, "img", 1000); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Claim("alice", "plantB", testStaleMs, 2000); !errors.Is(err, ErrNoWork) {
		t.Fatalf("expected ErrNoWork for other project, got %v", err)
	}
	if _, _, err := s.Claim("alice", "plantA", testStaleMs, 2000); err != nil {
		t.Fatalf("claim in matching project: %v", err)
	}
}

func TestClaimFreshLockNotReclaimed(t *testing.T) {
	s := newTestStore(t)
	k := unit("plantA", "doc1", 1)
	if _, err := s.EnsureUnit(k, 1, "img", 1000); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Claim("alice", "plantA", testStaleMs, 2000); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// Lock is still inside the stale window.
	if _, _, err := s.Claim("bob", "plantA", testStaleMs, 2000+testStaleMs); !errors.Is(err, ErrNoWork) {
		t.Fatalf("expected ErrNoWork within stale window, got %v", err)
	}
}

func TestClaimReclaimsStaleLock(t *testing.T) {
	s := newTestStore(t)
	k := unit("plantA", "doc1", 1)
	if _, err := s.EnsureUnit(k, 1, "img", 1000); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Claim("alice", "plantA", testStaleMs, 2000); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	task, prev, err := s.Claim("bob", "plantA", testStaleMs, 2000+testStaleMs+1)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if prev != "alice" {
		t.Fatalf("expected previous owner alice, got %q", prev)
	}
	if task.Owner != "bob" || task.Status != StatusLocked {
		t.Fatalf("unexpected reclaimed task: %+v", task)
	}

	// The old lock-time entry must be gone so the unit is not double
	// counted.
	locked, err := s.LockedTasks()
	if err != nil {
		t.Fatalf("locked tasks: %v", err)
	}
	if len(locked) != 1 {
		t.Fatalf("expected 1 locked task, got %d", len(locked))
	}
}

func TestReleaseLifecycle(t *testing.T) {
	s := newTestStore(t)
	k := unit("plantA", "doc1", 1)
	if _, err := s.EnsureUnit(k, 1, "img", 1000); err != nil {
		t.Fatal(err)
	}

	// Releasing a pending unit is a no-op.
	if err := s.Release("alice", k, 1500); err != nil {
		t.Fatalf("release pending: %v", err)
	}

	if _, _, err := s.Claim("alice", "plantA", testStaleMs, 2000); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Release("bob", k, 2500); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := s.Release("alice", k, 2500); err != nil {
		t.Fatalf("release: %v", err)
	}

	task, err := s.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusPending || task.Owner != "" {
		t.Fatalf("unexpected released task: %+v", task)
	}

	// Released unit is immediately claimable again.
	if _, _, err := s.Claim("bob", "plantA", testStaleMs, 3000); err != nil {
		t.Fatalf("reclaim after release: %v", err)
	}
	if err := s.Complete("bob", k, 4000); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.Release("bob", k, 5000); !errors.Is(err, ErrCompleted) {
		t.Fatalf("expected ErrCompleted, got %v", err)
	}
}

func TestCompleteGuards(t *testing.T) {
	s := newTestStore(t)
	k := unit("plantA", "doc1", 1)
	if _, err := s.EnsureUnit(k, 1, "img", 1000); err != nil {
		t.Fatal(err)
	}

	if err := s.Complete("alice", k, 1500); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
	if _, _, err := s.Claim("alice", "plantA", testStaleMs, 2000); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete("bob", k, 2500); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := s.Complete("alice", k, 2500); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.Complete("alice", k, 3000); !errors.Is(err, ErrCompleted) {
		t.Fatalf("expected ErrCompleted, got %v", err)
	}
}

func TestCompleteWithSubmission(t *testing.T) {
	s := newTestStore(t)
	k := unit("plantA", "doc1", 1)
	if _, err := s.EnsureUnit(k, 1, "img", 1000); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Claim("alice", "plantA", testStaleMs, 2000); err != nil {
		t.Fatal(err)
	}

	rows := []Row{{MachineID: "M-01", CircuitName: "main", Voltage: "380"}}
	sub, err := s.CompleteWithSubmission("alice", k, rows, 3000)
	if err != nil {
		t.Fatalf("complete with submission: %v", err)
	}
	if sub.ID == "" || sub.Username != "alice" || sub.Key != k {
		t.Fatalf("unexpected submission: %+v", sub)
	}

	task, err := s.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}

	got, err := s.GetSubmission(sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if len(got.Rows) != 1 || got.Rows[0].MachineID != "M-01" {
		t.Fatalf("unexpected submission rows: %+v", got.Rows)
	}

	byUser, err := s.SubmissionsByUser("alice")
	if err != nil {
		t.Fatalf("submissions by user: %v", err)
	}
	if len(byUser) != 1 || byUser[0].ID != sub.ID {
		t.Fatalf("unexpected user submissions: %+v", byUser)
	}
	if subs, err := s.SubmissionsByUser("bob"); err != nil || len(subs) != 0 {
		t.Fatalf("expected no submissions for bob, got %d (err %v)", len(subs), err)
	}
}

func TestCompleteWithSubmissionRejectedKeepsLock(t *testing.T) {
	s := newTestStore(t)
	k := unit("plantA", "doc1", 1)
	if _, err := s.EnsureUnit(k, 1, "img", 1000); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Claim("alice", "plantA", testStaleMs, 2000); err != nil {
		t.Fatal(err)
	}

	if _, err := s.CompleteWithSubmission("bob", k, nil, 3000); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	task, err := s.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusLocked || task.Owner != "alice" {
		t.Fatalf("lock should be intact: %+v", task)
	}
	if subs, err := s.SubmissionsByUser("bob"); err != nil || len(subs) != 0 {
		t.Fatalf("no submission should exist, got %d (err %v)", len(subs), err)
	}
}

func TestUpdateSubmission(t *testing.T) {
	s := newTestStore(t)
	k := unit("plantA", "doc1", 1)
	if _, err := s.EnsureUnit(k, 1, "img", 1000); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Claim("alice", "plantA", testStaleMs, 2000); err != nil {
		t.Fatal(err)
	}
	sub, err := s.CompleteWithSubmission("alice", k, []Row{{MachineID: "M-01"}}, 3000)
	if err != nil {
		t.Fatal(err)
	}

	updated, err := s.UpdateSubmission(sub.ID, []Row{{MachineID: "M-01"}, {MachineID: "M-02"}}, 4000)
	if err != nil {
		t.Fatalf("update submission: %v", err)
	}
	if len(updated.Rows) != 2 || updated.UpdatedMs != 4000 {
		t.Fatalf("unexpected updated submission: %+v", updated)
	}

	got, err := s.GetSubmission(sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Rows) != 2 {
		t.Fatalf("expected 2 rows after update, got %d", len(got.Rows))
	}

	if _, err := s.UpdateSubmission("not-an-id", nil, 5000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	s := newTestStore(t)
	k := unit("plantA", "doc1", 1)
	if _, err := s.EnsureUnit(k, 1, "img", 1000); err != nil {
		t.Fatal(err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	winners := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		owner := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, _, err := s.Claim(owner, "plantA", testStaleMs, 2000)
			if err == nil {
				winners <- task.Owner
			} else if !errors.Is(err, ErrNoWork) {
				t.Errorf("claim by %s: %v", owner, err)
			}
		}()
	}
	wg.Wait()
	close(winners)

	var won []string
	for w := range winners {
		won = append(won, w)
	}
	if len(won) != 1 {
		t.Fatalf("expected exactly one winner, got %d: %v", len(won), won)
	}

	task, err := s.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	if task.Owner != won[0] {
		t.Fatalf("record owner %q does not match winner %q", task.Owner, won[0])
	}
}

func TestFindLockedBy(t *testing.T) {
	s := newTestStore(t)
	for page := 1; page <= 3; page++ {
		if _, err := s.EnsureUnit(unit("plantA", "doc1", page), 3, "img", 1000); err != nil {
			t.Fatal(err)
		}
	}

	if _, _, err := s.Claim("alice", "plantA", testStaleMs, 2000); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Claim("bob", "plantA", testStaleMs, 2001); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.FindLockedBy("alice")
	if err != nil {
		t.Fatalf("find locked: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Owner != "alice" {
		t.Fatalf("unexpected locked tasks for alice: %+v", tasks)
	}
	if tasks, _ := s.FindLockedBy("carol"); len(tasks) != 0 {
		t.Fatalf("expected no locked tasks for carol, got %d", len(tasks))
	}
}

func TestForceRelease(t *testing.T) {
	s := newTestStore(t)
	k := unit("plantA", "doc1", 1)
	if _, err := s.EnsureUnit(k, 1, "img", 1000); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Claim("alice", "plantA", testStaleMs, 2000); err != nil {
		t.Fatal(err)
	}

	owner, err := s.ForceRelease(k, 3000)
	if err != nil {
		t.Fatalf("force release: %v", err)
	}
	if owner != "alice" {
		t.Fatalf("expected released owner alice, got %q", owner)
	}
	task, err := s.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusPending {
		t.Fatalf("expected pending after force release, got %s", task.Status)
	}

	if _, err := s.ForceRelease(k, 4000); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
}

func TestStatsAndProjects(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.EnsureUnit(unit("plantA", "doc1", 1), 2, "img", 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsureUnit(unit("plantA", "doc1", 2), 2, "img", 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsureUnit(unit("plantB", "doc2", 1), 1, "img", 1000); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Claim("alice", "plantA", testStaleMs, 2000); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	a := stats["plantA"]
	if a == nil || a.Pending != 1 || a.Locked != 1 || a.Completed != 0 {
		t.Fatalf("unexpected plantA stats: %+v", a)
	}
	b := stats["plantB"]
	if b == nil || b.Pending != 1 {
		t.Fatalf("unexpected plantB stats: %+v", b)
	}

	projects, err := s.AvailableProjects()
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	if len(projects) != 2 || projects[0] != "plantA" || projects[1] != "plantB" {
		t.Fatalf("unexpected projects: %v", projects)
	}
}

func TestReconcileRemovesAbsentUnits(t *testing.T) {
	s := newTestStore(t)
	kept := unit("plantA", "doc1", 1)
	gone := unit("plantA", "doc1", 2)
	done := unit("plantA", "doc1", 3)
	for _, k := range []UnitKey{kept, gone, done} {
		if _, err := s.EnsureUnit(k, 3, "img", 1000); err != nil {
			t.Fatal(err)
		}
	}

	// Lock all three units so a specific one can be completed, then
	// return the rest to pending.
	for i := 0; i < 3; i++ {
		if _, _, err := s.Claim("alice", "plantA", testStaleMs, 2000); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Release("alice", kept, 2500); err != nil {
		t.Fatal(err)
	}
	if err := s.Release("alice", gone, 2500); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete("alice", done, 3000); err != nil {
		t.Fatal(err)
	}

	valid := map[UnitKey]struct{}{kept: {}}
	removed, err := s.Reconcile("plantA", valid, 4000)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	if _, err := s.Get(kept); err != nil {
		t.Fatalf("kept unit missing: %v", err)
	}
	if _, err := s.Get(gone); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected absent unit removed, got %v", err)
	}
	// Completed units survive even when absent from the valid set.
	if task, err := s.Get(done); err != nil || task.Status != StatusCompleted {
		t.Fatalf("completed unit should survive: %v %+v", err, task)
	}

	// The removed unit is no longer claimable.
	if _, _, err := s.Claim("bob", "plantA", testStaleMs, 5000); err != nil {
		t.Fatalf("claim after reconcile: %v", err)
	}
	if tasks, _ := s.FindLockedBy("bob"); len(tasks) != 1 || tasks[0].Key != kept {
		t.Fatalf("expected bob to claim the kept unit, got %+v", tasks)
	}
}
