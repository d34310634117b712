package userstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	pebblestore "github.com/corveehq/corvee/internal/storage/pebble"
	"github.com/corveehq/corvee/pkg/log"
)

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

func TestInitCreatesFirstAdmin(t *testing.T) {
	s := newTestStore(t)

	initialized, err := s.Initialized()
	if err != nil || initialized {
		t.Fatalf("fresh store should be uninitialized: %v %v", initialized, err)
	}

	u, err := s.Init("alice", "secret")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !u.Admin {
		t.Fatal("first account must be admin")
	}

	initialized, err = s.Initialized()
	if err != nil || !initialized {
		t.Fatalf("store should be initialized: %v %v", initialized, err)
	}
	if _, err := s.Init("bob", "secret"); !errors.Is(err, ErrInitialized) {
		t.Fatalf("expected ErrInitialized, got %v", err)
	}
}

func TestLoginAndSessions(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Init("alice", "secret"); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Login("alice", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
	if _, _, err := s.Login("nobody", "secret"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials for unknown user, got %v", err)
	}

	token, u, err := s.Login("alice", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token == "" || u.Username != "alice" {
		t.Fatalf("unexpected login result: %q %+v", token, u)
	}

	got, err := s.ValidateSession(token)
	if err != nil {
		t.Fatalf("validate session: %v", err)
	}
	if got.Username != "alice" {
		t.Fatalf("unexpected session user: %+v", got)
	}

	if err := s.Logout(token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := s.ValidateSession(token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after logout, got %v", err)
	}
}

func TestLegacyHashUpgradedOnLogin(t *testing.T) {
	s := newTestStore(t)

	// Seed an account with a pre-bcrypt hex SHA-256 hash.
	sum := sha256.Sum256([]byte("secret"))
	u := &User{Username: "alice", PasswordHash: hex.EncodeToString(sum[:])}
	if err := s.putUser(u); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Login("alice", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
	if _, _, err := s.Login("alice", "secret"); err != nil {
		t.Fatalf("legacy login: %v", err)
	}

	got, err := s.Get("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got.PasswordHash, "$2") {
		t.Fatalf("hash not upgraded to bcrypt: %q", got.PasswordHash)
	}

	// Old password keeps working through the new hash.
	if _, _, err := s.Login("alice", "secret"); err != nil {
		t.Fatalf("login after upgrade: %v", err)
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("alice", "secret", false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("alice", "other", false); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := s.Create("", "secret", false); err == nil {
		t.Fatal("expected error for empty username")
	}
}

func TestSetPasswordAndAdmin(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("alice", "secret", false); err != nil {
		t.Fatal(err)
	}

	if err := s.SetPassword("alice", "newsecret"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if _, _, err := s.Login("alice", "secret"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("old password should fail, got %v", err)
	}
	if _, _, err := s.Login("alice", "newsecret"); err != nil {
		t.Fatalf("new password: %v", err)
	}

	if err := s.SetAdmin("alice", true); err != nil {
		t.Fatalf("set admin: %v", err)
	}
	u, err := s.Get("alice")
	if err != nil || !u.Admin {
		t.Fatalf("expected admin, got %+v (%v)", u, err)
	}

	if err := s.SetPassword("nobody", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("alice", "secret", false); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete("alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestCreditAndLeaderboard(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"alice", "bob", "carol"} {
		if _, err := s.Create(name, "secret", false); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Credit("bob", 3); err != nil {
		t.Fatal(err)
	}
	if err := s.Credit("carol", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Credit("bob", 2); err != nil {
		t.Fatal(err)
	}

	board, err := s.Leaderboard()
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(board))
	}
	if board[0].Username != "bob" || board[0].Contribution != 5 {
		t.Fatalf("unexpected leader: %+v", board[0])
	}
	if board[1].Username != "carol" || board[2].Username != "alice" {
		t.Fatalf("unexpected order: %s %s", board[1].Username, board[2].Username)
	}

	if err := s.Credit("nobody", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
