package userstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	pebblestore "github.com/corveehq/corvee/internal/storage/pebble"
	"github.com/corveehq/corvee/pkg/log"
)

var (
	// ErrNotFound indicates the user or session does not exist.
	ErrNotFound = errors.New("userstore: not found")
	// ErrExists indicates the username is already taken.
	ErrExists = errors.New("userstore: user already exists")
	// ErrBadCredentials indicates a failed password check.
	ErrBadCredentials = errors.New("userstore: bad credentials")
	// ErrInitialized indicates Init was called on a non-empty store.
	ErrInitialized = errors.New("userstore: already initialized")
)

const (
	userPrefix    = "user/"
	sessionPrefix = "sess/"
)

// User is the durable account record.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	Admin        bool   `json:"admin"`
	Contribution int    `json:"contribution"`
	CreatedMs    int64  `json:"created_ms"`
}

// Store is the pebble-backed account store.
type Store struct {
	mu     sync.Mutex
	db     *pebblestore.DB
	logger log.Logger
	nowMs  func() int64
}

// NewStore creates a Store on top of an open Pebble database.
func NewStore(db *pebblestore.DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.WithComponent("userstore"),
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

func userKey(username string) []byte { return []byte(userPrefix + username) }
func sessionKey(token string) []byte { return []byte(sessionPrefix + token) }
func prefixUpper(p string) []byte    { return append([]byte(p), 0xFF) }

// Initialized reports whether any account exists.
func (s *Store) Initialized() (bool, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(userPrefix),
		UpperBound: prefixUpper(userPrefix),
	})
	if err != nil {
		return false, err
	}
	defer it.Close()
	return it.First(), nil
}

// Init creates the first account as an admin. Fails once any account
// exists.
func (s *Store) Init(username, password string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	initialized, err := s.Initialized()
	if err != nil {
		return nil, err
	}
	if initialized {
		return nil, ErrInitialized
	}
	return s.createLocked(username, password, true)
}

// Create adds a new account.
func (s *Store) Create(username, password string, admin bool) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(username, password, admin)
}

func (s *Store) createLocked(username, password string, admin bool) (*User, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("userstore: username and password are required")
	}
	exists, err := s.db.Has(userKey(username))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("userstore: hash password: %w", err)
	}
	u := &User{
		Username:     username,
		PasswordHash: string(hash),
		Admin:        admin,
		CreatedMs:    s.nowMs(),
	}
	if err := s.putUser(u); err != nil {
		return nil, err
	}
	s.logger.Info("created user", log.Str("username", username), log.F("admin", admin))
	return u, nil
}

// Get returns the account record for username.
func (s *Store) Get(username string) (*User, error) {
	data, err := s.db.Get(userKey(username))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("userstore: decode %s: %w", username, err)
	}
	return &u, nil
}

func (s *Store) putUser(u *User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.db.Set(userKey(u.Username), data)
}

// legacySHA256 reports whether hash is a hex-encoded SHA-256 digest
// from the pre-bcrypt era.
func legacySHA256(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// Login checks the password and returns a fresh session token. Legacy
// SHA-256 hashes are upgraded to bcrypt on success.
func (s *Store) Login(username, password string) (string, *User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.Get(username)
	if errors.Is(err, ErrNotFound) {
		return "", nil, ErrBadCredentials
	}
	if err != nil {
		return "", nil, err
	}

	if legacySHA256(u.PasswordHash) {
		sum := sha256.Sum256([]byte(password))
		if hex.EncodeToString(sum[:]) != u.PasswordHash {
			return "", nil, ErrBadCredentials
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", nil, err
		}
		u.PasswordHash = string(hash)
		if err := s.putUser(u); err != nil {
			return "", nil, err
		}
		s.logger.Info("upgraded legacy password hash", log.Str("username", username))
	} else if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrBadCredentials
	}

	token := uuid.NewString()
	if err := s.db.Set(sessionKey(token), []byte(username)); err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// ValidateSession resolves a session token to its account.
func (s *Store) ValidateSession(token string) (*User, error) {
	data, err := s.db.Get(sessionKey(token))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.Get(string(data))
}

// Logout removes a session token.
func (s *Store) Logout(token string) error {
	return s.db.Delete(sessionKey(token))
}

// SetPassword replaces the password hash for username.
func (s *Store) SetPassword(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.Get(username)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return s.putUser(u)
}

// SetAdmin toggles the admin flag for username.
func (s *Store) SetAdmin(username string, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.Get(username)
	if err != nil {
		return err
	}
	u.Admin = admin
	return s.putUser(u)
}

// Delete removes the account for username. Sessions are left to expire
// on their next validation.
func (s *Store) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.db.Has(userKey(username))
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return s.db.Delete(userKey(username))
}

// Credit adds n completed units to username's contribution counter.
func (s *Store) Credit(username string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.Get(username)
	if err != nil {
		return err
	}
	u.Contribution += n
	return s.putUser(u)
}

// List returns all accounts sorted by username.
func (s *Store) List() ([]*User, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(userPrefix),
		UpperBound: prefixUpper(userPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var users []*User
	for it.First(); it.Valid(); it.Next() {
		var u User
		if err := json.Unmarshal(it.Value(), &u); err != nil {
			continue
		}
		users = append(users, &u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// Leaderboard returns all accounts ordered by contribution, highest
// first, ties broken by username.
func (s *Store) Leaderboard() ([]*User, error) {
	users, err := s.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Contribution != users[j].Contribution {
			return users[i].Contribution > users[j].Contribution
		}
		return users[i].Username < users[j].Username
	})
	return users, nil
}
