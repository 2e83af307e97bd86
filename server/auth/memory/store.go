// Package memory keeps user accounts in memory. A Store authenticates
// requests, resolves calendar user addresses for the engine and answers
// delegation questions.
package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/cyp0633/caldora/server/auth"
	"github.com/cyp0633/caldora/server/view"
)

// User is one account.
type User struct {
	ID string
	// Addresses are the calendar user addresses of the account, such as
	// mailto:alice@example.com.
	Addresses []string
	hash      []byte
	// grants maps a delegate's user id to what the delegate may do with
	// this user's calendars.
	grants map[string]view.Capabilities
}

// Store implements auth.Authenticator, engine.Directory and engine.ACL.
type Store struct {
	mu        sync.RWMutex
	users     map[string]*User
	addresses map[string]string
	cost      int
	logger    *slog.Logger
}

func New(opts ...Option) *Store {
	s := &Store{
		users:     make(map[string]*User),
		addresses: make(map[string]string),
		cost:      bcrypt.DefaultCost,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCost sets the bcrypt cost for new passwords. Tests use bcrypt.MinCost.
func WithCost(cost int) Option {
	return func(s *Store) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	}
}

func normalizeAddress(a string) string {
	a = strings.ToLower(strings.TrimSpace(a))
	if a != "" && !strings.Contains(a, ":") {
		a = "mailto:" + a
	}
	return a
}

// AddUser creates an account. Addresses must not belong to another user.
func (s *Store) AddUser(id, password string, addresses ...string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password of %s: %w", id, err)
	}
	return s.AddUserHash(id, string(hash), addresses...)
}

// AddUserHash creates an account from an existing bcrypt hash.
func (s *Store) AddUserHash(id, hash string, addresses ...string) error {
	if id == "" {
		return fmt.Errorf("user id is required")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("password hash of %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[id]; exists {
		s.logger.Warn("failed to add user: already exists", "user", id)
		return fmt.Errorf("user already exists: %s", id)
	}
	for _, a := range addresses {
		if owner, taken := s.addresses[normalizeAddress(a)]; taken {
			return fmt.Errorf("address %s already belongs to %s", a, owner)
		}
	}

	u := &User{ID: id, hash: []byte(hash), grants: make(map[string]view.Capabilities)}
	for _, a := range addresses {
		n := normalizeAddress(a)
		u.Addresses = append(u.Addresses, n)
		s.addresses[n] = id
	}
	s.users[id] = u
	s.logger.Info("user added", "user", id, "addresses", u.Addresses)
	return nil
}

// Grant lets delegate use owner's calendars with caps. A zero caps revokes.
func (s *Store) Grant(owner, delegate string, caps view.Capabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[owner]
	if !ok {
		return fmt.Errorf("unknown user: %s", owner)
	}
	if _, ok := s.users[delegate]; !ok {
		return fmt.Errorf("unknown user: %s", delegate)
	}
	if caps == (view.Capabilities{}) {
		delete(u.grants, delegate)
		return nil
	}
	// Writing or seeing private data implies reading.
	caps.Read = true
	u.grants[delegate] = caps
	s.logger.Info("access granted", "owner", owner, "delegate", delegate,
		"write", caps.Write, "private", caps.ReadPrivate)
	return nil
}

// Users lists the account ids in order.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func invalidCredentials(user string) error {
	return &auth.Error{Type: auth.ErrInvalidCredentials, User: user, Message: "invalid username or password"}
}

func (s *Store) Authenticate(_ context.Context, creds auth.Credentials) (*auth.Principal, error) {
	s.mu.RLock()
	u, exists := s.users[creds.Username]
	s.mu.RUnlock()

	if !exists {
		s.logger.Info("authentication failed: user not found", "user", creds.Username)
		return nil, invalidCredentials(creds.Username)
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(creds.Password)); err != nil {
		s.logger.Info("authentication failed: invalid password", "user", creds.Username)
		return nil, invalidCredentials(creds.Username)
	}
	s.logger.Debug("authentication successful", "user", creds.Username)
	return &auth.Principal{ID: u.ID}, nil
}

// ValidateAccess only checks that the principal still exists. Which
// collections it may touch is decided by Capabilities.
func (s *Store) ValidateAccess(_ context.Context, principal *auth.Principal, path string) error {
	if principal == nil {
		return &auth.Error{Type: auth.ErrUnauthorized, Message: "authentication required"}
	}
	s.mu.RLock()
	_, ok := s.users[principal.ID]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("access validation failed: unknown principal", "user", principal.ID, "path", path)
		return &auth.Error{Type: auth.ErrForbidden, User: principal.ID, Message: "unknown principal"}
	}
	return nil
}

// LookupAddress resolves a calendar user address to a local account.
func (s *Store) LookupAddress(_ context.Context, address string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.addresses[normalizeAddress(address)]
	return id, ok, nil
}

// Capabilities reports what viewerID was granted on calendarUser's calendars.
func (s *Store) Capabilities(_ context.Context, viewerID, calendarUser string) (view.Capabilities, error) {
	if viewerID == calendarUser {
		return view.Full, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[calendarUser]
	if !ok {
		return view.Capabilities{}, nil
	}
	return u.grants[viewerID], nil
}
