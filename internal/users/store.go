package users

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type record struct {
	user models.User
	hash []byte
}

// Store is the in-memory credential store. Usernames are keyed case-insensitively
// but the spelling given at registration is kept for display.
type Store struct {
	mu    sync.RWMutex
	users map[string]*record
	cost  int
}

func NewStore(bcryptCost int) *Store {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Store{users: make(map[string]*record), cost: bcryptCost}
}

func key(username string) string { return strings.ToLower(username) }

// digest maps a secret of any length onto 64 bytes, under bcrypt's 72-byte cap.
func digest(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return []byte(hex.EncodeToString(sum[:]))
}

// SeedAdmin creates the administrator account. It is the only way to obtain
// the admin role.
func (s *Store) SeedAdmin(username, secret string) error {
	return s.create(username, secret, models.RoleAdmin)
}

// Register creates a customer or driver. Admin is refused and any role other
// than driver becomes customer.
func (s *Store) Register(username, secret, requestedRole string) (models.User, error) {
	if strings.TrimSpace(username) == "" || secret == "" {
		return models.User{}, apperr.Validation("username and secret are required")
	}
	role, _ := models.ParseRole(requestedRole)
	if role == models.RoleAdmin {
		return models.User{}, apperr.Validation("cannot register as admin")
	}
	if role != models.RoleDriver {
		role = models.RoleCustomer
	}
	if err := s.create(username, secret, role); err != nil {
		return models.User{}, err
	}
	return models.User{Username: username, Role: role}, nil
}

func (s *Store) create(username, secret string, role models.Role) error {
	// hash outside the lock, bcrypt is slow on purpose
	hash, err := bcrypt.GenerateFromPassword(digest(secret), s.cost)
	if err != nil {
		return apperr.Validation("unusable secret: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(username)
	if _, ok := s.users[k]; ok {
		return apperr.Conflict("username %s already exists", username)
	}
	s.users[k] = &record{user: models.User{Username: username, Role: role}, hash: hash}
	return nil
}

// Authenticate returns the user when username (any case) and secret match.
func (s *Store) Authenticate(username, secret string) (models.User, error) {
	s.mu.RLock()
	rec, ok := s.users[key(username)]
	s.mu.RUnlock()
	if !ok {
		// same error for unknown user and wrong secret
		return models.User{}, apperr.Authentication("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(rec.hash, digest(secret)); err != nil {
		return models.User{}, apperr.Authentication("invalid credentials")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rec.user, nil
}

func (s *Store) Get(username string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[key(username)]
	if !ok {
		return models.User{}, false
	}
	return rec.user, true
}

// AddRating folds value into the user's running mean and returns the new mean.
func (s *Store) AddRating(username string, value int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[key(username)]
	if !ok {
		return 0, apperr.NotFound("user %s not found", username)
	}
	u := &rec.user
	u.Rating = (u.Rating*float64(u.RatingCount) + float64(value)) / float64(u.RatingCount+1)
	u.RatingCount++
	return u.Rating, nil
}

// Counts returns the number of registered users per role.
func (s *Store) Counts() map[models.Role]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.Role]int, 3)
	for _, rec := range s.users {
		out[rec.user.Role]++
	}
	return out
}
