package devserver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/launchpad/launchpad/internal/models"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists      = errors.New("user already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid email or password")
	ErrUserNotVerified = errors.New("account is not verified")
)

type userRecord struct {
	user         models.User
	passwordHash []byte
}

// UserRepository is the dev server's account table, keyed by id with an
// email index.
type UserRepository struct {
	mu      sync.RWMutex
	byID    map[string]*userRecord
	byEmail map[string]string
}

func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:    make(map[string]*userRecord),
		byEmail: make(map[string]string),
	}
}

func (r *UserRepository) Create(name, email, password, role string, verified bool) (*models.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	if role == "" {
		role = "user"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[email]; ok {
		return nil, ErrUserExists
	}
	rec := &userRecord{
		user: models.User{
			ID:         uuid.New().String(),
			Name:       name,
			Email:      email,
			Role:       role,
			IsVerified: verified,
		},
		passwordHash: hash,
	}
	r.byID[rec.user.ID] = rec
	r.byEmail[email] = rec.user.ID

	u := rec.user
	return &u, nil
}

// Authenticate checks the password and returns the account.
func (r *UserRepository) Authenticate(email, password string) (*models.User, error) {
	r.mu.RLock()
	rec, ok := r.byID[r.byEmail[normalizeEmail(email)]]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidPassword
	}
	if err := bcrypt.CompareHashAndPassword(rec.passwordHash, []byte(password)); err != nil {
		return nil, ErrInvalidPassword
	}
	if !rec.user.IsVerified {
		return nil, ErrUserNotVerified
	}
	u := rec.user
	return &u, nil
}

func (r *UserRepository) GetByID(id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := rec.user
	return &u, nil
}

func (r *UserRepository) GetByEmail(email string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[r.byEmail[normalizeEmail(email)]]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := rec.user
	return &u, nil
}

func (r *UserRepository) MarkVerified(email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[r.byEmail[normalizeEmail(email)]]
	if !ok {
		return nil, ErrUserNotFound
	}
	rec.user.IsVerified = true
	u := rec.user
	return &u, nil
}

// List returns every account except the one with id exclude, by name.
func (r *UserRepository) List(exclude string) []models.User {
	r.mu.RLock()
	out := make([]models.User, 0, len(r.byID))
	for id, rec := range r.byID {
		if id == exclude {
			continue
		}
		out = append(out, rec.user)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
