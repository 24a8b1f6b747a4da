package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/sipeed/picocrm/pkg/config"
	"github.com/sipeed/picocrm/pkg/logger"
)

const minPasswordLen = 6

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailInUse         = errors.New("email already registered")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = fmt.Errorf("password must have at least %d characters", minPasswordLen)
	ErrNoSession          = errors.New("session not found")
)

type User struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Session struct {
	Token    string    `json:"token"`
	User     User      `json:"user"`
	IssuedAt time.Time `json:"issued_at"`
}

// Change is delivered to subscribers whenever a session starts or ends.
// User is nil on logout.
type Change struct {
	Token string
	User  *User
}

// Authenticator gates access to the inbox. Tokens are opaque to callers.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (Session, error)
	Register(ctx context.Context, email, password, displayName string) (Session, error)
	Logout(ctx context.Context, token string) error
	Current(ctx context.Context, token string) (User, bool)
	Subscribe(fn func(Change)) (unsubscribe func())
}

type account struct {
	user User
	hash []byte
}

// MemoryAuthenticator keeps accounts and sessions in process memory.
type MemoryAuthenticator struct {
	mu       sync.RWMutex
	accounts map[string]account // by normalized email
	sessions map[string]Session
	subs     map[int]func(Change)
	nextSub  int
	cost     int
}

// NewMemoryAuthenticator seeds accounts from config. Passwords may be given
// in clear text or as bcrypt hashes.
func NewMemoryAuthenticator(users []config.UserConfig) (*MemoryAuthenticator, error) {
	a := &MemoryAuthenticator{
		accounts: make(map[string]account),
		sessions: make(map[string]Session),
		subs:     make(map[int]func(Change)),
		cost:     bcrypt.DefaultCost,
	}
	for _, u := range users {
		if _, err := a.add(u.Email, u.Password, u.DisplayName); err != nil {
			return nil, fmt.Errorf("seed user %q: %w", u.Email, err)
		}
	}
	return a, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func (a *MemoryAuthenticator) hashPassword(password string) ([]byte, error) {
	if _, err := bcrypt.Cost([]byte(password)); err == nil {
		return []byte(password), nil
	}
	if len(password) < minPasswordLen {
		return nil, ErrWeakPassword
	}
	return bcrypt.GenerateFromPassword([]byte(password), a.cost)
}

func (a *MemoryAuthenticator) add(email, password, displayName string) (User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return User{}, err
	}
	hash, err := a.hashPassword(password)
	if err != nil {
		return User{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.accounts[email]; exists {
		return User{}, ErrEmailInUse
	}
	user := User{
		UID:         uuid.NewString(),
		Email:       email,
		DisplayName: strings.TrimSpace(displayName),
		CreatedAt:   time.Now(),
	}
	a.accounts[email] = account{user: user, hash: hash}
	return user, nil
}

func (a *MemoryAuthenticator) Login(ctx context.Context, email, password string) (Session, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return Session{}, ErrInvalidCredentials
	}
	a.mu.RLock()
	acct, ok := a.accounts[normalized]
	a.mu.RUnlock()
	if !ok || bcrypt.CompareHashAndPassword(acct.hash, []byte(password)) != nil {
		logger.WarnCF("auth", "Login rejected", map[string]interface{}{"email": normalized})
		return Session{}, ErrInvalidCredentials
	}
	return a.startSession(acct.user), nil
}

// Register creates an account and signs it in.
func (a *MemoryAuthenticator) Register(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := a.add(email, password, displayName)
	if err != nil {
		return Session{}, err
	}
	logger.InfoCF("auth", "User registered", map[string]interface{}{"email": user.Email})
	return a.startSession(user), nil
}

func (a *MemoryAuthenticator) startSession(user User) Session {
	s := Session{Token: uuid.NewString(), User: user, IssuedAt: time.Now()}
	a.mu.Lock()
	a.sessions[s.Token] = s
	a.mu.Unlock()

	logger.InfoCF("auth", "Session started", map[string]interface{}{"email": user.Email})
	u := user
	a.notify(Change{Token: s.Token, User: &u})
	return s
}

func (a *MemoryAuthenticator) Logout(ctx context.Context, token string) error {
	a.mu.Lock()
	s, ok := a.sessions[token]
	delete(a.sessions, token)
	a.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	logger.InfoCF("auth", "Session ended", map[string]interface{}{"email": s.User.Email})
	a.notify(Change{Token: token})
	return nil
}

func (a *MemoryAuthenticator) Current(ctx context.Context, token string) (User, bool) {
	if token == "" {
		return User{}, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[token]
	return s.User, ok
}

func (a *MemoryAuthenticator) Subscribe(fn func(Change)) func() {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

func (a *MemoryAuthenticator) notify(c Change) {
	a.mu.RLock()
	fns := make([]func(Change), 0, len(a.subs))
	for _, fn := range a.subs {
		fns = append(fns, fn)
	}
	a.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}
