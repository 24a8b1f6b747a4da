package auth

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/sipeed/picocrm/pkg/config"
)

func newTestAuth(t *testing.T, users ...config.UserConfig) *MemoryAuthenticator {
	t.Helper()
	a, err := NewMemoryAuthenticator(users)
	if err != nil {
		t.Fatalf("NewMemoryAuthenticator: %v", err)
	}
	a.cost = bcrypt.MinCost
	return a
}

func TestSeededLogin(t *testing.T) {
	a := newTestAuth(t, config.UserConfig{Email: "Ops@Example.com", Password: "hunter22", DisplayName: "Ops"})
	ctx := context.Background()

	s, err := a.Login(ctx, "ops@example.com ", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if s.Token == "" || s.User.Email != "ops@example.com" || s.User.DisplayName != "Ops" {
		t.Fatalf("unexpected session %+v", s)
	}
	if u, ok := a.Current(ctx, s.Token); !ok || u.UID != s.User.UID {
		t.Fatalf("Current=%+v ok=%v", u, ok)
	}

	if _, err := a.Login(ctx, "ops@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := a.Login(ctx, "nobody@example.com", "hunter22"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSeedAcceptsBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret!"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	a := newTestAuth(t, config.UserConfig{Email: "a@b.co", Password: string(hash)})
	if _, err := a.Login(context.Background(), "a@b.co", "s3cret!"); err != nil {
		t.Fatalf("Login with hashed seed: %v", err)
	}
}

func TestSeedRejectsBadUser(t *testing.T) {
	if _, err := NewMemoryAuthenticator([]config.UserConfig{{Email: "not-an-email", Password: "longenough"}}); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if _, err := NewMemoryAuthenticator([]config.UserConfig{{Email: "x@y.z", Password: "123"}}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestRegister(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		email   string
		pass    string
		wantErr error
	}{
		{"ok", "new@example.com", "abcdef", nil},
		{"duplicate", "NEW@example.com", "abcdef", ErrEmailInUse},
		{"bad email", "new", "abcdef", ErrInvalidEmail},
		{"short password", "other@example.com", "abc", ErrWeakPassword},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, err := a.Register(ctx, tc.email, tc.pass, "  Nova  ")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err=%v want %v", err, tc.wantErr)
			}
			if tc.wantErr == nil && (s.Token == "" || s.User.DisplayName != "Nova") {
				t.Fatalf("unexpected session %+v", s)
			}
		})
	}
}

func TestLogoutAndSubscribe(t *testing.T) {
	a := newTestAuth(t, config.UserConfig{Email: "ops@example.com", Password: "hunter22"})
	ctx := context.Background()

	var changes []Change
	unsubscribe := a.Subscribe(func(c Change) { changes = append(changes, c) })

	s, _ := a.Login(ctx, "ops@example.com", "hunter22")
	if err := a.Logout(ctx, s.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, ok := a.Current(ctx, s.Token); ok {
		t.Fatal("session should be gone")
	}
	if err := a.Logout(ctx, s.Token); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	if len(changes) != 2 || changes[0].User == nil || changes[1].User != nil {
		t.Fatalf("unexpected changes %+v", changes)
	}

	unsubscribe()
	a.Login(ctx, "ops@example.com", "hunter22")
	if len(changes) != 2 {
		t.Fatalf("unsubscribed handler still called")
	}
}

func TestCurrentEmptyToken(t *testing.T) {
	a := newTestAuth(t)
	if _, ok := a.Current(context.Background(), ""); ok {
		t.Fatal("empty token must not resolve")
	}
}
