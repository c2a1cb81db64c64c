package etok

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sitewire/sitewire/models"
)

func testService(t *testing.T, ttl time.Duration) *Service {
	t.Helper()
	s := New(Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		TTL:    ttl,
	})
	t.Cleanup(s.Close)
	return s
}

func TestIssueAndVerify(t *testing.T) {
	s := testService(t, time.Minute)
	td := models.TokenData{Tenant: "7", User: "u1", Roles: []string{"worker"}}

	token, err := s.Issue(td)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if token == "" {
		t.Fatal("Issue() returned empty token")
	}

	got, ok := s.Verify(token)
	if !ok {
		t.Fatal("Verify() failed for a fresh token")
	}
	if got.Tenant != td.Tenant || got.User != td.User {
		t.Errorf("Verify() = %+v, want %+v", got, td)
	}
}

func TestTokenIsSingleUse(t *testing.T) {
	s := testService(t, time.Minute)

	token, err := s.Issue(models.TokenData{Tenant: "7", User: "u1"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, ok := s.Verify(token); !ok {
		t.Fatal("first Verify() failed")
	}
	if _, ok := s.Verify(token); ok {
		t.Fatal("second Verify() must fail, token is single-use")
	}
}

func TestExpiredToken(t *testing.T) {
	s := testService(t, 10*time.Millisecond)

	token, err := s.Issue(models.TokenData{Tenant: "7", User: "u1"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, ok := s.Verify(token); ok {
		t.Fatal("Verify() succeeded for an expired token")
	}
}

func TestUnknownToken(t *testing.T) {
	s := testService(t, time.Minute)
	if _, ok := s.Verify("not-a-token"); ok {
		t.Fatal("Verify() succeeded for an unknown token")
	}
}

func TestIssueRequiresIdentity(t *testing.T) {
	s := testService(t, time.Minute)
	if _, err := s.Issue(models.TokenData{Tenant: "7"}); err != ErrIncompleteIdentity {
		t.Errorf("Issue() error = %v, want ErrIncompleteIdentity", err)
	}
	if _, err := s.Issue(models.TokenData{User: "u"}); err != ErrIncompleteIdentity {
		t.Errorf("Issue() error = %v, want ErrIncompleteIdentity", err)
	}
}
