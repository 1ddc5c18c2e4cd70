package auth

import (
	"net/http/httptest"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		TokenSecret: "test-secret",
		TokenTTL:    15 * time.Minute,
		OperatorIDs: []string{"op-1", "op-2"},
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return svc
}

func TestIssueAndAuthenticate(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.IssueToken("op-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := httptest.NewRequest("POST", "/api/v1/killswitch/resume", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	operator, err := svc.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if operator != "op-1" {
		t.Fatalf("expected op-1, got %q", operator)
	}
}

func TestIssueRejectsUnknownOperator(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.IssueToken("intruder"); err == nil {
		t.Fatalf("unknown operator must not get a token")
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc := newTestService(t).WithClock(func() time.Time { return now })

	token, err := svc.IssueToken("op-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = base.Add(16 * time.Minute)
	r := httptest.NewRequest("POST", "/api/v1/killswitch/resume", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	if _, err := svc.Authenticate(r); err == nil {
		t.Fatalf("expired token must fail")
	}
}

func TestAuthenticateRejectsTampering(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.IssueToken("op-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := httptest.NewRequest("POST", "/api/v1/killswitch/resume", nil)
	r.Header.Set("Authorization", "Bearer "+token+"x")
	if _, err := svc.Authenticate(r); err == nil {
		t.Fatalf("tampered token must fail")
	}

	r.Header.Set("Authorization", "Basic abc")
	if _, err := svc.Authenticate(r); err == nil {
		t.Fatalf("non-bearer credentials must fail")
	}
}
