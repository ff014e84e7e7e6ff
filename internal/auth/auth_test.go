package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	s := NewTokenService("secret", time.Hour)
	tok, err := s.Issue("u-1", "biz-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := s.Parse(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.UserID != "u-1" || id.BusinessID != "biz-1" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestParseRejectsWrongSecretAndExpiry(t *testing.T) {
	issued := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s := NewTokenService("secret", time.Hour)
	s.now = func() time.Time { return issued }
	tok, err := s.Issue("u-1", "biz-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := NewTokenService("other", time.Hour)
	other.now = s.now
	if _, err := other.Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for wrong secret, got %v", err)
	}

	s.now = func() time.Time { return issued.Add(2 * time.Hour) }
	if _, err := s.Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestIdentityContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no identity")
	}
	ctx := WithIdentity(context.Background(), Identity{UserID: "u", BusinessID: "b"})
	if id, ok := FromContext(ctx); !ok || id.UserID != "u" {
		t.Fatalf("unexpected identity %+v", id)
	}
}
