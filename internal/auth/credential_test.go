package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateAcceptsSignedCredential(t *testing.T) {
	v := NewHMACValidator("test-secret")
	tok := SignCredential("test-secret", "u1", "plus", time.Now().Add(time.Hour))

	id, err := v.Validate(context.Background(), tok)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if id.UserID != "u1" || id.Tier != "plus" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	v := NewHMACValidator("test-secret")
	tok := SignCredential("test-secret", "u1", "free", time.Now().Add(-time.Minute))

	_, err := v.Validate(context.Background(), tok)
	if !errors.Is(err, ErrExpiredCredential) {
		t.Fatalf("error = %v, want ErrExpiredCredential", err)
	}
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	v := NewHMACValidator("test-secret")
	tok := SignCredential("other-secret", "u1", "free", time.Now().Add(time.Hour))

	_, err := v.Validate(context.Background(), tok)
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("error = %v, want ErrInvalidCredential", err)
	}
}

func TestValidateRejectsTamperedPayload(t *testing.T) {
	v := NewHMACValidator("test-secret")
	tok := SignCredential("test-secret", "u1", "free", time.Now().Add(time.Hour))
	parts := strings.SplitN(tok, ".", 2)
	forged := parts[0] + "x." + parts[1]

	if _, err := v.Validate(context.Background(), forged); err == nil {
		t.Fatalf("expected error for tampered payload")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	v := NewHMACValidator("test-secret")
	for _, tok := range []string{"", "   ", "nodot", "a.b", "a.b.c"} {
		if _, err := v.Validate(context.Background(), tok); err == nil {
			t.Fatalf("expected error for credential %q", tok)
		}
	}
}
