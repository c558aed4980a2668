package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRunToken_RoundTrip(t *testing.T) {
	oppID := uuid.New()
	runID := uuid.New()

	token, err := IssueRunToken(oppID, runID, time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	gotOpp, gotRun, err := VerifyRunToken(token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if gotOpp != oppID || gotRun != runID {
		t.Fatalf("claims mismatch: got (%s, %s)", gotOpp, gotRun)
	}
}

func TestRunToken_ExpiredRejected(t *testing.T) {
	token, err := IssueRunToken(uuid.New(), uuid.New(), -time.Minute)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if _, _, err := VerifyRunToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestRunToken_GarbageRejected(t *testing.T) {
	for _, raw := range []string{"", "not-a-jwt", "aaa.bbb.ccc"} {
		if _, _, err := VerifyRunToken(raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("input %q: expected invalid token, got %v", raw, err)
		}
	}
}

func TestRunToken_TamperedSignatureRejected(t *testing.T) {
	token, err := IssueRunToken(uuid.New(), uuid.New(), time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, _, err := VerifyRunToken(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}
