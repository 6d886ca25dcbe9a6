package credstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

func testRecord(puc, credentialID string, signCount uint32) *models.CredentialRecord {
	now := time.Now()
	return &models.CredentialRecord{
		PUC:          puc,
		CredentialID: credentialID,
		SignCount:    signCount,
		Status:       models.CredentialActive,
		RPID:         "localhost",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func testChallengeSession(id models.Hash32, expiresAt time.Time) *models.AssertionChallengeSession {
	return &models.AssertionChallengeSession{
		RequestID:         id,
		ExpectedChallenge: "Y2hhbGxlbmdl",
		CredentialID:      "cred-1",
		PUC:               "puc-1",
		Kind:              models.ChallengeKindReservation,
		CreatedAt:         time.Now(),
		ExpiresAt:         expiresAt,
	}
}

func TestSaveAndGetCredential(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SaveCredential(ctx, testRecord("puc-1", "cred-1", 0)); err != nil {
		t.Fatalf("SaveCredential error: %v", err)
	}

	rec, err := s.GetCredential(ctx, "puc-1")
	if err != nil {
		t.Fatalf("GetCredential error: %v", err)
	}
	if rec == nil || rec.CredentialID != "cred-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	absent, err := s.GetCredential(ctx, "nobody")
	if err != nil || absent != nil {
		t.Fatalf("expected (nil, nil) for absent record, got (%+v, %v)", absent, err)
	}
}

func TestSignCountMustAdvance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SaveCredential(ctx, testRecord("puc-1", "cred-1", 5)); err != nil {
		t.Fatalf("SaveCredential error: %v", err)
	}

	// Equal counter: possible clone, hard failure.
	if err := s.SaveCredential(ctx, testRecord("puc-1", "cred-1", 5)); !errors.Is(err, ErrCounterRegression) {
		t.Fatalf("got %v, want ErrCounterRegression", err)
	}
	// Lower counter: same.
	if err := s.SaveCredential(ctx, testRecord("puc-1", "cred-1", 3)); !errors.Is(err, ErrCounterRegression) {
		t.Fatalf("got %v, want ErrCounterRegression", err)
	}
	// Advancing counter is fine.
	if err := s.SaveCredential(ctx, testRecord("puc-1", "cred-1", 6)); err != nil {
		t.Fatalf("SaveCredential error: %v", err)
	}
}

func TestCredentialNeverSilentlyReplaced(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SaveCredential(ctx, testRecord("puc-1", "cred-1", 1)); err != nil {
		t.Fatalf("SaveCredential error: %v", err)
	}

	// A different credential cannot displace an active one.
	if err := s.SaveCredential(ctx, testRecord("puc-1", "cred-2", 0)); !errors.Is(err, ErrCredentialExists) {
		t.Fatalf("got %v, want ErrCredentialExists", err)
	}

	// Revoking is a status transition and is allowed without a count bump.
	revoked := testRecord("puc-1", "cred-1", 1)
	revoked.Status = models.CredentialRevoked
	if err := s.SaveCredential(ctx, revoked); err != nil {
		t.Fatalf("revocation failed: %v", err)
	}

	// After revocation a replacement may be registered.
	if err := s.SaveCredential(ctx, testRecord("puc-1", "cred-2", 0)); err != nil {
		t.Fatalf("replacement after revocation failed: %v", err)
	}
}

func TestAssertionChallengeConsumeOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, _ := models.ParseHash32("0x00000000000000000000000000000000000000000000000000000000000000aa")
	sess := testChallengeSession(id, time.Now().Add(10*time.Minute))

	if err := s.SetAssertionChallenge(ctx, sess); err != nil {
		t.Fatalf("SetAssertionChallenge error: %v", err)
	}

	got, err := s.ConsumeAssertionChallenge(ctx, id)
	if err != nil {
		t.Fatalf("first consume error: %v", err)
	}
	if got.ExpectedChallenge != sess.ExpectedChallenge {
		t.Fatalf("unexpected session: %+v", got)
	}

	if _, err := s.ConsumeAssertionChallenge(ctx, id); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("second consume got %v, want ErrChallengeNotFound", err)
	}
}

func TestAssertionChallengeConcurrentConsume(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, _ := models.ParseHash32("0x00000000000000000000000000000000000000000000000000000000000000bb")
	if err := s.SetAssertionChallenge(ctx, testChallengeSession(id, time.Now().Add(10*time.Minute))); err != nil {
		t.Fatalf("SetAssertionChallenge error: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	successes := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAssertionChallenge(ctx, id); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Fatalf("%d concurrent consumers succeeded, want exactly 1", count)
	}
}

func TestAssertionChallengeExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, _ := models.ParseHash32("0x00000000000000000000000000000000000000000000000000000000000000cc")
	if err := s.SetAssertionChallenge(ctx, testChallengeSession(id, time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("SetAssertionChallenge error: %v", err)
	}

	if _, err := s.ConsumeAssertionChallenge(ctx, id); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("got %v, want ErrChallengeExpired", err)
	}
}

func TestRegistrationChallengeConsumeOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ch := &models.RegistrationChallenge{
		PUC:       "puc-1",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	if err := s.SetRegistrationChallenge(ctx, "puc-1", ch); err != nil {
		t.Fatalf("SetRegistrationChallenge error: %v", err)
	}

	if _, err := s.ConsumeRegistrationChallenge(ctx, "puc-1"); err != nil {
		t.Fatalf("first consume error: %v", err)
	}
	if _, err := s.ConsumeRegistrationChallenge(ctx, "puc-1"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("second consume got %v, want ErrChallengeNotFound", err)
	}
}

func TestReapRemovesExpiredChallenges(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, _ := models.ParseHash32("0x00000000000000000000000000000000000000000000000000000000000000dd")
	if err := s.SetAssertionChallenge(ctx, testChallengeSession(id, time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("SetAssertionChallenge error: %v", err)
	}

	s.reap()

	if _, err := s.ConsumeAssertionChallenge(ctx, id); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("got %v, want ErrChallengeNotFound after reap", err)
	}
}
