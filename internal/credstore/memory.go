package credstore

import (
	"context"
	"sync"
	"time"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

// MemoryStore is the in-process default. Single-instance only; multi-
// instance deployments use the Redis store.
type MemoryStore struct {
	credLocks keyedLocks
	credMu    sync.RWMutex
	creds     map[string]*models.CredentialRecord

	regMu sync.Mutex
	regs  map[string]*models.RegistrationChallenge

	assertMu sync.Mutex
	asserts  map[models.Hash32]*models.AssertionChallengeSession
}

// keyedLocks hands out one mutex per key so credential saves for different
// identities never serialize against each other.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		creds:   make(map[string]*models.CredentialRecord),
		regs:    make(map[string]*models.RegistrationChallenge),
		asserts: make(map[models.Hash32]*models.AssertionChallengeSession),
	}

	go s.reapLoop()

	return s
}

func (s *MemoryStore) GetCredential(ctx context.Context, puc string) (*models.CredentialRecord, error) {
	s.credMu.RLock()
	defer s.credMu.RUnlock()

	rec, ok := s.creds[puc]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) SaveCredential(ctx context.Context, rec *models.CredentialRecord) error {
	// Per-PUC lock keeps the read-check-write atomic without blocking
	// saves for unrelated identities.
	l := s.credLocks.get(rec.PUC)
	l.Lock()
	defer l.Unlock()

	existing, err := s.GetCredential(ctx, rec.PUC)
	if err != nil {
		return err
	}
	if err := checkReplace(existing, rec); err != nil {
		return err
	}

	cp := *rec
	s.credMu.Lock()
	s.creds[rec.PUC] = &cp
	s.credMu.Unlock()
	return nil
}

func (s *MemoryStore) SetRegistrationChallenge(ctx context.Context, puc string, ch *models.RegistrationChallenge) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.regs[puc] = ch
	return nil
}

func (s *MemoryStore) ConsumeRegistrationChallenge(ctx context.Context, puc string) (*models.RegistrationChallenge, error) {
	s.regMu.Lock()
	ch, ok := s.regs[puc]
	delete(s.regs, puc)
	s.regMu.Unlock()

	if !ok {
		return nil, ErrChallengeNotFound
	}
	if err := checkChallengeExpiry(ch.ExpiresAt); err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *MemoryStore) SetAssertionChallenge(ctx context.Context, sess *models.AssertionChallengeSession) error {
	s.assertMu.Lock()
	defer s.assertMu.Unlock()
	s.asserts[sess.RequestID] = sess
	return nil
}

func (s *MemoryStore) ConsumeAssertionChallenge(ctx context.Context, requestID models.Hash32) (*models.AssertionChallengeSession, error) {
	s.assertMu.Lock()
	sess, ok := s.asserts[requestID]
	delete(s.asserts, requestID)
	s.assertMu.Unlock()

	if !ok {
		return nil, ErrChallengeNotFound
	}
	if err := checkChallengeExpiry(sess.ExpiresAt); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *MemoryStore) ClearAssertionChallenge(ctx context.Context, requestID models.Hash32) error {
	s.assertMu.Lock()
	defer s.assertMu.Unlock()
	delete(s.asserts, requestID)
	return nil
}

// reapLoop cleans up orphaned challenge entries whose TTL lapsed without
// consumption.
func (s *MemoryStore) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.reap()
	}
}

func (s *MemoryStore) reap() {
	now := time.Now()

	s.regMu.Lock()
	for puc, ch := range s.regs {
		if now.After(ch.ExpiresAt) {
			delete(s.regs, puc)
		}
	}
	s.regMu.Unlock()

	s.assertMu.Lock()
	for id, sess := range s.asserts {
		if now.After(sess.ExpiresAt) {
			delete(s.asserts, id)
		}
	}
	s.assertMu.Unlock()
}
