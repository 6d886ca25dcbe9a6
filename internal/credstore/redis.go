package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

// RedisStore is the multi-instance-safe backend. Challenge consumption uses
// GETDEL so two concurrent verification attempts cannot both succeed;
// credential saves run inside a WATCH transaction for the same reason.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func credentialKey(puc string) string { return fmt.Sprintf("credential:%s", puc) }

func registrationKey(puc string) string { return fmt.Sprintf("reg_challenge:%s", puc) }

func assertionKey(id models.Hash32) string { return fmt.Sprintf("assert_challenge:%s", id.Hex()) }

func (r *RedisStore) GetCredential(ctx context.Context, puc string) (*models.CredentialRecord, error) {
	data, err := r.client.Get(ctx, credentialKey(puc)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	var rec models.CredentialRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) SaveCredential(ctx context.Context, rec *models.CredentialRecord) error {
	key := credentialKey(rec.PUC)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	return r.client.Watch(ctx, func(tx *redis.Tx) error {
		existingData, err := tx.Get(ctx, key).Result()
		var existing *models.CredentialRecord
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to read existing credential: %w", err)
		default:
			existing = &models.CredentialRecord{}
			if err := json.Unmarshal([]byte(existingData), existing); err != nil {
				return fmt.Errorf("failed to unmarshal existing credential: %w", err)
			}
		}

		if err := checkReplace(existing, rec); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

func (r *RedisStore) SetRegistrationChallenge(ctx context.Context, puc string, ch *models.RegistrationChallenge) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to marshal registration challenge: %w", err)
	}

	ttl := time.Until(ch.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("registration challenge already expired")
	}

	if err := r.client.Set(ctx, registrationKey(puc), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save registration challenge: %w", err)
	}
	return nil
}

func (r *RedisStore) ConsumeRegistrationChallenge(ctx context.Context, puc string) (*models.RegistrationChallenge, error) {
	data, err := r.client.GetDel(ctx, registrationKey(puc)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume registration challenge: %w", err)
	}

	var ch models.RegistrationChallenge
	if err := json.Unmarshal([]byte(data), &ch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registration challenge: %w", err)
	}
	if err := checkChallengeExpiry(ch.ExpiresAt); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *RedisStore) SetAssertionChallenge(ctx context.Context, sess *models.AssertionChallengeSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal assertion challenge: %w", err)
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("assertion challenge already expired")
	}

	if err := r.client.Set(ctx, assertionKey(sess.RequestID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save assertion challenge: %w", err)
	}
	return nil
}

func (r *RedisStore) ConsumeAssertionChallenge(ctx context.Context, requestID models.Hash32) (*models.AssertionChallengeSession, error) {
	data, err := r.client.GetDel(ctx, assertionKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume assertion challenge: %w", err)
	}

	var sess models.AssertionChallengeSession
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assertion challenge: %w", err)
	}
	if err := checkChallengeExpiry(sess.ExpiresAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (r *RedisStore) ClearAssertionChallenge(ctx context.Context, requestID models.Hash32) error {
	return r.client.Del(ctx, assertionKey(requestID)).Err()
}
