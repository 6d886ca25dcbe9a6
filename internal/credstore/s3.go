package credstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

// S3Store keeps durable credential records in an S3-compatible bucket.
// Challenge sessions are ephemeral and live in the memory or Redis store;
// only the CredentialStore half is served from S3.
type S3Store struct {
	client *minio.Client
	bucket string
}

func NewS3Store(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &S3Store{client: client, bucket: bucket}, nil
}

func (s *S3Store) objectKey(puc string) string {
	return fmt.Sprintf("credentials/%s.json", puc)
}

func (s *S3Store) GetCredential(ctx context.Context, puc string) (*models.CredentialRecord, error) {
	object, err := s.client.GetObject(ctx, s.bucket, s.objectKey(puc), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get credential from S3: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credential data: %w", err)
	}

	var rec models.CredentialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &rec, nil
}

func (s *S3Store) SaveCredential(ctx context.Context, rec *models.CredentialRecord) error {
	existing, err := s.GetCredential(ctx, rec.PUC)
	if err != nil {
		return err
	}
	if err := checkReplace(existing, rec); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.objectKey(rec.PUC), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to save credential to S3: %w", err)
	}
	return nil
}
