package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

// FilesystemStore keeps durable credential records as JSON files. Suitable
// for single-instance deployments without an object store.
type FilesystemStore struct {
	basePath string
}

func NewFilesystemStore(basePath string) (*FilesystemStore, error) {
	credsPath := filepath.Join(basePath, "credentials")
	if err := os.MkdirAll(credsPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create credentials path: %w", err)
	}

	return &FilesystemStore{basePath: basePath}, nil
}

func (f *FilesystemStore) credentialPath(puc string) string {
	return filepath.Join(f.basePath, "credentials", puc+".json")
}

func (f *FilesystemStore) GetCredential(ctx context.Context, puc string) (*models.CredentialRecord, error) {
	data, err := os.ReadFile(f.credentialPath(puc))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var rec models.CredentialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &rec, nil
}

func (f *FilesystemStore) SaveCredential(ctx context.Context, rec *models.CredentialRecord) error {
	existing, err := f.GetCredential(ctx, rec.PUC)
	if err != nil {
		return err
	}
	if err := checkReplace(existing, rec); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	if err := os.WriteFile(f.credentialPath(rec.PUC), data, 0644); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	return nil
}
