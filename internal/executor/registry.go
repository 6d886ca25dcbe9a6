package executor

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

// FileRegistry serves institution registrations from a YAML file. It stands
// in for the on-chain institution registry in deployments where the
// marketplace mirrors registrations into configuration.
type FileRegistry struct {
	entries map[string]fileEntry
}

type fileEntry struct {
	Wallet           models.Address
	DelegatedBackend models.Address
}

type registryFile struct {
	Institutions []struct {
		ID               string `yaml:"id"`
		Wallet           string `yaml:"wallet"`
		DelegatedBackend string `yaml:"delegatedBackend"`
	} `yaml:"institutions"`
}

func LoadFileRegistry(path string) (*FileRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read institution registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse institution registry: %w", err)
	}

	entries := make(map[string]fileEntry, len(file.Institutions))
	for _, inst := range file.Institutions {
		if inst.ID == "" {
			return nil, fmt.Errorf("institution registry entry missing id")
		}
		wallet, err := models.ParseAddress(inst.Wallet)
		if err != nil {
			return nil, fmt.Errorf("institution %q: %w", inst.ID, err)
		}
		entry := fileEntry{Wallet: wallet}
		if inst.DelegatedBackend != "" {
			delegated, err := models.ParseAddress(inst.DelegatedBackend)
			if err != nil {
				return nil, fmt.Errorf("institution %q delegated backend: %w", inst.ID, err)
			}
			entry.DelegatedBackend = delegated
		}
		entries[inst.ID] = entry
	}

	return &FileRegistry{entries: entries}, nil
}

func (f *FileRegistry) Lookup(ctx context.Context, institutionID string) (models.Address, models.Address, error) {
	entry, ok := f.entries[institutionID]
	if !ok {
		return models.Address{}, models.Address{}, fmt.Errorf("%w: %q", ErrUnknownInstitution, institutionID)
	}
	return entry.Wallet, entry.DelegatedBackend, nil
}
