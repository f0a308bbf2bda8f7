package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"fcmrelay/internal/model"
)

// SeedFile is the YAML document shape for declarative credential provisioning.
type SeedFile struct {
	Credentials []model.CreateCredentialRequest `yaml:"credentials"`
}

// LoadSeed parses and validates a credential seed file. Entries are matched
// by name at apply time, so a seed file is safe to load on every boot.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	for i := range seed.Credentials {
		if err := seed.Credentials[i].Validate(); err != nil {
			return nil, fmt.Errorf("seed credential %d (%s): %w", i, seed.Credentials[i].Name, err)
		}
	}
	return &seed, nil
}
