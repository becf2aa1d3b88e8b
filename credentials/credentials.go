// Package credentials supplies per-provider login secrets. The orchestrator
// receives a Source at construction and never reads ambient configuration.
package credentials

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credential is the (login, secret) pair of one provider account, with an
// optional TOTP shared secret for providers requiring a second factor.
type Credential struct {
	Login      string `yaml:"login"`
	Secret     string `yaml:"secret"`
	TOTPSecret string `yaml:"totp_secret,omitempty"`
}

// ErrNotFound is returned when no credential is registered for a provider key
type ErrNotFound struct {
	ProviderKey string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("no credential for provider: %s", e.ProviderKey)
}

// Source resolves a provider key (e.g. a provider hostname) to a credential
type Source interface {
	Get(providerKey string) (Credential, error)
}

// Static is an in-memory Source, mostly for tests and programmatic setup
type Static map[string]Credential

func (s Static) Get(providerKey string) (Credential, error) {
	cred, ok := s[providerKey]
	if !ok {
		return Credential{}, ErrNotFound{providerKey}
	}
	return cred, nil
}

// FileSource reads credentials from a YAML file mapping provider keys to
// credentials:
//
//	dataspace.copernicus.eu:
//	  login: jane
//	  secret: s3cret
//	datahub.creodias.eu:
//	  login: jane
//	  secret: s3cret
//	  totp_secret: JBSWY3DPEHPK3PXP
type FileSource struct {
	creds map[string]Credential
}

// NewFileSource loads and parses the secrets file once
func NewFileSource(path string) (*FileSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credentials.NewFileSource: %w", err)
	}
	creds := map[string]Credential{}
	if err := yaml.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("credentials.NewFileSource[%s]: %w", path, err)
	}
	return &FileSource{creds: creds}, nil
}

func (fs *FileSource) Get(providerKey string) (Credential, error) {
	cred, ok := fs.creds[providerKey]
	if !ok {
		return Credential{}, ErrNotFound{providerKey}
	}
	return cred, nil
}
