package ai

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Credential is one owner's access to a description provider.
type Credential struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Host     string `yaml:"host"`
	Model    string `yaml:"model"`
}

// Config converts the credential into a provider configuration on top of base.
func (c Credential) Config(base Config) *Config {
	cfg := base
	if c.Provider != "" {
		cfg.Provider = c.Provider
	}
	if c.APIKey != "" {
		cfg.APIKey = c.APIKey
	}
	if c.Host != "" {
		cfg.VisionHost = c.Host
	}
	if c.Model != "" {
		cfg.VisionModel = c.Model
	}
	return &cfg
}

// DescriberFactory builds a describer for a resolved credential.
type DescriberFactory func(ctx context.Context, cred Credential) (ImageDescriber, error)

// StaticResolver hands every owner the same describer.
type StaticResolver struct {
	describer ImageDescriber
}

// NewStaticResolver returns a resolver for d. A nil d means no owner has a
// credential.
func NewStaticResolver(d ImageDescriber) *StaticResolver {
	return &StaticResolver{describer: d}
}

func (r *StaticResolver) Describer(_ context.Context, owner string) (ImageDescriber, error) {
	if r.describer == nil {
		return nil, fmt.Errorf("%w for owner %q", ErrNoCredential, owner)
	}
	return r.describer, nil
}

type credentialsFile struct {
	Default *Credential           `yaml:"default"`
	Owners  map[string]Credential `yaml:"owners"`
}

// FileResolver resolves per-owner credentials loaded from YAML:
//
//	default:
//	  provider: openai
//	  host: http://localhost:11434/v1
//	  model: llava
//	owners:
//	  alice:
//	    provider: gemini
//	    api_key: ${ALICE_GEMINI_KEY}
//
// Values are expanded against the environment.
type FileResolver struct {
	factory DescriberFactory
	def     *Credential
	owners  map[string]Credential

	mu    sync.Mutex
	cache map[string]ImageDescriber
}

// LoadCredentialsFile reads path and returns a resolver over its contents.
func LoadCredentialsFile(path string, factory DescriberFactory) (*FileResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	return ParseCredentials(data, factory)
}

// ParseCredentials parses YAML credentials.
func ParseCredentials(data []byte, factory DescriberFactory) (*FileResolver, error) {
	var f credentialsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	if f.Owners == nil {
		f.Owners = map[string]Credential{}
	}
	return &FileResolver{
		factory: factory,
		def:     f.Default,
		owners:  f.Owners,
		cache:   make(map[string]ImageDescriber),
	}, nil
}

func (r *FileResolver) Describer(ctx context.Context, owner string) (ImageDescriber, error) {
	cred, ok := r.owners[owner]
	key := owner
	if !ok {
		if r.def == nil {
			return nil, fmt.Errorf("%w for owner %q", ErrNoCredential, owner)
		}
		cred = *r.def
		key = ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.cache[key]; ok {
		return d, nil
	}
	d, err := r.factory(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("%w for owner %q: %w", ErrNoCredential, owner, err)
	}
	r.cache[key] = d
	return d, nil
}
