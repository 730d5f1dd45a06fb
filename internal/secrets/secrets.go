// Package secrets resolves service credentials (such as the bearer key sent
// to inference backends) from an external secret store with an in-process
// memo table and an environment-variable fallback.
//
// The store is constructed once at startup and passed by reference into the
// gateway — there are no package-level singletons.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Store retrieves named secrets. Implementations must be safe for concurrent
// use from many in-flight requests.
type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// cachedSecret is a memoised secret value with an expiry.
type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// AWSSecretsManager resolves secrets from AWS Secrets Manager. Values are
// memoised for a TTL so the hot path never blocks on the vault service.
type AWSSecretsManager struct {
	client *secretsmanager.Client
	cache  map[string]*cachedSecret
	mu     sync.RWMutex
	ttl    time.Duration
}

// NewAWSSecretsManager loads default AWS credentials for region and returns
// a ready store. The memo TTL defaults to 5 minutes.
func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}

	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*cachedSecret),
		ttl:    5 * time.Minute,
	}, nil
}

// NewAWSSecretsManagerWithConfig builds a store from an existing aws.Config.
func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*cachedSecret),
		ttl:    5 * time.Minute,
	}
}

// GetSecret returns the secret value for name, serving from the memo table
// when the cached value has not expired.
func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get %s: %w", name, err)
	}

	value := ""
	if result.SecretString != nil {
		value = *result.SecretString
	}

	s.mu.Lock()
	s.cache[name] = &cachedSecret{
		value:     value,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	return value, nil
}

// SetCacheTTL overrides the memo TTL. Intended for tests.
func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.ttl = ttl
}

// ClearCache drops all memoised values.
func (s *AWSSecretsManager) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*cachedSecret)
}

// EnvStore resolves secrets from process environment variables. The secret
// name is mapped to UPPER_SNAKE_CASE: "internal-service-key" is read from
// INTERNAL_SERVICE_KEY.
type EnvStore struct{}

// NewEnvStore returns an environment-backed Store.
func NewEnvStore() *EnvStore { return &EnvStore{} }

func (e *EnvStore) GetSecret(_ context.Context, name string) (string, error) {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	return "", fmt.Errorf("secrets: %s not set in environment", key)
}

// Chain tries each store in order and returns the first successful value.
// A vault store chained before an EnvStore gives the standard fallback
// behaviour: vault failures degrade to environment lookup.
type Chain struct {
	stores []Store
}

// NewChain builds a Chain from stores, tried in the given order.
func NewChain(stores ...Store) *Chain {
	return &Chain{stores: stores}
}

func (c *Chain) GetSecret(ctx context.Context, name string) (string, error) {
	var lastErr error
	for _, s := range c.stores {
		v, err := s.GetSecret(ctx, name)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("secrets: no stores configured")
	}
	return "", lastErr
}

// InMemoryStore is a map-backed Store for tests and local development.
type InMemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewInMemoryStore returns an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{secrets: make(map[string]string)}
}

func (s *InMemoryStore) GetSecret(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("secrets: %s not found", name)
	}
	return value, nil
}

// SetSecret stores or replaces a secret value.
func (s *InMemoryStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

// DeleteSecret removes a secret.
func (s *InMemoryStore) DeleteSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}
