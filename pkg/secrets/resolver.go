package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"go.uber.org/zap"
)

// Backend fetches a secret document. Single-value secrets are returned under
// the "value" key.
type Backend interface {
	Fetch(ctx context.Context, ref Ref) (map[string]string, error)
	Close() error
}

type backendFactory func(ctx context.Context, cfg config.SecretsConfig) (Backend, error)

type cachedDoc struct {
	data      map[string]string
	expiresAt time.Time
}

// Resolver turns references into plain values. Backends are created on first
// use so a deployment only needs credentials for the stores it references.
type Resolver struct {
	cfg       config.SecretsConfig
	factories map[Scheme]backendFactory
	now       func() time.Time

	mu       sync.Mutex
	backends map[Scheme]Backend
	cache    map[string]cachedDoc
}

// NewResolver creates a Resolver for the given settings
func NewResolver(cfg config.SecretsConfig) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Resolver{
		cfg: cfg,
		factories: map[Scheme]backendFactory{
			SchemeVault: newVaultBackend,
			SchemeAWS:   newAWSBackend,
			SchemeGCP:   newGCPBackend,
			SchemeFile:  newFileBackend,
		},
		now:      time.Now,
		backends: make(map[Scheme]Backend),
		cache:    make(map[string]cachedDoc),
	}
}

// WithBackend installs a ready backend for scheme
func (r *Resolver) WithBackend(scheme Scheme, b Backend) *Resolver {
	r.mu.Lock()
	r.backends[scheme] = b
	r.mu.Unlock()
	return r
}

// Resolve returns value unchanged unless it is a reference, in which case the
// referenced secret is fetched.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	ref, isRef, err := ParseRef(value)
	if !isRef {
		return value, nil
	}
	if err != nil {
		return "", err
	}

	doc, err := r.document(ctx, ref)
	if err != nil {
		logger.Warn("secret fetch failed",
			zap.String("scheme", string(ref.Scheme)),
			zap.String("path", ref.Path),
			zap.Error(err))
		return "", err
	}

	key := ref.Key
	if key == "" {
		key = "value"
	}
	v, ok := doc[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s in %s", ErrKeyNotFound, key, ref.Path)
	}
	return v, nil
}

// ResolveConfig replaces every secret-bearing field of cfg that holds a reference
func (r *Resolver) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	fields := []struct {
		name string
		ptr  *string
	}{
		{"DB_PASSWORD", &cfg.Database.Password},
		{"REDIS_PASSWORD", &cfg.Redis.Password},
		{"JWT_SECRET", &cfg.JWT.Secret},
		{"STRIPE_SECRET_KEY", &cfg.Stripe.SecretKey},
		{"SENTRY_DSN", &cfg.Sentry.DSN},
		{"DEVICE_HASH_KEY", &cfg.Network.DeviceHashKey},
	}

	for _, f := range fields {
		v, err := r.Resolve(ctx, *f.ptr)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", f.name, err)
		}
		if v != *f.ptr {
			logger.Info("secret resolved", zap.String("setting", f.name))
		}
		*f.ptr = v
	}
	return nil
}

// Close releases every backend that was opened
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for scheme, b := range r.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.backends, scheme)
	}
	return firstErr
}

func (r *Resolver) document(ctx context.Context, ref Ref) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.cache[ref.cacheKey()]; ok && r.now().Before(c.expiresAt) {
		return c.data, nil
	}

	b, ok := r.backends[ref.Scheme]
	if !ok {
		factory, known := r.factories[ref.Scheme]
		if !known {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, ref.Scheme)
		}
		var err error
		if b, err = factory(ctx, r.cfg); err != nil {
			return nil, err
		}
		r.backends[ref.Scheme] = b
	}

	data, err := b.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	r.cache[ref.cacheKey()] = cachedDoc{data: data, expiresAt: r.now().Add(r.cfg.CacheTTL)}
	return data, nil
}
