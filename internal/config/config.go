// Package config loads the policy file that tunes rate limiting, idempotency
// and response caching.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/serroba/edge-guard/internal/cache"
	"github.com/serroba/edge-guard/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Rate limiting algorithms.
const (
	AlgorithmLog      = "log"
	AlgorithmBucketed = "bucketed"
)

// Policy is the root of the policy file.
type Policy struct {
	RateLimit   RateLimit   `yaml:"rate_limit"`
	Idempotency Idempotency `yaml:"idempotency"`
	Cache       Cache       `yaml:"cache"`
	Store       Store       `yaml:"store"`
}

// Limit is one admit_limit per window_duration rule.
type Limit struct {
	AdmitLimit     int64         `yaml:"admit_limit"`
	WindowDuration time.Duration `yaml:"window_duration"`
}

// RateLimit configures the rate limit middleware.
type RateLimit struct {
	Enabled bool `yaml:"enabled"`
	// Algorithm is "log" (exact) or "bucketed" (bounded memory).
	Algorithm   string  `yaml:"algorithm"`
	BucketCount int     `yaml:"bucket_count"`
	Global      []Limit `yaml:"global"`
	Read        []Limit `yaml:"read"`
	Write       []Limit `yaml:"write"`
}

// Idempotency configures the idempotency middleware.
type Idempotency struct {
	Enabled     bool          `yaml:"enabled"`
	Header      string        `yaml:"header"`
	Methods     []string      `yaml:"methods"`
	RequireKey  bool          `yaml:"require_key"`
	SlotTTL     time.Duration `yaml:"slot_ttl"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// Cache configures the response cache middleware.
type Cache struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"cache_ttl"`
	HashAlgorithm string        `yaml:"hash_algorithm"`
	Weak          bool          `yaml:"weak"`
	RetainPayload bool          `yaml:"retain_payload"`
	VaryHeaders   []string      `yaml:"vary_headers"`
	// PathTTLs overrides TTL for request paths starting with the given prefix.
	// The longest matching prefix wins.
	PathTTLs map[string]time.Duration `yaml:"path_ttls"`
}

// Store configures the keyed stores backing every policy.
type Store struct {
	Shards        int           `yaml:"shards"`
	MaxEntries    int           `yaml:"max_entries"`
	MaxRetries    int           `yaml:"max_retries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns the built-in policy.
func Default() *Policy {
	return &Policy{
		RateLimit: RateLimit{
			Enabled:     true,
			Algorithm:   AlgorithmLog,
			BucketCount: 10,
			Global:      []Limit{{AdmitLimit: 1000, WindowDuration: time.Minute}},
			Read:        []Limit{{AdmitLimit: 600, WindowDuration: time.Minute}},
			Write: []Limit{
				{AdmitLimit: 30, WindowDuration: time.Minute},
				{AdmitLimit: 500, WindowDuration: time.Hour},
			},
		},
		Idempotency: Idempotency{
			Enabled:     true,
			Header:      "Idempotency-Key",
			Methods:     []string{http.MethodPost, http.MethodPut, http.MethodPatch},
			SlotTTL:     24 * time.Hour,
			WaitTimeout: 30 * time.Second,
		},
		Cache: Cache{
			Enabled:       true,
			TTL:           time.Minute,
			HashAlgorithm: string(cache.AlgorithmXXHash),
			RetainPayload: true,
			VaryHeaders:   []string{"Accept"},
		},
		Store: Store{
			Shards:        64,
			MaxEntries:    100_000,
			MaxRetries:    256,
			SweepInterval: time.Minute,
		},
	}
}

// Load reads the policy file at path over the defaults and validates the
// result. An empty path yields the validated defaults.
func Load(path string) (*Policy, error) {
	if path == "" {
		p := Default()

		return p, p.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %q: %w", path, err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %q: %w", path, err)
	}

	return p, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Policy, error) {
	p := Default()

	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Validate reports every problem in p. Nothing is clamped to a default.
func (p *Policy) Validate() error {
	var errs []error

	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	rl := p.RateLimit
	switch rl.Algorithm {
	case AlgorithmLog:
	case AlgorithmBucketed:
		if rl.BucketCount <= 0 {
			invalid("rate_limit.bucket_count must be positive, got %d", rl.BucketCount)
		}
	default:
		invalid("rate_limit.algorithm must be %q or %q, got %q", AlgorithmLog, AlgorithmBucketed, rl.Algorithm)
	}

	for scope, limits := range map[string][]Limit{"global": rl.Global, "read": rl.Read, "write": rl.Write} {
		seen := make(map[Limit]int, len(limits))

		for i, l := range limits {
			if err := l.limit().Validate(); err != nil {
				invalid("rate_limit.%s[%d]: %v", scope, i, err)
			}

			if j, dup := seen[l]; dup {
				invalid("rate_limit.%s[%d]: duplicates rate_limit.%s[%d]", scope, i, scope, j)
			} else {
				seen[l] = i
			}

			if rl.Algorithm == AlgorithmBucketed && rl.BucketCount > 0 && l.WindowDuration < time.Duration(rl.BucketCount) {
				invalid("rate_limit.%s[%d]: window %s cannot hold %d buckets", scope, i, l.WindowDuration, rl.BucketCount)
			}
		}
	}

	id := p.Idempotency
	if id.SlotTTL <= 0 {
		invalid("idempotency.slot_ttl must be positive, got %s", id.SlotTTL)
	}

	if id.WaitTimeout <= 0 {
		invalid("idempotency.wait_timeout must be positive, got %s", id.WaitTimeout)
	}

	if strings.TrimSpace(id.Header) == "" {
		invalid("idempotency.header must not be empty")
	}

	if id.Enabled && len(id.Methods) == 0 {
		invalid("idempotency.methods must not be empty")
	}

	c := p.Cache
	if c.TTL <= 0 {
		invalid("cache.cache_ttl must be positive, got %s", c.TTL)
	}

	if err := cache.Algorithm(c.HashAlgorithm).Validate(); err != nil {
		invalid("cache.hash_algorithm: %v", err)
	}

	for prefix, ttl := range c.PathTTLs {
		if ttl <= 0 {
			invalid("cache.path_ttls[%s] must be positive, got %s", prefix, ttl)
		}
	}

	s := p.Store
	if s.Shards <= 0 {
		invalid("store.shards must be positive, got %d", s.Shards)
	}

	if s.MaxRetries <= 0 {
		invalid("store.max_retries must be positive, got %d", s.MaxRetries)
	}

	if s.MaxEntries < 0 {
		invalid("store.max_entries must not be negative, got %d", s.MaxEntries)
	}

	if s.SweepInterval < 0 {
		invalid("store.sweep_interval must not be negative, got %s", s.SweepInterval)
	}

	return errors.Join(errs...)
}

func (l Limit) limit() ratelimit.Limit {
	return ratelimit.Limit{Max: l.AdmitLimit, Window: l.WindowDuration}
}

// RateLimitPolicy converts the rate limit section into a ratelimit.Policy.
func (p *Policy) RateLimitPolicy() *ratelimit.Policy {
	convert := func(limits []Limit) []ratelimit.Limit {
		out := make([]ratelimit.Limit, 0, len(limits))
		for _, l := range limits {
			out = append(out, l.limit())
		}

		return out
	}

	return &ratelimit.Policy{Limits: map[ratelimit.Scope][]ratelimit.Limit{
		ratelimit.ScopeGlobal: convert(p.RateLimit.Global),
		ratelimit.ScopeRead:   convert(p.RateLimit.Read),
		ratelimit.ScopeWrite:  convert(p.RateLimit.Write),
	}}
}

// TTLFor returns the cache TTL for path, honouring PathTTLs.
func (c Cache) TTLFor(path string) time.Duration {
	ttl, best := c.TTL, -1

	for prefix, override := range c.PathTTLs {
		if strings.HasPrefix(path, prefix) && len(prefix) > best {
			ttl, best = override, len(prefix)
		}
	}

	return ttl
}
