// Package cache stores responses per key together with a content validator
// (an ETag) and answers conditional lookups.
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/serroba/edge-guard/internal/clock"
	"github.com/serroba/edge-guard/internal/keyedstore"
)

// ErrInvalidOptions is returned for an unknown algorithm or a non-positive ttl.
var ErrInvalidOptions = errors.New("cache: invalid options")

// Payload is a captured response.
type Payload struct {
	Status int
	Header http.Header
	Body   []byte
}

func (p Payload) clone() Payload {
	return Payload{
		Status: p.Status,
		Header: p.Header.Clone(),
		Body:   bytes.Clone(p.Body),
	}
}

// Entry is the value kept per cache key.
type Entry struct {
	Validator string
	// Payload is nil when the cache does not retain bodies.
	Payload      *Payload
	StoredAt     time.Time
	LastModified time.Time
	TTL          time.Duration
}

// Outcome of a lookup.
type Outcome int

const (
	// Miss means the caller must produce the response and Store it.
	Miss Outcome = iota
	// Fresh means the stored payload can be served.
	Fresh
	// NotModified means the client's copy matches the stored validator.
	NotModified
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case NotModified:
		return "not_modified"
	default:
		return "miss"
	}
}

// Conditions are the validators a request presents.
type Conditions struct {
	IfNoneMatch     []string
	IfModifiedSince time.Time
}

// Result of a lookup. Everything but Outcome is zero on a Miss for an absent
// key.
type Result struct {
	Outcome      Outcome
	Validator    string
	Payload      Payload
	LastModified time.Time
	Age          time.Duration
	// FreshFor is how long the entry stays live.
	FreshFor  time.Duration
	ExpiresAt time.Time
}

// Options configures a Cache.
type Options struct {
	// RetainPayload keeps response bodies. Without it the cache can only
	// answer NotModified or Miss.
	RetainPayload bool
	// Weak issues weak validators (W/"...").
	Weak      bool
	Algorithm Algorithm
}

// Cache is a response cache backed by a keyed store.
type Cache struct {
	clock  clock.Clock
	store  *keyedstore.Store[Entry]
	opts   Options
	hashes sync.Pool
}

// New creates a Cache keeping its entries in store.
func New(clk clock.Clock, store *keyedstore.Store[Entry], opts Options) (*Cache, error) {
	if err := opts.Algorithm.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{
		clock: clk,
		store: store,
		opts:  opts,
	}
	c.hashes.New = func() any {
		h, _ := opts.Algorithm.newHash()

		return h
	}

	return c, nil
}

// Validator computes the validator Store would issue for p.
func (c *Cache) Validator(p Payload) string {
	h, _ := c.hashes.Get().(hash.Hash)
	defer c.hashes.Put(h)

	return formatValidator(fingerprint(h, p), c.opts.Weak)
}

// Store saves p under key for ttl and returns its validator. The validator is
// recomputed on every call. LastModified only moves when it changes, and then
// always into a later second than before.
func (c *Cache) Store(key string, p Payload, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidOptions, ttl)
	}

	validator := c.Validator(p)

	var stored *Payload

	if c.opts.RetainPayload {
		cp := p.clone()
		stored = &cp
	}

	mutate := func(cur Entry, exists bool, now time.Time) (Entry, time.Time, error) {
		lastModified := now

		switch {
		case exists && cur.Validator == validator:
			lastModified = cur.LastModified
		case exists:
			// HTTP dates have second precision: new content must land in a
			// later second than the content it replaces.
			lastModified = maxTime(now, cur.LastModified.Truncate(time.Second).Add(time.Second))
		}

		return Entry{
			Validator:    validator,
			Payload:      stored,
			StoredAt:     now,
			LastModified: lastModified,
			TTL:          ttl,
		}, now.Add(ttl), nil
	}

	_, err := c.store.Upsert(key, mutate)
	if errors.Is(err, keyedstore.ErrContention) {
		_, err = c.store.Upsert(key, mutate)
	}

	if err != nil {
		return "", err
	}

	return validator, nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}

	return b
}

// Lookup evaluates cond against the live entry for key. Expired entries are
// always a Miss. If-Modified-Since is only consulted when no If-None-Match
// tags are given.
func (c *Cache) Lookup(key string, cond Conditions) Result {
	entry, ok := c.store.Get(key)
	if !ok {
		return Result{Outcome: Miss}
	}

	now := c.clock.Now()
	e := entry.Payload
	res := Result{
		Validator:    e.Validator,
		LastModified: e.LastModified,
		Age:          max(0, now.Sub(e.StoredAt)),
		FreshFor:     entry.ExpiresAt.Sub(now),
		ExpiresAt:    entry.ExpiresAt,
	}

	switch {
	case matches(cond, e):
		res.Outcome = NotModified
	case e.Payload != nil:
		res.Outcome = Fresh
		res.Payload = e.Payload.clone()
	default:
		res.Outcome = Miss
	}

	return res
}

func matches(cond Conditions, e Entry) bool {
	if len(cond.IfNoneMatch) > 0 {
		for _, tag := range cond.IfNoneMatch {
			if tag == "*" || WeakMatch(tag, e.Validator) {
				return true
			}
		}

		return false
	}

	if cond.IfModifiedSince.IsZero() {
		return false
	}

	// HTTP dates have second precision.
	return !e.LastModified.Truncate(time.Second).After(cond.IfModifiedSince)
}

// Invalidate removes key.
func (c *Cache) Invalidate(key string) bool {
	return c.store.Delete(key)
}

// InvalidatePrefix removes every key starting with prefix and returns how many
// were removed.
func (c *Cache) InvalidatePrefix(prefix string) int {
	return c.store.DeleteFunc(func(e keyedstore.Entry[Entry]) bool {
		return strings.HasPrefix(e.Key, prefix)
	})
}

// Len reports how many live entries are held.
func (c *Cache) Len() int {
	return c.store.Len()
}
