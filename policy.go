package mutacache

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gopkg.in/yaml.v3"
)

const (
	defaultGCTime          = 5 * time.Minute
	defaultQueryRetries    = 2
	defaultMutationRetries = 1
	defaultRetryDelay      = time.Second
	defaultMaxRetryDelay   = 30 * time.Second
)

// Policy holds an entity's cache numbers. Zero fields take defaults;
// negative retry counts disable retries.
type Policy struct {
	// StaleTime is how long a fetched value counts as fresh. 0 => always
	// refetch on Run (stale-while-revalidate still serves the old value to
	// observers).
	StaleTime time.Duration `yaml:"stale_time"`
	// GCTime is how long an unobserved entry survives. 0 => 5m.
	GCTime time.Duration `yaml:"gc_time"`
	// QueryRetries is the number of extra read attempts on transient errors. 0 => 2.
	QueryRetries int `yaml:"query_retries"`
	// MutationRetries is the number of extra write attempts on transient errors. 0 => 1.
	MutationRetries int `yaml:"mutation_retries"`
	// RetryDelay is the first backoff delay. 0 => 1s.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// MaxRetryDelay caps exponential backoff. 0 => 30s.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// DefaultPolicy returns the policy every zero field falls back to.
func DefaultPolicy() Policy { return Policy{}.withDefaults() }

func (p Policy) withDefaults() Policy {
	p.GCTime = coalesce(p.GCTime, defaultGCTime)
	p.QueryRetries = coalesce(p.QueryRetries, defaultQueryRetries)
	p.MutationRetries = coalesce(p.MutationRetries, defaultMutationRetries)
	p.RetryDelay = coalesce(p.RetryDelay, defaultRetryDelay)
	p.MaxRetryDelay = coalesce(p.MaxRetryDelay, defaultMaxRetryDelay)
	if p.QueryRetries < 0 {
		p.QueryRetries = 0
	}
	if p.MutationRetries < 0 {
		p.MutationRetries = 0
	}
	return p
}

// backOff is min(RetryDelay * 2^n, MaxRetryDelay), without jitter.
func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.RetryDelay
	b.MaxInterval = p.MaxRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func (p Policy) validate() error {
	switch {
	case p.StaleTime < 0:
		return errors.New("stale_time must not be negative")
	case p.GCTime < 0:
		return errors.New("gc_time must not be negative")
	case p.RetryDelay < 0 || p.MaxRetryDelay < 0:
		return errors.New("retry delays must not be negative")
	case p.MaxRetryDelay > 0 && p.RetryDelay > p.MaxRetryDelay:
		return errors.New("retry_delay exceeds max_retry_delay")
	}
	return nil
}

// Policies maps entity names to policy overrides.
type Policies map[string]Policy

// Apply returns e with its override, if any. Entities without an override
// are returned unchanged.
func (ps Policies) Apply(e Entity) Entity {
	if p, ok := ps[e.Name]; ok {
		return e.WithPolicy(p)
	}
	return e
}

// LoadPolicies reads per-entity overrides from YAML:
//
//	entities:
//	  cart:
//	    stale_time: 30s
//	    mutation_retries: 2
//	  orders:
//	    gc_time: 10m
//
// Unknown fields are rejected so typos do not silently fall back to defaults.
func LoadPolicies(r io.Reader) (Policies, error) {
	var doc struct {
		Entities map[string]Policy `yaml:"entities"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("mutacache: decode policies: %w", err)
	}
	out := make(Policies, len(doc.Entities))
	for name, p := range doc.Entities {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("mutacache: policy %q: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}
