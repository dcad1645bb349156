package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/redact"
)

// Loader builds a scorer from a checkpoint spec.
type Loader func(ctx context.Context, spec Spec) (Scorer, error)

// LoadHook observes every completed load attempt.
type LoadHook func(key modality.Key, member Member, d time.Duration, err error)

// Registry lazily loads and memoizes scorers for the process lifetime.
// Entries are never evicted; failed loads are not cached.
type Registry struct {
	table Table
	load  Loader
	hook  LoadHook

	mu     sync.RWMutex
	cache  map[string]Scorer
	group  singleflight.Group
	closed bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLoadHook reports load attempts, e.g. to telemetry.
func WithLoadHook(h LoadHook) Option {
	return func(r *Registry) { r.hook = h }
}

// New creates a registry over table using load to build scorers.
func New(table Table, load Loader, opts ...Option) *Registry {
	r := &Registry{
		table: table,
		load:  load,
		cache: make(map[string]Scorer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the primary scorer for key.
func (r *Registry) Get(ctx context.Context, key modality.Key) (Scorer, error) {
	return r.Member(ctx, key, Primary)
}

// Member returns the requested checkpoint for key, loading it on first use.
// Concurrent first calls share a single load.
func (r *Registry) Member(ctx context.Context, key modality.Key, m Member) (Scorer, error) {
	entry, ok := r.table[key]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrUnknownKey, key)
	}
	spec, ok := entry.member(m)
	if !ok {
		return nil, fmt.Errorf("%w for %s (%s)", ErrUnknownKey, key, m)
	}
	slot := key.String() + "#" + string(m)

	r.mu.RLock()
	s, hit := r.cache[slot]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if hit {
		return s, nil
	}

	v, err, _ := r.group.Do(slot, func() (interface{}, error) {
		r.mu.RLock()
		s, hit := r.cache[slot]
		r.mu.RUnlock()
		if hit {
			return s, nil
		}

		start := time.Now()
		s, err := r.load(ctx, spec)
		if err == nil && s.Classes() != spec.Classes {
			_ = closeScorer(s)
			err = fmt.Errorf("%w: %s declares %d classes, checkpoint has %d", ErrLoad, key, spec.Classes, s.Classes())
		}
		if r.hook != nil {
			r.hook(key, m, time.Since(start), err)
		}
		if err != nil {
			if !errors.Is(err, ErrLoad) {
				err = fmt.Errorf("%w: %s: %v", ErrLoad, key, err)
			}
			redact.Logf("models: load %s %s failed: %v", key, m, err)
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = closeScorer(s)
			return nil, ErrClosed
		}
		r.cache[slot] = s
		r.mu.Unlock()
		redact.Logf("models: loaded %s %s arch=%s in %s", key, m, spec.Arch, time.Since(start).Round(time.Millisecond))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Scorer), nil
}

// Keys lists the configured keys.
func (r *Registry) Keys() []modality.Key {
	return r.table.Keys()
}

// Entry returns the table row for key.
func (r *Registry) Entry(key modality.Key) (Entry, bool) {
	e, ok := r.table[key]
	return e, ok
}

// Loaded reports whether a member is already cached.
func (r *Registry) Loaded(key modality.Key, m Member) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cache[key.String()+"#"+string(m)]
	return ok
}

// Close releases every loaded scorer.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var errs []error
	for slot, s := range r.cache {
		if err := closeScorer(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", slot, err))
		}
		delete(r.cache, slot)
	}
	return errors.Join(errs...)
}
