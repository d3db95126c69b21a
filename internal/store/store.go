// Package store holds the single current endpoint descriptor.
//
// The store is the one shared mutable resource on the host side: every
// descriptor change goes through Update or Refresh, replacement is atomic,
// and subscribers are notified synchronously on every update. It is
// explicitly constructed and owned by the application root, never a
// package-level singleton.
package store

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/portside/portside/internal/models"
)

// Discoverer runs one discovery round and returns the winning descriptor.
type Discoverer interface {
	Discover(ctx context.Context) (models.Descriptor, error)
}

// Cache persists the current descriptor between runs.
type Cache interface {
	Save(ctx context.Context, d models.Descriptor) error
}

// Store holds the current descriptor and its subscribers.
type Store struct {
	placeholder models.Descriptor
	cache       Cache
	logger      *log.Logger

	mu      sync.Mutex
	current models.Descriptor
	subs    map[int]func(models.Descriptor)
	nextSub int

	discMu sync.Mutex
	disc   Discoverer
}

// New creates a store starting at the placeholder descriptor.
func New(placeholder models.Descriptor, cache Cache, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		placeholder: placeholder,
		cache:       cache,
		logger:      logger,
		current:     placeholder,
		subs:        map[int]func(models.Descriptor){},
	}
}

// SetDiscoverer wires the discovery racer. Refresh fails until it is set.
func (s *Store) SetDiscoverer(d Discoverer) {
	s.discMu.Lock()
	defer s.discMu.Unlock()
	s.disc = d
}

// Current returns the current descriptor.
func (s *Store) Current() models.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update atomically replaces the current descriptor, persists it when
// available, and synchronously notifies every subscriber. An update to an
// identical descriptor still notifies: subscribers asked for every update,
// not every change.
func (s *Store) Update(ctx context.Context, d models.Descriptor) {
	s.mu.Lock()
	s.current = d
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	if d.Available && s.cache != nil {
		if err := s.cache.Save(ctx, d); err != nil {
			s.logger.Printf("store: persist descriptor: %v", err)
		}
	}
	notifyAll(subs, d, s.logger)
}

// Subscribe registers a callback for descriptor updates and returns an
// unsubscribe handle. When a descriptor is already available the callback
// fires immediately (at-least-once delivery).
func (s *Store) Subscribe(fn func(models.Descriptor)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	current := s.current
	s.mu.Unlock()

	if current.Available {
		notifyOne(fn, current, s.logger)
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// MarkUnavailable flips the current descriptor to unavailable, keeping its
// endpoint, and notifies subscribers.
func (s *Store) MarkUnavailable(ctx context.Context) {
	s.mu.Lock()
	d := s.current
	d.Available = false
	s.current = d
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()
	notifyAll(subs, d, s.logger)
}

// Reset returns the store to the placeholder descriptor. Used when a
// restart is requested so subscribers observe an availability dip even if
// the backend comes back on the same port.
func (s *Store) Reset(ctx context.Context) {
	s.mu.Lock()
	s.current = s.placeholder
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()
	notifyAll(subs, s.placeholder, s.logger)
}

// Refresh marks the current descriptor unavailable and runs a discovery
// round; on success the winner becomes current. Concurrent refreshes share
// the racer's in-flight round.
func (s *Store) Refresh(ctx context.Context) (models.Descriptor, error) {
	s.discMu.Lock()
	disc := s.disc
	s.discMu.Unlock()
	if disc == nil {
		return models.Descriptor{}, errors.New("store: no discoverer configured")
	}

	s.MarkUnavailable(ctx)
	d, err := disc.Discover(ctx)
	if err != nil {
		return models.Descriptor{}, err
	}
	s.Update(ctx, d)
	return d, nil
}

func (s *Store) snapshotSubsLocked() []func(models.Descriptor) {
	subs := make([]func(models.Descriptor), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}

// notifyAll invokes every subscriber; a panicking subscriber is logged and
// must not block or skip the others.
func notifyAll(subs []func(models.Descriptor), d models.Descriptor, logger *log.Logger) {
	for _, fn := range subs {
		notifyOne(fn, d, logger)
	}
}

func notifyOne(fn func(models.Descriptor), d models.Descriptor, logger *log.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("store: subscriber panicked: %v", r)
		}
	}()
	fn(d)
}
