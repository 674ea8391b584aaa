// Package store implements the sequence store described by §6: an
// abstract topic-keyed map of tagged Pending|Settled pairing/session
// state. Grounded on the teacher's internal/cache connector (the
// Redis-or-memory split) and internal/discord/temp_access.go's
// ticker-driven expiry sweep, generalized from Discord role access
// records to protocol sequences and from a hardcoded time.Now() to an
// injected clock.Clock so sweep timing is deterministic under test.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/walletconnect-go/wcrelay/pkg/errors"
)

// ErrNotFound is returned when topic has no entry (§7
// "no_sequence_for_topic").
var ErrNotFound = errors.New("no_sequence_for_topic")

// Status is a Pending sequence's handshake phase (§4.6, §4.7).
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusResponded Status = "responded"
)

// Pending is a sequence that has not yet completed its handshake
// (§6 "tagged union of Pending | Settled").
type Pending struct {
	Status     Status
	SelfSecret [32]byte
	SelfPublic string
	PeerPublic string
	Controller bool
	ExpiresAt  time.Time
	// ProposalData is opaque JSON the owning engine stashed to
	// reconstruct context (proposer metadata, permissions offered) when
	// the matching approve/reject arrives.
	ProposalData []byte
}

// Settled is a sequence that has completed its handshake and has an
// installed agreement key (§6).
type Settled struct {
	PeerPublic    string
	ControllerKey string
	Permissions   []byte // opaque JSON; neither engine populates it
	ExpiresAt     time.Time
}

// Entry is one sequence store record: exactly one of Pending or Settled
// is non-nil (§6 "tagged union").
type Entry struct {
	Topic   string
	Pending *Pending
	Settled *Settled
}

// IsSettled reports whether e holds a Settled sequence.
func (e Entry) IsSettled() bool { return e.Settled != nil }

// Store is the abstract sequence store §6 requires: crash-consistent
// per entry, with atomic replace on update so a migration can never be
// observed half-done.
type Store interface {
	Put(ctx context.Context, entry Entry) error
	Get(ctx context.Context, topic string) (Entry, error)
	// Migrate atomically removes oldTopic and inserts entry (whose Topic
	// is the new topic), so a restart never observes both or neither
	// (§6 "a partial migration must not be observable after restart").
	Migrate(ctx context.Context, oldTopic string, entry Entry) error
	Delete(ctx context.Context, topic string) error
	Topics(ctx context.Context) ([]string, error)
}

// memoryStore is an in-process Store guarded by a single mutex; every
// operation that mutates more than one key (Migrate) holds the lock for
// the whole transaction, giving the atomicity §6 requires.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore returns a Store backed by an in-process map, suitable
// for a single relay client instance.
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[string]Entry)}
}

func (m *memoryStore) Put(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Topic] = entry
	return nil
}

func (m *memoryStore) Get(_ context.Context, topic string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[topic]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (m *memoryStore) Migrate(_ context.Context, oldTopic string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, oldTopic)
	m.entries[entry.Topic] = entry
	return nil
}

func (m *memoryStore) Delete(_ context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, topic)
	return nil
}

func (m *memoryStore) Topics(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.entries))
	for t := range m.entries {
		topics = append(topics, t)
	}
	return topics, nil
}

// expired reports whether entry's deadline, if any, has passed as of
// now.
func expired(entry Entry, now time.Time) bool {
	switch {
	case entry.Pending != nil:
		return !entry.Pending.ExpiresAt.IsZero() && now.After(entry.Pending.ExpiresAt)
	case entry.Settled != nil:
		return !entry.Settled.ExpiresAt.IsZero() && now.After(entry.Settled.ExpiresAt)
	default:
		return false
	}
}

// Sweeper periodically removes expired entries from a Store, the same
// shape as the teacher's removeCasinoAccessScheduler ticker loop but
// driven by an injected clock so tests don't sleep real time.
type Sweeper struct {
	store    Store
	clock    clock.Clock
	interval time.Duration
	onExpire func(topic string)
}

// NewSweeper returns a Sweeper that checks store for expired entries
// every interval using clk as its time source.
func NewSweeper(store Store, clk clock.Clock, interval time.Duration, onExpire func(topic string)) *Sweeper {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, clock: clk, interval: interval, onExpire: onExpire}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	topics, err := s.store.Topics(ctx)
	if err != nil {
		return
	}
	now := s.clock.Now()
	for _, topic := range topics {
		entry, err := s.store.Get(ctx, topic)
		if err != nil {
			continue
		}
		if !expired(entry, now) {
			continue
		}
		if err := s.store.Delete(ctx, topic); err != nil {
			continue
		}
		if s.onExpire != nil {
			s.onExpire(topic)
		}
	}
}
