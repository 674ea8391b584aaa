// Package subscriber implements §4.5: a topic-indexed dispatcher sitting
// between the relay façade and the protocol engines. It lets the
// pairing and session engines share one relay connection without
// cross-talk: each engine registers the topics it owns, and only
// inbound requests on those topics reach its callback.
package subscriber

import (
	"context"
	"sync"

	"github.com/walletconnect-go/wcrelay/internal/relay"
	"github.com/walletconnect-go/wcrelay/pkg/log"
)

// Callback handles one inbound request already filtered to a topic the
// caller owns.
type Callback func(req relay.InboundRequest)

// Subscriber maintains set<topic> and a single dispatch callback per
// owning engine, keyed by an arbitrary owner name ("pairing", "session").
type Subscriber struct {
	facade *relay.Facade

	mu      sync.RWMutex
	topics  map[string]string // topic -> owner
	callers map[string]Callback
}

// New returns a Subscriber dispatching requests the façade decodes.
// Call Run to start dispatching.
func New(facade *relay.Facade) *Subscriber {
	return &Subscriber{
		facade:  facade,
		topics:  make(map[string]string),
		callers: make(map[string]Callback),
	}
}

// Register binds owner's callback; it must be called before any
// SetSubscription naming that owner.
func (s *Subscriber) Register(owner string, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callers[owner] = cb
}

// SetSubscription adds topic to owner's set and subscribes at the
// relay (§4.5 "set_subscription(topic)").
func (s *Subscriber) SetSubscription(ctx context.Context, owner, topic string) error {
	if err := s.facade.Subscribe(ctx, topic); err != nil {
		return err
	}
	s.mu.Lock()
	s.topics[topic] = owner
	s.mu.Unlock()
	return nil
}

// RemoveSubscription removes topic from the set and unsubscribes at
// the relay (§4.5 "remove_subscription(topic)").
func (s *Subscriber) RemoveSubscription(ctx context.Context, topic string) error {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
	return s.facade.Unsubscribe(ctx, topic)
}

// Owner reports which owner, if any, currently holds topic.
func (s *Subscriber) Owner(topic string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.topics[topic]
	return owner, ok
}

// Run drains the façade's inbound request stream, dispatching each to
// the owning engine's callback, until the stream closes. Call it once,
// in its own goroutine.
func (s *Subscriber) Run() {
	for req := range s.facade.InboundRequests {
		s.dispatch(req)
	}
}

func (s *Subscriber) dispatch(req relay.InboundRequest) {
	s.mu.RLock()
	owner, ok := s.topics[req.Topic]
	var cb Callback
	if ok {
		cb = s.callers[owner]
	}
	s.mu.RUnlock()

	if !ok || cb == nil {
		log.Debugf("no subscription owner for inbound request on topic %s, dropping", req.Topic)
		return
	}
	cb(req)
}
