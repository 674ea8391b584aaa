// Package client assembles the full §4 stack — transport, serializer,
// relay façade, subscriber, pairing engine, session engine — behind the
// single entry point a host application drives, and fans every engine
// event out to one combined Delegate (§6). Grounded on the teacher's
// NewClient/ConnectWallet shape in internal/walletconnect/client.go,
// generalized from v1's one fixed wallet session to v2's many
// concurrent pairings/sessions and from a single callback
// (DisplayQRCodeFn) to the full §6 delegate event list.
package client

import (
	"context"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/walletconnect-go/wcrelay/internal/crypto"
	"github.com/walletconnect-go/wcrelay/internal/pairing"
	"github.com/walletconnect-go/wcrelay/internal/relay"
	"github.com/walletconnect-go/wcrelay/internal/serializer"
	"github.com/walletconnect-go/wcrelay/internal/session"
	"github.com/walletconnect-go/wcrelay/internal/store"
	"github.com/walletconnect-go/wcrelay/internal/subscriber"
	"github.com/walletconnect-go/wcrelay/internal/transport"
	"github.com/walletconnect-go/wcrelay/internal/wire"
	"github.com/walletconnect-go/wcrelay/pkg/errors"
	"github.com/walletconnect-go/wcrelay/pkg/log"
)

// Config bounds everything a Client needs beyond its delegate: where
// the relay lives, how this client identifies itself, and the timeouts
// §5 specifies.
type Config struct {
	RelayURL      string
	RelayProtocol string
	APIKey        string

	Metadata wire.AppMetadata

	IsController bool

	CorrelationTimeout  time.Duration
	HandshakeTTL        time.Duration
	SessionTTL          time.Duration
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration

	// Store backs pending/settled sequences for both engines. A nil
	// Store defaults to an in-process map, fine for a single client
	// instance with no crash-recovery requirement.
	Store store.Store

	// SweepInterval bounds how often the expiry sweep checks Store for
	// sequences past their ExpiresAt (§3 "reserved" GC hook).
	SweepInterval time.Duration
	// Clock, when set, is the sweep's time source; tests use a mock
	// clock.Clock so expiry doesn't depend on real wall-clock sleeps.
	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.RelayProtocol == "" {
		c.RelayProtocol = "waku"
	}
	if c.CorrelationTimeout <= 0 {
		c.CorrelationTimeout = 60 * time.Second
	}
	if c.HandshakeTTL <= 0 {
		c.HandshakeTTL = 30 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 7 * 24 * time.Hour
	}
	if c.Store == nil {
		c.Store = store.NewMemoryStore()
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Client is the host-facing façade over the whole protocol stack. It
// owns connection setup and teardown (Connect, Close); pairing and
// session operations are called on the exported Pairing and Session
// engines.
type Client struct {
	transport  *transport.Client
	facade     *relay.Facade
	subscriber *subscriber.Subscriber
	keys       *crypto.Store
	store      store.Store
	delegate   Delegate

	sweepInterval time.Duration
	sweepClock    clock.Clock
	sweepCancel   context.CancelFunc

	Pairing *pairing.Engine
	Session *session.Engine
}

// New wires the full stack and registers delegate to receive every §6
// event from both engines, without starting the connection. Call
// Connect to dial the relay and begin dispatching.
func New(cfg Config, delegate Delegate) *Client {
	cfg = cfg.withDefaults()

	keys := crypto.NewStore()
	ser := serializer.New(keys)
	tr := transport.New(cfg.RelayURL, transport.Config{
		APIKey:              cfg.APIKey,
		ReconnectBackoff:    cfg.ReconnectBackoff,
		MaxReconnectBackoff: cfg.MaxReconnectBackoff,
	})
	facade := relay.New(tr, ser, cfg.CorrelationTimeout)
	sub := subscriber.New(facade)

	pairingDelegate := pairingAdapter{delegate: delegate}
	sessionDelegate := sessionAdapter{delegate: delegate}

	pairingEngine := pairing.New(keys, facade, sub, cfg.Store, cfg.RelayProtocol, cfg.IsController, cfg.HandshakeTTL, pairingDelegate)
	sessionEngine := session.New(keys, facade, sub, cfg.Store, cfg.RelayProtocol, cfg.Metadata, cfg.SessionTTL, sessionDelegate)
	pairingEngine.OnPayload(sessionEngine.HandleNestedPayload)

	return &Client{
		transport:     tr,
		facade:        facade,
		subscriber:    sub,
		keys:          keys,
		store:         cfg.Store,
		delegate:      delegate,
		sweepInterval: cfg.SweepInterval,
		sweepClock:    cfg.Clock,
		Pairing:       pairingEngine,
		Session:       sessionEngine,
	}
}

// Connect dials the relay, starts the façade and subscriber dispatch
// loops, and starts the expiry sweep over Store. Call once per Client.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return errors.Wrap(err, "connect to relay")
	}
	go c.facade.Run()
	go c.subscriber.Run()

	sweepCtx, cancel := context.WithCancel(context.Background())
	c.sweepCancel = cancel
	sweeper := store.NewSweeper(c.store, c.sweepClock, c.sweepInterval, c.onSequenceExpired)
	go sweeper.Run(sweepCtx)
	return nil
}

// onSequenceExpired is the expiry sweep's onExpire hook: it drops the
// topic's relay subscription and agreement key regardless of which
// engine owns it, and additionally surfaces on_session_deleted to the
// delegate when topic belongs to the session engine, since §6's
// delegate list has no pairing-specific deleted event (pairing.Delete's
// doc comment notes the same asymmetry for an explicit delete).
func (c *Client) onSequenceExpired(topic string) {
	owner, ok := c.subscriber.Owner(topic)
	if ok {
		if err := c.subscriber.RemoveSubscription(context.Background(), topic); err != nil {
			log.Warnf("unsubscribe expired topic %s: %v", topic, err)
		}
	}
	c.keys.Drop(topic)
	if owner == session.OwnerName {
		c.delegate.OnSessionDeleted(topic, wire.Reason{Message: "expired"})
	}
}

// Close tears the transport down, failing every outstanding correlated
// request, and stops the expiry sweep.
func (c *Client) Close() error {
	if c.sweepCancel != nil {
		c.sweepCancel()
	}
	return c.transport.Close()
}

// pairingAdapter narrows the combined Delegate down to pairing.Delegate
// without giving the pairing engine a reference to the session half of
// the interface it has no business calling (§9 "delegate references
// are non-owning and scoped to the events each engine actually emits").
type pairingAdapter struct {
	delegate Delegate
}

func (a pairingAdapter) OnPairingSettled(p pairing.Settled) { a.delegate.OnPairingSettled(p) }

// sessionAdapter mirrors pairingAdapter for the session engine.
type sessionAdapter struct {
	delegate Delegate
}

func (a sessionAdapter) OnSessionProposal(p session.Proposal) { a.delegate.OnSessionProposal(p) }
func (a sessionAdapter) OnSessionRequest(topic string, id int64, req wire.RequestParams, chainID string) {
	a.delegate.OnSessionRequest(topic, id, req, chainID)
}
func (a sessionAdapter) OnSessionSettled(s session.Settled) { a.delegate.OnSessionSettled(s) }
func (a sessionAdapter) OnSessionRejected(topic string, reason wire.Reason) {
	a.delegate.OnSessionRejected(topic, reason)
}
func (a sessionAdapter) OnSessionDeleted(topic string, reason wire.Reason) {
	a.delegate.OnSessionDeleted(topic, reason)
}
