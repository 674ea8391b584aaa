// Package relay implements §4.4: the bridge between engines and the
// transport. It classifies inbound (topic, hex message) pairs into
// requests or responses, correlates outbound publishes that expect a
// response by JSON-RPC id (not merely by topic, closing the
// correlation gap §9 calls out in the source protocol), and logs the
// transport's connection lifecycle transitions (§4.3 "on_connect,
// on_disconnect"); subscription replay after a reconnect is handled
// inside internal/transport itself, which replays subscribe once for
// each topic it remembers (§4.3 "Retry policy"); a failed unsubscribe
// is not retried.
// Grounded on the teacher's internal/walletconnect client's
// sendRequest/readWalletConnectResponse pairing, generalized from a
// single in-flight request per connection to an id-keyed map of
// concurrently in-flight requests across many topics.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/walletconnect-go/wcrelay/internal/serializer"
	"github.com/walletconnect-go/wcrelay/internal/transport"
	"github.com/walletconnect-go/wcrelay/internal/wire"
	"github.com/walletconnect-go/wcrelay/pkg/errors"
	"github.com/walletconnect-go/wcrelay/pkg/log"
)

// ErrCorrelationTimeout is returned by Request when no response arrives
// within the façade's correlation timeout (§5 "Timeouts").
var ErrCorrelationTimeout = errors.New("relay: correlation timeout awaiting response")

// InboundRequest is a decoded ClientSyncJSONRPC tagged with the topic it
// arrived on, handed to the subscriber (§4.4, §4.5).
type InboundRequest struct {
	Topic   string
	Request wire.ClientSyncJSONRPC
}

// Facade is the relay façade described by §4.4.
type Facade struct {
	transport  *transport.Client
	serializer *serializer.Serializer

	correlationTimeout time.Duration

	mu       sync.Mutex
	awaiting map[int64]chan wire.Response

	InboundRequests chan InboundRequest
}

// New wires a façade over an already-constructed transport and
// serializer. It does not start dispatching until Run is called.
func New(t *transport.Client, s *serializer.Serializer, correlationTimeout time.Duration) *Facade {
	if correlationTimeout <= 0 {
		correlationTimeout = 60 * time.Second
	}
	f := &Facade{
		transport:          t,
		serializer:         s,
		correlationTimeout: correlationTimeout,
		awaiting:           make(map[int64]chan wire.Response),
		InboundRequests:    make(chan InboundRequest, 64),
	}
	t.OnConnect(func() {
		log.Info("relay connected")
	})
	t.OnDisconnect(func(err error) {
		log.Warnf("relay disconnected: %v", err)
	})
	return f
}

// Run consumes the transport's inbound stream and classifies every
// message until the transport's Inbound channel closes. Call it once,
// in its own goroutine.
func (f *Facade) Run() {
	for msg := range f.transport.Inbound {
		f.classify(msg.Topic, msg.Message)
	}
}

// classify implements §4.4's decode-in-order rule: request first (a
// ClientSyncJSONRPC with a non-empty method), then response, then drop.
// It probes the decrypted envelope's "method" field with gjson before
// committing to a full json.Unmarshal, the same cheap-field-check idiom
// the teacher used in checkSessionUpdate to avoid decoding a payload
// twice against the wrong shape.
func (f *Facade) classify(topic, hexMessage string) {
	plaintext, err := f.serializer.Decrypt(topic, hexMessage)
	if err != nil {
		log.Warnf("deserialization_failed: decrypt inbound message on topic %s: %v", topic, err)
		return
	}

	if gjson.GetBytes(plaintext, "method").String() != "" {
		var req wire.ClientSyncJSONRPC
		if err := json.Unmarshal(plaintext, &req); err != nil {
			log.Warnf("deserialization_failed: unmarshal inbound request on topic %s: %v", topic, err)
			return
		}
		select {
		case f.InboundRequests <- InboundRequest{Topic: topic, Request: req}:
		default:
			log.Warnf("inbound request buffer full, dropping request on topic %s", topic)
		}
		return
	}

	if gjson.GetBytes(plaintext, "result").Exists() || gjson.GetBytes(plaintext, "error").Exists() {
		var resp wire.Response
		if err := json.Unmarshal(plaintext, &resp); err != nil {
			log.Warnf("deserialization_failed: unmarshal inbound response on topic %s: %v", topic, err)
			return
		}
		f.mu.Lock()
		ch, ok := f.awaiting[resp.ID]
		f.mu.Unlock()
		if !ok {
			log.Debugf("deserialization_failed: no awaiting request for response id %d on topic %s", resp.ID, topic)
			return
		}
		select {
		case ch <- resp:
		default:
		}
		return
	}

	log.Warnf("deserialization_failed: dropping undecodable inbound message on topic %s", topic)
}

// Send serializes payload for topic and publishes it without awaiting a
// correlated response (fire-and-forget beyond the transport ack).
func (f *Facade) Send(ctx context.Context, topic string, payload interface{}, ttl time.Duration) error {
	wireMessage, err := f.serializer.Serialize(topic, payload)
	if err != nil {
		return err
	}
	return f.transport.Publish(ctx, topic, wireMessage, ttl)
}

// Request serializes and publishes payload for topic, then subscribes
// transiently to the response stream for id, per §4.4 step 3: "the
// first response matching completes completion with success or error
// and unsubscribes." Cancelling ctx drops the response listener; any
// response that arrives afterward is discarded silently (§5
// "Cancellation").
func (f *Facade) Request(ctx context.Context, topic string, payload interface{}, id int64, ttl time.Duration) (*wire.Response, error) {
	ch := make(chan wire.Response, 1)
	f.mu.Lock()
	f.awaiting[id] = ch
	f.mu.Unlock()
	defer f.dropAwaiting(id)

	wireMessage, err := f.serializer.Serialize(topic, payload)
	if err != nil {
		return nil, err
	}
	if err := f.transport.Publish(ctx, topic, wireMessage, ttl); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, f.correlationTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		return &resp, nil
	case <-cctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrCorrelationTimeout
	}
}

func (f *Facade) dropAwaiting(id int64) {
	f.mu.Lock()
	delete(f.awaiting, id)
	f.mu.Unlock()
}

// Respond publishes a JSON-RPC response (result or error) correlated by
// id on topic; it does not itself await anything (§4.7 "respond").
func (f *Facade) Respond(ctx context.Context, topic string, resp *wire.Response, ttl time.Duration) error {
	return f.Send(ctx, topic, resp, ttl)
}

// Subscribe and Unsubscribe pass through to the transport; engines call
// these directly (through the subscriber) rather than reaching past the
// façade into the transport.
func (f *Facade) Subscribe(ctx context.Context, topic string) error {
	return f.transport.Subscribe(ctx, topic)
}

func (f *Facade) Unsubscribe(ctx context.Context, topic string) error {
	return f.transport.Unsubscribe(ctx, topic)
}
