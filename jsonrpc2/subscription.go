package jsonrpc2

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrSubscriptionClosed is returned from sink and stream operations once the
// subscription has been torn down, by unsubscribe, producer completion, or
// connection teardown.
var ErrSubscriptionClosed = errors.New("subscription closed")

// SubscribeFunc produces the items of one subscription. It runs in its own
// goroutine for the lifetime of the subscription and should return when ctx
// is done or Notify reports the subscription closed. params are the raw
// params of the subscribe call.
type SubscribeFunc func(ctx context.Context, params json.RawMessage, sink *SubscriptionSink) error

// subscriptionResult is the params payload of a subscription notification:
// the channel item wrapped with the subscription it belongs to.
type subscriptionResult struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// subscriptionBroker is the connection-side counterpart the server registry
// dispatches subscribe/unsubscribe calls to. Implemented by Remote.
type subscriptionBroker interface {
	startSubscription(ctx context.Context, sub *subscriptionMethod, params json.RawMessage) (string, *ErrResponse)
	stopSubscription(id string) bool
}

type brokerContext string

var ctxBrokerKey brokerContext = "broker"

type respondedContext string

// ctxRespondedKey carries a channel that is closed once the response to the
// request being dispatched has been written. Subscription drainers hold
// their first notification until then, so the subscribe response always
// precedes the subscription's notifications on the wire.
var ctxRespondedKey respondedContext = "responded"

func ctxResponded(ctx context.Context) <-chan struct{} {
	responded, _ := ctx.Value(ctxRespondedKey).(<-chan struct{})
	return responded
}

func ctxBroker(ctx context.Context) (subscriptionBroker, bool) {
	b, ok := ctx.Value(ctxBrokerKey).(subscriptionBroker)
	return b, ok
}

// SubscriptionSink is the producer handle of a server-side subscription. It
// wraps the subscription's bounded queue: when the consumer is slow, Notify
// blocks the producer rather than dropping items.
type SubscriptionSink struct {
	id     string
	queue  chan json.RawMessage
	ctx    context.Context
	cancel context.CancelFunc
}

// ID returns the server-assigned subscription ID.
func (s *SubscriptionSink) ID() string {
	return s.id
}

// Notify queues one item for delivery. It blocks while the queue is full and
// returns ErrSubscriptionClosed once the subscription is torn down, so a
// producer stalled on a slow consumer is unblocked rather than leaked.
func (s *SubscriptionSink) Notify(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.queue <- payload:
		return nil
	case <-s.ctx.Done():
		return ErrSubscriptionClosed
	}
}

// Closed is done once the subscription is torn down. Producers select on it
// between pushes.
func (s *SubscriptionSink) Closed() <-chan struct{} {
	return s.ctx.Done()
}

func (s *SubscriptionSink) close() {
	s.cancel()
}

// Subscription is the client-side stream of one subscription. Items arrive
// in producer-push order; the stream ends with an error when unsubscribed or
// when the connection fails.
type Subscription struct {
	unsubMethod string
	remote      *Remote
	items       chan json.RawMessage

	mu     sync.Mutex
	id     string
	err    error
	done   chan struct{}
	closed bool
}

// ID returns the server-assigned subscription ID, empty until the subscribe
// response has been processed.
func (s *Subscription) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// bind records the server-assigned ID. Called from the connection read loop
// when the subscribe response resolves.
func (s *Subscription) bind(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// Next blocks until the next item is available and unmarshals it into
// result. Buffered items are drained before a close is reported. Once the
// stream is over, Next returns the terminal error: ErrSubscriptionClosed
// after an unsubscribe, or the connection failure.
func (s *Subscription) Next(ctx context.Context, result interface{}) error {
	// Prefer buffered items over the terminal state.
	select {
	case payload := <-s.items:
		return json.Unmarshal(payload, result)
	default:
	}
	select {
	case payload := <-s.items:
		return json.Unmarshal(payload, result)
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the terminal error of the stream, nil while it is live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe tells the server to stop the subscription and closes the
// stream. Safe to call more than once.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	id := s.ID()
	s.remote.removeSubscription(id)
	s.close(ErrSubscriptionClosed)
	var ok bool
	return s.remote.Call(ctx, &ok, s.unsubMethod, id)
}

// deliver routes one pushed item into the stream. It blocks when the stream
// buffer is full: under backpressure nothing is dropped, the connection's
// read loop stalls instead.
func (s *Subscription) deliver(payload json.RawMessage) {
	select {
	case s.items <- payload:
	case <-s.done:
	}
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}
