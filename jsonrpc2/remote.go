package jsonrpc2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Defaults for Remote limits, applied when the corresponding field is zero.
const (
	DefaultConcurrentRequests = 16
	DefaultMaxSubscriptions   = 1024
	DefaultSubscriptionBuffer = 16
)

// ServePipe sets up symmetric server/clients over a net.Pipe() and starts
// both in goroutines. Useful for testing. Services still need to be registered.
func ServePipe() (*Remote, *Remote) {
	c1, c2 := net.Pipe()
	client := &Remote{
		Codec:  IOCodec(c1),
		Client: &Client{},
		Server: &Server{},
	}
	server := &Remote{
		Codec:  IOCodec(c2),
		Client: &Client{},
		Server: &Server{},
	}
	go server.Serve()
	go client.Serve()
	return server, client
}

// ErrContextMissingValue is returned when a context is missing an expected value.
type ErrContextMissingValue struct {
	Key serviceContext
}

func (err ErrContextMissingValue) Error() string {
	return fmt.Sprintf("context missing value: %s", err.Key)
}

type serviceContext string

var ctxService serviceContext = "service"

// CtxService returns a Service associated with this request from a context
// used within a call. This is useful for initiating bidirectional calls.
func CtxService(ctx context.Context) (Service, error) {
	s, ok := ctx.Value(ctxService).(Service)
	if !ok {
		return nil, ErrContextMissingValue{ctxService}
	}
	return s, nil
}

// Service represents a remote service that can be called.
type Service interface {
	Call(ctx context.Context, result interface{}, method string, params ...interface{}) error
}

var _ Service = &Remote{}

// Remote is a wrapper around a connection that can be both a Client and a
// Server. It implements the Service interface, and manages async message
// routing: responses are correlated to pending calls by ID, requests are
// dispatched under a concurrency bound, and subscription notifications are
// routed to their streams.
type Remote struct {
	Codec
	Client *Client
	Server *Server

	// MaxConcurrentRequests bounds in-flight dispatches on this connection.
	// Requests beyond the bound wait for a free slot rather than being
	// rejected.
	MaxConcurrentRequests int
	// MaxSubscriptions bounds live server-side subscriptions on this
	// connection. Further subscribe calls are refused.
	MaxSubscriptions int
	// SubscriptionBuffer is the capacity of each subscription's delivery
	// queue. A full queue blocks the producer.
	SubscriptionBuffer int
	// Timeout, if set, applies a deadline to each outgoing call.
	Timeout time.Duration

	initOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	slots    *semaphore.Weighted
	pending  *pendingTable

	mu       sync.Mutex
	subs     map[string]*Subscription     // client-side streams by subscription ID
	sinks    map[string]*SubscriptionSink // server-side sinks by subscription ID
	closeErr error
	closed   bool
}

func (r *Remote) init() {
	r.initOnce.Do(func() {
		if r.Client == nil {
			r.Client = &Client{}
		}
		n := r.MaxConcurrentRequests
		if n <= 0 {
			n = DefaultConcurrentRequests
		}
		r.slots = semaphore.NewWeighted(int64(n))
		r.ctx, r.cancel = context.WithCancel(context.Background())
		r.pending = newPendingTable()
		r.subs = map[string]*Subscription{}
		r.sinks = map[string]*SubscriptionSink{}
	})
}

func (r *Remote) subscriptionBuffer() int {
	if r.SubscriptionBuffer > 0 {
		return r.SubscriptionBuffer
	}
	return DefaultSubscriptionBuffer
}

// Serve runs the connection's read loop until the codec fails. Per-unit
// failures (unparseable or oversized payloads) are answered with an error
// response and the connection continues; anything else tears the connection
// down: every pending call and subscription is completed with
// ErrConnectionClosed and every dispatch and drainer goroutine is joined
// before Serve returns the codec error.
func (r *Remote) Serve() error {
	r.init()
	for {
		msg, err := r.Codec.ReadMessage()
		if err != nil {
			var parseErr *ErrParse
			if errors.As(err, &parseErr) {
				r.writeMessage(errorMessage(nil, errResponse(ErrCodeParse, "Parse error", parseErr.Err.Error())))
				continue
			}
			var sizeErr *ErrOversizedMessage
			if errors.As(err, &sizeErr) {
				r.writeMessage(errorMessage(nil, errResponse(ErrCodeOversizedMessage, "Request too large", sizeErr.Error())))
				continue
			}
			r.shutdown(err)
			return err
		}
		r.serveMessage(msg)
	}
}

// Close tears down the underlying codec, which unblocks Serve.
func (r *Remote) Close() error {
	return r.Codec.Close()
}

func (r *Remote) serveMessage(msg *Message) {
	if msg.Batch != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.serveBatch(msg.Batch)
		}()
		return
	}
	if errResp := msg.Validate(); errResp != nil {
		if len(msg.ID) > 0 && msg.Response == nil {
			r.writeMessage(errorMessage(msg.ID, errResp))
		} else {
			logger.Printf("Remote.Serve(): dropping invalid message: %s", msg)
		}
		return
	}
	if msg.Response != nil {
		r.resolveResponse(msg)
		return
	}
	if len(msg.ID) == 0 {
		r.serveNotification(msg)
		return
	}
	r.dispatch(msg, nil)
}

// dispatch runs one request under the connection's concurrency bound.
// Acquiring a slot blocks the read loop when the bound is reached; this is
// the connection's backpressure boundary. When collect is non-nil the
// response is handed to it (batch member) instead of being written directly.
func (r *Remote) dispatch(msg *Message, collect func(*Message)) bool {
	if err := r.slots.Acquire(r.ctx, 1); err != nil {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.slots.Release(1)
		responded := make(chan struct{})
		defer close(responded)
		resp := r.handleRequest(msg, responded)
		if collect != nil {
			// The collector must always converge, even when the dispatch
			// produced no response or was aborted.
			collect(resp)
			return
		}
		if resp == nil || r.ctx.Err() != nil {
			// Aborted dispatches never send partial responses.
			return
		}
		r.writeMessage(resp)
	}()
	return true
}

// handleRequest runs one request against the registry. responded is closed
// once the response has been written; subscription drainers hold their
// first notification until then.
func (r *Remote) handleRequest(msg *Message, responded <-chan struct{}) *Message {
	if r.Server == nil {
		if len(msg.ID) == 0 {
			return nil
		}
		return errorMessage(msg.ID, errResponse(ErrCodeMethodNotFound, "Method not found", msg.Request.Method))
	}
	ctx := context.WithValue(r.ctx, ctxService, Service(r))
	ctx = context.WithValue(ctx, ctxBrokerKey, subscriptionBroker(r))
	ctx = context.WithValue(ctx, ctxRespondedKey, responded)
	return r.Server.Handle(ctx, msg)
}

// serveNotification handles an inbound message with no ID: either a
// subscription push for one of our client-side streams, or a one-way call
// into the server registry.
func (r *Remote) serveNotification(msg *Message) {
	var push subscriptionResult
	if msg.Request.Params != nil && json.Unmarshal(msg.Request.Params, &push) == nil && push.Subscription != "" {
		r.mu.Lock()
		sub := r.subs[push.Subscription]
		r.mu.Unlock()
		if sub != nil {
			// May block when the stream buffer is full; the read loop stalls
			// rather than dropping the item.
			sub.deliver(push.Result)
			return
		}
		if r.Server == nil || !r.Server.has(msg.Request.Method) {
			logger.Printf("Remote.Serve(): dropping notification for unknown subscription %q", push.Subscription)
			return
		}
	}
	if r.Server == nil || !r.Server.has(msg.Request.Method) {
		logger.Printf("Remote.Serve(): dropping notification for unknown method %q", msg.Request.Method)
		return
	}
	r.dispatch(msg, nil)
}

func (r *Remote) resolveResponse(msg *Message) {
	if !r.pending.resolve(string(msg.ID), msg) {
		logger.Printf("Remote.Serve(): dropping response with no pending call: %s", msg.ID)
	}
}

// serveBatch fans the batch members out under the dispatch bound and
// collects member responses into a single reply batch. Members are
// correlated by ID only; no ordering is guaranteed. A batch of only
// notifications produces no reply at all.
func (r *Remote) serveBatch(members []*Message) {
	if len(members) == 0 {
		r.writeMessage(errorMessage(nil, errResponse(ErrCodeInvalidRequest, "Invalid request", "empty batch")))
		return
	}

	responses := make([]*Message, len(members))
	var wg sync.WaitGroup
	for i, member := range members {
		if member == nil || member.Batch != nil {
			responses[i] = errorMessage(nil, errResponse(ErrCodeInvalidRequest, "Invalid request", "batch member must be a single message"))
			continue
		}
		if errResp := member.Validate(); errResp != nil {
			if len(member.ID) > 0 && member.Response == nil {
				responses[i] = errorMessage(member.ID, errResp)
			}
			continue
		}
		if member.Response != nil {
			r.resolveResponse(member)
			continue
		}
		if len(member.ID) == 0 {
			// Notification member: dispatched, but no reply slot to fill.
			r.dispatch(member, nil)
			continue
		}
		i := i
		wg.Add(1)
		ok := r.dispatch(member, func(resp *Message) {
			responses[i] = resp
			wg.Done()
		})
		if !ok {
			// Connection tearing down; the remaining members are aborted.
			wg.Done()
			break
		}
	}
	wg.Wait()

	reply := make([]*Message, 0, len(responses))
	for _, resp := range responses {
		if resp != nil {
			reply = append(reply, resp)
		}
	}
	if len(reply) == 0 || r.ctx.Err() != nil {
		return
	}
	r.writeMessage(&Message{Batch: reply})
}

func (r *Remote) writeMessage(msg *Message) {
	if err := r.Codec.WriteMessage(msg); err != nil {
		logger.Printf("Remote: failed to write message: %s", err)
	}
}

// shutdown completes all in-flight work with a terminal error and joins
// every goroutine this connection parented.
func (r *Remote) shutdown(cause error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	r.closeErr = cause
	subs := r.subs
	sinks := r.sinks
	r.subs = map[string]*Subscription{}
	r.sinks = map[string]*SubscriptionSink{}
	r.mu.Unlock()

	r.cancel()
	err := ErrConnectionClosed{Err: cause}
	r.pending.failAll(err)
	for _, sub := range subs {
		sub.close(err)
	}
	for _, sink := range sinks {
		sink.close()
	}
	r.wg.Wait()
}

// Call handles sending an RPC and receiving the corresponding response
// synchronously. Cancelling ctx (or exceeding the configured Timeout)
// abandons the call: the pending entry is removed, the request is not
// retracted on the wire, and a response arriving later is silently dropped.
func (r *Remote) Call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	r.init()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	req, err := r.Client.Request(method, params...)
	if err != nil {
		return err
	}
	id := string(req.ID)
	call := r.pending.register(id)
	if err := r.Codec.WriteMessage(req); err != nil {
		r.pending.cancel(id)
		return err
	}
	select {
	case <-call.done:
		if call.err != nil {
			return call.err
		}
		return call.msg.UnmarshalResult(result)
	case <-ctx.Done():
		r.pending.cancel(id)
		return ctx.Err()
	}
}

// Notify sends a one-way call: no ID, no response, no completion tracking.
func (r *Remote) Notify(ctx context.Context, method string, params ...interface{}) error {
	r.init()
	msg, err := newNotification(method, params...)
	if err != nil {
		return err
	}
	return r.Codec.WriteMessage(msg)
}

// CallBatch sends every element of batch as one wire unit and fills in each
// element's Result and Error. A batch occupies a contiguous ID range;
// responses are correlated per element regardless of arrival order. The
// returned error covers transport-level failure only; per-call failures are
// in the elements.
func (r *Remote) CallBatch(ctx context.Context, batch []BatchElem) error {
	r.init()
	if len(batch) == 0 {
		return nil
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	msg, members, err := r.Client.RequestBatch(batch)
	if err != nil {
		return err
	}
	calls := make([]*pendingCall, len(members))
	for i, member := range members {
		calls[i] = r.pending.register(string(member.ID))
	}
	if err := r.Codec.WriteMessage(msg); err != nil {
		for _, member := range members {
			r.pending.cancel(string(member.ID))
		}
		return err
	}
	for i := range batch {
		select {
		case <-calls[i].done:
			if calls[i].err != nil {
				batch[i].Error = calls[i].err
				continue
			}
			batch[i].Error = calls[i].msg.UnmarshalResult(batch[i].Result)
		case <-ctx.Done():
			for j := i; j < len(members); j++ {
				r.pending.cancel(string(members[j].ID))
			}
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe issues a subscribe call and binds the returned subscription ID
// to a local stream. The stream is bound inside the read loop, as part of
// resolving the subscribe response: a notification processed immediately
// after the response already finds its stream, so no early item is lost.
// Notifications carrying the ID are routed to the stream until Unsubscribe
// is called or the connection fails.
func (r *Remote) Subscribe(ctx context.Context, subscribeMethod, unsubscribeMethod string, params ...interface{}) (*Subscription, error) {
	r.init()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	req, err := r.Client.Request(subscribeMethod, params...)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		unsubMethod: unsubscribeMethod,
		remote:      r,
		items:       make(chan json.RawMessage, r.subscriptionBuffer()),
		done:        make(chan struct{}),
	}
	callID := string(req.ID)
	call := r.pending.registerWith(callID, func(msg *Message) {
		var id string
		if msg.UnmarshalResult(&id) != nil || id == "" {
			return
		}
		sub.bind(id)
		r.mu.Lock()
		if !r.closed {
			r.subs[id] = sub
		}
		r.mu.Unlock()
	})
	if err := r.Codec.WriteMessage(req); err != nil {
		r.pending.cancel(callID)
		return nil, err
	}
	select {
	case <-call.done:
		if call.err != nil {
			return nil, call.err
		}
		var id string
		if err := call.msg.UnmarshalResult(&id); err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("subscribe call %q returned no subscription id", subscribeMethod)
		}
		r.mu.Lock()
		closed, closeErr := r.closed, r.closeErr
		r.mu.Unlock()
		if closed {
			return nil, ErrConnectionClosed{Err: closeErr}
		}
		return sub, nil
	case <-ctx.Done():
		r.pending.cancel(callID)
		if id := sub.ID(); id != "" {
			// The response raced the cancellation and bound the stream.
			r.removeSubscription(id)
			sub.close(ErrSubscriptionClosed)
		}
		return nil, ctx.Err()
	}
}

func (r *Remote) removeSubscription(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

var _ subscriptionBroker = &Remote{}

// startSubscription allocates a server-side subscription: a fresh ID, a
// bounded delivery queue, a drainer goroutine serializing queue items as
// notifications, and a producer goroutine running the registered callback.
// The drainer holds its first notification until the subscribe response is
// on the wire; early pushes wait in the queue.
func (r *Remote) startSubscription(ctx context.Context, sub *subscriptionMethod, params json.RawMessage) (string, *ErrResponse) {
	max := r.MaxSubscriptions
	if max <= 0 {
		max = DefaultMaxSubscriptions
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", errResponse(ErrCodeInternal, "Internal error", "connection closed")
	}
	if len(r.sinks) >= max {
		r.mu.Unlock()
		return "", errResponse(ErrCodeSubscriptionCap, "Too many subscriptions", fmt.Sprintf("limit of %d reached", max))
	}
	id := uuid.New().String()
	sctx, cancel := context.WithCancel(r.ctx)
	sink := &SubscriptionSink{
		id:     id,
		queue:  make(chan json.RawMessage, r.subscriptionBuffer()),
		ctx:    sctx,
		cancel: cancel,
	}
	r.sinks[id] = sink
	r.mu.Unlock()

	r.wg.Add(2)
	go r.drainSubscription(sub.notifyMethod, sink, ctxResponded(ctx))
	go func() {
		defer r.wg.Done()
		if err := sub.fn(sink.ctx, params, sink); err != nil && sink.ctx.Err() == nil {
			logger.Printf("Remote: subscription %s producer failed: %s", id, err)
		}
		// Producer completion destroys the subscription.
		r.stopSubscription(id)
	}()
	return id, nil
}

// drainSubscription forwards queued items as notifications in push order.
// On teardown, items already queued are flushed before the drainer exits.
func (r *Remote) drainSubscription(notifyMethod string, sink *SubscriptionSink, responded <-chan struct{}) {
	defer r.wg.Done()
	if responded != nil {
		// Nothing goes on the wire before the subscribe response does.
		select {
		case <-responded:
		case <-sink.ctx.Done():
		}
	}
	notify := func(payload json.RawMessage) bool {
		params, err := json.Marshal(subscriptionResult{
			Subscription: sink.id,
			Result:       payload,
		})
		if err != nil {
			logger.Printf("Remote: failed to encode subscription notification: %s", err)
			return true
		}
		msg := &Message{
			Version: Version,
			Request: &Request{Method: notifyMethod, Params: params},
		}
		if err := r.Codec.WriteMessage(msg); err != nil {
			logger.Printf("Remote: subscription %s write failed: %s", sink.id, err)
			r.stopSubscription(sink.id)
			return false
		}
		return true
	}
	for {
		select {
		case payload := <-sink.queue:
			if !notify(payload) {
				return
			}
		case <-sink.ctx.Done():
			if r.ctx.Err() != nil {
				return
			}
			for {
				select {
				case payload := <-sink.queue:
					if !notify(payload) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// stopSubscription tears down one server-side subscription: the queue is
// cancelled, which unblocks any producer waiting on a full queue.
func (r *Remote) stopSubscription(id string) bool {
	r.mu.Lock()
	sink, ok := r.sinks[id]
	if ok {
		delete(r.sinks, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	sink.close()
	return true
}
