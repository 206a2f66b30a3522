package jsonrpc2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"unicode"
)

// registryEntry is one bound method name. The tag fields are mutually
// exclusive: a plain callable, a subscribe endpoint, or the unsubscribe
// endpoint of a subscription pair.
type registryEntry struct {
	method      *Method
	subscribe   *subscriptionMethod
	unsubscribe bool
}

// subscriptionMethod is the registered half-pair that produces notifications
// for a subscription channel.
type subscriptionMethod struct {
	notifyMethod string
	fn           SubscribeFunc
}

// Server contains the method registry. Registration happens before any
// connection is accepted; dispatch is read-only and needs no locking.
type Server struct {
	registry map[string]registryEntry
}

func (s *Server) bind(name string, entry registryEntry) error {
	if s.registry == nil {
		s.registry = map[string]registryEntry{}
	}
	if _, exists := s.registry[name]; exists {
		return ErrDuplicateMethod{Method: name}
	}
	s.registry[name] = entry
	return nil
}

// Register adds valid methods from the receiver to the registry with the
// given prefix. Method names are lowercased. Returns ErrDuplicateMethod if
// any resulting name is already bound.
func (s *Server) Register(prefix string, receiver interface{}) error {
	methods, err := Methods(receiver)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for name, m := range methods {
		buf.WriteString(prefix)
		buf.WriteRune(unicode.ToLower(rune(name[0])))
		buf.WriteString(name[1:])
		m := m
		if err := s.bind(buf.String(), registryEntry{method: &m}); err != nil {
			return err
		}
		buf.Reset()
	}
	return nil
}

// RegisterMethod binds a single function endpoint to name.
func (s *Server) RegisterMethod(name string, fn interface{}) error {
	m, err := FuncMethod(fn)
	if err != nil {
		return err
	}
	return s.bind(name, registryEntry{method: m})
}

// RegisterSubscription binds a subscribe/unsubscribe method pair. A call to
// subscribeMethod starts fn with a sink; items pushed through the sink are
// delivered as notifications named notifyMethod, with the subscription ID
// embedded in the params. A call to unsubscribeMethod with the subscription
// ID tears the subscription down.
func (s *Server) RegisterSubscription(subscribeMethod, unsubscribeMethod, notifyMethod string, fn SubscribeFunc) error {
	sub := &subscriptionMethod{
		notifyMethod: notifyMethod,
		fn:           fn,
	}
	if err := s.bind(subscribeMethod, registryEntry{subscribe: sub}); err != nil {
		return err
	}
	return s.bind(unsubscribeMethod, registryEntry{unsubscribe: true})
}

// has reports whether a method name is bound.
func (s *Server) has(name string) bool {
	_, ok := s.registry[name]
	return ok
}

// Handle dispatches a single request message and returns the response, or
// nil when msg is a notification. Batch fan-out is the caller's job.
func (s *Server) Handle(ctx context.Context, msg *Message) *Message {
	req := msg.Request
	if req == nil {
		return nil
	}
	isNotification := len(msg.ID) == 0
	respond := func(resp *Response) *Message {
		if isNotification {
			return nil
		}
		return &Message{
			ID:       msg.ID,
			Version:  Version,
			Response: resp,
		}
	}

	entry, ok := s.registry[req.Method]
	if !ok {
		return respond(&Response{
			Error: errResponse(ErrCodeMethodNotFound, "Method not found", req.Method),
		})
	}

	switch {
	case entry.subscribe != nil:
		return respond(s.handleSubscribe(ctx, entry.subscribe, req))
	case entry.unsubscribe:
		return respond(s.handleUnsubscribe(ctx, req))
	}

	args, err := parsePositionalArguments(req.Params, entry.method.ArgTypes)
	if err != nil {
		return respond(&Response{
			Error: errResponse(ErrCodeInvalidParams, "Invalid params", err.Error()),
		})
	}
	res, err := entry.method.Call(ctx, args)
	if err != nil {
		return respond(&Response{
			Error: errResponse(ErrCodeInternal, "Internal error", err.Error()),
		})
	}

	result, err := json.Marshal(res)
	if err != nil {
		return respond(&Response{
			Error: errResponse(ErrCodeServer, "Server error", fmt.Sprintf("failed to encode response: %s", err)),
		})
	}
	return respond(&Response{Result: result})
}

func (s *Server) handleSubscribe(ctx context.Context, sub *subscriptionMethod, req *Request) *Response {
	broker, ok := ctxBroker(ctx)
	if !ok {
		return &Response{
			Error: errResponse(ErrCodeInternal, "Internal error", "subscriptions require a persistent connection"),
		}
	}
	id, errResp := broker.startSubscription(ctx, sub, req.Params)
	if errResp != nil {
		return &Response{Error: errResp}
	}
	result, err := json.Marshal(id)
	if err != nil {
		return &Response{
			Error: errResponse(ErrCodeServer, "Server error", err.Error()),
		}
	}
	return &Response{Result: result}
}

func (s *Server) handleUnsubscribe(ctx context.Context, req *Request) *Response {
	broker, ok := ctxBroker(ctx)
	if !ok {
		return &Response{
			Error: errResponse(ErrCodeInternal, "Internal error", "subscriptions require a persistent connection"),
		}
	}
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) != 1 || params[0] == "" {
		return &Response{
			Error: errResponse(ErrCodeInvalidParams, "Invalid params", "expected a subscription id"),
		}
	}
	result := "false"
	if broker.stopSubscription(params[0]) {
		result = "true"
	}
	return &Response{Result: json.RawMessage(result)}
}
