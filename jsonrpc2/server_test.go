package jsonrpc2

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestServer(t *testing.T) {
	service := &FruitService{}
	s := Server{}
	if err := s.Register("foo_", service); err != nil {
		t.Error(err)
	}

	resp := s.Handle(context.Background(), &Message{
		ID:      json.RawMessage("1"),
		Version: Version,
		Request: &Request{
			Method: "foo_apple",
		},
	})
	if resp.Response.Error != nil {
		t.Errorf("unexpected error: %s", resp)
	}
	if string(resp.Response.Result) != `"Apple"` {
		t.Errorf("unexpected result: %q", resp.Response.Result)
	}

	resp = s.Handle(context.Background(), &Message{
		ID:      json.RawMessage("2"),
		Version: Version,
		Request: &Request{
			Method: "foo_banana",
		},
	})
	if resp.Response.Error != nil {
		t.Errorf("unexpected error: %s", resp)
	}
	if string(resp.Response.Result) != "null" {
		t.Errorf("unexpected result: %q", resp.Response.Result)
	}
}

func TestServerEcho(t *testing.T) {
	s := Server{}
	if err := s.RegisterMethod("echo", func(v string) []string {
		return []string{v}
	}); err != nil {
		t.Fatal(err)
	}

	var req Message
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"method":"echo","params":["x"]}`), &req); err != nil {
		t.Fatal(err)
	}
	resp := s.Handle(context.Background(), &req)
	assertEqualJSON(t, resp, json.RawMessage(`{"id":1,"jsonrpc":"2.0","result":["x"]}`), "echo response")
}

func TestServerMethodNotFound(t *testing.T) {
	s := Server{}
	resp := s.Handle(context.Background(), &Message{
		ID:      json.RawMessage("2"),
		Version: Version,
		Request: &Request{Method: "nope"},
	})
	if resp.Response.Error == nil {
		t.Fatalf("expected error response, got: %s", resp)
	}
	if got, want := resp.Response.Error.Code, ErrCodeMethodNotFound; got != want {
		t.Errorf("got code %d; want %d", got, want)
	}
	if got, want := resp.Response.Error.Message, "Method not found"; got != want {
		t.Errorf("got message %q; want %q", got, want)
	}
}

func TestServerInvalidParams(t *testing.T) {
	s := Server{}
	if err := s.Register("", &FruitService{}); err != nil {
		t.Fatal(err)
	}
	resp := s.Handle(context.Background(), &Message{
		ID:      json.RawMessage("3"),
		Version: Version,
		Request: &Request{Method: "apple", Params: json.RawMessage(`["unexpected"]`)},
	})
	if resp.Response.Error == nil || resp.Response.Error.Code != ErrCodeInvalidParams {
		t.Errorf("expected invalid params error, got: %s", resp)
	}
}

func TestServerInternalError(t *testing.T) {
	s := Server{}
	if err := s.Register("", &FruitService{}); err != nil {
		t.Fatal(err)
	}
	resp := s.Handle(context.Background(), &Message{
		ID:      json.RawMessage("4"),
		Version: Version,
		Request: &Request{Method: "durian"},
	})
	if resp.Response.Error == nil || resp.Response.Error.Code != ErrCodeInternal {
		t.Fatalf("expected internal error, got: %s", resp)
	}
	if got, want := string(resp.Response.Error.Data), `"durian failure"`; got != want {
		t.Errorf("got data %q; want %q", got, want)
	}
}

func TestServerNotificationNoResponse(t *testing.T) {
	s := Server{}
	if err := s.Register("", &FruitService{}); err != nil {
		t.Fatal(err)
	}
	resp := s.Handle(context.Background(), &Message{
		Version: Version,
		Request: &Request{Method: "banana"},
	})
	if resp != nil {
		t.Errorf("notification produced a response: %s", resp)
	}
}

func TestServerDuplicateMethod(t *testing.T) {
	s := Server{}
	if err := s.Register("", &FruitService{}); err != nil {
		t.Fatal(err)
	}
	err := s.Register("", &FruitService{})
	var dup ErrDuplicateMethod
	if !errors.As(err, &dup) {
		t.Fatalf("expected ErrDuplicateMethod, got: %v", err)
	}

	if err := s.RegisterMethod("apple", func() {}); !errors.As(err, &dup) {
		t.Errorf("expected ErrDuplicateMethod, got: %v", err)
	}

	if err := s.RegisterSubscription("apple", "unsubscribe_apple", "apples", nil); !errors.As(err, &dup) {
		t.Errorf("expected ErrDuplicateMethod, got: %v", err)
	}
}

func TestServerSubscribeWithoutConnection(t *testing.T) {
	s := Server{}
	err := s.RegisterSubscription("subscribe_x", "unsubscribe_x", "x", func(ctx context.Context, params json.RawMessage, sink *SubscriptionSink) error {
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// No broker in the context: plain dispatch can't bind a subscription.
	resp := s.Handle(context.Background(), &Message{
		ID:      json.RawMessage("1"),
		Version: Version,
		Request: &Request{Method: "subscribe_x"},
	})
	if resp.Response.Error == nil || resp.Response.Error.Code != ErrCodeInternal {
		t.Errorf("expected internal error, got: %s", resp)
	}
}
