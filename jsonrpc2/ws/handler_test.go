package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SyndicateProtocol/jsonrpsee/jsonrpc2"
	"github.com/SyndicateProtocol/jsonrpsee/jsonrpc2/ws"
	wscoder "github.com/SyndicateProtocol/jsonrpsee/jsonrpc2/ws/coder"
	wsgobwas "github.com/SyndicateProtocol/jsonrpsee/jsonrpc2/ws/gobwas"
	wsgorilla "github.com/SyndicateProtocol/jsonrpsee/jsonrpc2/ws/gorilla"
)

type transport struct {
	name     string
	upgrader ws.Upgrader
	dial     func(ctx context.Context, url string) (jsonrpc2.Codec, error)
}

func transports() []transport {
	return []transport{
		{"gobwas", &wsgobwas.Upgrader{}, wsgobwas.WebSocketDial},
		{"gorilla", &wsgorilla.Upgrader{}, wsgorilla.WebSocketDial},
		{"coder", &wscoder.Upgrader{}, wscoder.WebSocketDial},
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newServer(t *testing.T, upgrader ws.Upgrader, opts *ws.HandlerOptions) *httptest.Server {
	t.Helper()
	srv := &jsonrpc2.Server{}
	if err := srv.RegisterMethod("echo", func(s string) []string {
		return []string{s}
	}); err != nil {
		t.Fatal(err)
	}
	err := srv.RegisterSubscription("subscribe_count", "unsubscribe_count", "count", func(ctx context.Context, params json.RawMessage, sink *jsonrpc2.SubscriptionSink) error {
		for i := 0; i < 3; i++ {
			if err := sink.Notify(i); err != nil {
				return err
			}
		}
		<-sink.Closed()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(ws.Handler(srv, upgrader, opts))
	t.Cleanup(ts.Close)
	return ts
}

func TestHandlerCall(t *testing.T) {
	for _, tt := range transports() {
		t.Run(tt.name, func(t *testing.T) {
			ts := newServer(t, tt.upgrader, nil)
			codec, err := tt.dial(context.Background(), wsURL(ts))
			if err != nil {
				t.Fatal(err)
			}
			remote := &jsonrpc2.Remote{Codec: codec}
			go remote.Serve()
			defer remote.Close()

			var out []string
			if err := remote.Call(context.Background(), &out, "echo", "x"); err != nil {
				t.Fatal(err)
			}
			if len(out) != 1 || out[0] != "x" {
				t.Errorf("got: %q", out)
			}
		})
	}
}

func TestHandlerSubscription(t *testing.T) {
	for _, tt := range transports() {
		t.Run(tt.name, func(t *testing.T) {
			ts := newServer(t, tt.upgrader, nil)
			codec, err := tt.dial(context.Background(), wsURL(ts))
			if err != nil {
				t.Fatal(err)
			}
			remote := &jsonrpc2.Remote{Codec: codec}
			go remote.Serve()
			defer remote.Close()

			sub, err := remote.Subscribe(context.Background(), "subscribe_count", "unsubscribe_count")
			if err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 3; i++ {
				var item int
				if err := sub.Next(context.Background(), &item); err != nil {
					t.Fatal(err)
				}
				if item != i {
					t.Errorf("got item %d at position %d", item, i)
				}
			}
			if err := sub.Unsubscribe(context.Background()); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestHandlerConnectionLimit(t *testing.T) {
	ts := newServer(t, &wsgorilla.Upgrader{}, &ws.HandlerOptions{MaxConnections: 1})

	codec, err := wsgorilla.WebSocketDial(context.Background(), wsURL(ts))
	if err != nil {
		t.Fatal(err)
	}
	defer codec.Close()

	if _, err := wsgorilla.WebSocketDial(context.Background(), wsURL(ts)); err == nil {
		t.Error("expected second dial to be refused")
	}

	// The slot frees up once the first connection goes away.
	codec.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		second, err := wsgorilla.WebSocketDial(context.Background(), wsURL(ts))
		if err == nil {
			second.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial still refused: %s", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandlerOversizedRecovers(t *testing.T) {
	srv := &jsonrpc2.Server{}
	if err := srv.RegisterMethod("echo", func(s string) string { return s }); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(ws.Handler(srv, &wsgobwas.Upgrader{MaxPayload: 128}, nil))
	defer ts.Close()

	codec, err := wsgobwas.WebSocketDial(context.Background(), wsURL(ts))
	if err != nil {
		t.Fatal(err)
	}
	defer codec.Close()

	// The oversized unit is discarded and reported with a null ID; the
	// connection survives.
	big := &jsonrpc2.Message{
		ID:      json.RawMessage("1"),
		Version: jsonrpc2.Version,
		Request: &jsonrpc2.Request{Method: "echo", Params: json.RawMessage(`["` + strings.Repeat("x", 512) + `"]`)},
	}
	if err := codec.WriteMessage(big); err != nil {
		t.Fatal(err)
	}
	resp, err := codec.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if resp.Response == nil || resp.Response.Error == nil || resp.Response.Error.Code != jsonrpc2.ErrCodeOversizedMessage {
		t.Fatalf("got: %s; want oversized message error", resp)
	}

	small := &jsonrpc2.Message{
		ID:      json.RawMessage("2"),
		Version: jsonrpc2.Version,
		Request: &jsonrpc2.Request{Method: "echo", Params: json.RawMessage(`["y"]`)},
	}
	if err := codec.WriteMessage(small); err != nil {
		t.Fatal(err)
	}
	resp, err = codec.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Response.Result) != `"y"` {
		t.Errorf("got: %s", resp)
	}
}

func TestHandlerRejectsPlainHTTP(t *testing.T) {
	ts := newServer(t, &wsgorilla.Upgrader{}, nil)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %d; want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestHandlerOversizedMessage(t *testing.T) {
	srv := &jsonrpc2.Server{}
	if err := srv.RegisterMethod("echo", func(s string) string { return s }); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(ws.Handler(srv, &wsgorilla.Upgrader{MaxPayload: 128}, nil))
	defer ts.Close()

	codec, err := wsgorilla.WebSocketDial(context.Background(), wsURL(ts))
	if err != nil {
		t.Fatal(err)
	}
	defer codec.Close()
	remote := &jsonrpc2.Remote{Codec: codec}
	go remote.Serve()

	// gorilla's read limit kills the connection on an oversized frame.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = remote.Call(ctx, nil, "echo", strings.Repeat("x", 512))
	var connErr jsonrpc2.ErrConnectionClosed
	if !errors.As(err, &connErr) {
		t.Errorf("got: %v; want ErrConnectionClosed", err)
	}
}
