package jsonrpc2

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"
)

func TestSubscribe(t *testing.T) {
	server, client := ServePipe()
	defer server.Close()
	defer client.Close()

	err := server.Server.RegisterSubscription("subscribe_answers", "unsubscribe_answers", "answers", func(ctx context.Context, params json.RawMessage, sink *SubscriptionSink) error {
		if err := sink.Notify(42); err != nil {
			return err
		}
		<-sink.Closed()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	sub, err := client.Subscribe(context.Background(), "subscribe_answers", "unsubscribe_answers")
	if err != nil {
		t.Fatal(err)
	}
	if sub.ID() == "" {
		t.Error("empty subscription ID")
	}

	var item int
	if err := sub.Next(context.Background(), &item); err != nil {
		t.Fatal(err)
	}
	if item != 42 {
		t.Errorf("got: %d; want 42", item)
	}

	if err := sub.Unsubscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sub.Next(context.Background(), &item); !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("got: %v; want ErrSubscriptionClosed", err)
	}
}

func TestSubscribeImmediatePush(t *testing.T) {
	server, client := ServePipe()
	defer server.Close()
	defer client.Close()

	err := server.Server.RegisterSubscription("subscribe_first", "unsubscribe_first", "first", func(ctx context.Context, params json.RawMessage, sink *SubscriptionSink) error {
		// Push before the subscribe response has even been written.
		if err := sink.Notify(42); err != nil {
			return err
		}
		<-sink.Closed()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// The first item must never be lost, however the subscribe response
	// and the push interleave.
	for i := 0; i < 100; i++ {
		sub, err := client.Subscribe(context.Background(), "subscribe_first", "unsubscribe_first")
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		var item int
		err = sub.Next(ctx, &item)
		cancel()
		if err != nil {
			t.Fatalf("round %d: first item lost: %s", i, err)
		}
		if item != 42 {
			t.Fatalf("round %d: got item %d", i, item)
		}
		if err := sub.Unsubscribe(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSubscriptionOrdering(t *testing.T) {
	c1, c2 := net.Pipe()
	server := &Remote{Codec: IOCodec(c2), Server: &Server{}, SubscriptionBuffer: 2}
	client := &Remote{Codec: IOCodec(c1), Server: &Server{}, SubscriptionBuffer: 2}

	const total = 50
	err := server.Server.RegisterSubscription("subscribe_seq", "unsubscribe_seq", "seq", func(ctx context.Context, params json.RawMessage, sink *SubscriptionSink) error {
		for i := 0; i < total; i++ {
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
	servePair(t, server, client)

	sub, err := client.Subscribe(context.Background(), "subscribe_seq", "unsubscribe_seq")
	if err != nil {
		t.Fatal(err)
	}

	// A tiny buffer forces the producer to stall; every item still arrives,
	// in push order.
	for i := 0; i < total; i++ {
		var item int
		if err := sub.Next(context.Background(), &item); err != nil {
			t.Fatal(err)
		}
		if item != i {
			t.Fatalf("got item %d at position %d", item, i)
		}
	}
	if err := sub.Unsubscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSubscriptionUnsubscribeUnblocksProducer(t *testing.T) {
	c1, c2 := net.Pipe()
	server := &Remote{Codec: IOCodec(c2), Server: &Server{}, SubscriptionBuffer: 1}
	client := &Remote{Codec: IOCodec(c1), Server: &Server{}, SubscriptionBuffer: 1}

	producerErr := make(chan error, 1)
	err := server.Server.RegisterSubscription("subscribe_flood", "unsubscribe_flood", "flood", func(ctx context.Context, params json.RawMessage, sink *SubscriptionSink) error {
		for i := 0; ; i++ {
			if err := sink.Notify(i); err != nil {
				producerErr <- err
				return nil
			}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	servePair(t, server, client)

	sub, err := client.Subscribe(context.Background(), "subscribe_flood", "unsubscribe_flood")
	if err != nil {
		t.Fatal(err)
	}

	// The consumer never reads; the producer is soon wedged on a full queue.
	time.Sleep(20 * time.Millisecond)
	if err := sub.Unsubscribe(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-producerErr:
		if !errors.Is(err, ErrSubscriptionClosed) {
			t.Errorf("got: %v; want ErrSubscriptionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked after unsubscribe")
	}
}

func TestSubscriptionLimit(t *testing.T) {
	c1, c2 := net.Pipe()
	server := &Remote{Codec: IOCodec(c2), Server: &Server{}, MaxSubscriptions: 1}
	client := &Remote{Codec: IOCodec(c1), Server: &Server{}}

	err := server.Server.RegisterSubscription("subscribe_ticks", "unsubscribe_ticks", "ticks", func(ctx context.Context, params json.RawMessage, sink *SubscriptionSink) error {
		<-sink.Closed()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	servePair(t, server, client)

	first, err := client.Subscribe(context.Background(), "subscribe_ticks", "unsubscribe_ticks")
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Subscribe(context.Background(), "subscribe_ticks", "unsubscribe_ticks")
	var rpcErr *ErrResponse
	if !errors.As(err, &rpcErr) {
		t.Fatalf("got: %v; want an error response", err)
	}
	if rpcErr.Code != ErrCodeSubscriptionCap {
		t.Errorf("got code %d; want %d", rpcErr.Code, ErrCodeSubscriptionCap)
	}
	if rpcErr.Message != "Too many subscriptions" {
		t.Errorf("got message %q", rpcErr.Message)
	}

	// Tearing the first down frees the slot.
	if err := first.Unsubscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	second, err := client.Subscribe(context.Background(), "subscribe_ticks", "unsubscribe_ticks")
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Unsubscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSubscribeUnknownMethod(t *testing.T) {
	server, client := ServePipe()
	defer server.Close()
	defer client.Close()

	_, err := client.Subscribe(context.Background(), "subscribe_nothing", "unsubscribe_nothing")
	var rpcErr *ErrResponse
	if !errors.As(err, &rpcErr) || rpcErr.Code != ErrCodeMethodNotFound {
		t.Errorf("got: %v; want method not found", err)
	}
}
