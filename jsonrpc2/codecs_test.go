package jsonrpc2

import (
	"encoding/json"
	"io"
	"net"
	"testing"
)

func TestIOCodec(t *testing.T) {
	c1, c2 := net.Pipe()
	a, b := IOCodec(c1), IOCodec(c2)
	defer a.Close()
	defer b.Close()

	out := &Message{
		ID:      json.RawMessage("1"),
		Version: Version,
		Request: &Request{Method: "ping", Params: json.RawMessage(`["a",2]`)},
	}
	go func() {
		if err := a.WriteMessage(out); err != nil {
			t.Error(err)
		}
	}()
	in, err := b.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	assertEqualJSON(t, in, out, "round trip")

	// Closing the peer ends the read loop with a terminal error.
	a.Close()
	if _, err := b.ReadMessage(); err == nil {
		t.Error("expected read error after close")
	}
}

func TestDebugCodec(t *testing.T) {
	c1, c2 := net.Pipe()
	a := DebugCodec("A", IOCodec(c1))
	b := IOCodec(c2)
	defer a.Close()
	defer b.Close()

	go func() {
		msg, err := b.ReadMessage()
		if err != nil {
			t.Error(err)
			return
		}
		if err := b.WriteMessage(msg); err != nil {
			t.Error(err)
		}
	}()

	out := &Message{ID: json.RawMessage("9"), Version: Version, Request: &Request{Method: "echo"}}
	if err := a.WriteMessage(out); err != nil {
		t.Fatal(err)
	}
	in, err := a.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	assertEqualJSON(t, in, out, "echoed through debug codec")
}

func TestIOCodecStream(t *testing.T) {
	r, w := io.Pipe()
	src := IOCodec(struct {
		io.Reader
		io.Writer
		io.Closer
	}{Reader: r, Writer: w, Closer: w})

	// Several values on one stream decode one message at a time.
	go func() {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"a"}` + "\n" + `{"jsonrpc":"2.0","id":2,"method":"b"}` + "\n"))
	}()
	first, err := src.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	second, err := src.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if first.Request.Method != "a" || second.Request.Method != "b" {
		t.Errorf("got: %s, %s", first, second)
	}
}
