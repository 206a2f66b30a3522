package jsonrpc2

import (
	"encoding/json"
	"io"
	"sync"
)

// Codec is an abstraction for receiving and sending JSONRPC messages over
// some transport. WriteMessage must be safe for concurrent use: dispatch
// goroutines and subscription drainers share one outbound path.
type Codec interface {
	ReadMessage() (*Message, error)
	WriteMessage(*Message) error
	Close() error
	RemoteAddr() string
}

var _ Codec = &jsonCodec{}

// IOCodec returns a Codec that wraps JSON encoding and decoding over IO,
// one message per JSON value. Used for net.Pipe, stdio and HTTP bodies.
func IOCodec(rwc io.ReadWriteCloser) *jsonCodec {
	return &jsonCodec{
		decoder: json.NewDecoder(rwc),
		encoder: json.NewEncoder(rwc),
		closer:  rwc,
	}
}

type jsonCodec struct {
	decoder *json.Decoder
	closer  io.Closer

	// mu serializes concurrent writers sharing the encoder.
	mu         sync.Mutex
	encoder    *json.Encoder
	remoteAddr string
}

func (codec *jsonCodec) ReadMessage() (*Message, error) {
	var msg Message
	if err := codec.decoder.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (codec *jsonCodec) WriteMessage(msg *Message) error {
	codec.mu.Lock()
	defer codec.mu.Unlock()
	return codec.encoder.Encode(msg)
}

func (codec *jsonCodec) Close() error {
	if codec.closer == nil {
		return nil
	}
	return codec.closer.Close()
}

func (codec *jsonCodec) RemoteAddr() string {
	return codec.remoteAddr
}

// DebugCodec wraps a Codec and traces messages through the package logger,
// annotated with label.
func DebugCodec(label string, codec Codec) Codec {
	return &debugCodec{Codec: codec, label: label}
}

type debugCodec struct {
	Codec
	label string
}

func (codec *debugCodec) ReadMessage() (*Message, error) {
	msg, err := codec.Codec.ReadMessage()
	if err != nil {
		logger.Printf("%s <- read error: %s", codec.label, err)
		return msg, err
	}
	logger.Printf("%s <- %s", codec.label, msg)
	return msg, nil
}

func (codec *debugCodec) WriteMessage(msg *Message) error {
	err := codec.Codec.WriteMessage(msg)
	if err != nil {
		logger.Printf("%s -> write error: %s", codec.label, err)
		return err
	}
	logger.Printf("%s -> %s", codec.label, msg)
	return nil
}
