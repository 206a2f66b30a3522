// Websocket implementation using Gorilla's Websocket library
package gorilla

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/SyndicateProtocol/jsonrpsee/jsonrpc2"
	"github.com/gorilla/websocket"
)

// WebSocketDial returns a Codec that wraps a client-side connection with
// JSON encoding and decoding.
func WebSocketDial(ctx context.Context, url string) (jsonrpc2.Codec, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsCodec{conn: conn}, nil
}

var _ jsonrpc2.Codec = &wsCodec{}

type wsCodec struct {
	muWrite sync.Mutex
	muRead  sync.Mutex
	conn    *websocket.Conn

	idleTimeout time.Duration
}

func (codec *wsCodec) ReadMessage() (*jsonrpc2.Message, error) {
	codec.muRead.Lock()
	defer codec.muRead.Unlock()
	if codec.idleTimeout > 0 {
		if err := codec.conn.SetReadDeadline(time.Now().Add(codec.idleTimeout)); err != nil {
			return nil, err
		}
	}
	_, payload, err := codec.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg jsonrpc2.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &jsonrpc2.ErrParse{Err: err}
	}
	return &msg, nil
}

func (codec *wsCodec) WriteMessage(msg *jsonrpc2.Message) error {
	codec.muWrite.Lock()
	defer codec.muWrite.Unlock()
	return codec.conn.WriteJSON(msg)
}

func (codec *wsCodec) Close() error {
	return codec.conn.Close()
}

func (codec *wsCodec) RemoteAddr() string {
	return codec.conn.RemoteAddr().String()
}

// Upgrader upgrades an HTTP request to a WebSocket connection and returns
// the appropriate jsonrpc2 codec.
type Upgrader struct {
	Upgrader websocket.Upgrader

	// MaxPayload is the inbound message size ceiling. Gorilla closes the
	// connection when a message exceeds it.
	MaxPayload int64
	// IdleTimeout closes the connection when no message arrives in time.
	IdleTimeout time.Duration
}

func (u *Upgrader) Upgrade(r *http.Request, w http.ResponseWriter, h http.Header) (jsonrpc2.Codec, error) {
	conn, err := u.Upgrader.Upgrade(w, r, h)
	if err != nil {
		return nil, err
	}
	if u.MaxPayload > 0 {
		conn.SetReadLimit(u.MaxPayload)
	}
	return &wsCodec{conn: conn, idleTimeout: u.IdleTimeout}, nil
}
