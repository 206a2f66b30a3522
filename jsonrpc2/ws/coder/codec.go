// Websocket implementation using the coder/websocket library
package coder

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/SyndicateProtocol/jsonrpsee/jsonrpc2"
	"github.com/coder/websocket"
)

// WebSocketDial returns a Codec that wraps a client-side connection with
// JSON encoding and decoding.
func WebSocketDial(ctx context.Context, url string) (jsonrpc2.Codec, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsCodec{conn: conn, remoteAddr: url}, nil
}

var _ jsonrpc2.Codec = &wsCodec{}

type wsCodec struct {
	conn       *websocket.Conn
	remoteAddr string

	idleTimeout time.Duration
}

func (codec *wsCodec) ReadMessage() (*jsonrpc2.Message, error) {
	ctx := context.Background()
	if codec.idleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, codec.idleTimeout)
		defer cancel()
	}
	_, payload, err := codec.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, io.EOF
		}
		return nil, err
	}
	var msg jsonrpc2.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &jsonrpc2.ErrParse{Err: err}
	}
	return &msg, nil
}

func (codec *wsCodec) WriteMessage(msg *jsonrpc2.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	// coder/websocket serializes concurrent writers itself.
	return codec.conn.Write(context.Background(), websocket.MessageText, payload)
}

func (codec *wsCodec) Close() error {
	return codec.conn.Close(websocket.StatusNormalClosure, "")
}

func (codec *wsCodec) RemoteAddr() string {
	return codec.remoteAddr
}

// Upgrader upgrades an HTTP request to a WebSocket connection and returns
// the appropriate jsonrpc2 codec.
type Upgrader struct {
	Options *websocket.AcceptOptions

	// MaxPayload is the inbound message size ceiling. coder/websocket
	// closes the connection when a message exceeds it.
	MaxPayload int64
	// IdleTimeout closes the connection when no message arrives in time.
	IdleTimeout time.Duration
}

func (u *Upgrader) Upgrade(r *http.Request, w http.ResponseWriter, h http.Header) (jsonrpc2.Codec, error) {
	conn, err := websocket.Accept(w, r, u.Options)
	if err != nil {
		return nil, err
	}
	if u.MaxPayload > 0 {
		conn.SetReadLimit(u.MaxPayload)
	}
	return &wsCodec{
		conn:        conn,
		remoteAddr:  r.RemoteAddr,
		idleTimeout: u.IdleTimeout,
	}, nil
}
