// Websocket implementation using the gobwas/ws library
package gobwas

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/SyndicateProtocol/jsonrpsee/jsonrpc2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WebSocketDial returns a Codec that wraps a client-side connection with
// JSON encoding and decoding.
func WebSocketDial(ctx context.Context, url string) (jsonrpc2.Codec, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return newCodec(conn, ws.StateClientSide, 0, 0), nil
}

func newCodec(conn net.Conn, state ws.State, maxPayload int64, idleTimeout time.Duration) *wsCodec {
	return &wsCodec{
		conn: conn,
		r: &wsutil.Reader{
			Source:    conn,
			State:     state,
			OnIntermediate: wsutil.ControlFrameHandler(conn, state),
		},
		w:           wsutil.NewWriter(conn, state, ws.OpText),
		maxPayload:  maxPayload,
		idleTimeout: idleTimeout,
	}
}

var _ jsonrpc2.Codec = &wsCodec{}

type wsCodec struct {
	conn net.Conn
	r    *wsutil.Reader

	mu sync.Mutex // guards w across concurrent writers
	w  *wsutil.Writer

	maxPayload  int64
	idleTimeout time.Duration
}

// ReadMessage reads the next data frame. Oversized frames are discarded and
// reported per-unit; control frames are handled in place and skipped.
func (codec *wsCodec) ReadMessage() (*jsonrpc2.Message, error) {
	for {
		if codec.idleTimeout > 0 {
			if err := codec.conn.SetReadDeadline(time.Now().Add(codec.idleTimeout)); err != nil {
				return nil, err
			}
		}
		hdr, err := codec.r.NextFrame()
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return nil, io.EOF
			}
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			// Already handled by the control frame handler.
			continue
		}
		if codec.maxPayload > 0 && hdr.Length > codec.maxPayload {
			codec.r.Discard()
			return nil, &jsonrpc2.ErrOversizedMessage{Size: hdr.Length, Limit: codec.maxPayload}
		}

		var src io.Reader = codec.r
		if codec.maxPayload > 0 {
			src = io.LimitReader(codec.r, codec.maxPayload+1)
		}
		payload, err := io.ReadAll(src)
		if err != nil {
			return nil, err
		}
		if codec.maxPayload > 0 && int64(len(payload)) > codec.maxPayload {
			codec.r.Discard()
			return nil, &jsonrpc2.ErrOversizedMessage{Size: int64(len(payload)), Limit: codec.maxPayload}
		}

		var msg jsonrpc2.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &jsonrpc2.ErrParse{Err: err}
		}
		return &msg, nil
	}
}

func (codec *wsCodec) WriteMessage(msg *jsonrpc2.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	codec.mu.Lock()
	defer codec.mu.Unlock()
	if _, err := codec.w.Write(payload); err != nil {
		return err
	}
	return codec.w.Flush()
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
	Upgrader ws.HTTPUpgrader

	// MaxPayload is the inbound message size ceiling. Oversized messages
	// are discarded per-unit without closing the connection.
	MaxPayload int64
	// IdleTimeout closes the connection when no message arrives in time.
	IdleTimeout time.Duration
}

func (u *Upgrader) Upgrade(r *http.Request, w http.ResponseWriter, h http.Header) (jsonrpc2.Codec, error) {
	conn, _, _, err := u.Upgrader.Upgrade(r, w)
	if err != nil {
		return nil, err
	}
	return newCodec(conn, ws.StateServerSide, u.MaxPayload, u.IdleTimeout), nil
}
