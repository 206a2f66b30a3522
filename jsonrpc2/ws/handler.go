package ws

import (
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/SyndicateProtocol/jsonrpsee/jsonrpc2"
)

// HandlerOptions configures the per-connection Remote limits and the
// server-level connection cap.
type HandlerOptions struct {
	// MaxConnections caps simultaneously served websocket connections.
	// Zero means unlimited. Further upgrade attempts are refused with
	// 503 Service Unavailable.
	MaxConnections int
	// MaxConcurrentRequests, MaxSubscriptions and SubscriptionBuffer are
	// applied to each connection's Remote; zero values use the jsonrpc2
	// defaults.
	MaxConcurrentRequests int
	MaxSubscriptions      int
	SubscriptionBuffer    int
	// Timeout applies a deadline to calls the server initiates back over
	// the connection.
	Timeout time.Duration
}

// Handler serves a bidirectional Remote per websocket connection, upgraded
// by the given Upgrader. This is where the server-level connection cap is
// enforced.
func Handler(srv *jsonrpc2.Server, upgrader Upgrader, opts *HandlerOptions) http.HandlerFunc {
	if opts == nil {
		opts = &HandlerOptions{}
	}
	var connections int64
	return func(w http.ResponseWriter, r *http.Request) {
		if opts.MaxConnections > 0 {
			if atomic.AddInt64(&connections, 1) > int64(opts.MaxConnections) {
				atomic.AddInt64(&connections, -1)
				http.Error(w, "too many connections", http.StatusServiceUnavailable)
				return
			}
			defer atomic.AddInt64(&connections, -1)
		}

		codec, err := upgrader.Upgrade(r, w, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer codec.Close()

		remote := &jsonrpc2.Remote{
			Codec:  codec,
			Server: srv,
			Client: &jsonrpc2.Client{},

			MaxConcurrentRequests: opts.MaxConcurrentRequests,
			MaxSubscriptions:      opts.MaxSubscriptions,
			SubscriptionBuffer:    opts.SubscriptionBuffer,
			Timeout:               opts.Timeout,
		}
		if err := remote.Serve(); err != nil && err != io.EOF {
			logger.Printf("remote serve ended from %s: %s", codec.RemoteAddr(), err)
		}
	}
}
