package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SyndicateProtocol/jsonrpsee/jsonrpc2"
)

// TimeService is the demo receiver exposed by the server command.
type TimeService struct{}

func (s *TimeService) Echo(msg string) string {
	return msg
}

func (s *TimeService) Add(a int, b int) int {
	return a + b
}

func (s *TimeService) Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// registerDemo binds the demo methods plus a ticking time subscription.
func registerDemo(srv *jsonrpc2.Server) error {
	if err := srv.Register("", &TimeService{}); err != nil {
		return err
	}
	return srv.RegisterSubscription("subscribe_time", "unsubscribe_time", "time", tickTime)
}

// tickTime pushes the current time at the requested interval (milliseconds,
// optional, default 1000) until the subscription is torn down.
func tickTime(ctx context.Context, params json.RawMessage, sink *jsonrpc2.SubscriptionSink) error {
	interval := time.Second
	var args []int
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err == nil && len(args) > 0 && args[0] > 0 {
			interval = time.Duration(args[0]) * time.Millisecond
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sink.Notify(time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}
