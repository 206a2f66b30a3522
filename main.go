package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/alexcesaro/log"
	"github.com/alexcesaro/log/golog"
	flags "github.com/jessevdk/go-flags"

	"github.com/SyndicateProtocol/jsonrpsee/jsonrpc2"
	ws "github.com/SyndicateProtocol/jsonrpsee/jsonrpc2/ws"
	"github.com/SyndicateProtocol/jsonrpsee/jsonrpc2/ws/gobwas"
)

// Version of the binary, assigned during build.
var Version string = "dev"

var logger *golog.Logger

// SetLogger overrides the main logger of this command.
func SetLogger(l *golog.Logger) {
	logger = l
}

func init() {
	// Set a default null logger
	SetLogger(golog.New(os.Stderr, log.Warning))
}

var logLevels = []log.Level{
	log.Warning,
	log.Info,
	log.Debug,
}

// Options contains the flag options
type Options struct {
	Verbose []bool `short:"v" long:"verbose" description:"Show verbose logging."`
	Version bool   `long:"version" description:"Print version and exit."`

	Server struct {
		Bind               string        `long:"bind" description:"Address and port to listen on." default:"0.0.0.0:8080"`
		MaxConns           int           `long:"max-conns" description:"Maximum simultaneous websocket connections." default:"128"`
		MaxConcurrent      int           `long:"max-concurrent" description:"Maximum in-flight dispatches per connection." default:"16"`
		MaxBody            int64         `long:"max-body" description:"Maximum request body size in bytes." default:"10485760"`
		MaxSubscriptions   int           `long:"max-subscriptions" description:"Maximum subscriptions per connection." default:"1024"`
		SubscriptionBuffer int           `long:"subscription-buffer" description:"Delivery queue capacity per subscription." default:"16"`
		IdleTimeout        time.Duration `long:"idle-timeout" description:"Drop connections idle for this long." default:"2m"`
	} `command:"server" description:"Serve the demo time service over websocket and HTTP."`

	Call struct {
		Timeout time.Duration `long:"timeout" description:"Per-call timeout." default:"5s"`
		Args    struct {
			Endpoint string   `positional-arg-name:"endpoint" description:"ws://, wss://, http:// or https:// URL."`
			Method   string   `positional-arg-name:"method"`
			Params   []string `positional-arg-name:"params"`
		} `positional-args:"yes" required:"2"`
	} `command:"call" description:"Issue a single call and print the result."`

	Subscribe struct {
		Unsubscribe string `long:"unsubscribe" description:"Unsubscribe method name." default:"unsubscribe_time"`
		Args        struct {
			Endpoint string   `positional-arg-name:"endpoint" description:"ws:// or wss:// URL."`
			Method   string   `positional-arg-name:"method"`
			Params   []string `positional-arg-name:"params"`
		} `positional-args:"yes" required:"2"`
	} `command:"subscribe" description:"Open a subscription and print items until interrupted."`
}

func main() {
	options := Options{}
	parser := flags.NewParser(&options, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if options.Version {
		fmt.Println(Version)
		os.Exit(0)
	}

	numVerbose := len(options.Verbose)
	if numVerbose > len(logLevels)-1 {
		numVerbose = len(logLevels) - 1
	}
	SetLogger(golog.New(os.Stderr, logLevels[numVerbose]))
	if numVerbose > 0 {
		jsonrpc2.SetLogger(os.Stderr)
		ws.SetLogger(os.Stderr)
	}

	if parser.Active == nil {
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch parser.Active.Name {
	case "server":
		err = runServer(options)
	case "call":
		err = runCall(options)
	case "subscribe":
		err = runSubscribe(options)
	}
	if err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func runServer(options Options) error {
	srv := &jsonrpc2.Server{}
	if err := registerDemo(srv); err != nil {
		return err
	}

	upgrader := &gobwas.Upgrader{
		MaxPayload:  options.Server.MaxBody,
		IdleTimeout: options.Server.IdleTimeout,
	}
	handlerOpts := &ws.HandlerOptions{
		MaxConnections:        options.Server.MaxConns,
		MaxConcurrentRequests: options.Server.MaxConcurrent,
		MaxSubscriptions:      options.Server.MaxSubscriptions,
		SubscriptionBuffer:    options.Server.SubscriptionBuffer,
	}

	mux := http.NewServeMux()
	mux.Handle("/", ws.Handler(srv, upgrader, handlerOpts))
	mux.Handle("/rpc", &jsonrpc2.HTTPServer{
		Server:                *srv,
		MaxContentLength:      options.Server.MaxBody,
		MaxConcurrentRequests: options.Server.MaxConcurrent,
	})

	logger.Infof("Listening on %s (websocket on /, HTTP on /rpc)", options.Server.Bind)
	return http.ListenAndServe(options.Server.Bind, mux)
}

func runCall(options Options) error {
	ctx, cancel := context.WithTimeout(context.Background(), options.Call.Timeout)
	defer cancel()

	endpoint := options.Call.Args.Endpoint
	params := parseParams(options.Call.Args.Params)

	var result json.RawMessage
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		codec, err := gobwas.WebSocketDial(ctx, endpoint)
		if err != nil {
			return err
		}
		remote := &jsonrpc2.Remote{Codec: codec, Timeout: options.Call.Timeout}
		go remote.Serve()
		defer remote.Close()
		if err := remote.Call(ctx, &result, options.Call.Args.Method, params...); err != nil {
			return err
		}
	} else {
		service := &jsonrpc2.HTTPService{Endpoint: endpoint}
		if err := service.Call(ctx, &result, options.Call.Args.Method, params...); err != nil {
			return err
		}
	}
	fmt.Println(string(result))
	return nil
}

func runSubscribe(options Options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	codec, err := gobwas.WebSocketDial(ctx, options.Subscribe.Args.Endpoint)
	if err != nil {
		return err
	}
	remote := &jsonrpc2.Remote{Codec: codec}
	go remote.Serve()
	defer remote.Close()

	sub, err := remote.Subscribe(ctx, options.Subscribe.Args.Method, options.Subscribe.Unsubscribe,
		parseParams(options.Subscribe.Args.Params)...)
	if err != nil {
		return err
	}
	logger.Infof("Subscribed: %s", sub.ID())

	for {
		var item json.RawMessage
		if err := sub.Next(ctx, &item); err != nil {
			if ctx.Err() != nil {
				unsubCtx, unsubCancel := context.WithTimeout(context.Background(), time.Second)
				defer unsubCancel()
				return sub.Unsubscribe(unsubCtx)
			}
			return err
		}
		fmt.Println(string(item))
	}
}

// parseParams interprets each CLI argument as JSON when possible, otherwise
// as a plain string.
func parseParams(args []string) []interface{} {
	params := make([]interface{}, 0, len(args))
	for _, arg := range args {
		var v interface{}
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			v = arg
		}
		params = append(params, v)
	}
	return params
}
