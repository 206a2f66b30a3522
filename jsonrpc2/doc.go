/*
	Package jsonrpc2 implements bidirectional JSONRPC 2.0 with multiplexed
	calls and server-push subscriptions over a persistent connection.

	Server is an RPC method registry. Given a receiver, it will expose
	callable methods. Subscriptions are registered as a subscribe/unsubscribe
	method pair which feeds a bounded notification sink.

	Client allocates call IDs and builds request messages.

	Codec is the transport and encoding. Once a Codec is established, it does
	not care which side initiated the connection. There is no inherent
	asymmetry between a server and a client, beyond the codec implementation.

	Remote is a Codec, Server, and Client. Note that it can be a Server and
	Client at the same time, which allows for bidirectional calls. Remote
	drives the per-connection loop: it correlates responses to pending calls,
	dispatches inbound requests under a concurrency bound, and routes
	subscription notifications to their streams.

	When a Remote receives a call, it includes a context which contains a
	service value that can be acquired with CtxService(ctx). The service can
	be used to send calls back to the caller.
*/
package jsonrpc2
