// Package htcp implements the htcp transaction protocol.
//
// htcp is a request/response protocol over raw TCP. A server exposes
// named transactions; a client sends a package naming a transaction
// and a payload, and receives a reply correlated by a unique
// identifier. Connections optionally negotiate a shared symmetric key
// with a Diffie-Hellman exchange, after which every frame body is
// encrypted, and may additionally require a passkey before any
// transaction is processed.
//
// # Servers
//
// A [Server] owns a listening socket and a registry of transaction
// handlers. Handlers are registered before serving begins; the
// registry is sealed once the server starts:
//
//	srv, err := htcp.NewServer(htcp.Config{
//	   Host: "localhost", Port: 9576,
//	   DHEncryption: true,
//	})
//	...
//	srv.Handle("echo", func(ctx context.Context, req *htcp.Request) ([]byte, error) {
//	   return req.Content, nil
//	})
//	log.Fatal(srv.ListenAndServe(ctx))
//
// Each accepted connection is served by its own goroutine, which runs
// the handshake, the optional passkey check, and then a sequential
// request loop. Requests on one connection are processed and replied
// to in order; connections are independent of each other.
//
// Two configured ceilings bound server load. MaxConnections limits
// simultaneously open sockets; a connection beyond it is refused at
// accept time. HandleConnections limits how many connections may be
// dispatching transactions at once; a session beyond it waits its
// turn (first come, first served) before each dispatch.
//
// # Clients
//
// A [Client] owns one outbound connection:
//
//	cli, err := htcp.Dial("localhost:9576", &htcp.ClientOptions{DHEncryption: true})
//	...
//	rsp, err := cli.Ask(ctx, htcp.NewPackage("echo", []byte("hi")))
//
// [Client.Ask] sends a package and blocks until the reply carrying
// the same identifier arrives, or the context ends. [Client.Send] and
// [Client.Receive] are the primitives Ask composes from, exposed for
// fire-and-forget or pipelined use.
//
// # Errors
//
// Failures of the transport or the secure channel (a malformed frame,
// a failed handshake, a frame that does not decrypt) are fatal to
// their connection and close it. Failures at the transaction layer
// (an unknown transaction name, a handler error) travel back to the
// client as an error status in the reply, and the connection remains
// usable. The core never writes to a log; a host wires
// [Server.LogEvents] to observe connection lifecycle and failure
// events.
package htcp
