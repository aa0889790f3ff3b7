package htcp_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/htcpnet/htcp"
)

// startServer runs srv on an ephemeral local port and arranges for it
// to shut down when the test ends.
func startServer(t *testing.T, cfg htcp.Config, setup func(*htcp.Server)) (addr string, srv *htcp.Server) {
	t.Helper()
	srv, err := htcp.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if setup != nil {
		setup(srv)
	}

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Logf("Serving at %q", addr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lst) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: unexpected error: %v", err)
		}
	})
	return addr, srv
}

func mustDial(t *testing.T, addr string, opts *htcp.ClientOptions) *htcp.Client {
	t.Helper()
	cli, err := htcp.Dial(addr, opts)
	if err != nil {
		t.Fatalf("Dial %s: %v", addr, err)
	}
	t.Cleanup(func() { cli.Close() })
	return cli
}

func handleEcho(ctx context.Context, req *htcp.Request) ([]byte, error) {
	return req.Content, nil
}

func mustHandle(t *testing.T, srv *htcp.Server, name string, h htcp.Handler) {
	t.Helper()
	if err := srv.Handle(name, h); err != nil {
		t.Fatalf("Handle %q: %v", name, err)
	}
}

func TestEndToEnd(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the server shuts down

	addr, _ := startServer(t, htcp.Config{DHEncryption: true}, func(srv *htcp.Server) {
		mustHandle(t, srv, "echo", handleEcho)
	})
	cli := mustDial(t, addr, &htcp.ClientOptions{DHEncryption: true})

	ctx := context.Background()
	for range 3 { // several sequential requests on one connection
		pkg := htcp.NewPackage("echo", []byte("hi"))
		rsp, err := cli.Ask(ctx, pkg)
		if err != nil {
			t.Fatalf("Ask: %v", err)
		}
		if got := string(rsp.Content); got != "hi" {
			t.Errorf("Content: got %q, want %q", got, "hi")
		}
		if rsp.UUID != pkg.UUID {
			t.Errorf("UUID: got %q, want %q", rsp.UUID, pkg.UUID)
		}
		if rsp.Transaction != "echo" {
			t.Errorf("Transaction: got %q, want %q", rsp.Transaction, "echo")
		}
	}
}

func TestPlaintext(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the server shuts down

	addr, _ := startServer(t, htcp.Config{}, func(srv *htcp.Server) {
		mustHandle(t, srv, "echo", handleEcho)
	})
	cli := mustDial(t, addr, nil)

	rsp, err := cli.Ask(context.Background(), htcp.NewPackage("echo", []byte("plain")))
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got := string(rsp.Content); got != "plain" {
		t.Errorf("Content: got %q, want %q", got, "plain")
	}
}

func TestEncryptionMismatch(t *testing.T) {
	// Server requires encryption, client speaks plaintext. The server
	// must fail the connection as a protocol error, never fall back.
	addr, _ := startServer(t, htcp.Config{DHEncryption: true}, func(srv *htcp.Server) {
		mustHandle(t, srv, "echo", handleEcho)
	})
	cli := mustDial(t, addr, nil)

	if _, err := cli.Ask(context.Background(), htcp.NewPackage("echo", []byte("x"))); err == nil {
		t.Error("Ask across mismatched modes: got nil, want error")
	}
}

func TestPasskey(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the server shuts down

	var probed atomic.Int32
	cfg := htcp.Config{DHEncryption: true, Passkey: "s3cret"}
	addr, _ := startServer(t, cfg, func(srv *htcp.Server) {
		mustHandle(t, srv, "probe", func(ctx context.Context, req *htcp.Request) ([]byte, error) {
			probed.Add(1)
			return []byte("called"), nil
		})
	})

	t.Run("Valid", func(t *testing.T) {
		cli := mustDial(t, addr, &htcp.ClientOptions{DHEncryption: true, Passkey: "s3cret"})
		rsp, err := cli.Ask(context.Background(), htcp.NewPackage("probe", nil))
		if err != nil {
			t.Fatalf("Ask: %v", err)
		}
		if got := string(rsp.Content); got != "called" {
			t.Errorf("Content: got %q, want %q", got, "called")
		}
	})
	t.Run("Invalid", func(t *testing.T) {
		before := probed.Load()
		cli := mustDial(t, addr, &htcp.ClientOptions{DHEncryption: true, Passkey: "wrong"})
		if _, err := cli.Ask(context.Background(), htcp.NewPackage("probe", nil)); err == nil {
			t.Error("Ask with a bad passkey: got nil, want error")
		}
		if got := probed.Load(); got != before {
			t.Errorf("probe handler was invoked %d times after a failed passkey", got-before)
		}
	})
	t.Run("Missing", func(t *testing.T) {
		before := probed.Load()
		cli := mustDial(t, addr, &htcp.ClientOptions{DHEncryption: true})
		if _, err := cli.Ask(context.Background(), htcp.NewPackage("probe", nil)); err == nil {
			t.Error("Ask without a passkey: got nil, want error")
		}
		if got := probed.Load(); got != before {
			t.Errorf("probe handler was invoked %d times without a passkey", got-before)
		}
	})
}

func TestUnknownTransaction(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the server shuts down

	addr, _ := startServer(t, htcp.Config{}, func(srv *htcp.Server) {
		mustHandle(t, srv, "echo", handleEcho)
	})
	cli := mustDial(t, addr, nil)
	ctx := context.Background()

	pkg := htcp.NewPackage("does_not_exist", nil)
	_, err := cli.Ask(ctx, pkg)
	var te *htcp.TransactionError
	if !errors.As(err, &te) {
		t.Fatalf("Ask: got error %v, want *TransactionError", err)
	}
	if te.Response.Status != htcp.StatusProtocolError {
		t.Errorf("Status: got %v, want %v", te.Response.Status, htcp.StatusProtocolError)
	}
	if te.Response.UUID != pkg.UUID {
		t.Errorf("UUID: got %q, want %q", te.Response.UUID, pkg.UUID)
	}

	// The connection must remain usable afterward.
	if rsp, err := cli.Ask(ctx, htcp.NewPackage("echo", []byte("still here"))); err != nil {
		t.Errorf("Ask after protocol error: %v", err)
	} else if got := string(rsp.Content); got != "still here" {
		t.Errorf("Content: got %q, want %q", got, "still here")
	}
}

func TestHandlerError(t *testing.T) {
	addr, _ := startServer(t, htcp.Config{}, func(srv *htcp.Server) {
		mustHandle(t, srv, "fail", func(ctx context.Context, req *htcp.Request) ([]byte, error) {
			return nil, errors.New("boom")
		})
		mustHandle(t, srv, "echo", handleEcho)
	})
	cli := mustDial(t, addr, nil)
	ctx := context.Background()

	_, err := cli.Ask(ctx, htcp.NewPackage("fail", nil))
	var te *htcp.TransactionError
	if !errors.As(err, &te) {
		t.Fatalf("Ask: got error %v, want *TransactionError", err)
	}
	if te.Response.Status != htcp.StatusHandlerError {
		t.Errorf("Status: got %v, want %v", te.Response.Status, htcp.StatusHandlerError)
	}
	if got := string(te.Response.Content); got != "boom" {
		t.Errorf("Content: got %q, want %q", got, "boom")
	}

	if _, err := cli.Ask(ctx, htcp.NewPackage("echo", nil)); err != nil {
		t.Errorf("Ask after handler error: %v", err)
	}
}

func TestMaxConnections(t *testing.T) {
	cfg := htcp.Config{MaxConnections: 2, HandleConnections: 2, DHEncryption: true}
	addr, srv := startServer(t, cfg, func(srv *htcp.Server) {
		mustHandle(t, srv, "echo", handleEcho)
	})
	opts := &htcp.ClientOptions{DHEncryption: true}
	ctx := context.Background()

	c1 := mustDial(t, addr, opts)
	c2 := mustDial(t, addr, opts)
	for _, c := range []*htcp.Client{c1, c2} {
		if _, err := c.Ask(ctx, htcp.NewPackage("echo", nil)); err != nil {
			t.Fatalf("Ask: %v", err)
		}
	}

	// The third simultaneous connection is refused before any
	// handshake: the dial-time key exchange cannot complete.
	if c3, err := htcp.Dial(addr, opts); err == nil {
		c3.Close()
		t.Error("third Dial: got nil, want error")
	}

	// Closing one connection frees a slot for a newcomer.
	c1.Close()
	deadline := time.Now().Add(5 * time.Second)
	for srv.Active() >= 2 {
		if time.Now().After(deadline) {
			t.Fatal("server never released the closed connection's slot")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c4 := mustDial(t, addr, opts)
	if _, err := c4.Ask(ctx, htcp.NewPackage("echo", nil)); err != nil {
		t.Errorf("Ask on replacement connection: %v", err)
	}
}

func TestHandleConnectionsSerialized(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	cfg := htcp.Config{MaxConnections: 4, HandleConnections: 1}
	addr, _ := startServer(t, cfg, func(srv *htcp.Server) {
		mustHandle(t, srv, "slow", func(ctx context.Context, req *htcp.Request) ([]byte, error) {
			entered <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return []byte("slow done"), nil
		})
		mustHandle(t, srv, "fast", handleEcho)
	})

	c1 := mustDial(t, addr, nil)
	c2 := mustDial(t, addr, nil)
	ctx := context.Background()

	slowDone := make(chan error, 1)
	go func() {
		_, err := c1.Ask(ctx, htcp.NewPackage("slow", nil))
		slowDone <- err
	}()
	<-entered // the slow dispatch holds the only permit

	fastDone := make(chan error, 1)
	go func() {
		_, err := c2.Ask(ctx, htcp.NewPackage("fast", nil))
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		t.Fatalf("fast dispatch completed while the permit was held (err=%v)", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	for _, done := range []chan error{slowDone, fastDone} {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Ask: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("dispatch never completed after the permit was released")
		}
	}
}

func TestAskTimeout(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the server shuts down

	addr, _ := startServer(t, htcp.Config{}, func(srv *htcp.Server) {
		mustHandle(t, srv, "slow", func(ctx context.Context, req *htcp.Request) ([]byte, error) {
			select {
			case <-time.After(400 * time.Millisecond):
			case <-ctx.Done():
			}
			return []byte("too late"), nil
		})
		mustHandle(t, srv, "echo", handleEcho)
	})
	cli := mustDial(t, addr, &htcp.ClientOptions{AskTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := cli.Ask(context.Background(), htcp.NewPackage("slow", nil))
	if !errors.Is(err, htcp.ErrRequestTimeout) {
		t.Fatalf("Ask: got error %v, want %v", err, htcp.ErrRequestTimeout)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Ask took %v, expected to fail near the 50ms bound", elapsed)
	}

	// The client remains usable after an abandoned request, and the
	// late reply for it is discarded rather than delivered. An explicit
	// deadline overrides the configured AskTimeout here, since the echo
	// reply queues behind the still-running slow dispatch.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rsp, err := cli.Ask(ctx, htcp.NewPackage("echo", []byte("after"))); err != nil {
		t.Errorf("Ask after timeout: %v", err)
	} else if got := string(rsp.Content); got != "after" {
		t.Errorf("Content: got %q, want %q", got, "after")
	}

	// Nothing should surface through Receive: the late reply was stale.
	rctx, rcancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer rcancel()
	if pkg, err := cli.Receive(rctx); err == nil {
		t.Errorf("Receive: got %+v, want timeout", pkg)
	}
}

func TestSendReceive(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the server shuts down

	addr, _ := startServer(t, htcp.Config{}, func(srv *htcp.Server) {
		mustHandle(t, srv, "echo", handleEcho)
	})
	cli := mustDial(t, addr, nil)

	pkg := htcp.NewPackage("echo", []byte("fire and forget"))
	if err := cli.Send(pkg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rsp, err := cli.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if rsp.UUID != pkg.UUID {
		t.Errorf("UUID: got %q, want %q", rsp.UUID, pkg.UUID)
	}
	if got := string(rsp.Content); got != "fire and forget" {
		t.Errorf("Content: got %q, want %q", got, "fire and forget")
	}
}

func TestRegistrationAfterServe(t *testing.T) {
	addr, srv := startServer(t, htcp.Config{}, func(srv *htcp.Server) {
		mustHandle(t, srv, "echo", handleEcho)
	})

	// Make sure the server is actually serving before probing.
	cli := mustDial(t, addr, nil)
	if _, err := cli.Ask(context.Background(), htcp.NewPackage("echo", nil)); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if err := srv.Handle("late", handleEcho); !errors.Is(err, htcp.ErrServerRunning) {
		t.Errorf("Handle after serve: got %v, want %v", err, htcp.ErrServerRunning)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  htcp.Config
	}{
		{"NegativeMax", htcp.Config{MaxConnections: -1}},
		{"NegativeHandle", htcp.Config{MaxConnections: 10, HandleConnections: -1}},
		{"HandleAboveMax", htcp.Config{MaxConnections: 2, HandleConnections: 3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := htcp.NewServer(tc.cfg); err == nil {
				t.Error("NewServer: got nil, want error")
			}
		})
	}

	// Zero values select workable defaults.
	if _, err := htcp.NewServer(htcp.Config{}); err != nil {
		t.Errorf("NewServer with defaults: %v", err)
	}
	if _, err := htcp.NewServer(htcp.Config{MaxConnections: 5}); err != nil {
		t.Errorf("NewServer with MaxConnections=5: %v", err)
	}
}
