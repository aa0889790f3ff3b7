package htcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
)

// ErrRequestTimeout is reported by [Client.Ask] when no matching
// reply arrives within the wait bound. The request is abandoned, not
// retried; a late reply for it is discarded.
var ErrRequestTimeout = errors.New("request timed out")

// ErrClientClosed is reported when operating on a client whose
// connection has closed.
var ErrClientClosed = errors.New("client is closed")

// ClientOptions carry the optional settings for [Dial]. A nil
// *ClientOptions is valid and selects the defaults.
type ClientOptions struct {
	// DHEncryption runs the Diffie-Hellman handshake after connecting
	// and encrypts all subsequent frames. It must match the server's
	// setting.
	DHEncryption bool

	// Passkey, when non-empty, is presented to the server after the
	// handshake.
	Passkey string

	// AskTimeout is the default wait bound for Ask when its context
	// has no deadline. Zero selects 30 seconds; a negative value
	// disables the default bound.
	AskTimeout time.Duration
}

const defaultAskTimeout = 30 * time.Second

// A Client is one outbound htcp connection. It is safe for concurrent
// use by multiple goroutines: sends are serialized, and replies are
// matched to their requests by correlation identifier, so multiple
// Ask calls may be in flight at once.
type Client struct {
	ch      *channel
	local   string // local host:port, the Origin of sent packages
	timeout time.Duration
	tasks   *taskgroup.Group

	out sync.Mutex // serializes writes to ch

	μ        sync.Mutex
	err      error                       // receive loop terminal error
	pending  map[string]chan *Package    // uuid → reply delivery
	stale    map[string]bool             // abandoned uuids whose replies are discarded
	inbox    chan *Package               // uncorrelated packages, for Receive
	recvDone chan struct{}               // closed when the receive loop exits
}

// maxStale bounds the abandoned-uuid set.
const maxStale = 128

// Dial connects to an htcp server at addr ("host:port"), performs the
// handshake if encryption is enabled, and presents the passkey if one
// is configured.
func Dial(addr string, opts *ClientOptions) (*Client, error) {
	if opts == nil {
		opts = new(ClientOptions)
	}
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		ch:       newChannel(nc),
		local:    nc.LocalAddr().String(),
		timeout:  opts.AskTimeout,
		pending:  make(map[string]chan *Package),
		stale:    make(map[string]bool),
		inbox:    make(chan *Package, 64),
		recvDone: make(chan struct{}),
	}
	if c.timeout == 0 {
		c.timeout = defaultAskTimeout
	} else if c.timeout < 0 {
		c.timeout = 0
	}

	if opts.DHEncryption {
		if err := c.ch.clientHandshake(); err != nil {
			nc.Close()
			return nil, err
		}
	}
	if opts.Passkey != "" {
		auth := NewPackage(AuthTransaction, []byte(opts.Passkey))
		auth.Origin = c.local
		c.out.Lock()
		err := c.ch.writePackage(auth, flagPasskey)
		c.out.Unlock()
		if err != nil {
			nc.Close()
			return nil, err
		}
	}

	c.tasks = taskgroup.New(nil)
	c.tasks.Go(c.recvLoop)
	return c, nil
}

// recvLoop reads packages off the connection and routes each to the
// Ask waiting on its identifier, or to the inbox for Receive.
func (c *Client) recvLoop() error {
	for {
		pkg, err := c.ch.readPackage()
		if err != nil {
			c.fail(err)
			return nil
		}

		c.μ.Lock()
		if c.stale[pkg.UUID] {
			delete(c.stale, pkg.UUID)
			c.μ.Unlock()
			coreMetrics.packageDropped.Add(1)
			continue
		}
		if pc, ok := c.pending[pkg.UUID]; ok {
			delete(c.pending, pkg.UUID)
			c.μ.Unlock()
			pc <- pkg // buffered; does not block
			continue
		}
		c.μ.Unlock()

		select {
		case c.inbox <- pkg:
		default:
			coreMetrics.packageDropped.Add(1) // inbox full, no consumer
		}
	}
}

// fail records the terminal error and wakes all waiters.
func (c *Client) fail(err error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.err = err
	for id, pc := range c.pending {
		close(pc)
		delete(c.pending, id)
	}
	close(c.recvDone)
}

// terminal maps the receive loop's exit error for callers: a clean
// closure reads as ErrClientClosed, anything else as itself.
func (c *Client) terminal() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.err == nil || isCloseError(c.err) {
		return ErrClientClosed
	}
	return c.err
}

func isCloseError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Send transmits pkg without waiting for a reply. A reply, if the
// server produces one, is delivered through Receive. If pkg has no
// identifier one is generated, and if it has no origin the client's
// local address is filled in.
func (c *Client) Send(pkg *Package) error {
	c.μ.Lock()
	failed := c.err != nil
	c.μ.Unlock()
	if failed {
		return fmt.Errorf("send: %w", c.terminal())
	}

	if pkg.UUID == "" {
		pkg.UUID = uuid.NewString()
	}
	if pkg.Origin == "" {
		pkg.Origin = c.local
	}
	c.out.Lock()
	defer c.out.Unlock()
	return c.ch.writePackage(pkg, 0)
}

// Receive returns the next package that is not claimed by a pending
// Ask, blocking until one arrives, ctx ends, or the connection
// closes.
func (c *Client) Receive(ctx context.Context) (*Package, error) {
	select {
	case pkg := <-c.inbox:
		return pkg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.recvDone:
		// Drain a package that raced in ahead of the closure.
		select {
		case pkg := <-c.inbox:
			return pkg, nil
		default:
			return nil, fmt.Errorf("receive: %w", c.terminal())
		}
	}
}

// Ask sends pkg and blocks until the reply carrying the same
// identifier arrives, then returns it. If the reply has a non-success
// status the error has concrete type [*TransactionError].
//
// Ask is bounded by the context deadline, or by the client's
// AskTimeout when ctx has none; exceeding the bound reports
// [ErrRequestTimeout] and abandons the request.
func (c *Client) Ask(ctx context.Context, pkg *Package) (*Package, error) {
	if c.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}
	if pkg.UUID == "" {
		pkg.UUID = uuid.NewString()
	}

	pc := make(chan *Package, 1)
	c.μ.Lock()
	if c.err != nil {
		c.μ.Unlock()
		return nil, fmt.Errorf("ask: %w", c.terminal())
	}
	c.pending[pkg.UUID] = pc
	c.μ.Unlock()

	if err := c.Send(pkg); err != nil {
		c.μ.Lock()
		delete(c.pending, pkg.UUID)
		c.μ.Unlock()
		return nil, err
	}

	select {
	case rsp, ok := <-pc:
		if !ok {
			// Closed without a reply: the connection failed.
			return nil, fmt.Errorf("ask: %w", c.terminal())
		}
		if rsp.Status != StatusSuccess {
			return nil, &TransactionError{Response: rsp}
		}
		return rsp, nil

	case <-ctx.Done():
		c.abandon(pkg.UUID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("transaction %q: %w", pkg.Transaction, ErrRequestTimeout)
		}
		return nil, ctx.Err()
	}
}

// abandon forgets an in-flight identifier whose reply is no longer
// wanted. A late reply for it is discarded rather than surfacing
// through Receive.
func (c *Client) abandon(id string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if _, ok := c.pending[id]; !ok {
		return // already delivered or failed
	}
	delete(c.pending, id)
	if len(c.stale) >= maxStale {
		clear(c.stale) // bound the discard set
	}
	c.stale[id] = true
}

// Err reports the error that terminated the client's receive loop, or
// nil if the loop is still running or ended with a clean closure.
func (c *Client) Err() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if isCloseError(c.err) {
		return nil
	}
	return c.err
}

// Close closes the connection and waits for the receive loop to exit.
// It returns the protocol-fatal error, if any; a clean closure by
// either end returns nil.
func (c *Client) Close() error {
	c.ch.Close()
	c.tasks.Wait()
	return c.Err()
}
