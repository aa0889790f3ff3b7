package htcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// AuthTransaction is the transaction name reserved for the passkey
// exchange. It is handled by the session itself and cannot be
// registered or dispatched.
const AuthTransaction = "_auth"

var (
	// ErrDuplicateTransaction is reported when a transaction name is
	// registered twice.
	ErrDuplicateTransaction = errors.New("transaction already registered")

	// ErrServerRunning is reported when a registration is attempted
	// after the server has started serving.
	ErrServerRunning = errors.New("server is already serving")

	// ErrReservedTransaction is reported when a registration uses a
	// name reserved by the protocol.
	ErrReservedTransaction = errors.New("reserved transaction name")
)

// A Handler services one named transaction. It receives the decoded
// request and returns the reply payload. A reported error travels
// back to the client as a handler-error response; it never terminates
// the connection.
type Handler func(context.Context, *Request) ([]byte, error)

// A Request is the handler-facing view of a received package.
type Request struct {
	Transaction string // the transaction named by the package
	UUID        string // the package's correlation identifier
	Content     []byte // the raw request payload
	ClientIP    string // remote address of the requesting client
	ClientPort  int
}

// A router maps transaction names to handlers. Registration is only
// permitted before the server starts serving; once sealed the table
// is read-only and safe for concurrent lookup.
type router struct {
	mu     sync.Mutex
	sealed bool
	m      map[string]Handler
}

func newRouter() *router { return &router{m: make(map[string]Handler)} }

// register adds a handler under name.
func (r *router) register(name string, h Handler) error {
	if name == "" || h == nil {
		return errors.New("transaction name and handler must be non-empty")
	}
	if name == AuthTransaction {
		return fmt.Errorf("%w: %q", ErrReservedTransaction, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrServerRunning
	}
	if _, ok := r.m[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTransaction, name)
	}
	r.m[name] = h
	return nil
}

// seal freezes the table. After seal, lookups need no lock.
func (r *router) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// dispatch routes req to its handler and captures the result as a
// response package carrying the request's transaction name and
// correlation identifier. An unknown transaction or a handler failure
// becomes an error status in the response, never a fault.
func (r *router) dispatch(ctx context.Context, req *Request) *Package {
	rsp := &Package{Transaction: req.Transaction, UUID: req.UUID}

	h, ok := r.m[req.Transaction]
	if !ok {
		coreMetrics.unknownTransaction.Add(1)
		rsp.Status = StatusProtocolError
		rsp.Content = fmt.Appendf(nil, "unknown transaction %q", req.Transaction)
		return rsp
	}

	data, err := safeInvoke(ctx, h, req)
	if err != nil {
		coreMetrics.dispatchErr.Add(1)
		rsp.Status = StatusHandlerError
		rsp.Content = []byte(err.Error())
		return rsp
	}
	rsp.Content = data
	return rsp
}

// safeInvoke calls h, converting a panic into an ordinary error so a
// misbehaving handler cannot take down its session. The panic value
// itself is not leaked to the client.
func safeInvoke(ctx context.Context, h Handler, req *Request) (data []byte, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			data, err = nil, errors.New("internal handler error")
		}
	}()
	return h(ctx, req)
}
