package htcp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// ErrAuthentication is reported when a client fails the passkey
// check. The connection is closed without processing any transaction.
var ErrAuthentication = errors.New("authentication failed")

// sessionState tracks a connection through its lifecycle. CLOSED is
// terminal; sessions are never reused.
type sessionState int

const (
	stateAccepted sessionState = iota
	stateHandshaking
	stateAuthenticating
	stateReady
	stateProcessing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAccepted:
		return "ACCEPTED"
	case stateHandshaking:
		return "HANDSHAKING"
	case stateAuthenticating:
		return "AUTHENTICATING"
	case stateReady:
		return "READY"
	case stateProcessing:
		return "PROCESSING"
	case stateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// A session drives one accepted connection: handshake, optional
// passkey check, then a sequential request loop. Requests on the
// connection are processed and replied to in the order their frames
// arrive. Any failure of the transport or the secure channel ends the
// session; the caller records the error and closes the socket.
type session struct {
	srv   *Server
	ch    *channel
	addr  string // remote host:port
	ip    string
	port  int
	state sessionState
}

func newSession(srv *Server, nc net.Conn) *session {
	addr := nc.RemoteAddr().String()
	host, portstr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portstr)
	return &session{srv: srv, ch: newChannel(nc), addr: addr, ip: host, port: port}
}

func (s *session) run(ctx context.Context) error {
	defer func() { s.state = stateClosed }()

	if s.srv.config.DHEncryption {
		s.state = stateHandshaking
		if err := s.ch.serverHandshake(); err != nil {
			coreMetrics.handshakeFail.Add(1)
			return err
		}
	}
	if pk := s.srv.config.Passkey; pk != "" {
		s.state = stateAuthenticating
		if err := s.authenticate(pk); err != nil {
			coreMetrics.authFail.Add(1)
			return err
		}
	}
	s.state = stateReady

	for {
		pkg, err := s.ch.readPackage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil // the client closed between requests
			}
			return err
		}

		// Wait for a handling permit before dispatching. Sessions past
		// the handling ceiling hold their socket but queue here.
		if err := s.srv.admit.beginHandle(ctx); err != nil {
			return err
		}
		s.state = stateProcessing
		coreMetrics.dispatch.Add(1)
		rsp := s.srv.routes.dispatch(ctx, s.request(pkg))
		s.srv.admit.endHandle()

		if rsp.Status == StatusHandlerError {
			s.srv.event(Event{
				Kind:        EventHandlerError,
				Addr:        s.addr,
				Transaction: pkg.Transaction,
				Err:         errors.New(string(rsp.Content)),
			})
		}
		rsp.Origin = s.srv.laddr
		if err := s.ch.writePackage(rsp, flagResponse); err != nil {
			return err
		}
		s.state = stateReady
	}
}

// authenticate reads the client's auth package over the now-secured
// channel and compares its content with the configured passkey. On
// mismatch the session ends without a reply; the client discovers the
// closure on its next read.
func (s *session) authenticate(passkey string) error {
	pkg, err := s.ch.readPackage()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if pkg.Transaction != AuthTransaction {
		return fmt.Errorf("%w: expected %s, got %q", ErrAuthentication, AuthTransaction, pkg.Transaction)
	}
	if subtle.ConstantTimeCompare(pkg.Content, []byte(passkey)) != 1 {
		return fmt.Errorf("%w: passkey mismatch", ErrAuthentication)
	}
	return nil
}

// request builds the handler-facing view of pkg.
func (s *session) request(pkg *Package) *Request {
	return &Request{
		Transaction: pkg.Transaction,
		UUID:        pkg.UUID,
		Content:     pkg.Content,
		ClientIP:    s.ip,
		ClientPort:  s.port,
	}
}
