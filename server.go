package htcp

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/creachadair/taskgroup"
)

// Config carries the settings for a [Server]. The zero values of
// MaxConnections and HandleConnections select the defaults.
type Config struct {
	Host string // bind address, e.g. "localhost" or "0.0.0.0"
	Port int    // bind port; 0 selects an ephemeral port
	Name string // server name, surfaced in events for external logging

	// MaxConnections is the hard ceiling on simultaneously open
	// sockets. A connection beyond it is refused at accept time.
	MaxConnections int

	// HandleConnections is the ceiling on connections dispatching
	// transactions at once. It must not exceed MaxConnections.
	HandleConnections int

	// DHEncryption enables the Diffie-Hellman handshake and frame
	// encryption. Both ends of a connection must agree on this.
	DHEncryption bool

	// Passkey, when non-empty, must be presented by every client
	// after the handshake before any transaction is processed.
	Passkey string
}

const (
	defaultMaxConnections    = 100
	defaultHandleConnections = 90
)

func (c *Config) checkValid() error {
	if c.MaxConnections == 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.HandleConnections == 0 {
		c.HandleConnections = min(defaultHandleConnections, c.MaxConnections)
	}
	switch {
	case c.MaxConnections < 1:
		return errors.New("config: MaxConnections must be at least 1")
	case c.HandleConnections < 1:
		return errors.New("config: HandleConnections must be at least 1")
	case c.HandleConnections > c.MaxConnections:
		return fmt.Errorf("config: HandleConnections (%d) cannot exceed MaxConnections (%d)",
			c.HandleConnections, c.MaxConnections)
	}
	return nil
}

// A Server accepts htcp connections and dispatches their transactions
// to registered handlers. Register handlers with [Server.Handle]
// before calling [Server.Serve]; the registry is sealed once serving
// begins. A Server serves at most one listener.
type Server struct {
	config Config
	routes *router
	admit  *admission
	log    EventLogger

	mu      sync.Mutex
	serving bool
	laddr   string // listener address, the Origin of replies
}

// NewServer constructs an unstarted server from config. It reports an
// error if the configuration is invalid.
func NewServer(config Config) (*Server, error) {
	if err := config.checkValid(); err != nil {
		return nil, err
	}
	return &Server{
		config: config,
		routes: newRouter(),
		admit:  newAdmission(config.MaxConnections, config.HandleConnections),
	}, nil
}

// Handle registers a handler for the named transaction. Registration
// is only permitted before the server starts serving; the name must
// not already be registered and must not be reserved.
func (s *Server) Handle(name string, h Handler) error {
	return s.routes.register(name, h)
}

// LogEvents registers a callback for connection lifecycle and failure
// events. It must be set before Serve is called. Passing nil disables
// event delivery. LogEvents returns s to permit chaining.
func (s *Server) LogEvents(f EventLogger) *Server { s.log = f; return s }

// Metrics returns the metrics map for the package. It is safe for the
// caller to add additional metrics to the map.
func (s *Server) Metrics() *expvar.Map { return coreMetrics.emap }

// Active reports the number of currently open admitted connections.
func (s *Server) Active() int { return s.admit.active() }

// Name reports the configured server name.
func (s *Server) Name() string { return s.config.Name }

// ListenAndServe listens on the configured host and port and serves
// until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lst, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)))
	if err != nil {
		return err
	}
	return s.Serve(ctx, lst)
}

// Serve accepts connections from lst until ctx ends or lst closes,
// then waits for the running sessions to exit. Serve takes ownership
// of lst and seals the handler registry.
func (s *Server) Serve(ctx context.Context, lst net.Listener) error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		lst.Close()
		return ErrServerRunning
	}
	s.serving = true
	s.laddr = lst.Addr().String()
	s.mu.Unlock()
	s.routes.seal()

	// A net.Listener does not obey a context, so simulate it by
	// closing the listener when ctx ends. The ok channel releases the
	// watcher when Serve returns first.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			lst.Close()
		case <-ok:
		}
		return nil
	})

	g := taskgroup.New(nil)
	for {
		nc, err := lst.Accept()
		if err != nil {
			g.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if !s.admit.admit() {
			coreMetrics.connRefused.Add(1)
			s.event(Event{Kind: EventRefused, Addr: nc.RemoteAddr().String()})
			nc.Close()
			continue
		}
		coreMetrics.connAccepted.Add(1)
		coreMetrics.connActive.Add(1)
		s.event(Event{Kind: EventAccepted, Addr: nc.RemoteAddr().String()})

		sess := newSession(s, nc)
		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() { <-sctx.Done(); nc.Close() }()

			err := sess.run(sctx)
			nc.Close()
			s.admit.release()
			coreMetrics.connActive.Add(-1)
			s.event(Event{Kind: EventClosed, Addr: sess.addr, Err: err})
			return nil
		})
	}
}
