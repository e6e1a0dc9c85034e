// Package ws accepts station websocket connections and runs one receive loop
// per connection.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/kilianp07/ocppgw/core/disconnect"
	"github.com/kilianp07/ocppgw/core/logger"
	"github.com/kilianp07/ocppgw/core/protocol"
	"github.com/kilianp07/ocppgw/core/registry"
	"github.com/kilianp07/ocppgw/core/session"
	"github.com/kilianp07/ocppgw/internal/eventbus"
)

const shutdownReason = "server shutting down"

// Server is the accept loop of the gateway.
type Server struct {
	cfg     Config
	reg     *registry.Registry
	router  *protocol.Router
	disc    *disconnect.Handler
	bus     *eventbus.Bus[session.Event]
	log     logger.Logger
	limiter *ipLimiter

	mu       sync.Mutex
	httpSrv  *http.Server
	addr     net.Addr
	stopping bool
	loops    sync.WaitGroup
}

// NewServer creates a Server. bus may be nil.
func NewServer(cfg Config, reg *registry.Registry, router *protocol.Router, disc *disconnect.Handler, bus *eventbus.Bus[session.Event], log logger.Logger) *Server {
	cfg.SetDefaults()
	return &Server{
		cfg:     cfg,
		reg:     reg,
		router:  router,
		disc:    disc,
		bus:     bus,
		log:     log,
		limiter: newIPLimiter(cfg.UpgradeRate, cfg.UpgradeBurst),
	}
}

// Handler returns the upgrade handler mounted on the path prefix.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.PathPrefix, s.handleUpgrade)
	return mux
}

// Start listens on the configured address and serves in the background.
// Cancelling ctx stops the server.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpSrv = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	go s.limiter.run(ctx)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("websocket server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Stop(shutdownCtx); err != nil {
			s.log.Warnf("websocket server shutdown: %v", err)
		}
	}()
	s.log.Infof("accepting stations on %s%s", ln.Addr(), s.cfg.PathPrefix)
	return nil
}

// Addr returns the bound address once Start returned.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop closes every station connection with a going away status, stops the
// accept loop and waits for the receive loops to exit. Upgrades arriving
// after Stop are refused.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.reg.CloseAll(shutdownReason)
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("receive loops still running: %w", ctx.Err()))
	}
	return err
}

// stationIDFromPath returns the last segment of the escaped request path,
// unescaped, so an identity may itself contain an encoded slash.
func stationIDFromPath(prefix, escaped string) string {
	rest := strings.TrimPrefix(escaped, prefix)
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		rest = rest[i+1:]
	}
	id, err := url.PathUnescape(rest)
	if err != nil {
		return ""
	}
	return id
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// trackLoop registers a receive loop unless the server is stopping.
func (s *Server) trackLoop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.loops.Add(1)
	return true
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.isStopping() {
		http.Error(w, shutdownReason, http.StatusServiceUnavailable)
		return
	}
	ip := remoteIP(r)
	if !s.limiter.allow(ip) {
		s.log.Warnf("upgrade from %s throttled", ip)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	stationID := stationIDFromPath(s.cfg.PathPrefix, r.URL.EscapedPath())
	if stationID == "" {
		http.Error(w, "missing station identifier", http.StatusNotFound)
		return
	}

	wsc, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   s.cfg.Subprotocols,
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.log.Warnf("websocket accept for %s failed: %v", stationID, err)
		return
	}
	sub := wsc.Subprotocol()
	if sub == "" && s.cfg.RequireSubprotocol {
		s.log.Warnf("station %s offered none of %v", stationID, s.cfg.Subprotocols)
		_ = wsc.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return
	}
	wsc.SetReadLimit(s.cfg.ReadLimit)

	if !s.trackLoop() {
		_ = wsc.Close(websocket.StatusGoingAway, shutdownReason)
		return
	}
	defer s.loops.Done()

	c := newConn(stationID, sub, wsc, s.cfg.WriteTimeout, s.log)
	s.reg.Register(stationID, c)
	s.log.Infof("station %s connected from %s (subprotocol %q)", stationID, ip, sub)
	s.publish(session.Event{Kind: session.Connected, StationID: stationID, Subprotocol: sub, Time: time.Now()})

	err = s.receive(r.Context(), c)

	reason, ok := c.finish(err)
	if !ok {
		return
	}
	s.disc.HandleClosed(context.Background(), stationID, c, reason)
	s.publish(session.Event{Kind: session.Disconnected, StationID: stationID, Subprotocol: sub, Reason: reason, Time: time.Now()})
	_ = wsc.CloseNow()
}

// receive handles frames of one connection in arrival order until the
// connection fails.
func (s *Server) receive(ctx context.Context, c *conn) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.log.Warnf("station %s sent a binary frame, ignoring", c.stationID)
			continue
		}
		reply := s.router.HandleMessage(ctx, c.stationID, data)
		if reply == nil {
			continue
		}
		if err := c.Send(ctx, reply); err != nil {
			s.log.Warnf("reply to %s: %v", c.stationID, err)
		}
	}
}

func (s *Server) publish(ev session.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
