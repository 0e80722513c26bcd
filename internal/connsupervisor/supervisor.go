// Package connsupervisor implements the Connection Supervisor (C5): WebSocket
// upgrade and admission, the read/write pumps, heartbeat/idle enforcement,
// and disconnect cleanup. Grounded on the reference server's handleWebSocket,
// pump_read.go/pump_write.go and client_lifecycle.go, adapted from a
// broadcast-everyone-everything client to one addressed individually by fd
// (subscription.ConnectionLookup) and routed through the Frame Router.
package connsupervisor

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/channelserver/internal/authsession"
	"github.com/adred-codev/channelserver/internal/metrics"
	"github.com/adred-codev/channelserver/internal/ratelimit"
	"github.com/adred-codev/channelserver/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	defaultSendBuf = 256
)

// FrameHandler processes one inbound frame for an authenticated (or not yet
// authenticated) connection; implemented by the Frame Router.
type FrameHandler interface {
	HandleFrame(fd int64, raw []byte) error
}

// Disconnector is notified so it can clean up Subscription/Session state when
// a connection closes, regardless of which side initiated the close.
type Disconnector interface {
	Disconnect(fd int64)
}

// Client is one live WebSocket connection.
type Client struct {
	fd            int64
	conn          net.Conn
	send          chan []byte
	closeOnce     sync.Once
	remoteAddr    string
	connectedAt   time.Time
	heartbeatIdle time.Duration
}

// Supervisor owns the set of live connections and is the ConnectionLookup
// implementation the Subscription Registry and Task Dispatch Bus address
// frames/responses through.
type Supervisor struct {
	logger       zerolog.Logger
	guard        *ratelimit.Guard
	frames       FrameHandler
	disconnector Disconnector
	auth         *authsession.Service

	heartbeatInterval time.Duration
	heartbeatIdleTime time.Duration

	mu      sync.RWMutex
	clients map[int64]*Client
	nextFd  int64

	shuttingDown int32 // atomic
}

// New builds a Connection Supervisor.
func New(guard *ratelimit.Guard, frames FrameHandler, disconnector Disconnector, auth *authsession.Service, heartbeatInterval, heartbeatIdleTime time.Duration, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		logger:            logger,
		guard:             guard,
		frames:            frames,
		disconnector:      disconnector,
		auth:              auth,
		heartbeatInterval: heartbeatInterval,
		heartbeatIdleTime: heartbeatIdleTime,
		clients:           make(map[int64]*Client),
	}
}

// ServeHTTP upgrades an incoming HTTP request to a WebSocket connection,
// applying admission control exactly as the reference server's
// handleWebSocket: a shutdown check, a connection-count/CPU check, then the
// upgrade itself. Memory use is not part of the admission check.
func (s *Supervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if ok, reason := s.guard.ShouldAcceptConnection(); !ok {
		metrics.ConnectionsFailed.Inc()
		s.logger.Warn().Str("reason", reason).Msg("rejecting connection")
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.ConnectionsFailed.Inc()
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.guard.AcquireConnectionSlot()
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()

	client := &Client{
		fd:            atomic.AddInt64(&s.nextFd, 1),
		conn:          conn,
		send:          make(chan []byte, defaultSendBuf),
		remoteAddr:    r.RemoteAddr,
		connectedAt:   time.Now(),
		heartbeatIdle: s.heartbeatIdleTime,
	}

	s.mu.Lock()
	s.clients[client.fd] = client
	s.mu.Unlock()

	go s.writePump(client)
	go s.readPump(client)

	s.PushSystem(client.fd, "connected", "")
}

// Send implements subscription.ConnectionLookup and taskbus.ResponseSink: a
// best-effort, non-blocking push to fd. Returns false if fd is unknown or
// the client's send buffer is full (slow-client policy: drop rather than
// block the broadcaster).
func (s *Supervisor) Send(fd int64, payload []byte) bool {
	s.mu.RLock()
	client, ok := s.clients[fd]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		metrics.MessagesDropped.WithLabelValues("slow_client").Inc()
		return false
	}
}

// Deliver is an alias of Send so Supervisor satisfies taskbus.ResponseSink
// with its own vocabulary.
func (s *Supervisor) Deliver(fd int64, payload []byte) bool { return s.Send(fd, payload) }

func (s *Supervisor) readPump(c *Client) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Int64("fd", c.fd).Msg("readPump panic recovered")
		}
		s.disconnectClient(c, "read_error")
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.heartbeatIdle))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.heartbeatIdle))

		switch op {
		case ws.OpText:
			metrics.MessagesSent.Inc()
			if err := s.frames.HandleFrame(c.fd, msg); err != nil {
				s.logger.Debug().Err(err).Int64("fd", c.fd).Msg("frame handling error")
			}
		case ws.OpClose:
			return
		}
	}
}

func (s *Supervisor) writePump(c *Client) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Int64("fd", c.fd).Msg("writePump panic recovered")
		}
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// disconnectClient runs the close-once cleanup path regardless of whether
// the client or the server initiated the close, mirroring the reference
// server's disconnectClient.
func (s *Supervisor) disconnectClient(c *Client, reason string) {
	c.closeOnce.Do(func() {
		metrics.Disconnects.WithLabelValues(reason).Inc()
		metrics.ConnectionsCurrent.Dec()

		logEvent := s.logger.Info().
			Int64("fd", c.fd).
			Str("reason", reason).
			Dur("connection_duration", time.Since(c.connectedAt))
		if session, ok := s.auth.SessionFor(c.fd); ok {
			logEvent = logEvent.Str("profile_id", session.ProfileID)
		}
		logEvent.Msg("connection closed")

		s.mu.Lock()
		delete(s.clients, c.fd)
		s.mu.Unlock()

		s.disconnector.Disconnect(c.fd)
		s.guard.ForgetAuthBucket(c.remoteAddr)
		s.guard.ReleaseConnectionSlot()

		close(c.send)
		c.conn.Close()
	})
}

// PushSystem sends a system envelope directly to fd, used for the
// "connected" event sent when a connection opens.
func (s *Supervisor) PushSystem(fd int64, event, message string) {
	payload, err := wire.Marshal(wire.System(event, message, fd))
	if err != nil {
		return
	}
	s.Send(fd, payload)
}

// Count reports the number of live connections.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown marks the supervisor as draining (new connections rejected) and
// closes every live connection so readPump/writePump unwind and the process
// can exit cleanly.
func (s *Supervisor) Shutdown() {
	atomic.StoreInt32(&s.shuttingDown, 1)

	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		s.disconnectClient(c, "server_shutdown")
	}
}
