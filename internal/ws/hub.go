// Package ws implements the /file-upload websocket channel: per-connection
// multiplexing of concurrent chunked uploads and progress fanout to every
// live socket owned by the same user.
package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/pulsechat/filecore/internal/api/auth"
	apiMiddleware "github.com/pulsechat/filecore/internal/api/middleware"
	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/internal/metrics"
	"github.com/pulsechat/filecore/pkg/chunks"
	"github.com/pulsechat/filecore/pkg/fastkv"
	"github.com/pulsechat/filecore/pkg/filestore"
	"github.com/pulsechat/filecore/pkg/token"
)

// Deps carries the collaborators the upload channel drives.
type Deps struct {
	Verifier *auth.Verifier
	Files    *filestore.Service
	Tokens   *token.Service
	Sessions *chunks.Manager

	// KV, when set, receives a queued notification for each finished
	// upload so offline devices can be told later. Best-effort.
	KV fastkv.FastKV
}

// fanoutMsg is an event destined for every socket of one user. Exclude
// skips the originating socket (acks travel separately). Percent, when
// non-negative, lets the hub enforce monotonic progress per session.
type fanoutMsg struct {
	userID    string
	sessionID string
	percent   int
	exclude   *conn
	payload   []byte
}

// Hub owns the live connection set and serialises registration and fanout.
// It is the http.Handler for the websocket endpoint.
type Hub struct {
	deps     Deps
	upgrader websocket.Upgrader

	register   chan *conn
	unregister chan *conn
	fanout     chan fanoutMsg

	// done is closed when Run returns; senders select on it so sockets
	// tearing down during shutdown never block on a dead registry.
	done chan struct{}

	// Owned by Run:
	conns   map[string]map[*conn]bool // by user id
	lastPct map[string]int            // last fanned percentage per session
}

// NewHub creates the upload-channel hub. Call Run before serving.
func NewHub(deps Deps) *Hub {
	return &Hub{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The handshake credential is the authorization; the channel
			// is origin-agnostic like the token-gated download endpoints.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		register:   make(chan *conn),
		unregister: make(chan *conn),
		fanout:     make(chan fanoutMsg, 64),
		done:       make(chan struct{}),
		conns:      make(map[string]map[*conn]bool),
		lastPct:    make(map[string]int),
	}
}

// Run owns the connection registry until ctx is cancelled, then closes
// every live socket.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.conns {
				for c := range set {
					close(c.send)
				}
			}
			h.conns = make(map[string]map[*conn]bool)
			return

		case c := <-h.register:
			set := h.conns[c.userID]
			if set == nil {
				set = make(map[*conn]bool)
				h.conns[c.userID] = set
			}
			set[c] = true
			metrics.ActiveSockets.Inc()

		case c := <-h.unregister:
			if set := h.conns[c.userID]; set[c] {
				delete(set, c)
				if len(set) == 0 {
					delete(h.conns, c.userID)
				}
				close(c.send)
				metrics.ActiveSockets.Dec()
			}

		case msg := <-h.fanout:
			if msg.percent >= 0 {
				// Progress never goes backwards for a session; stale
				// updates racing a fresher one are dropped.
				if last, ok := h.lastPct[msg.sessionID]; ok && msg.percent < last {
					continue
				}
				h.lastPct[msg.sessionID] = msg.percent
				if msg.percent >= 100 {
					delete(h.lastPct, msg.sessionID)
				}
			}
			for c := range h.conns[msg.userID] {
				if c == msg.exclude {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// Slow consumer; progress is best-effort.
				}
			}
		}
	}
}

// ServeHTTP authenticates the handshake and upgrades the connection.
// The credential is a user JWT in the token query parameter or a bearer
// Authorization header; unauthenticated sockets never upgrade.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw = apiMiddleware.ExtractBearerToken(r)
	}
	claims, err := h.deps.Verifier.Verify(raw)
	if err != nil {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"title":  "Unauthorized",
			"status": http.StatusUnauthorized,
			"detail": "upload channel requires a valid user token",
		})
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own response.
		logger.Debug("websocket upgrade failed", "err", err, "remote_addr", r.RemoteAddr)
		return
	}

	c := newConn(h, sock, claims.UserID)
	select {
	case h.register <- c:
	case <-h.done:
		// Shutdown raced the handshake; the socket never registers.
		_ = sock.Close()
		return
	}

	logger.Info("upload channel connected", "user_id", claims.UserID, "remote_addr", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

// sendEvent delivers an ack to one socket.
func (h *Hub) sendEvent(c *conn, ev *event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("event encode failed", "type", ev.Type, "err", err)
		return
	}
	select {
	case c.send <- payload:
	default:
		logger.Warn("upload channel send buffer full, dropping ack",
			"user_id", c.userID, "type", ev.Type)
	}
}

// fanoutEvent delivers an event to every socket of the user. A non-negative
// percent engages the per-session monotonic ordering guard.
func (h *Hub) fanoutEvent(userID string, exclude *conn, percent int, ev *event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("event encode failed", "type", ev.Type, "err", err)
		return
	}
	select {
	case h.fanout <- fanoutMsg{
		userID:    userID,
		sessionID: ev.SessionID,
		percent:   percent,
		exclude:   exclude,
		payload:   payload,
	}:
	case <-h.done:
		// Nothing left to fan out to.
	}
}
