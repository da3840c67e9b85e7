package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"siderec/internal/observability/logging"
	"siderec/internal/observability/metrics"
	"siderec/internal/presence"
	"siderec/internal/session"
)

const writeWait = 10 * time.Second

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Hub         *Hub
	Coordinator *presence.Coordinator
	Sessions    session.Registry
	Logger      *slog.Logger
	// HeartbeatInterval controls how often ping frames are sent. Clients
	// that miss two consecutive pongs are disconnected. Defaults to 25s; a
	// negative value disables heartbeats.
	HeartbeatInterval time.Duration
	// MaxMessageBytes bounds inbound frames. Defaults to 64 KiB.
	MaxMessageBytes int64
	// SendBuffer is the per-connection outbound queue depth. Defaults to 16.
	SendBuffer int
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
	// DisconnectTimeout bounds the cleanup run after a socket closes.
	DisconnectTimeout time.Duration
}

// Gateway upgrades HTTP requests to websocket connections and dispatches
// their messages to the presence coordinator and the signaling relay.
type Gateway struct {
	hub         *Hub
	coordinator *presence.Coordinator
	sessions    session.Registry
	relay       *Relay
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	heartbeat         time.Duration
	maxMessageBytes   int64
	sendBuffer        int
	disconnectTimeout time.Duration

	wg sync.WaitGroup
}

func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "realtime")
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = 25 * time.Second
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 10
	}
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 16
	}
	disconnectTimeout := cfg.DisconnectTimeout
	if disconnectTimeout <= 0 {
		disconnectTimeout = 10 * time.Second
	}
	g := &Gateway{
		hub:               hub,
		coordinator:       cfg.Coordinator,
		sessions:          cfg.Sessions,
		relay:             NewRelay(hub, cfg.Sessions, cfg.Coordinator, logger),
		logger:            logger,
		heartbeat:         heartbeat,
		maxMessageBytes:   maxBytes,
		sendBuffer:        buffer,
		disconnectTimeout: disconnectTimeout,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return g
}

// Hub exposes the connection hub so other components can broadcast.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// ServeHTTP upgrades the request and starts the connection loops.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:      uuid.NewString(),
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, g.sendBuffer),
		closing: make(chan struct{}),
		cancel:  cancel,
	}
	c.logger = g.logger.With("conn_id", c.id)
	ctx = logging.ContextWithConnID(ctx, c.id)

	g.hub.add(c)
	metrics.ConnectionOpened()
	c.reply(KindHello, helloPayload{ConnID: c.id})

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer g.wg.Done()
		c.readLoop(ctx)
	}()
	if g.heartbeat > 0 {
		go c.heartbeatLoop(ctx, g.heartbeat)
	}
}

// Shutdown closes every connection and waits for their cleanup to finish.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.hub.CloseAll("server shutting down")
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type client struct {
	id      string
	gateway *Gateway
	conn    *websocket.Conn
	logger  *slog.Logger
	send    chan []byte
	cancel  context.CancelFunc

	// meetingID is guarded by the hub lock.
	meetingID string

	closing     chan struct{}
	closeReason string
	stopOnce    sync.Once
	finishOnce  sync.Once
}

func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// reply queues a message from the read loop for this connection only.
func (c *client) reply(kind string, payload any) {
	data, err := encode(kind, payload)
	if err != nil {
		c.logger.Error("encode reply failed", "kind", kind, "error", err)
		return
	}
	if !c.enqueue(data) {
		c.logger.Debug("reply dropped, send queue full", "kind", kind)
	}
}

func (c *client) sendError(message string) {
	c.reply(KindError, errorPayload{Message: message})
}

// shutdown asks the write loop to send a close frame and drop the socket.
func (c *client) shutdown(reason string) {
	c.stopOnce.Do(func() {
		c.closeReason = reason
		close(c.closing)
	})
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.writeClose(websocket.CloseNormalClosure, "")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-c.closing:
			c.writeClose(websocket.CloseGoingAway, c.closeReason)
			return
		}
	}
}

func (c *client) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.shutdown("")
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	defer c.finish()
	g := c.gateway
	c.conn.SetReadLimit(g.maxMessageBytes)
	if g.heartbeat > 0 {
		pongWait := 2 * g.heartbeat
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			c.touch(ctx)
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.sendError("binary frames are not supported")
			continue
		}
		if g.heartbeat > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(2 * g.heartbeat))
		}
		c.handle(ctx, raw)
	}
}

func (c *client) touch(ctx context.Context) {
	if err := c.gateway.sessions.Touch(ctx, c.id); err != nil {
		c.logger.Debug("session heartbeat failed", "error", err)
	}
}

func (c *client) handle(ctx context.Context, raw []byte) {
	msg, err := decode(raw)
	if err != nil {
		metrics.ObserveSignal("invalid", "rejected")
		c.sendError(err.Error())
		return
	}
	relay := c.gateway.relay
	switch msg.kind {
	case KindJoinMeeting:
		c.handleJoin(ctx, msg.payload.(joinPayload))
	case KindLeaveMeeting:
		c.handleLeave(ctx)
	case KindClientReady:
		forwarded, err := relay.ClientReady(ctx, c.id)
		if err != nil {
			c.relayFailed(msg.kind, err)
			return
		}
		if forwarded {
			metrics.ObserveSignal(msg.kind, "relayed")
		} else {
			metrics.ObserveSignal(msg.kind, "ignored")
		}
	case KindOffer, KindAnswer, KindICECandidate:
		if err := relay.Signal(ctx, c.id, msg.kind, msg.payload.(signalPayload)); err != nil {
			c.relayFailed(msg.kind, err)
			return
		}
		metrics.ObserveSignal(msg.kind, "relayed")
	case KindChatMessage:
		if _, err := relay.Chat(ctx, c.id, msg.payload.(chatPayload)); err != nil {
			c.relayFailed(msg.kind, err)
			return
		}
		metrics.ObserveSignal(msg.kind, "relayed")
	case KindHandRaised, KindMuted, KindVideoToggled:
		if err := relay.Announce(ctx, c.id, msg.kind, msg.payload); err != nil {
			c.relayFailed(msg.kind, err)
			return
		}
		metrics.ObserveSignal(msg.kind, "relayed")
	}
}

// relayFailed reports caller mistakes back to the client; lost targets are
// only logged.
func (c *client) relayFailed(kind string, err error) {
	switch {
	case errors.Is(err, ErrTargetUnavailable):
		c.gateway.relay.logDrop(kind, c.id, err)
	case errors.Is(err, ErrNotJoined), errors.Is(err, ErrNotHost), errors.Is(err, errInvalidEnvelope):
		metrics.ObserveSignal(kind, "rejected")
		c.sendError(err.Error())
	default:
		metrics.ObserveSignal(kind, "failed")
		c.logger.Error("relay failed", "kind", kind, "error", err)
		c.sendError("internal error")
	}
}

func (c *client) handleJoin(ctx context.Context, p joinPayload) {
	g := c.gateway
	res, err := g.coordinator.OnJoin(ctx, p.MeetingID, c.id, p.User)
	if err != nil {
		metrics.ObserveSignal(KindJoinMeeting, "rejected")
		switch {
		case errors.Is(err, presence.ErrMeetingNotFound):
			c.sendError("meeting not found")
		case errors.Is(err, presence.ErrInvalidJoin):
			c.sendError(err.Error())
		default:
			c.logger.Error("join failed", "meeting_ref", p.MeetingID, "error", err)
			c.sendError("join failed")
		}
		return
	}
	g.hub.attach(c, res.Meeting.ID)
	c.reply(KindJoined, joinedPayload{
		MeetingID: res.Meeting.ID,
		Code:      res.Meeting.Code,
		HostID:    res.Meeting.HostID,
		Roster:    res.Roster,
	})
	c.reply(presence.KindParticipantsUpdated, presence.RosterPayload{Participants: res.Roster})
	if res.EvictedConnID != "" {
		g.hub.Disconnect(res.EvictedConnID, "replaced by a newer connection")
	}
	metrics.ObserveSignal(KindJoinMeeting, "accepted")
}

func (c *client) handleLeave(ctx context.Context) {
	g := c.gateway
	g.hub.detach(c)
	if _, err := g.coordinator.OnDisconnect(ctx, c.id); err != nil {
		c.logger.Warn("leave failed", "error", err)
	}
	metrics.ObserveSignal(KindLeaveMeeting, "accepted")
}

// finish runs once when the read loop exits. The session is released before
// the outbound queue is closed so no broadcast targets a dead client.
func (c *client) finish() {
	c.finishOnce.Do(func() {
		g := c.gateway
		c.cancel()
		g.hub.remove(c)
		close(c.send)

		ctx, cancel := context.WithTimeout(context.Background(), g.disconnectTimeout)
		defer cancel()
		if _, err := g.coordinator.OnDisconnect(ctx, c.id); err != nil {
			c.logger.Warn("disconnect cleanup failed", "error", err)
		}
		metrics.ConnectionClosed()
	})
}
