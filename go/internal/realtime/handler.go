package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/auth"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/events"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/httpx"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
)

// MaxStrikes is how many unauthorized actions a connection may send before
// it is dropped.
const MaxStrikes = 3

const commandTimeout = 10 * time.Second

// Commands is the game surface reachable from a socket.
type Commands interface {
	// Attach validates that the token holder may join its session and
	// returns the active participant count.
	Attach(ctx context.Context, claims *auth.Claims) (int, error)
	Detach(ctx context.Context, claims *auth.Claims) error
	ActiveCount(ctx context.Context, sessionID uuid.UUID) (int, error)
	StartTimer(ctx context.Context, sessionID uuid.UUID, durationSec int) error
	StartScenario(ctx context.Context, sessionID uuid.UUID, scenarioID, title string) error
	AnnounceDecision(ctx context.Context, sessionID uuid.UUID, decision string, counts *models.Tally) error
	EndSession(ctx context.Context, sessionID uuid.UUID) error
}

// Verifier turns a session token into claims.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

var errNotJoined = apperr.New(apperr.KindUnauthorized, apperr.CodeUnauthorizedAction, "join a room before sending commands")

// WebSocketHandler upgrades connections and routes their inbound messages.
type WebSocketHandler struct {
	hub      *Hub
	commands Commands
	verifier Verifier
	throttle *ConnectionThrottle
	upgrader websocket.Upgrader
	cfg      ConnectionConfig
}

func NewWebSocketHandler(hub *Hub, commands Commands, verifier Verifier, throttle *ConnectionThrottle, cfg ConnectionConfig) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		commands: commands,
		verifier: verifier,
		throttle: throttle,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		cfg: cfg,
	}
}

// HandleConnection upgrades a client connection. A token query parameter,
// when present, is used by a join_room message that carries none.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	origin := h.cfg.Proxies.ClientIP(r)
	if h.throttle != nil {
		if ok, wait := h.throttle.Allow(origin); !ok {
			log.Warn().Str("origin", origin).Dur("blocked_for", wait).Msg("connection attempt throttled")
			httpx.WriteError(w, apperr.RateLimited(wait))
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		log.Warn().Err(err).Str("origin", origin).Msg("failed to upgrade WebSocket connection")
		return
	}

	conn := newConnection(ws, origin, h.cfg)
	queryToken := r.URL.Query().Get("token")

	go conn.writePump()
	go func() {
		conn.readPump(func(c *Connection, msg []byte) {
			h.handleMessage(c, msg, queryToken)
		})
		h.disconnect(conn)
	}()

	log.Info().
		Str("connection_id", conn.id).
		Str("origin", origin).
		Msg("WebSocket connection established")
}

func (h *WebSocketHandler) handleMessage(c *Connection, raw []byte, queryToken string) {
	var evt events.Event
	if err := json.Unmarshal(raw, &evt); err != nil || evt.Type == "" {
		h.sendError(c, uuid.Nil, apperr.Validation(apperr.CodeInvalidRequest, "malformed message"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch evt.Type {
	case events.TypeJoinRoom:
		h.join(ctx, c, evt, queryToken)
	case events.TypeLeaveRoom:
		h.leave(ctx, c)
	case events.TypeStartTimer:
		var p events.StartTimerPayload
		h.command(ctx, c, evt, &p, func(sid uuid.UUID) error {
			return h.commands.StartTimer(ctx, sid, p.Duration)
		})
	case events.TypeStartScenario:
		var p events.StartScenarioPayload
		h.command(ctx, c, evt, &p, func(sid uuid.UUID) error {
			return h.commands.StartScenario(ctx, sid, p.ScenarioID, p.Title)
		})
	case events.TypeAnnounceDecision:
		var p events.AnnounceDecisionPayload
		h.command(ctx, c, evt, &p, func(sid uuid.UUID) error {
			return h.commands.AnnounceDecision(ctx, sid, p.Decision, p.Counts)
		})
	case events.TypeEndSession:
		h.command(ctx, c, evt, nil, func(sid uuid.UUID) error {
			return h.commands.EndSession(ctx, sid)
		})
	default:
		h.sendError(c, evt.SessionID, apperr.Validation(apperr.CodeInvalidRequest, "unknown event type %q", evt.Type))
	}
}

func (h *WebSocketHandler) join(ctx context.Context, c *Connection, evt events.Event, queryToken string) {
	var p events.JoinRoomPayload
	if err := evt.Decode(&p); err != nil {
		h.sendError(c, evt.SessionID, apperr.Wrap(err, apperr.KindValidation, apperr.CodeInvalidRequest, "invalid join_room payload"))
		return
	}
	token := p.Token
	if token == "" {
		token = queryToken
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.reject(c, evt.SessionID, err)
		return
	}
	if evt.SessionID != uuid.Nil && evt.SessionID != claims.SessionID {
		h.reject(c, evt.SessionID, auth.ErrWrongSession)
		return
	}

	prev := c.Claims()
	rejoin := prev != nil && prev.SessionID == claims.SessionID &&
		prev.ParticipantID == claims.ParticipantID && prev.Role == claims.Role
	if prev != nil && !rejoin {
		h.leave(ctx, c)
	}

	var active int
	if rejoin {
		// the socket already holds its attachment
		active, err = h.commands.ActiveCount(ctx, claims.SessionID)
	} else {
		active, err = h.commands.Attach(ctx, claims)
	}
	if err != nil {
		h.sendError(c, claims.SessionID, err)
		return
	}
	c.bind(claims)

	ack := events.RoomJoinedPayload{
		SessionID:   claims.SessionID.String(),
		Role:        string(claims.Role),
		ActiveCount: active,
	}
	if claims.ParticipantID != uuid.Nil {
		ack.ParticipantID = claims.ParticipantID.String()
	}
	if joined, err := events.New(claims.SessionID, events.TypeRoomJoined, ack); err == nil {
		h.hub.SendTo(c, joined)
	}
	h.hub.Subscribe(c, claims.SessionID, claims.ParticipantID)

	log.Info().
		Str("connection_id", c.id).
		Str("session_id", claims.SessionID.String()).
		Str("participant_id", claims.ParticipantID.String()).
		Str("role", string(claims.Role)).
		Msg("client joined room")
}

func (h *WebSocketHandler) leave(ctx context.Context, c *Connection) {
	claims := c.unbind()
	if claims == nil {
		h.sendError(c, uuid.Nil, errNotJoined)
		return
	}
	if err := h.commands.Detach(ctx, claims); err != nil {
		log.Warn().Err(err).Str("session_id", claims.SessionID.String()).Msg("failed to detach participant")
	}
	h.hub.Unsubscribe(c)
}

// command authorizes a facilitator action against the connection's own
// session, decodes its payload into p and runs fn.
func (h *WebSocketHandler) command(ctx context.Context, c *Connection, evt events.Event, p interface{}, fn func(sessionID uuid.UUID) error) {
	claims := c.Claims()
	if claims == nil {
		h.reject(c, evt.SessionID, errNotJoined)
		return
	}
	target := evt.SessionID
	if target == uuid.Nil {
		target = claims.SessionID
	}
	if err := claims.Authorize(target, true); err != nil {
		log.Warn().
			Str("connection_id", c.id).
			Str("session_id", claims.SessionID.String()).
			Str("target_session_id", target.String()).
			Str("event_type", string(evt.Type)).
			Msg("unauthorized action")
		h.reject(c, target, err)
		return
	}
	if p != nil {
		if err := evt.Decode(p); err != nil {
			h.sendError(c, target, apperr.Wrap(err, apperr.KindValidation, apperr.CodeInvalidRequest, "invalid payload"))
			return
		}
	}
	if err := fn(target); err != nil {
		h.sendError(c, target, err)
	}
}

// reject sends an authorization error and drops the connection once it has
// collected MaxStrikes of them.
func (h *WebSocketHandler) reject(c *Connection, sessionID uuid.UUID, err error) {
	h.sendError(c, sessionID, err)
	if n := c.strike(); n >= MaxStrikes {
		log.Warn().
			Str("connection_id", c.id).
			Str("origin", c.origin).
			Int("strikes", n).
			Msg("closing connection after repeated unauthorized actions")
		if claims := c.unbind(); claims != nil {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			_ = h.commands.Detach(ctx, claims)
			cancel()
		}
		h.hub.Unsubscribe(c)
		c.Close()
	}
}

func (h *WebSocketHandler) sendError(c *Connection, sessionID uuid.UUID, err error) {
	evt, buildErr := events.New(sessionID, events.TypeError, events.ErrorPayload{
		Code:    apperr.CodeOf(err),
		Message: apperr.PublicMessage(err),
	})
	if buildErr != nil {
		return
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		log.Error().Err(err).Str("connection_id", c.id).Msg("command failed")
	}
	h.hub.SendTo(c, evt)
}

func (h *WebSocketHandler) disconnect(c *Connection) {
	if claims := c.unbind(); claims != nil {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		if err := h.commands.Detach(ctx, claims); err != nil {
			log.Warn().Err(err).Str("session_id", claims.SessionID.String()).Msg("failed to detach participant")
		}
		cancel()
	}
	h.hub.Unsubscribe(c)
	c.Close()

	log.Info().
		Str("connection_id", c.id).
		Dur("connected_for", time.Since(c.connectedAt)).
		Msg("WebSocket connection closed")
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.hub.Stats()
	body := map[string]interface{}{
		"total_connections": stats.TotalConnections,
		"active_rooms":      stats.ActiveRooms,
		"rooms":             stats.Rooms,
	}
	if h.throttle != nil {
		body["tracked_origins"] = h.throttle.Len()
	}
	httpx.WriteJSON(w, http.StatusOK, body)
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.HandleConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
