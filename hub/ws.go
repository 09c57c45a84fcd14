package hub

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/remiges-tech/loom/jobs"
	"github.com/remiges-tech/loom/wscutils"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Monitors are dashboards and CLIs; origin policy is enforced by the
	// deployment's proxy, not here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is the union of everything a monitor may send.
type clientMessage struct {
	Type    string   `json:"type"`
	Topics  []string `json:"topics,omitempty"`
	Filters Filters  `json:"filters,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Max     int      `json:"max,omitempty"`
}

// wsSession serializes writes; gorilla permits one concurrent writer.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

// VerifyMonitorToken validates the HS256 token monitors present at upgrade
// time and returns its subject.
func VerifyMonitorToken(token, secret string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", fmt.Errorf("invalid monitor token")
	}
	sub, _ := parsed.Claims.GetSubject()
	return sub, nil
}

// WSHandler returns the gin handler for the monitor WebSocket endpoint.
// Authentication is a jwt passed as the token query parameter; the upgrade
// is refused without a valid one.
func (h *Hub) WSHandler(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, err := VerifyMonitorToken(c.Query("token"), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				wscutils.NewErrorResponse(wscutils.ErrcodeTokenVerifyFailed))
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		session := &wsSession{conn: conn}
		m := h.Register()
		h.logger.Info().LogActivity("Monitor websocket established", map[string]any{
			"monitorId": m.ID,
			"subject":   subject,
		})

		go h.writePump(session, m)
		h.readLoop(c, session, m)
	}
}

// writePump forwards broadcast events to the socket until the monitor is
// disconnected.
func (h *Hub) writePump(session *wsSession, m *Monitor) {
	for {
		select {
		case <-m.done:
			session.conn.Close()
			return
		case ev := <-m.send:
			if err := session.write(map[string]any{"type": "event", "event": ev}); err != nil {
				h.Disconnect(m.ID)
				session.conn.Close()
				return
			}
		}
	}
}

// readLoop consumes monitor messages until the socket closes.
func (h *Hub) readLoop(c *gin.Context, session *wsSession, m *Monitor) {
	defer h.Disconnect(m.ID)
	for {
		var msg clientMessage
		if err := session.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "subscribe":
			h.Subscribe(m.ID, msg.Topics, msg.Filters)
			session.write(map[string]any{
				"type":   "subscribed",
				"topics": msg.Topics,
			})

		case "heartbeat":
			h.Heartbeat(m.ID)
			session.write(map[string]any{
				"type":      jobs.EventHeartbeatAck,
				"timestamp": jobs.NowMillis(),
			})

		case "resync_request":
			events, hasMore, oldest := h.Resync(msg.Since, msg.Max)
			session.write(map[string]any{
				"type":     "resync_response",
				"events":   events,
				"has_more": hasMore,
				"oldest":   oldest,
			})

		case "request_snapshot":
			snap, err := h.Snapshot(c.Request.Context())
			if err != nil {
				session.write(map[string]any{
					"type":  "error",
					"error": "snapshot unavailable",
				})
				continue
			}
			session.write(map[string]any{
				"type":     "snapshot",
				"snapshot": snap,
			})

		default:
			session.write(map[string]any{
				"type":  "error",
				"error": fmt.Sprintf("unknown message type %q", msg.Type),
			})
		}
	}
}
