package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/narvanalabs/botrunner/internal/logs"
	"github.com/narvanalabs/botrunner/internal/models"
)

// Broker is the live event source of the websocket endpoint.
type Broker interface {
	Subscribe(ctx context.Context, key models.DeploymentKey) *logs.Subscriber
}

// StreamConfig tunes the websocket log stream.
type StreamConfig struct {
	// AllowedOrigins lists Origin values accepted on upgrade. Empty means
	// same-origin only.
	AllowedOrigins []string
	Backlog        int
	PingInterval   time.Duration
	MaxInputBytes  int64
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Backlog <= 0 {
		c.Backlog = 200
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxInputBytes <= 0 {
		c.MaxInputBytes = 4 << 10
	}
	return c
}

// Stream message types.
const (
	MessageLine  = "line"
	MessageQR    = "qr"
	MessageClear = "clear"
	MessageError = "error"
)

// StreamMessage is one frame sent to a websocket client.
type StreamMessage struct {
	Type  string          `json:"type"`
	Line  *models.LogLine `json:"line,omitempty"`
	Error string          `json:"error,omitempty"`
}

// wsClient serializes writes to a websocket connection.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) send(msg StreamMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsClient) control(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(messageType, data, time.Now().Add(5*time.Second))
}

func (h *LogHandler) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if len(h.stream.AllowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(h.stream.AllowedOrigins))
		for _, o := range h.stream.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		u.CheckOrigin = func(r *http.Request) bool {
			if _, ok := allowed["*"]; ok {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		}
	}
	return u
}

// Stream handles GET .../logs/ws. It replays the most recent lines and the QR
// slot, then forwards live events. Text frames from the client are written to
// the worker's standard input.
func (h *LogHandler) Stream(w http.ResponseWriter, r *http.Request) {
	serverID, deploymentID := deploymentParams(r)

	// Resolve before upgrading so unknown deployments get a JSON 404.
	snap, err := h.svc.GetState(r.Context(), serverID, deploymentID)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "server_id", serverID, "deployment_id", deploymentID)
		return
	}
	defer conn.Close()

	logger := h.logger.With("server_id", serverID, "deployment_id", deploymentID)
	logger.Info("log stream started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before reading the backlog so no line falls between them.
	var events <-chan logs.Event
	if h.broker != nil {
		events = h.broker.Subscribe(ctx, models.DeploymentKey{ServerID: serverID, DeploymentID: deploymentID}).Ch
	}

	client := &wsClient{conn: conn}
	backlog, err := h.svc.GetLogPage(ctx, serverID, deploymentID, 0, h.stream.Backlog)
	if err != nil {
		client.send(StreamMessage{Type: MessageError, Error: err.Error()})
		return
	}
	var lastID int64
	for i := range backlog {
		if err := client.send(StreamMessage{Type: MessageLine, Line: &backlog[i]}); err != nil {
			return
		}
		lastID = backlog[i].ID
	}
	if snap.QR != nil {
		client.send(StreamMessage{Type: MessageQR, Line: snap.QR})
	}

	go h.readInput(ctx, cancel, conn, client, serverID, deploymentID)

	ping := time.NewTicker(h.stream.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("log stream closed by client")
			return
		case <-ping.C:
			if err := client.control(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				// The deployment was removed or the subscriber fell behind.
				client.control(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			msg, skip := eventMessage(ev, lastID)
			if skip {
				continue
			}
			if err := client.send(msg); err != nil {
				return
			}
		}
	}
}

// eventMessage converts a broker event. Lines already sent with the backlog
// are skipped.
func eventMessage(ev logs.Event, lastID int64) (StreamMessage, bool) {
	switch ev.Kind {
	case logs.EventLine:
		if ev.Line.ID <= lastID {
			return StreamMessage{}, true
		}
		line := ev.Line
		return StreamMessage{Type: MessageLine, Line: &line}, false
	case logs.EventQR:
		line := ev.Line
		return StreamMessage{Type: MessageQR, Line: &line}, false
	case logs.EventClear:
		return StreamMessage{Type: MessageClear}, false
	default:
		return StreamMessage{}, true
	}
}

func (h *LogHandler) readInput(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, client *wsClient, serverID, deploymentID string) {
	defer cancel()

	conn.SetReadLimit(h.stream.MaxInputBytes)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", "error", err, "deployment_id", deploymentID)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := h.svc.WriteInput(ctx, serverID, deploymentID, string(data)); err != nil {
			client.send(StreamMessage{Type: MessageError, Error: err.Error()})
		}
	}
}
