package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/narvanalabs/botrunner/internal/api/handlers"
	deployerrors "github.com/narvanalabs/botrunner/internal/errors"
	"github.com/narvanalabs/botrunner/internal/logs"
	"github.com/narvanalabs/botrunner/internal/metrics"
	"github.com/narvanalabs/botrunner/internal/models"
	"github.com/narvanalabs/botrunner/internal/sandbox"
	"github.com/narvanalabs/botrunner/pkg/config"
)

// stubService serves a single running deployment "guild-1/dep-1".
type stubService struct {
	mu     sync.Mutex
	lines  []models.LogLine
	inputs chan string
}

func newStubService() *stubService {
	return &stubService{
		lines: []models.LogLine{
			{ID: 1, Stream: models.LogStreamSystem, Message: "=== DEPLOYING ==="},
			{ID: 2, Stream: models.LogStreamStdout, Message: "Bot ready"},
		},
		inputs: make(chan string, 4),
	}
}

func (s *stubService) check(serverID, deploymentID string) error {
	if serverID != "guild-1" || deploymentID != "dep-1" {
		return deployerrors.NewNotFoundError("deployment %s/%s not found", serverID, deploymentID)
	}
	return nil
}

func (s *stubService) Deploy(ctx context.Context, data []byte, fileName, serverName, serverID string) (string, error) {
	return "dep-1", nil
}

func (s *stubService) GetState(ctx context.Context, serverID, deploymentID string) (*models.DeploymentSnapshot, error) {
	if err := s.check(serverID, deploymentID); err != nil {
		return nil, err
	}
	return &models.DeploymentSnapshot{ServerID: serverID, DeploymentID: deploymentID, Stage: models.StageRunning}, nil
}

func (s *stubService) List(ctx context.Context, serverID string) ([]*models.DeploymentSnapshot, error) {
	snap, _ := s.GetState(ctx, "guild-1", "dep-1")
	return []*models.DeploymentSnapshot{snap}, nil
}

func (s *stubService) Stop(ctx context.Context, serverID, deploymentID string) error {
	return s.check(serverID, deploymentID)
}

func (s *stubService) CompleteStop(ctx context.Context, serverID, deploymentID string) error {
	return s.check(serverID, deploymentID)
}

func (s *stubService) Reset(ctx context.Context, serverID, deploymentID string) error {
	return s.check(serverID, deploymentID)
}

func (s *stubService) Restart(ctx context.Context, serverID, deploymentID string) error {
	return s.check(serverID, deploymentID)
}

func (s *stubService) WriteInput(ctx context.Context, serverID, deploymentID, data string) error {
	if err := s.check(serverID, deploymentID); err != nil {
		return err
	}
	s.inputs <- data
	return nil
}

func (s *stubService) GetLogPage(ctx context.Context, serverID, deploymentID string, beforeID int64, limit int) ([]models.LogLine, error) {
	if err := s.check(serverID, deploymentID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LogLine(nil), s.lines...), nil
}

func (s *stubService) ClearLogs(ctx context.Context, serverID, deploymentID string) error {
	return s.check(serverID, deploymentID)
}

func (s *stubService) ListFiles(ctx context.Context, serverID, deploymentID, rel string) ([]sandbox.FileInfo, error) {
	return nil, s.check(serverID, deploymentID)
}

func (s *stubService) ReadFile(ctx context.Context, serverID, deploymentID, rel string) ([]byte, error) {
	return []byte("{}"), s.check(serverID, deploymentID)
}

func (s *stubService) WriteFile(ctx context.Context, serverID, deploymentID, rel string, content []byte) error {
	return s.check(serverID, deploymentID)
}

func (s *stubService) CreateFile(ctx context.Context, serverID, deploymentID, rel string) error {
	return s.check(serverID, deploymentID)
}

func (s *stubService) DeleteFile(ctx context.Context, serverID, deploymentID, rel string) error {
	return s.check(serverID, deploymentID)
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

func newTestServer(t *testing.T, store pinger) (*httptest.Server, *stubService, *logs.Broker) {
	t.Helper()
	svc := newStubService()
	broker := logs.NewBroker(nil)
	srv := NewServer(config.Default(), Deps{
		Service: svc,
		Broker:  broker,
		Store:   store,
		Metrics: metrics.New(func() int { return 2 }),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc, broker
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _, _ := newTestServer(t, pinger{})

	resp, body := get(t, ts.URL+"/health")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"healthy"`) {
		t.Fatalf("health = %d %s", resp.StatusCode, body)
	}

	_, body = get(t, ts.URL+"/metrics")
	for _, want := range []string{
		`botrunner_http_requests_total{method="GET",route="/health",status="200"} 1`,
		`botrunner_ports_leased 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHealthReportsStoreFailure(t *testing.T) {
	ts, _, _ := newTestServer(t, pinger{err: errors.New("connection refused")})

	resp, _ := get(t, ts.URL+"/health")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestRoutes(t *testing.T) {
	ts, _, _ := newTestServer(t, pinger{})

	tests := []struct {
		method string
		path   string
		body   string
		status int
	}{
		{http.MethodGet, "/v1/servers/guild-1/deployments", "", http.StatusOK},
		{http.MethodGet, "/v1/servers/guild-1/deployments/dep-1", "", http.StatusOK},
		{http.MethodGet, "/v1/servers/guild-2/deployments/dep-1", "", http.StatusNotFound},
		{http.MethodPost, "/v1/servers/guild-1/deployments/dep-1/stop", "", http.StatusOK},
		{http.MethodPost, "/v1/servers/guild-1/deployments/dep-1/restart", "", http.StatusAccepted},
		{http.MethodPost, "/v1/servers/guild-1/deployments/dep-1/complete-stop", "", http.StatusOK},
		{http.MethodPost, "/v1/servers/guild-1/deployments/dep-1/reset", "", http.StatusOK},
		{http.MethodPost, "/v1/servers/guild-1/deployments/dep-1/input", `{"data":"help"}`, http.StatusNoContent},
		{http.MethodGet, "/v1/servers/guild-1/deployments/dep-1/logs", "", http.StatusOK},
		{http.MethodDelete, "/v1/servers/guild-1/deployments/dep-1/logs", "", http.StatusNoContent},
		{http.MethodGet, "/v1/servers/guild-1/deployments/dep-1/files", "", http.StatusOK},
		{http.MethodPost, "/v1/servers/guild-1/deployments/dep-1/files?path=a.txt", "", http.StatusCreated},
		{http.MethodDelete, "/v1/servers/guild-1/deployments/dep-1/files?path=a.txt", "", http.StatusNoContent},
		{http.MethodGet, "/v1/servers/guild-1/deployments/dep-1/files/content?path=a.txt", "", http.StatusOK},
		{http.MethodPut, "/v1/servers/guild-1/deployments/dep-1/files/content?path=a.txt", "x", http.StatusNoContent},
		{http.MethodGet, "/v1/servers/guild-1/deployments/dep-1/logs/ws", "", http.StatusBadRequest},
		{http.MethodGet, "/v1/servers/guild-1/deployments/missing/logs/ws", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestErrorResponseCarriesRequestID(t *testing.T) {
	ts, _, _ := newTestServer(t, pinger{})

	resp, body := get(t, ts.URL+"/v1/servers/guild-1/deployments/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var e struct {
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != deployerrors.CodeNotFound || e.RequestID == "" {
		t.Errorf("error body = %s", body)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) handlers.StreamMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg handlers.StreamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading stream message: %v", err)
	}
	return msg
}

func TestLogStream(t *testing.T) {
	ts, svc, broker := newTestServer(t, pinger{})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/servers/guild-1/deployments/dep-1/logs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, want := range []int64{1, 2} {
		msg := readMessage(t, conn)
		if msg.Type != handlers.MessageLine || msg.Line == nil || msg.Line.ID != want {
			t.Fatalf("backlog message = %+v, want line %d", msg, want)
		}
	}

	key := models.DeploymentKey{ServerID: "guild-1", DeploymentID: "dep-1"}
	// Line 2 was part of the backlog and must not be sent twice.
	broker.Publish(logs.Event{Key: key, Kind: logs.EventLine, Line: models.LogLine{ID: 2, Message: "Bot ready"}})
	broker.Publish(logs.Event{Key: key, Kind: logs.EventLine, Line: models.LogLine{ID: 3, Message: "joined guild"}})
	broker.Publish(logs.Event{Key: key, Kind: logs.EventClear})

	msg := readMessage(t, conn)
	if msg.Type != handlers.MessageLine || msg.Line.ID != 3 {
		t.Fatalf("live message = %+v, want line 3", msg)
	}
	if msg := readMessage(t, conn); msg.Type != handlers.MessageClear {
		t.Fatalf("message = %+v, want clear", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("status")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-svc.inputs:
		if got != "status" {
			t.Errorf("input = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("input frame never reached the service")
	}

	broker.CloseKey(key)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after CloseKey = %v, want normal closure", err)
	}
}
