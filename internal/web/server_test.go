package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/ergoalert/internal/broker"
	"github.com/nugget/ergoalert/internal/broker/brokertest"
	"github.com/nugget/ergoalert/internal/events"
	"github.com/nugget/ergoalert/internal/monitor"
)

type testEnv struct {
	ws        *WebServer
	mon       *monitor.Monitor
	transport *brokertest.Transport
	bus       *events.Bus
	handler   http.Handler
}

// newTestEnv creates a WebServer over a real monitor and a scripted
// broker transport.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{transport: brokertest.New(), bus: events.New()}
	env.mon = monitor.New(monitor.Config{
		Transport: env.transport,
		Settings: monitor.Settings{
			BrokerURL:    "wss://broker.example:8081/mqtt",
			ClientID:     "ergoalert-web",
			AlertTopic:   "ergoalert/trigger",
			ConfigTopic:  "ergoalert/config",
			DeviceID:     "demo",
			DesiredAngle: 20,
		},
		Bus:    env.bus,
		Logger: logger,
	})
	t.Cleanup(env.mon.Close)
	env.ws = NewWebServer(Config{
		Monitor: env.mon,
		Bus:     env.bus,
		Version: "test-v1.0.0",
		Logger:  logger,
	})
	env.handler = env.ws.Handler()
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func (env *testEnv) connect(t *testing.T) {
	t.Helper()
	if w := env.do(t, "POST", "/api/connect", ""); w.Code != http.StatusAccepted {
		t.Fatalf("POST /api/connect status = %d: %s", w.Code, w.Body)
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.mon.Snapshot().Session.State != broker.Connected {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body, err)
	}
	if body.Error.Code != w.Code {
		t.Errorf("error code = %d, want %d", body.Error.Code, w.Code)
	}
	return body.Error.Message
}

func TestDashboard_FullPage(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/", "")

	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	for _, want := range []string{
		"<!DOCTYPE html>", "<nav", "ErgoAlert", "test-v1.0.0",
		"Disconnected", "wss://broker.example:8081/mqtt", `value="20"`,
		`id="alert-banner" class="alert-banner" hidden`,
		`name="desired_angle" type="number" min="0" max="90"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("GET / response missing %q", want)
		}
	}
}

func TestDashboard_Partial(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("HX-Request", "true")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	body := w.Body.String()
	if strings.Contains(body, "<!DOCTYPE html>") || strings.Contains(body, "<nav") {
		t.Error("partial should not contain the layout")
	}
	if !strings.Contains(body, `id="settings-form"`) {
		t.Error("partial should contain the dashboard content")
	}
}

func TestDashboard_ShowsAlertAndLog(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	env.transport.Handles()[0].Deliver("ergoalert/trigger", `{"alert":true}`)

	body := env.do(t, "GET", "/", "").Body.String()
	if strings.Contains(body, `class="alert-banner" hidden`) {
		t.Error("alert banner hidden after an alert")
	}
	for _, want := range []string{"Connected", "posture-alert", "ergoalert/trigger → {&#34;alert&#34;:true}"} {
		if !strings.Contains(body, want) {
			t.Errorf("GET / response missing %q", want)
		}
	}
}

func TestDashboard_SubpathNotFound(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, "GET", "/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET /nonexistent status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestStaticFiles(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		path string
		ct   string
	}{
		{"/static/app.js", "javascript"},
		{"/static/style.css", "css"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := env.do(t, "GET", tt.path, "")
			if w.Code != http.StatusOK {
				t.Fatalf("GET %s status = %d", tt.path, w.Code)
			}
			if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, tt.ct) {
				t.Errorf("Content-Type = %q, want %s", ct, tt.ct)
			}
		})
	}
}

func TestState(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snap struct {
		Status   string `json:"status"`
		Posture  string `json:"posture"`
		Settings struct {
			DeviceID string `json:"device_id"`
		} `json:"settings"`
		Session struct {
			State string `json:"state"`
		} `json:"session"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != monitor.StatusDisconnected || snap.Posture != "ok" || snap.Session.State != "disconnected" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Settings.DeviceID != "demo" {
		t.Errorf("device_id = %q", snap.Settings.DeviceID)
	}
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{"broker_url":`, http.StatusBadRequest},
		{"unknown field", `{"hostname":"x"}`, http.StatusBadRequest},
		{"invalid url", `{"broker_url":"https://broker.example"}`, http.StatusBadRequest},
		{"partial update", `{"alert_topic":"desk/alerts"}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(t, "POST", "/api/connect", tt.body)
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.code, w.Body)
			}
			if tt.code == http.StatusBadRequest {
				if errorMessage(t, w) == "" {
					t.Error("empty error message")
				}
				return
			}
			h := env.transport.AwaitOpen(t)
			if h.Endpoint.Host != "broker.example" {
				t.Errorf("opened %+v", h.Endpoint)
			}
			if got := env.mon.Settings().AlertTopic; got != "desk/alerts" {
				t.Errorf("AlertTopic = %q", got)
			}
		})
	}
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	w := env.do(t, "POST", "/api/disconnect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := env.mon.Status(); got != monitor.StatusDisconnected {
		t.Errorf("Status() = %q", got)
	}
}

func TestSendConfig(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, "POST", "/api/config", `{"desired_angle":25}`); w.Code != http.StatusConflict {
		t.Errorf("while disconnected: status = %d, want 409", w.Code)
	}
	if w := env.do(t, "POST", "/api/config", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing angle: status = %d, want 400", w.Code)
	}
	if w := env.do(t, "POST", "/api/config", `{"desired_angle":"high"}`); w.Code != http.StatusBadRequest {
		t.Errorf("string angle: status = %d, want 400", w.Code)
	}

	env.connect(t)
	if w := env.do(t, "POST", "/api/config", `{"desired_angle":27.5}`); w.Code != http.StatusOK {
		t.Fatalf("connected: status = %d: %s", w.Code, w.Body)
	}
	sent := env.transport.Handles()[0].Sent()
	if len(sent) != 1 || sent[0].Topic != "ergoalert/config" || !bytes.Contains(sent[0].Payload, []byte(`"desired_angle":27.5`)) {
		t.Errorf("sent = %+v", sent)
	}
}

func TestTestAlert(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/test-alert", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("while disconnected: status = %d, want 409", w.Code)
	}
	if msg := errorMessage(t, w); !strings.Contains(msg, "not connected") {
		t.Errorf("message = %q", msg)
	}

	env.connect(t)
	if w := env.do(t, "POST", "/api/test-alert", ""); w.Code != http.StatusOK {
		t.Fatalf("connected: status = %d", w.Code)
	}
	sent := env.transport.Handles()[0].Sent()
	if len(sent) != 1 || sent[0].Topic != "ergoalert/trigger" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestTestAlert_SendFailure(t *testing.T) {
	env := newTestEnv(t)
	env.transport.SendErr = io.ErrClosedPipe
	env.connect(t)
	if w := env.do(t, "POST", "/api/test-alert", ""); w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestQR(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/qr.png", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG\r\n\x1a\n")) {
		t.Error("body is not a PNG")
	}
}

func TestDashboardURL(t *testing.T) {
	ws := &WebServer{}
	req := httptest.NewRequest("GET", "http://desk.local:8080/qr.png", nil)
	if got := ws.dashboardURL(req); got != "http://desk.local:8080/" {
		t.Errorf("dashboardURL = %q", got)
	}
	ws.publicURL = "https://ergo.example/"
	if got := ws.dashboardURL(req); got != "https://ergo.example/" {
		t.Errorf("dashboardURL with public URL = %q", got)
	}
}

func dialFeed(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) FeedMessage {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var msg FeedMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func TestFeed(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	conn := dialFeed(t, srv)
	first := readFrame(t, conn)
	if first.Type != "snapshot" || first.Snapshot == nil {
		t.Fatalf("first frame = %+v, want snapshot", first)
	}
	if first.Snapshot.Status != monitor.StatusDisconnected {
		t.Errorf("snapshot status = %q", first.Snapshot.Status)
	}

	// The subscription exists once the snapshot is written.
	env.bus.Publish(events.Event{Source: events.SourcePosture, Kind: events.KindTone, Data: map[string]any{"frequency_hz": 880}})
	frame := readFrame(t, conn)
	if frame.Type != "event" || frame.Event == nil || frame.Event.Kind != events.KindTone {
		t.Fatalf("frame = %+v, want tone event", frame)
	}
	if hz, _ := frame.Event.Data["frequency_hz"].(float64); hz != 880 {
		t.Errorf("frequency_hz = %v", frame.Event.Data["frequency_hz"])
	}
}

func TestFeed_ClosedOnShutdown(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	conn := dialFeed(t, srv)
	readFrame(t, conn)

	if err := env.ws.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown = %v, want going-away close", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed subscription not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
