// Package monitor ties a broker session to the posture interpreter,
// the activity log and the dashboard event bus. It owns the editable
// connection settings and the human-readable status label.
package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/ergoalert/internal/activity"
	"github.com/nugget/ergoalert/internal/broker"
	"github.com/nugget/ergoalert/internal/events"
	"github.com/nugget/ergoalert/internal/posture"
	"github.com/nugget/ergoalert/internal/tone"
)

// ClientIDPrefix prefixes generated client identifiers.
const ClientIDPrefix = "ergoalert"

// Status labels shown to the user.
const (
	StatusDisconnected = "Disconnected"
	StatusConnecting   = "Connecting…"
	StatusConnected    = "Connected"
	StatusLost         = "Connection lost"
	StatusError        = "Connection error"
	StatusInvalidURL   = "Invalid broker URL"
)

// Settings are the user-editable connection and device parameters.
// They live in memory only.
type Settings struct {
	BrokerURL    string  `json:"broker_url"`
	ClientID     string  `json:"client_id"`
	AlertTopic   string  `json:"alert_topic"`
	ConfigTopic  string  `json:"config_topic"`
	DeviceID     string  `json:"device_id"`
	DesiredAngle float64 `json:"desired_angle"`
}

func (s Settings) normalized() Settings {
	s.BrokerURL = strings.TrimSpace(s.BrokerURL)
	s.ClientID = strings.TrimSpace(s.ClientID)
	s.AlertTopic = strings.TrimSpace(s.AlertTopic)
	s.ConfigTopic = strings.TrimSpace(s.ConfigTopic)
	s.DeviceID = strings.TrimSpace(s.DeviceID)
	if s.ClientID == "" {
		s.ClientID = broker.NewClientID(ClientIDPrefix)
	}
	return s
}

// Snapshot is a point-in-time view for the dashboard.
type Snapshot struct {
	Settings     Settings         `json:"settings"`
	Session      broker.Info      `json:"session"`
	Status       string           `json:"status"`
	Posture      posture.State    `json:"posture"`
	AlertVisible bool             `json:"alert_visible"`
	LastTopic    string           `json:"last_topic,omitempty"`
	LastPayload  string           `json:"last_payload"`
	Log          []activity.Entry `json:"log"` // newest first
}

// Config wires a [Monitor].
type Config struct {
	// Transport opens broker connections. Required.
	Transport broker.Transport
	// ConnectTimeout and KeepAlive are passed to the session; zero
	// values use the session defaults.
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	// Settings seeds the editable settings.
	Settings Settings
	// LogCapacity bounds the activity log (default 2000).
	LogCapacity int
	// Tone is played on every alert. May be nil.
	Tone tone.Emitter
	// Bus receives state, message, log and alert events. May be nil.
	Bus *events.Bus
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Monitor is safe for concurrent use.
type Monitor struct {
	session     *broker.Session
	interpreter *posture.Interpreter
	log         *activity.Log
	bus         *events.Bus
	logger      *slog.Logger

	mu           sync.Mutex
	settings     Settings
	status       string
	alertVisible bool
}

// New creates a disconnected Monitor.
func New(cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Monitor{
		log:      activity.New(cfg.LogCapacity),
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		settings: cfg.Settings.normalized(),
		status:   StatusDisconnected,
	}
	m.log.OnAppend(func(e activity.Entry) {
		m.bus.Publish(events.Event{
			Timestamp: e.Time,
			Source:    events.SourceActivity,
			Kind:      events.KindLogEntry,
			Data:      map[string]any{"ts": e.Time, "text": e.Text},
		})
	})

	m.interpreter = posture.NewInterpreter(posture.Config{
		Log:     m.log,
		Display: m,
		Tone:    cfg.Tone,
		Logger:  cfg.Logger,
	})

	m.session = broker.New(broker.Config{
		Transport:      cfg.Transport,
		ConnectTimeout: cfg.ConnectTimeout,
		KeepAlive:      cfg.KeepAlive,
		Logger:         cfg.Logger,
	})
	m.session.OnEvent(m.handleEvent)
	return m
}

// Log returns the activity log.
func (m *Monitor) Log() *activity.Log { return m.log }

// Settings returns the current settings.
func (m *Monitor) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Status returns the current status label.
func (m *Monitor) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect stores s and starts a connection with it. An empty client ID
// is replaced with a generated one. Outcomes arrive asynchronously in
// the log and status; only invalid input is returned.
func (m *Monitor) Connect(s Settings) error {
	s = s.normalized()
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()

	if err := m.session.Connect(s.BrokerURL, s.ClientID, s.AlertTopic); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect closes the current connection, if any.
func (m *Monitor) Disconnect() {
	m.session.Disconnect()
}

// SendConfig publishes a configuration update with the given desired
// angle to the config topic and remembers the angle.
func (m *Monitor) SendConfig(desiredAngle float64) error {
	m.mu.Lock()
	m.settings.DesiredAngle = desiredAngle
	s := m.settings
	m.mu.Unlock()

	payload, err := json.Marshal(posture.BuildConfigMessage(s.DeviceID, desiredAngle))
	if err != nil {
		return fmt.Errorf("encode config message: %w", err)
	}
	return m.session.Publish(s.ConfigTopic, payload, broker.AtMostOnce)
}

// SendTestAlert publishes a synthetic bad-posture alert to the alert
// topic. The session is subscribed there, so the alert comes back.
func (m *Monitor) SendTestAlert() error {
	s := m.Settings()
	payload, err := json.Marshal(posture.BuildTestAlertMessage(s.DeviceID))
	if err != nil {
		return fmt.Errorf("encode test alert: %w", err)
	}
	return m.session.Publish(s.AlertTopic, payload, broker.AtMostOnce)
}

// Snapshot returns the state the dashboard renders.
func (m *Monitor) Snapshot() Snapshot {
	// Session and interpreter state are read before m.mu; the session
	// dispatches into handleEvent, which takes m.mu.
	snap := Snapshot{
		Session: m.session.Info(),
		Posture: m.interpreter.State(),
		Log:     m.log.Recent(m.log.Cap()),
	}
	snap.LastTopic, snap.LastPayload = m.interpreter.LastPayload()

	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Settings = m.settings
	snap.Status = m.status
	snap.AlertVisible = m.alertVisible
	return snap
}

// Close tears down the session. Safe to call more than once.
func (m *Monitor) Close() {
	m.session.Close()
}

// SetAlertVisible implements [posture.Display].
func (m *Monitor) SetAlertVisible(visible bool) {
	m.mu.Lock()
	changed := m.alertVisible != visible
	m.alertVisible = visible
	m.mu.Unlock()

	if changed {
		m.bus.Publish(events.Event{
			Source: events.SourcePosture,
			Kind:   events.KindAlertFlag,
			Data:   map[string]any{"visible": visible},
		})
	}
}

// handleEvent runs on the session's dispatch path; it must not call
// back into the session.
func (m *Monitor) handleEvent(ev broker.Event) {
	if ev.Kind == broker.EventMessage && ev.Message != nil {
		c := m.interpreter.Handle(*ev.Message)
		m.bus.Publish(events.Event{
			Timestamp: ev.Time,
			Source:    events.SourceSession,
			Kind:      events.KindMessage,
			Data: map[string]any{
				"topic":   ev.Message.Topic,
				"payload": ev.Message.Payload,
				"verdict": c.Verdict.String(),
				"posture": m.interpreter.State().String(),
			},
		})
		return
	}

	m.mu.Lock()
	text, status := describe(ev, m.settings)
	if status != "" {
		m.status = status
	}
	status = m.status
	m.mu.Unlock()

	m.log.AppendAt(ev.Time, text)

	switch ev.Kind {
	case broker.EventConnectFailed, broker.EventConnectRejected, broker.EventConnectionLost, broker.EventPublishFailed, broker.EventSubscribeFailed:
		m.logger.Warn("mqtt session problem", "kind", ev.Kind, "error", ev.Err)
	default:
		m.logger.Info("mqtt session event", "kind", ev.Kind, "topic", ev.Topic)
	}

	data := map[string]any{
		"event":  string(ev.Kind),
		"state":  ev.State.String(),
		"status": status,
	}
	if ev.Endpoint.Host != "" {
		data["broker_url"] = ev.Endpoint.URL()
	}
	if ev.ClientID != "" {
		data["client_id"] = ev.ClientID
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	m.bus.Publish(events.Event{
		Timestamp: ev.Time,
		Source:    events.SourceSession,
		Kind:      events.KindState,
		Data:      data,
	})
}

// describe returns the log line for ev and the status label it sets,
// or "" when the label stays.
func describe(ev broker.Event, s Settings) (text, status string) {
	switch ev.Kind {
	case broker.EventConnecting:
		return "Connecting to " + ev.Endpoint.URL() + "…", StatusConnecting
	case broker.EventConnected:
		return fmt.Sprintf("Connected to %s as %s", ev.Endpoint.URL(), ev.ClientID), StatusConnected
	case broker.EventConnectFailed:
		return "Connection failed: " + errText(ev.Err), StatusError
	case broker.EventConnectRejected:
		if errors.Is(ev.Err, broker.ErrInvalidEndpoint) {
			return "Invalid broker URL: " + errText(ev.Err), StatusInvalidURL
		}
		return "Cannot connect: " + errText(ev.Err), ""
	case broker.EventConnectionLost:
		return "Connection lost: " + errText(ev.Err), StatusLost
	case broker.EventDisconnected:
		return "Disconnected", StatusDisconnected
	case broker.EventSubscribed:
		return "Subscribed to " + ev.Topic, ""
	case broker.EventSubscribeFailed:
		return fmt.Sprintf("Subscribe to %s failed: %s", ev.Topic, errText(ev.Err)), ""
	case broker.EventPublished:
		switch ev.Topic {
		case s.ConfigTopic:
			return "Config sent to " + ev.Topic, ""
		case s.AlertTopic:
			return "Test alert published to " + ev.Topic, ""
		}
		return "Published to " + ev.Topic, ""
	case broker.EventPublishRejected:
		return fmt.Sprintf("Not sent to %s: %s", ev.Topic, errText(ev.Err)), ""
	case broker.EventPublishFailed:
		return fmt.Sprintf("Publish to %s failed: %s", ev.Topic, errText(ev.Err)), ""
	}
	return string(ev.Kind), ""
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
