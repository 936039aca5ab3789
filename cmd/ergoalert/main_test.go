package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/ergoalert/internal/broker"
	"github.com/nugget/ergoalert/internal/broker/brokertest"
	"github.com/nugget/ergoalert/internal/buildinfo"
	"github.com/nugget/ergoalert/internal/config"
	"github.com/nugget/ergoalert/internal/events"
)

// useTransport points openTransport at tr for the duration of the test.
func useTransport(t *testing.T, tr broker.Transport) {
	t.Helper()
	orig := openTransport
	openTransport = func(config.BrokerConfig, *slog.Logger) broker.Transport { return tr }
	t.Cleanup(func() { openTransport = orig })
}

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const testConfig = `
broker:
  url: wss://broker.example:8081/mqtt
  client_id: ergoalert-cli-test
  connect_timeout_sec: 2
topics:
  alert: desk/trigger
  config: desk/config
device:
  id: desk-7
log_level: error
`

func TestRun_Version(t *testing.T) {
	var buf bytes.Buffer
	if err := run(context.Background(), &buf, io.Discard, []string{"version"}); err != nil {
		t.Fatalf("run(version) error = %v", err)
	}
	if !strings.Contains(buf.String(), buildinfo.String()) {
		t.Errorf("version output = %q", buf.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := run(context.Background(), &buf, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run(-o json version) error = %v", err)
	}
	var info buildinfo.Build
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil {
		t.Fatalf("version JSON does not parse: %v\n%s", err, buf.String())
	}
	if info.Version != buildinfo.Version {
		t.Errorf("Version = %q, want %q", info.Version, buildinfo.Version)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var buf bytes.Buffer
		if err := run(context.Background(), &buf, io.Discard, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(buf.String(), "send-config <angle>") {
			t.Errorf("run(%v) usage missing commands:\n%s", args, buf.String())
		}
	}
}

func TestRun_BadArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"--verbose"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"send-config without angle", []string{"send-config"}, "usage"},
		{"send-config bad angle", []string{"send-config", "steep"}, "invalid angle"},
		{"missing config file", []string{"-config", "/nonexistent/config.yaml", "test-alert"}, "config file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_SendConfig(t *testing.T) {
	tr := brokertest.New()
	useTransport(t, tr)
	path := writeTestConfig(t, testConfig)

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-config", path, "send-config", "32.5"}); err != nil {
		t.Fatalf("run(send-config) error = %v", err)
	}

	h := tr.Handles()[0]
	if h.ClientID != "ergoalert-cli-test" {
		t.Errorf("ClientID = %q", h.ClientID)
	}
	sent := h.Sent()
	if len(sent) != 1 {
		t.Fatalf("Send called %d times, want 1", len(sent))
	}
	if sent[0].Topic != "desk/config" {
		t.Errorf("topic = %q, want desk/config", sent[0].Topic)
	}
	var msg map[string]any
	if err := json.Unmarshal(sent[0].Payload, &msg); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if msg["device_id"] != "desk-7" || msg["desired_angle"] != 32.5 {
		t.Errorf("payload = %v", msg)
	}
	if !strings.Contains(out.String(), "Config sent to desk/config") {
		t.Errorf("output missing publish line:\n%s", out.String())
	}
	h.AwaitClosed(t)
}

func TestRun_TestAlert(t *testing.T) {
	tr := brokertest.New()
	useTransport(t, tr)
	path := writeTestConfig(t, testConfig)

	if err := run(context.Background(), io.Discard, io.Discard, []string{"-config=" + path, "test-alert"}); err != nil {
		t.Fatalf("run(test-alert) error = %v", err)
	}

	sent := tr.Handles()[0].Sent()
	if len(sent) != 1 || sent[0].Topic != "desk/trigger" {
		t.Fatalf("sent = %+v, want one publish to desk/trigger", sent)
	}
	var msg map[string]any
	if err := json.Unmarshal(sent[0].Payload, &msg); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if msg["status"] != "bad_posture" || msg["alert"] != true || msg["angle"] != float64(75) {
		t.Errorf("payload = %v", msg)
	}
}

func TestRun_PublishConnectFailure(t *testing.T) {
	tr := brokertest.New()
	tr.ConnectErr = errors.New("connection refused")
	useTransport(t, tr)
	path := writeTestConfig(t, testConfig)

	err := run(context.Background(), io.Discard, io.Discard, []string{"-config", path, "test-alert"})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("run(test-alert) error = %v, want connect failure", err)
	}
	if sent := tr.Handles()[0].Sent(); len(sent) != 0 {
		t.Errorf("Send called %d times after failed connect", len(sent))
	}
}

func TestRun_WatchEndsOnConnectionLoss(t *testing.T) {
	tr := brokertest.New()
	useTransport(t, tr)
	path := writeTestConfig(t, testConfig)

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), &out, io.Discard, []string{"-config", path, "watch"})
	}()

	h := tr.AwaitOpen(t)
	deadline := time.Now().Add(brokertest.AwaitTimeout)
	for len(h.Subscriptions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watch never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Deliver("desk/trigger", `{"alert":true,"angle":75}`)
	h.Drop(errors.New("websocket: close 1006"))

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "connection lost") {
			t.Errorf("run(watch) error = %v, want connection lost", err)
		}
	case <-time.After(brokertest.AwaitTimeout):
		t.Fatal("watch did not exit after connection loss")
	}

	got := out.String()
	if !strings.Contains(got, `desk/trigger → {"alert":true,"angle":75}`) {
		t.Errorf("watch output missing message line:\n%s", got)
	}
	if !strings.Contains(got, "\a") {
		t.Error("watch did not ring the terminal bell on alert")
	}
	if n := tr.Opens(); n != 1 {
		t.Errorf("transport opened %d handles, want 1 (no reconnect)", n)
	}
}

func TestRun_WatchStopsOnCancel(t *testing.T) {
	tr := brokertest.New()
	useTransport(t, tr)
	path := writeTestConfig(t, testConfig)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, io.Discard, io.Discard, []string{"-config", path, "watch"})
	}()

	h := tr.AwaitOpen(t)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run(watch) error = %v, want nil", err)
		}
	case <-time.After(brokertest.AwaitTimeout):
		t.Fatal("watch did not exit after cancel")
	}
	h.AwaitClosed(t)
}

func TestAlertTone(t *testing.T) {
	for _, bell := range []bool{false, true} {
		cfg := config.Default()
		cfg.Tone.TerminalBell = bell

		bus := events.New()
		feed := bus.Subscribe(4)
		var out bytes.Buffer
		alertTone(cfg, bus, &out, slog.New(slog.NewTextHandler(io.Discard, nil))).EmitAlertTone()

		select {
		case e := <-feed:
			if e.Kind != events.KindTone {
				t.Errorf("terminal_bell=%v: event kind = %q, want %q", bell, e.Kind, events.KindTone)
			}
		default:
			t.Errorf("terminal_bell=%v: no tone event on the bus", bell)
		}

		want := ""
		if bell {
			want = "\a"
		}
		if out.String() != want {
			t.Errorf("terminal_bell=%v: output = %q, want %q", bell, out.String(), want)
		}
	}
}
