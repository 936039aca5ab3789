// Package mqtt3 implements [broker.Transport] over MQTT 3.1.1 using
// the Eclipse Paho client, which dials ws:// and wss:// brokers
// natively. Automatic reconnection is disabled; the session decides
// when to connect again.
package mqtt3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nugget/ergoalert/internal/broker"
)

// ProtocolVersion is the MQTT protocol level spoken by this transport.
const ProtocolVersion = 4

// quiesceMillis is how long Disconnect lets in-flight work drain.
const quiesceMillis = 250

var errNotConnected = errors.New("mqtt3: not connected")

// Transport opens MQTT 3.1.1 handles.
type Transport struct {
	logger *slog.Logger
}

// New returns a Transport. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{logger: logger}
}

// Open implements [broker.Transport]. No network activity happens
// until Connect.
func (t *Transport) Open(ep broker.Endpoint, clientID string, cb broker.Callbacks) (broker.Handle, error) {
	if cb.OnConnectionLost == nil || cb.OnMessage == nil {
		return nil, fmt.Errorf("mqtt3: open %s: callbacks required", ep)
	}
	logger := t.logger.With("broker", ep.String(), "client_id", clientID)
	return &handle{
		ep:       ep,
		clientID: clientID,
		cb:       cb.Traced(logger),
		logger:   logger,
	}, nil
}

type handle struct {
	ep       broker.Endpoint
	clientID string
	cb       broker.Callbacks
	logger   *slog.Logger
	client   mqtt.Client
}

// clientOptions builds the paho options for one handle.
func clientOptions(ep broker.Endpoint, clientID string, cb broker.Callbacks, opts broker.ConnectOptions) *mqtt.ClientOptions {
	o := mqtt.NewClientOptions().
		AddBroker(ep.URL()).
		SetClientID(clientID).
		SetProtocolVersion(ProtocolVersion).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(opts.Timeout).
		SetKeepAlive(opts.KeepAlive).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			cb.OnConnectionLost(err)
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			cb.OnMessage(msg.Topic(), msg.Payload())
		})
	if opts.Secure {
		o.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return o
}

func (h *handle) Connect(ctx context.Context, opts broker.ConnectOptions) error {
	h.client = mqtt.NewClient(clientOptions(h.ep, h.clientID, h.cb, opts))
	tok := h.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt3 connect %s: %w", h.ep, err)
		}
		h.logger.Debug("mqtt3 connected")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) Subscribe(ctx context.Context, topic string, qos broker.QoS) error {
	if h.client == nil {
		return errNotConnected
	}
	// A nil callback routes deliveries to the default publish handler.
	tok := h.client.Subscribe(topic, byte(qos), nil)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt3 subscribe %q: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt3 subscribe %q: %w", topic, ctx.Err())
	}
}

// Send hands the publish to the client without waiting for the broker.
// Errors the client reports immediately (e.g. not connected) are returned.
func (h *handle) Send(topic string, payload []byte, qos broker.QoS) error {
	if h.client == nil {
		return errNotConnected
	}
	broker.TracePublish(h.logger, topic, payload, qos)
	tok := h.client.Publish(topic, byte(qos), false, payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt3 publish %q: %w", topic, err)
		}
	default:
		go func() {
			<-tok.Done()
			if err := tok.Error(); err != nil {
				h.logger.Warn("mqtt3 publish failed", "topic", topic, "error", err)
			}
		}()
	}
	return nil
}

func (h *handle) Disconnect() error {
	if h.client == nil {
		return nil
	}
	h.client.Disconnect(quiesceMillis)
	return nil
}
