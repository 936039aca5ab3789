// Package mqtt5 implements [broker.Transport] over MQTT v5 using the
// Eclipse paho.golang client on a gorilla/websocket connection, with
// an optional SOCKS5 hop for the TCP dial.
package mqtt5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/ergoalert/internal/broker"
)

// ProtocolVersion is the MQTT protocol level spoken by this transport.
const ProtocolVersion = 5

// publishTimeout bounds a background QoS 1 publish.
const publishTimeout = 10 * time.Second

var errNotConnected = errors.New("mqtt5: not connected")

// Config configures a [Transport].
type Config struct {
	// SOCKS5Proxy is an optional socks5://[user:pass@]host:port.
	SOCKS5Proxy string
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Transport opens MQTT v5 handles.
type Transport struct {
	proxy  string
	logger *slog.Logger
}

// New returns a Transport.
func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{proxy: cfg.SOCKS5Proxy, logger: cfg.Logger}
}

// Open implements [broker.Transport]. The proxy URL is validated here
// so a bad setting fails before any dial.
func (t *Transport) Open(ep broker.Endpoint, clientID string, cb broker.Callbacks) (broker.Handle, error) {
	if cb.OnConnectionLost == nil || cb.OnMessage == nil {
		return nil, fmt.Errorf("mqtt5: open %s: callbacks required", ep)
	}
	if t.proxy != "" {
		if _, err := socksDialer(t.proxy); err != nil {
			return nil, err
		}
	}
	logger := t.logger.With("broker", ep.String(), "client_id", clientID)
	return &handle{
		ep:       ep,
		clientID: clientID,
		cb:       cb.Traced(logger),
		proxy:    t.proxy,
		logger:   logger,
	}, nil
}

type handle struct {
	ep       broker.Endpoint
	clientID string
	cb       broker.Callbacks
	proxy    string
	logger   *slog.Logger

	mu        sync.Mutex
	client    *paho.Client
	conn      net.Conn
	connected bool
	closing   bool
	// early is the first client error seen before the handshake result
	// was recorded.
	early    error
	lostOnce sync.Once
}

func (h *handle) Connect(ctx context.Context, opts broker.ConnectOptions) error {
	conn, err := dial(ctx, h.ep, opts.Secure, opts.Timeout, h.proxy)
	if err != nil {
		return err
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: h.clientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				h.cb.OnMessage(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: h.lost,
		OnServerDisconnect: func(d *paho.Disconnect) {
			h.lost(fmt.Errorf("server disconnect: reason code %d", d.ReasonCode))
		},
	})

	if _, err := client.Connect(ctx, &paho.Connect{
		ClientID:   h.clientID,
		KeepAlive:  uint16(opts.KeepAlive / time.Second),
		CleanStart: true,
	}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("mqtt5 connect %s: %w", h.ep, err)
	}

	h.established(client, conn)
	h.logger.Debug("mqtt5 connected")
	return nil
}

// established records a successful handshake. A client error that
// raced the CONNACK is reported as a loss straight away.
func (h *handle) established(client *paho.Client, conn net.Conn) {
	h.mu.Lock()
	h.client, h.conn, h.connected = client, conn, true
	early := h.early
	h.early = nil
	h.mu.Unlock()

	if early != nil {
		h.lostOnce.Do(func() { h.cb.OnConnectionLost(early) })
	}
}

// lost reports the first failure of a connected handle. Errors before
// the handshake completes are held for [handle.established]; errors
// after Disconnect are ignored.
func (h *handle) lost(err error) {
	h.mu.Lock()
	switch {
	case h.closing:
		h.mu.Unlock()
		h.logger.Debug("mqtt5 client error ignored", "error", err)
		return
	case !h.connected:
		if h.early == nil {
			h.early = err
		}
		h.mu.Unlock()
		h.logger.Debug("mqtt5 client error before connack", "error", err)
		return
	}
	h.mu.Unlock()
	h.lostOnce.Do(func() { h.cb.OnConnectionLost(err) })
}

func (h *handle) current() (*paho.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil || h.closing {
		return nil, errNotConnected
	}
	return h.client, nil
}

func (h *handle) Subscribe(ctx context.Context, topic string, qos broker.QoS) error {
	client, err := h.current()
	if err != nil {
		return err
	}
	sa, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: byte(qos)}},
	})
	if err != nil {
		return fmt.Errorf("mqtt5 subscribe %q: %w", topic, err)
	}
	for _, code := range sa.Reasons {
		if code >= 0x80 {
			return fmt.Errorf("mqtt5 subscribe %q: refused with reason code %d", topic, code)
		}
	}
	return nil
}

// Send writes QoS 0 publishes inline and hands QoS 1 publishes to a
// goroutine, so neither waits on a broker acknowledgement.
func (h *handle) Send(topic string, payload []byte, qos broker.QoS) error {
	client, err := h.current()
	if err != nil {
		return err
	}
	broker.TracePublish(h.logger, topic, payload, qos)
	pub := &paho.Publish{Topic: topic, QoS: byte(qos), Payload: payload}
	if qos == broker.AtMostOnce {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if _, err := client.Publish(ctx, pub); err != nil {
			return fmt.Errorf("mqtt5 publish %q: %w", topic, err)
		}
		return nil
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if _, err := client.Publish(ctx, pub); err != nil {
			h.logger.Warn("mqtt5 publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

func (h *handle) Disconnect() error {
	h.mu.Lock()
	h.closing = true
	client, conn := h.client, h.conn
	h.client, h.conn = nil, nil
	h.mu.Unlock()

	if client == nil {
		return nil
	}
	err := client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	if cerr := conn.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}
