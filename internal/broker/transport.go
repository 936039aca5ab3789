package broker

import (
	"context"
	"log/slog"
	"time"
)

// LevelTrace is the slog level for raw payload logging. It matches
// config.LevelTrace, which the broker package cannot import.
const LevelTrace = slog.Level(-8)

// Callbacks are the asynchronous sinks a [Transport] registers on a
// handle before the connection is initiated. Implementations may call
// them from any goroutine, but must deliver messages for a single
// handle sequentially and in arrival order.
type Callbacks struct {
	// OnConnectionLost fires when an established connection drops.
	OnConnectionLost func(err error)
	// OnMessage fires for every PUBLISH received on a subscription.
	OnMessage func(topic string, payload []byte)
}

// Traced returns callbacks that log every inbound payload at
// [LevelTrace] before handing it on.
func (cb Callbacks) Traced(logger *slog.Logger) Callbacks {
	onMessage := cb.OnMessage
	cb.OnMessage = func(topic string, payload []byte) {
		logger.Log(context.Background(), LevelTrace, "mqtt message received",
			"topic", topic,
			"payload", string(payload),
		)
		onMessage(topic, payload)
	}
	return cb
}

// TracePublish logs an outbound payload at [LevelTrace].
func TracePublish(logger *slog.Logger, topic string, payload []byte, qos QoS) {
	logger.Log(context.Background(), LevelTrace, "mqtt message sent",
		"topic", topic,
		"qos", qos,
		"payload", string(payload),
	)
}

// ConnectOptions are passed to [Handle.Connect].
type ConnectOptions struct {
	// Secure enables TLS on the WebSocket (wss).
	Secure bool
	// Timeout bounds the whole attempt. The context passed to Connect
	// carries the same deadline.
	Timeout time.Duration
	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration
}

// Transport creates connection handles. It stands in for the protocol
// engine: implementations wrap an MQTT client library.
type Transport interface {
	// Open builds a handle bound to ep and clientID without touching
	// the network. cb is registered before Connect is ever called.
	Open(ep Endpoint, clientID string, cb Callbacks) (Handle, error)
}

// Handle is one transport connection. A handle is used for a single
// connect attempt and discarded afterwards; it is never reconnected.
type Handle interface {
	// Connect blocks until the broker accepts the connection, ctx is
	// done, or the attempt fails.
	Connect(ctx context.Context, opts ConnectOptions) error
	// Subscribe registers a topic filter at the given QoS.
	Subscribe(ctx context.Context, topic string, qos QoS) error
	// Send hands the payload to the client for delivery without
	// waiting for any acknowledgement.
	Send(topic string, payload []byte, qos QoS) error
	// Disconnect requests a graceful close.
	Disconnect() error
}
