// Package brokertest provides a scripted in-memory [broker.Transport]
// and an event recorder for tests of the session and its consumers.
package brokertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nugget/ergoalert/internal/broker"
)

// AwaitTimeout bounds [Recorder.Await] and [Transport.AwaitOpen].
const AwaitTimeout = 2 * time.Second

// Transport is a fake [broker.Transport]. Configure the exported
// fields before the first Open; every handle copies them.
type Transport struct {
	// Manual makes Handle.Connect block until Resolve is called or the
	// attempt context ends. Otherwise Connect returns ConnectErr at once.
	Manual       bool
	OpenErr      error
	ConnectErr   error
	SubscribeErr error
	SendErr      error
	// DisconnectErr is returned from every Handle.Disconnect.
	DisconnectErr error
	// PanicOnDisconnect makes Handle.Disconnect panic.
	PanicOnDisconnect bool

	mu      sync.Mutex
	handles []*Handle
	opened  chan *Handle
}

// New returns a Transport whose handles connect successfully.
func New() *Transport {
	return &Transport{opened: make(chan *Handle, 64)}
}

// Open implements [broker.Transport].
func (t *Transport) Open(ep broker.Endpoint, clientID string, cb broker.Callbacks) (broker.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	h := &Handle{
		Endpoint:     ep,
		ClientID:     clientID,
		cb:           cb,
		manual:       t.Manual,
		connectErr:   t.ConnectErr,
		subscribeErr: t.SubscribeErr,
		sendErr:      t.SendErr,
		disconnErr:   t.DisconnectErr,
		panicClose:   t.PanicOnDisconnect,
		resolve:      make(chan error, 1),
		closed:       make(chan struct{}),
	}
	t.handles = append(t.handles, h)
	if t.opened != nil {
		select {
		case t.opened <- h:
		default:
		}
	}
	return h, nil
}

// Opens returns how many handles were created.
func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// Handles returns every handle in creation order.
func (t *Transport) Handles() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Handle(nil), t.handles...)
}

// AwaitOpen returns the next opened handle or fails the test.
func (t *Transport) AwaitOpen(tb testing.TB) *Handle {
	tb.Helper()
	select {
	case h := <-t.opened:
		return h
	case <-time.After(AwaitTimeout):
		tb.Fatal("timed out waiting for transport Open")
		return nil
	}
}

// Subscription records a Subscribe call.
type Subscription struct {
	Topic string
	QoS   broker.QoS
}

// Sent records a Send call.
type Sent struct {
	Topic   string
	Payload []byte
	QoS     broker.QoS
}

// Handle is a fake [broker.Handle].
type Handle struct {
	Endpoint broker.Endpoint
	ClientID string

	cb           broker.Callbacks
	manual       bool
	connectErr   error
	subscribeErr error
	sendErr      error
	disconnErr   error
	panicClose   bool
	resolve      chan error
	closed       chan struct{}
	closeOnce    sync.Once

	mu          sync.Mutex
	connects    int
	opts        broker.ConnectOptions
	subs        []Subscription
	sent        []Sent
	disconnects int
}

// Connect implements [broker.Handle].
func (h *Handle) Connect(ctx context.Context, opts broker.ConnectOptions) error {
	h.mu.Lock()
	h.connects++
	h.opts = opts
	h.mu.Unlock()

	if !h.manual {
		return h.connectErr
	}
	select {
	case err := <-h.resolve:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve completes a manual Connect with err (nil for success).
func (h *Handle) Resolve(err error) {
	h.resolve <- err
}

// Subscribe implements [broker.Handle].
func (h *Handle) Subscribe(_ context.Context, topic string, qos broker.QoS) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, Subscription{Topic: topic, QoS: qos})
	return h.subscribeErr
}

// Send implements [broker.Handle].
func (h *Handle) Send(topic string, payload []byte, qos broker.QoS) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, Sent{Topic: topic, Payload: append([]byte(nil), payload...), QoS: qos})
	return h.sendErr
}

// Disconnect implements [broker.Handle].
func (h *Handle) Disconnect() error {
	h.mu.Lock()
	h.disconnects++
	h.mu.Unlock()
	h.closeOnce.Do(func() { close(h.closed) })
	if h.panicClose {
		panic("brokertest: disconnect panic")
	}
	return h.disconnErr
}

// Deliver simulates an inbound PUBLISH.
func (h *Handle) Deliver(topic, payload string) {
	h.cb.OnMessage(topic, []byte(payload))
}

// Drop simulates the broker connection going away.
func (h *Handle) Drop(err error) {
	h.cb.OnConnectionLost(err)
}

// Options returns the options of the last Connect call.
func (h *Handle) Options() broker.ConnectOptions {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts
}

// Connects returns how many times Connect was called.
func (h *Handle) Connects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects
}

// Subscriptions returns every Subscribe call.
func (h *Handle) Subscriptions() []Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Subscription(nil), h.subs...)
}

// Sent returns every Send call.
func (h *Handle) Sent() []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Sent(nil), h.sent...)
}

// Disconnects returns how many times Disconnect was called.
func (h *Handle) Disconnects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnects
}

// AwaitClosed fails the test unless Disconnect is called in time.
func (h *Handle) AwaitClosed(tb testing.TB) {
	tb.Helper()
	select {
	case <-h.closed:
	case <-time.After(AwaitTimeout):
		tb.Fatal("timed out waiting for handle Disconnect")
	}
}

// Recorder collects session events.
type Recorder struct {
	mu     sync.Mutex
	events []broker.Event
	ch     chan broker.Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{ch: make(chan broker.Event, 1024)}
}

// Listener returns a [broker.Listener] feeding the recorder.
func (r *Recorder) Listener() broker.Listener {
	return func(ev broker.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		select {
		case r.ch <- ev:
		default:
		}
	}
}

// Await consumes events until one of kind arrives, failing the test
// after [AwaitTimeout].
func (r *Recorder) Await(tb testing.TB, kind broker.EventKind) broker.Event {
	tb.Helper()
	deadline := time.After(AwaitTimeout)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			tb.Fatalf("timed out waiting for %s event", kind)
			return broker.Event{}
		}
	}
}

// Events returns everything recorded so far.
func (r *Recorder) Events() []broker.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broker.Event(nil), r.events...)
}

// Kinds returns the kinds of every recorded event, in order.
func (r *Recorder) Kinds() []broker.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]broker.EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind broker.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
