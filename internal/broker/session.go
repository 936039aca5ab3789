package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultConnectTimeout bounds a connect attempt.
	DefaultConnectTimeout = 6 * time.Second
	// DefaultKeepAlive is the MQTT keep-alive interval.
	DefaultKeepAlive = 60 * time.Second
)

// ErrSessionClosed is returned by Connect after Close.
var ErrSessionClosed = errors.New("session closed")

// Config configures a [Session].
type Config struct {
	// Transport opens connection handles. Required.
	Transport Transport
	// ConnectTimeout bounds each attempt (default 6s).
	ConnectTimeout time.Duration
	// KeepAlive is forwarded to the transport (default 60s).
	KeepAlive time.Duration
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Info is a point-in-time view of the session.
type Info struct {
	State      State    `json:"state"`
	Endpoint   Endpoint `json:"-"`
	BrokerURL  string   `json:"broker_url,omitempty"`
	ClientID   string   `json:"client_id,omitempty"`
	AlertTopic string   `json:"alert_topic,omitempty"`
}

// Session supervises at most one broker connection. All methods are
// safe for concurrent use. Connect, Disconnect and Publish return
// without waiting for broker acknowledgements; outcomes are reported
// to listeners registered with [Session.OnEvent].
type Session struct {
	transport Transport
	timeout   time.Duration
	keepAlive time.Duration
	logger    *slog.Logger
	nowFunc   func() time.Time

	mu       sync.Mutex
	state    State
	gen      uint64 // bumped whenever the current handle is superseded
	handle   Handle
	cancel   context.CancelFunc // non-nil while an attempt is in flight
	endpoint Endpoint
	clientID string
	topic    string
	closed   bool
	// earlyLoss holds a drop reported by the current handle before its
	// attempt finished; the attempt then settles on Lost.
	earlyLoss    error
	hasEarlyLoss bool

	// dispatchMu serializes listener calls so events arrive in the
	// order their state changes were applied.
	dispatchMu sync.Mutex
	listeners  []Listener

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a disconnected Session.
func New(cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		transport: cfg.Transport,
		timeout:   cfg.ConnectTimeout,
		keepAlive: cfg.KeepAlive,
		logger:    cfg.Logger,
		nowFunc:   time.Now,
	}
}

// OnEvent registers a listener. Must not be called from a listener.
func (s *Session) OnEvent(l Listener) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the state together with the parameters of the most
// recent connect.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		State:      s.state,
		Endpoint:   s.endpoint,
		ClientID:   s.clientID,
		AlertTopic: s.topic,
	}
	if s.endpoint.Host != "" {
		info.BrokerURL = s.endpoint.URL()
	}
	return info
}

// Connect starts a new connection to endpointURL and returns
// immediately. Any existing handle is discarded first. Invalid input
// is reported synchronously (and as an [EventConnectRejected]) without
// touching the transport; every other outcome arrives as an event.
func (s *Session) Connect(endpointURL, clientID, alertTopic string) error {
	ep, err := ParseEndpoint(endpointURL)
	if err == nil && clientID == "" {
		err = ErrMissingClientID
	}
	if err == nil && alertTopic == "" {
		err = fmt.Errorf("alert %w", ErrMissingTopic)
	}

	s.mu.Lock()
	if err == nil && s.closed {
		err = ErrSessionClosed
	}
	if err != nil {
		ev := s.eventLocked(EventConnectRejected)
		ev.Err = err
		s.release(ev)
		return err
	}

	prev, old, oldCancel := s.state, s.handle, s.cancel
	s.gen++
	gen := s.gen
	s.handle, s.cancel = nil, nil
	s.earlyLoss, s.hasEarlyLoss = nil, false
	s.endpoint, s.clientID, s.topic = ep, clientID, alertTopic

	h, err := s.transport.Open(ep, clientID, Callbacks{
		OnConnectionLost: func(err error) { s.connectionLost(gen, err) },
		OnMessage:        func(topic string, payload []byte) { s.messageArrived(gen, topic, payload) },
	})
	if err != nil {
		s.state = ConnectError
		ev := s.eventLocked(EventConnectFailed)
		ev.Err = fmt.Errorf("open transport: %w", err)
		s.release(ev)
		s.discard(prev, old, oldCancel)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	s.handle, s.cancel = h, cancel
	s.state = Connecting
	ev := s.eventLocked(EventConnecting)

	s.wg.Add(1)
	go s.attempt(ctx, cancel, gen, h, ep)

	s.release(ev)
	s.discard(prev, old, oldCancel)
	return nil
}

// attempt drives one Handle.Connect call. If the session moved on
// while the attempt was in flight, the handle is torn down as soon as
// the attempt resolves.
func (s *Session) attempt(ctx context.Context, cancel context.CancelFunc, gen uint64, h Handle, ep Endpoint) {
	defer s.wg.Done()
	defer cancel()

	err := h.Connect(ctx, ConnectOptions{
		Secure:    ep.Secure(),
		Timeout:   s.timeout,
		KeepAlive: s.keepAlive,
	})
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrConnectTimeout, s.timeout, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.closeHandle(h)
		return
	}
	if err != nil {
		s.state = ConnectError
		s.handle, s.cancel = nil, nil
		ev := s.eventLocked(EventConnectFailed)
		ev.Err = err
		s.release(ev)
		s.closeHandle(h)
		return
	}

	s.cancel = nil
	if s.hasEarlyLoss {
		s.state = Lost
		ev := s.eventLocked(EventConnectionLost)
		ev.Err = s.earlyLoss
		s.earlyLoss, s.hasEarlyLoss = nil, false
		s.release(ev)
		return
	}
	s.state = Connected
	topic := s.topic
	s.release(s.eventLocked(EventConnected))

	subCtx, subCancel := context.WithTimeout(context.Background(), s.timeout)
	defer subCancel()
	subErr := h.Subscribe(subCtx, topic, AtMostOnce)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	ev := s.eventLocked(EventSubscribed)
	ev.Topic = topic
	if subErr != nil {
		ev.Kind = EventSubscribeFailed
		ev.Err = subErr
	}
	s.release(ev)
}

func (s *Session) connectionLost(gen uint64, err error) {
	s.mu.Lock()
	if s.gen == gen && s.state == Connecting {
		s.earlyLoss, s.hasEarlyLoss = err, true
		s.mu.Unlock()
		return
	}
	if s.gen != gen || s.state != Connected {
		s.mu.Unlock()
		return
	}
	s.state = Lost
	ev := s.eventLocked(EventConnectionLost)
	ev.Err = err
	s.release(ev)
}

func (s *Session) messageArrived(gen uint64, topic string, payload []byte) {
	s.mu.Lock()
	if s.gen != gen || s.state != Connected {
		s.mu.Unlock()
		return
	}
	ev := s.eventLocked(EventMessage)
	ev.Topic = topic
	ev.Message = &InboundMessage{
		Topic:      topic,
		Payload:    string(payload),
		ReceivedAt: ev.Time,
	}
	s.release(ev)
}

// Disconnect closes the current handle, if any, and moves the session
// to Disconnected. Close errors are swallowed. An attempt still in
// flight is cancelled and closes its handle once it resolves.
func (s *Session) Disconnect() {
	s.mu.Lock()
	prev, h, cancel := s.state, s.handle, s.cancel
	s.gen++
	s.handle, s.cancel = nil, nil
	s.earlyLoss, s.hasEarlyLoss = nil, false
	s.state = Disconnected
	s.release(s.eventLocked(EventDisconnected))

	if cancel != nil {
		cancel()
	}
	if h != nil && prev != Connecting {
		s.closeHandle(h)
	}
}

// Publish sends payload to topic. It fails with [ErrPublishRejected]
// unless the session is Connected, in which case the transport is
// never invoked. Delivery is not confirmed.
func (s *Session) Publish(topic string, payload []byte, qos QoS) error {
	s.mu.Lock()
	if topic == "" || s.state != Connected || s.handle == nil {
		err := ErrPublishRejected
		if topic == "" {
			err = ErrMissingTopic
		}
		state := s.state
		ev := s.eventLocked(EventPublishRejected)
		ev.Topic = topic
		ev.Payload = payload
		ev.Err = err
		s.release(ev)
		return fmt.Errorf("publish to %q while %s: %w", topic, state, err)
	}
	h := s.handle
	s.mu.Unlock()

	sendErr := h.Send(topic, payload, qos)

	s.mu.Lock()
	ev := s.eventLocked(EventPublished)
	ev.Topic = topic
	ev.Payload = payload
	if sendErr != nil {
		ev.Kind = EventPublishFailed
		ev.Err = sendErr
	}
	s.release(ev)

	if sendErr != nil {
		return fmt.Errorf("publish to %q: %w", topic, sendErr)
	}
	return nil
}

// Close tears the session down for good. It is safe to call more than
// once, waits for background attempts to finish, and never panics.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("mqtt session teardown panicked", "panic", r)
			}
		}()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.Disconnect()
		s.wg.Wait()
	})
}

// discard drops a superseded handle without waiting for the broker.
// An in-flight attempt only needs cancelling; it closes its own handle.
func (s *Session) discard(prev State, h Handle, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if h == nil || prev == Connecting {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.closeHandle(h)
	}()
}

func (s *Session) closeHandle(h Handle) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("mqtt transport disconnect panicked", "panic", r)
		}
	}()
	if err := h.Disconnect(); err != nil {
		s.logger.Debug("mqtt transport disconnect error ignored", "error", err)
	}
}

// eventLocked stamps an event with the current state. Must be called
// with s.mu held.
func (s *Session) eventLocked(kind EventKind) Event {
	return Event{
		Kind:     kind,
		Time:     s.nowFunc(),
		State:    s.state,
		Endpoint: s.endpoint,
		ClientID: s.clientID,
	}
}

// release unlocks s.mu and delivers evs to every listener. Taking the
// dispatch lock before unlocking keeps delivery in state order. Must
// be called with s.mu held.
func (s *Session) release(evs ...Event) {
	s.dispatchMu.Lock()
	s.mu.Unlock()
	defer s.dispatchMu.Unlock()

	for _, ev := range evs {
		s.logger.Debug("mqtt session event",
			"kind", ev.Kind,
			"state", ev.State,
			"topic", ev.Topic,
			"error", ev.Err,
		)
		for _, l := range s.listeners {
			l(ev)
		}
	}
}
