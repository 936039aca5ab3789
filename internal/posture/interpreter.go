package posture

import (
	"log/slog"
	"sync"

	"github.com/nugget/ergoalert/internal/activity"
	"github.com/nugget/ergoalert/internal/broker"
)

// Display is the visual sink for the alert banner.
type Display interface {
	SetAlertVisible(visible bool)
}

// Tone emits a short audible alert. Calls may overlap; each tone ends
// on its own.
type Tone interface {
	EmitAlertTone()
}

// Config wires an [Interpreter] to its collaborators. Display and Tone
// may be nil.
type Config struct {
	Log     *activity.Log
	Display Display
	Tone    Tone
	Logger  *slog.Logger
}

// Interpreter applies inbound messages to the posture state. It is the
// only writer of that state.
type Interpreter struct {
	log     *activity.Log
	display Display
	tone    Tone
	logger  *slog.Logger

	mu          sync.Mutex
	state       State
	lastPayload string
	lastTopic   string
}

// NewInterpreter creates an Interpreter in the Ok state.
func NewInterpreter(cfg Config) *Interpreter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Interpreter{
		log:     cfg.Log,
		display: cfg.Display,
		tone:    cfg.Tone,
		logger:  cfg.Logger,
	}
}

// Handle records msg in the log and last-payload field, classifies it
// and triggers the matching side effects.
func (in *Interpreter) Handle(msg broker.InboundMessage) Classification {
	c := Classify(msg.Payload)

	in.mu.Lock()
	in.lastPayload = msg.Payload
	in.lastTopic = msg.Topic
	switch c.Verdict {
	case VerdictAlert:
		in.state = Alert
	case VerdictOk:
		in.state = Ok
	}
	state := in.state
	in.mu.Unlock()

	if in.log != nil {
		in.log.AppendAt(msg.ReceivedAt, msg.Topic+" → "+msg.Payload)
	}

	in.logger.Debug("posture message classified",
		"topic", msg.Topic,
		"verdict", c.Verdict,
		"decoded", c.Decoded,
		"summary", c.Summary,
		"state", state,
	)

	switch c.Verdict {
	case VerdictAlert:
		if in.display != nil {
			in.display.SetAlertVisible(true)
		}
		if in.tone != nil {
			in.tone.EmitAlertTone()
		}
	case VerdictOk:
		if in.display != nil {
			in.display.SetAlertVisible(false)
		}
	}
	return c
}

// State returns the current posture.
func (in *Interpreter) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// LastPayload returns the most recent payload verbatim and its topic.
func (in *Interpreter) LastPayload() (topic, payload string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastTopic, in.lastPayload
}
