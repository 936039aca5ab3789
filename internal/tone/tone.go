// Package tone provides emitters for the short audible posture alert.
// Each call produces one self-terminating tone; nothing is queued or
// cancelled.
package tone

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/ergoalert/internal/events"
)

const (
	// FrequencyHz is the pitch the dashboard plays.
	FrequencyHz = 880
	// Duration is the length of one tone.
	Duration = 250 * time.Millisecond
)

// Emitter emits one alert tone per call.
type Emitter interface {
	EmitAlertTone()
}

// Nop discards tones.
type Nop struct{}

// EmitAlertTone implements [Emitter].
func (Nop) EmitAlertTone() {}

// Bell rings the terminal bell by writing BEL to w.
type Bell struct {
	mu sync.Mutex
	w  io.Writer
}

// NewBell returns a Bell writing to w (usually os.Stderr).
func NewBell(w io.Writer) *Bell {
	return &Bell{w: w}
}

// EmitAlertTone implements [Emitter]. Write errors are ignored.
func (b *Bell) EmitAlertTone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = b.w.Write([]byte{'\a'})
}

// Broadcast publishes a tone event on the bus; connected dashboards
// synthesize the sound in the browser.
type Broadcast struct {
	bus    *events.Bus
	logger *slog.Logger
}

// NewBroadcast returns a Broadcast emitter. A nil bus is allowed.
func NewBroadcast(bus *events.Bus, logger *slog.Logger) *Broadcast {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcast{bus: bus, logger: logger}
}

// EmitAlertTone implements [Emitter].
func (b *Broadcast) EmitAlertTone() {
	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePosture,
		Kind:      events.KindTone,
		Data: map[string]any{
			"frequency_hz": FrequencyHz,
			"duration_ms":  Duration.Milliseconds(),
		},
	})
	b.logger.Debug("alert tone broadcast", "listeners", b.bus.SubscriberCount())
}

// Multi fans one call out to several emitters.
type Multi []Emitter

// EmitAlertTone implements [Emitter].
func (m Multi) EmitAlertTone() {
	for _, e := range m {
		if e != nil {
			e.EmitAlertTone()
		}
	}
}
