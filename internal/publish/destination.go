package publish

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"infernode/internal/log"
)

// defaultMaxFailures is the consecutive-failure count that trips the
// circuit breaker.
const defaultMaxFailures = 5

// successStreakReset is the consecutive-success count that forgives earlier
// failures (without re-enabling a tripped breaker).
const successStreakReset = 3

// Transport is the only thing a concrete destination type implements; all
// gating, counting and breaker semantics live in Destination.
type Transport interface {
	Type() string
	Send(payload Payload) error
	Close() error
}

// gate is the enablement state of a destination. Tripped implies disabled;
// the type makes the distinction explicit instead of juggling two booleans.
type gate int

const (
	gateActive gate = iota
	// gateDisabled means an operator turned the destination off.
	gateDisabled
	// gateTripped means the circuit breaker disabled it; only an explicit
	// failure reset reopens it.
	gateTripped
)

// Config is the durable configuration of one destination.
type Config struct {
	ID                 string   `json:"id" yaml:"id"`
	Type               string   `json:"type" yaml:"type"`
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	RateLimit          float64  `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	MaxFrames          int      `json:"max_frames,omitempty" yaml:"max_frames,omitempty"`
	IncludeImageData   bool     `json:"include_image_data,omitempty" yaml:"include_image_data,omitempty"`
	IncludeResultImage bool     `json:"include_result_image,omitempty" yaml:"include_result_image,omitempty"`
	Settings           Settings `json:"config,omitempty" yaml:"config,omitempty"`
}

// Status is the runtime snapshot of a destination served by the API.
type Status struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Enabled      bool   `json:"enabled"`
	Configured   bool   `json:"configured"`
	FailureCount int    `json:"failure_count"`
	AutoDisabled bool   `json:"auto_disabled"`
	IsPaused     bool   `json:"is_paused"`
	FrameCount   int    `json:"frame_count"`
	MaxFrames    int    `json:"max_frames"`
	LastError    string `json:"last_error,omitempty"`
}

// Destination wraps one transport with rate limiting, a frame-count pause
// and a consecutive-failure circuit breaker. The pause and the breaker are
// independent: each gates sending on its own and is reset on its own.
type Destination struct {
	cfg       Config
	transport Transport
	log       zerolog.Logger

	// now is swappable for rate-limit tests.
	now func() time.Time

	mu            sync.Mutex
	gate          gate
	paused        bool
	configured    bool
	lastSend      time.Time
	frameCount    int
	failureCount  int
	maxFailures   int
	successStreak int
	lastError     string

	onTrip func(Status)
}

// NewDestination wires a transport into the shared gating behavior. A nil
// transport yields an unconfigured destination that refuses every send but
// still reports status; this keeps one broken destination from taking the
// whole pipeline configuration down.
func NewDestination(cfg Config, transport Transport) *Destination {
	d := &Destination{
		cfg:         cfg,
		transport:   transport,
		configured:  transport != nil,
		maxFailures: defaultMaxFailures,
		now:         time.Now,
		log: log.WithComponent("destination").With().
			Str("destination_id", cfg.ID).
			Str("destination_type", cfg.Type).
			Logger(),
	}
	if !cfg.Enabled {
		d.gate = gateDisabled
	}
	return d
}

// ID returns the destination's stable identifier.
func (d *Destination) ID() string { return d.cfg.ID }

// Config returns the durable configuration the destination was built from.
func (d *Destination) Config() Config { return d.cfg }

// Publish runs the send gate and, when it passes, the transport send. The
// gate is one atomic section: the last-send timestamp is advanced before
// the transport I/O so a concurrent caller already sees the rate limit
// taken, and rolled back on failure so a failed send does not consume the
// rate-limit slot. Returns whether the payload was delivered.
func (d *Destination) Publish(payload Payload) bool {
	d.mu.Lock()
	if d.gate != gateActive || !d.configured {
		d.mu.Unlock()
		return false
	}
	if d.paused {
		// Pause was logged once when it engaged; stay quiet here.
		d.mu.Unlock()
		return false
	}
	now := d.now()
	if d.cfg.RateLimit > 0 && !d.lastSend.IsZero() {
		if now.Sub(d.lastSend).Seconds() < d.cfg.RateLimit {
			d.mu.Unlock()
			return false
		}
	}
	prevSend := d.lastSend
	d.lastSend = now
	transport := d.transport
	d.mu.Unlock()

	err := transport.Send(payload)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.lastSend = prevSend
		d.recordFailureLocked(err.Error())
		return false
	}
	d.recordSuccessLocked()
	return true
}

func (d *Destination) recordSuccessLocked() {
	d.frameCount++
	d.successStreak++
	if d.successStreak >= successStreakReset && d.failureCount > 0 {
		d.log.Debug().Int("forgiven_failures", d.failureCount).
			Msg("failure count reset after consecutive successes")
		d.failureCount = 0
		d.successStreak = 0
	}
	if d.cfg.MaxFrames > 0 && d.frameCount >= d.cfg.MaxFrames && !d.paused {
		d.paused = true
		d.log.Info().Int("max_frames", d.cfg.MaxFrames).
			Msg("frame limit reached, destination paused")
	}
}

func (d *Destination) recordFailureLocked(msg string) {
	d.lastError = msg
	d.failureCount++
	d.successStreak = 0
	d.log.Warn().Int("failure_count", d.failureCount).Str("error", msg).
		Msg("destination send failed")
	if d.failureCount >= d.maxFailures && d.gate != gateTripped {
		d.gate = gateTripped
		d.log.Error().Int("max_failures", d.maxFailures).
			Msg("failure threshold reached, destination disabled")
		if d.onTrip != nil {
			// Notify outside the lock; the handler may call back in.
			go d.onTrip(d.statusLocked())
		}
	}
}

// OnTrip registers a handler invoked once when the breaker trips.
func (d *Destination) OnTrip(fn func(Status)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTrip = fn
}

// Enable turns the destination back on after a manual disable and clears a
// frame-limit pause. It never clears a tripped breaker: that requires
// ResetFailures.
func (d *Destination) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	d.frameCount = 0
	if d.gate == gateDisabled {
		d.gate = gateActive
	}
}

// Disable turns the destination off manually. A tripped breaker stays
// tripped so the distinction survives an operator toggle.
func (d *Destination) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate == gateActive {
		d.gate = gateDisabled
	}
}

// Enabled reports whether sends currently pass the enablement gate.
func (d *Destination) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gate == gateActive
}

// Paused reports whether the frame-limit pause is engaged.
func (d *Destination) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// ResetFailures is the explicit breaker reset: clears the failure state and
// re-enables a tripped destination.
func (d *Destination) ResetFailures() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failureCount = 0
	d.successStreak = 0
	d.lastError = ""
	if d.gate == gateTripped {
		d.gate = gateActive
		d.log.Info().Msg("failure state reset, destination re-enabled")
	}
}

// ResetFrameCount clears the frame-limit pause and the counter behind it.
func (d *Destination) ResetFrameCount() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frameCount = 0
	if d.paused {
		d.paused = false
		d.log.Info().Msg("frame count reset, destination unpaused")
	}
}

// Status returns a point-in-time snapshot.
func (d *Destination) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusLocked()
}

func (d *Destination) statusLocked() Status {
	return Status{
		ID:           d.cfg.ID,
		Type:         d.cfg.Type,
		Enabled:      d.gate == gateActive,
		Configured:   d.configured,
		FailureCount: d.failureCount,
		AutoDisabled: d.gate == gateTripped,
		IsPaused:     d.paused,
		FrameCount:   d.frameCount,
		MaxFrames:    d.cfg.MaxFrames,
		LastError:    d.lastError,
	}
}

// ready reports whether a publish snapshot should include this destination.
func (d *Destination) ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gate == gateActive && d.configured && !d.paused
}

// Close releases the transport.
func (d *Destination) Close() {
	if d.transport == nil {
		return
	}
	if err := d.transport.Close(); err != nil {
		d.log.Warn().Err(err).Msg("error closing transport")
	}
}
