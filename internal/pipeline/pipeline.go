// Package pipeline implements the frame-processing unit of the node: one
// frame source, one inference engine and one result publisher driven by a
// dedicated worker goroutine.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"infernode/internal/log"
	"infernode/internal/publish"
)

var (
	// ErrNotInitialized is returned by Start before Configure succeeded.
	ErrNotInitialized = errors.New("pipeline not initialized")
	// ErrErrored is returned by Start while a previous fault is still set.
	// The caller must ClearError first; restarting into the same fault over
	// and over is almost never what an operator wants.
	ErrErrored = errors.New("pipeline is in error state")
	// ErrUnsupported is returned for capability calls the engine does not
	// implement.
	ErrUnsupported = errors.New("engine does not support confidence threshold")
	// ErrInvalidThreshold is returned for thresholds outside [0,1].
	ErrInvalidThreshold = errors.New("confidence threshold must be between 0.0 and 1.0")
)

const (
	// emptyReadsBeforeSleep is how many consecutive empty reads a folder
	// source tolerates before the loop sleeps instead of spinning.
	emptyReadsBeforeSleep = 10
	idleSleep             = 100 * time.Millisecond
	reconnectSleep        = time.Second
	// stopJoinTimeout bounds how long Stop waits for the worker to exit.
	stopJoinTimeout = 5 * time.Second
)

// State describes where a pipeline is in its lifecycle.
type State struct {
	Initialized bool   `json:"initialized"`
	Running     bool   `json:"running"`
	Error       string `json:"error,omitempty"`
	Status      string `json:"status"`
}

// Pipeline reads frames from a source, optionally runs inference and fans
// results out through its publisher. All collaborators are exclusively
// owned; a Pipeline is never shared across registry entries.
type Pipeline struct {
	id  string
	log zerolog.Logger

	source    FrameSource
	engine    Engine
	publisher *publish.Publisher
	traits    SourceTraits
	thumbs    ThumbnailSink

	mu            sync.Mutex
	initialized   bool
	running       bool
	errMsg        string
	streamers     int
	inferenceOn   bool
	stopRequested bool
	done          chan struct{}

	frameMu       sync.RWMutex
	latest        *Frame
	thumbCaptured bool

	metrics *rollingMetrics

	now func() time.Time
}

// New returns an empty, uninitialized pipeline.
func New(id string) *Pipeline {
	if id == "" {
		id = uuid.NewString()
	}
	return &Pipeline{
		id:          id,
		log:         log.WithComponent("pipeline").With().Str("pipeline_id", id).Logger(),
		metrics:     newRollingMetrics(),
		inferenceOn: true,
		now:         time.Now,
	}
}

// ID returns the pipeline's stable identifier.
func (p *Pipeline) ID() string { return p.id }

// Configure wires the collaborators and loads the model. It is the only
// transition out of the uninitialized state and fails loudly: on error the
// pipeline stays uninitialized with nothing half-wired.
func (p *Pipeline) Configure(source FrameSource, traits SourceTraits, engine Engine, pub *publish.Publisher) error {
	if source == nil || engine == nil || pub == nil {
		return errors.New("pipeline requires a source, an engine and a publisher")
	}
	if err := engine.Load(); err != nil {
		return fmt.Errorf("engine load: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = source
	p.traits = traits
	p.engine = engine
	p.publisher = pub
	p.initialized = true
	p.errMsg = ""
	p.log.Info().Msg("pipeline initialized")
	return nil
}

// SetThumbnailSink attaches the store that receives the one-shot thumbnail.
func (p *Pipeline) SetThumbnailSink(sink ThumbnailSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thumbs = sink
}

// Publisher exposes the owned result publisher for runtime destination
// control.
func (p *Pipeline) Publisher() *publish.Publisher { return p.publisher }

// Start spawns the processing loop. Calling it on a running pipeline is a
// logged no-op; calling it before Configure, or while a fault is still set,
// is a caller error.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return ErrNotInitialized
	}
	if p.errMsg != "" {
		p.mu.Unlock()
		return ErrErrored
	}
	if p.running {
		p.mu.Unlock()
		p.log.Warn().Msg("start ignored, pipeline already running")
		return nil
	}
	p.stopRequested = false
	p.running = true
	p.done = make(chan struct{})
	done := p.done
	source := p.source
	p.mu.Unlock()

	// Connect synchronously so configuration-level source problems surface
	// to the caller instead of as a loop fault.
	if err := source.Connect(); err != nil {
		close(done)
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return fmt.Errorf("frame source connect: %w", err)
	}

	p.metrics.reset(p.now())
	p.frameMu.Lock()
	p.thumbCaptured = false
	p.frameMu.Unlock()

	go p.run(done)
	return nil
}

// Stop signals the loop, waits a bounded time for it to exit and then
// force-disconnects the source either way. Stop never hangs.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopRequested = true
	p.streamers = 0
	done := p.done
	source := p.source
	p.mu.Unlock()

	// Refresh the thumbnail with the most recent frame so the dashboard
	// shows where the stream left off.
	if frame := p.LatestFrame(); frame != nil {
		p.captureThumbnail(frame, true)
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(stopJoinTimeout):
			p.log.Warn().Dur("timeout", stopJoinTimeout).Msg("worker did not stop within timeout")
		}
	}

	if source != nil {
		if err := source.Stop(); err != nil {
			p.log.Error().Err(err).Msg("error stopping frame source")
		}
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.log.Info().Msg("pipeline stopped")
}

// run is the processing loop. It owns all metric updates and the latest
// frame buffer; faults are caught once here, recorded, and force-disable
// inference so the loop does not refail on the same input forever.
func (p *Pipeline) run(done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			p.fault(fmt.Sprintf("panic in processing loop: %v", r))
		}
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		if p.source != nil {
			_ = p.source.Stop()
		}
		p.log.Info().Msg("run loop ended")
	}()

	emptyReads := 0
	for !p.stopping() {
		if !p.source.IsConnected() {
			if p.traits.Folder {
				// Empty or vanished folders are a normal, recoverable
				// condition for a watching source.
				if err := p.source.Connect(); err != nil || !p.source.IsConnected() {
					time.Sleep(reconnectSleep)
				}
				continue
			}
			return
		}

		frame, ok := p.source.Read()
		if !ok || frame == nil {
			emptyReads++
			if p.traits.Folder && emptyReads >= emptyReadsBeforeSleep {
				time.Sleep(idleSleep)
				emptyReads = 0
			}
			continue
		}
		emptyReads = 0

		if err := p.process(frame); err != nil {
			p.fault(err.Error())
			return
		}
	}
}

// process handles a single successfully read frame.
func (p *Pipeline) process(frame *Frame) error {
	p.metrics.recordFrame(p.now())

	var result *Result
	if p.InferenceEnabled() {
		start := p.now()
		res, err := p.engine.Infer(frame)
		if err != nil {
			return fmt.Errorf("inference: %w", err)
		}
		p.metrics.recordLatency(float64(p.now().Sub(start)) / float64(time.Millisecond))
		result = res
	}

	// Pay the rendering cost only when somebody will look at the result:
	// a destination that wants the annotated image, or an active stream.
	// The decision is taken once per frame; the payload attaches only what
	// was actually rendered.
	needResultImage := p.publisher.NeedsResultImage()
	var rendered *Frame
	if result != nil && (needResultImage || p.IsStreaming()) {
		annotated, err := p.engine.Draw(frame, result)
		if err != nil {
			return fmt.Errorf("draw: %w", err)
		}
		rendered = annotated
		p.storeLatest(annotated)
	} else {
		p.storeLatest(frame)
	}

	if result != nil {
		payload := publish.Payload{
			"pipeline_id": p.id,
			"results":     p.engine.ResultJSON(result),
		}
		var raw, annotated []byte
		if p.publisher.NeedsImage() {
			raw = frame.Data
		}
		if needResultImage && rendered != nil {
			annotated = rendered.Data
		}
		p.publisher.Publish(payload, raw, annotated)
	}

	p.deleteConsumedFile()
	return nil
}

// storeLatest replaces the shared preview buffer and captures the one-shot
// thumbnail on the first frame after start.
func (p *Pipeline) storeLatest(frame *Frame) {
	p.frameMu.Lock()
	p.latest = frame.Clone()
	needThumb := !p.thumbCaptured
	p.frameMu.Unlock()
	if needThumb {
		p.captureThumbnail(frame, false)
	}
}

func (p *Pipeline) captureThumbnail(frame *Frame, regenerate bool) {
	p.mu.Lock()
	sink := p.thumbs
	p.mu.Unlock()
	if sink == nil {
		return
	}
	p.frameMu.Lock()
	if p.thumbCaptured && !regenerate {
		p.frameMu.Unlock()
		return
	}
	p.thumbCaptured = true
	p.frameMu.Unlock()

	if err := sink.Capture(p.id, frame); err != nil {
		p.log.Warn().Err(err).Msg("thumbnail capture failed")
		return
	}
	p.log.Debug().Msg("thumbnail captured")
}

// CaptureThumbnail regenerates the thumbnail from the most recent frame.
func (p *Pipeline) CaptureThumbnail() error {
	frame := p.LatestFrame()
	if frame == nil {
		return errors.New("no frame available")
	}
	p.mu.Lock()
	sink := p.thumbs
	p.mu.Unlock()
	if sink == nil {
		return errors.New("no thumbnail store configured")
	}
	return sink.Capture(p.id, frame)
}

// deleteConsumedFile removes the just-processed source file when the folder
// source is configured for auto-delete. Another consumer may have deleted
// the same file already; that is not an error.
func (p *Pipeline) deleteConsumedFile() {
	if !p.traits.AutoDelete {
		return
	}
	fp, ok := p.source.(FilePathProvider)
	if !ok {
		return
	}
	path := fp.CurrentFilePath()
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			p.log.Debug().Str("file", path).Msg("file already deleted by another consumer")
			return
		}
		p.log.Warn().Err(err).Str("file", path).Msg("failed to delete processed file")
		return
	}
	p.log.Debug().Str("file", path).Msg("deleted processed file")
}

func (p *Pipeline) fault(msg string) {
	p.mu.Lock()
	p.errMsg = msg
	p.inferenceOn = false
	p.mu.Unlock()
	p.log.Error().Str("error", msg).Msg("pipeline fault, inference disabled")
}

func (p *Pipeline) stopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopRequested
}

// GetState returns the lifecycle snapshot used by the API layer.
func (p *Pipeline) GetState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := State{
		Initialized: p.initialized,
		Running:     p.running,
		Error:       p.errMsg,
	}
	switch {
	case p.errMsg != "":
		if p.initialized {
			s.Status = "initialized_error"
		} else {
			s.Status = "uninitialized_error"
		}
	case p.running:
		s.Status = "initialized_running"
	case p.initialized:
		s.Status = "initialized_stopped"
	default:
		s.Status = "uninitialized_stopped"
	}
	return s
}

// Running reports whether the worker loop is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Initialized reports whether Configure has succeeded.
func (p *Pipeline) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// HasError reports whether a fault message is set.
func (p *Pipeline) HasError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errMsg != ""
}

// Error returns the retained fault message, empty when healthy.
func (p *Pipeline) Error() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errMsg
}

// ClearError clears the fault so the pipeline may be started again.
func (p *Pipeline) ClearError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errMsg = ""
}

// EnableInference turns the inference step back on.
func (p *Pipeline) EnableInference() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inferenceOn = true
}

// DisableInference skips the inference step; frames still flow to preview
// and thumbnails.
func (p *Pipeline) DisableInference() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inferenceOn = false
}

// InferenceEnabled reports whether the loop runs the engine per frame.
func (p *Pipeline) InferenceEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inferenceOn
}

// StartStreaming registers a viewer: the loop renders annotated frames even
// when no destination asks for them. Viewers are counted, so rendering
// continues until the last one detaches.
func (p *Pipeline) StartStreaming() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamers++
}

// StopStreaming detaches one viewer; the last one dropping off returns the
// loop to cheap raw-frame previews.
func (p *Pipeline) StopStreaming() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streamers > 0 {
		p.streamers--
	}
}

// IsStreaming reports whether at least one viewer is attached.
func (p *Pipeline) IsStreaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamers > 0
}

// LatestFrame returns an independent copy of the most recent preview frame,
// nil before the first frame arrives.
func (p *Pipeline) LatestFrame() *Frame {
	p.frameMu.RLock()
	defer p.frameMu.RUnlock()
	return p.latest.Clone()
}

// SetConfidenceThreshold forwards the threshold to the engine when it
// supports the capability.
func (p *Pipeline) SetConfidenceThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return ErrInvalidThreshold
	}
	ct, ok := p.engine.(ConfidenceThresholder)
	if !ok {
		return ErrUnsupported
	}
	ct.SetConfidenceThreshold(threshold)
	p.log.Info().Float64("threshold", threshold).Msg("confidence threshold set")
	return nil
}

// ConfidenceThreshold reads the engine's threshold when supported.
func (p *Pipeline) ConfidenceThreshold() (float64, error) {
	ct, ok := p.engine.(ConfidenceThresholder)
	if !ok {
		return 0, ErrUnsupported
	}
	return ct.ConfidenceThreshold(), nil
}

// Metrics assembles the snapshot served by the stats endpoints.
func (p *Pipeline) Metrics() Metrics {
	now := p.now()
	start := p.metrics.startTime()
	var elapsed time.Duration
	if !start.IsZero() {
		elapsed = now.Sub(start)
	}
	frames, inferences := p.metrics.counts()

	var overall float64
	if elapsed > 0 {
		overall = float64(frames) / elapsed.Seconds()
	}

	return Metrics{
		ID:               p.id,
		FrameCount:       frames,
		InferenceCount:   inferences,
		ElapsedSeconds:   elapsed.Seconds(),
		Uptime:           formatUptime(elapsed),
		FPS:              p.metrics.rollingFPS(now),
		FPSOverall:       overall,
		LatencyMS:        p.metrics.rollingLatency(),
		InferenceEnabled: p.InferenceEnabled(),
		State:            p.GetState(),
	}
}
