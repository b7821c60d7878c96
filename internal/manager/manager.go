// Package manager supervises pipelines: it owns the durable registry of
// pipeline configurations and the set of live instances, converting the
// asynchronous pipeline workers into a bounded synchronous start/stop API.
package manager

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"infernode/internal/engine"
	"infernode/internal/events"
	"infernode/internal/log"
	"infernode/internal/pipeline"
	"infernode/internal/publish"
	"infernode/internal/source"
)

var (
	// ErrAlreadyRunning is returned by Start when a live instance exists.
	ErrAlreadyRunning = errors.New("pipeline is already running")
	// ErrRunning is returned by Update while a live instance exists.
	ErrRunning = errors.New("pipeline is running, stop it first")
	// ErrNotRunning is returned by operations that need a live instance.
	ErrNotRunning = errors.New("pipeline is not running")
	// ErrErrored is returned by Start while an entry's error is uncleared.
	ErrErrored = errors.New("pipeline is in error state, clear the error first")
	// ErrDestinationNotFound is returned when a destination id is unknown.
	ErrDestinationNotFound = errors.New("destination not found")
)

const (
	defaultStartTimeout    = 10 * time.Second
	defaultPollInterval    = 100 * time.Millisecond
	defaultMonitorInterval = time.Second
)

// ModelPathResolver resolves a model id to a file path; empty means the
// model does not exist.
type ModelPathResolver interface {
	GetModelPath(id string) string
}

// SourceFactory builds a frame source from durable config.
type SourceFactory func(cfg SourceConfig) (pipeline.FrameSource, pipeline.SourceTraits, error)

// EngineFactory builds an inference engine from durable config and the
// resolved model path.
type EngineFactory func(cfg ModelConfig, modelPath string) (pipeline.Engine, error)

// DeviceValidator maps a requested accelerator device to one that is
// actually available. Hardware detection lives outside this package.
type DeviceValidator func(requested string) string

// Options configures a Manager. DataDir is required; everything else has a
// sensible default.
type Options struct {
	DataDir string
	Models  ModelPathResolver
	Events  *events.Store

	NodeID   string
	NodeName string

	PublisherWorkers int
	StartTimeout     time.Duration
	PollInterval     time.Duration
	MonitorInterval  time.Duration

	Sources        SourceFactory
	Engines        EngineFactory
	ValidateDevice DeviceValidator
}

// Manager is the pipeline lifecycle supervisor. At most one live instance
// exists per registry entry; the manager's lock covers only bookkeeping,
// never frame processing.
type Manager struct {
	logger   zerolog.Logger
	registry *registry
	thumbs   *ThumbnailStore
	models   ModelPathResolver
	events   *events.Store

	nodeID   string
	nodeName string
	workers  int

	startTimeout    time.Duration
	pollInterval    time.Duration
	monitorInterval time.Duration

	newSource   SourceFactory
	newEngine   EngineFactory
	validDevice DeviceValidator

	mu       sync.Mutex
	active   map[string]*pipeline.Pipeline
	starting map[string]struct{}
}

// New opens the registry and thumbnail store under opts.DataDir.
func New(opts Options) (*Manager, error) {
	if opts.DataDir == "" {
		return nil, errors.New("manager requires a data directory")
	}
	pipelinesDir := filepath.Join(opts.DataDir, "pipelines")
	reg, err := openRegistry(pipelinesDir)
	if err != nil {
		return nil, err
	}
	thumbs, err := NewThumbnailStore(filepath.Join(pipelinesDir, "thumbnails"))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		logger:          log.WithComponent("manager"),
		registry:        reg,
		thumbs:          thumbs,
		models:          opts.Models,
		events:          opts.Events,
		nodeID:          opts.NodeID,
		nodeName:        opts.NodeName,
		workers:         opts.PublisherWorkers,
		startTimeout:    opts.StartTimeout,
		pollInterval:    opts.PollInterval,
		monitorInterval: opts.MonitorInterval,
		newSource:       opts.Sources,
		newEngine:       opts.Engines,
		validDevice:     opts.ValidateDevice,
		active:          map[string]*pipeline.Pipeline{},
		starting:        map[string]struct{}{},
	}
	if m.startTimeout <= 0 {
		m.startTimeout = defaultStartTimeout
	}
	if m.pollInterval <= 0 {
		m.pollInterval = defaultPollInterval
	}
	if m.monitorInterval <= 0 {
		m.monitorInterval = defaultMonitorInterval
	}
	if m.newSource == nil {
		m.newSource = defaultSourceFactory
	}
	if m.newEngine == nil {
		m.newEngine = m.defaultEngineFactory
	}
	if m.validDevice == nil {
		m.validDevice = func(requested string) string {
			if requested == "" {
				return "cpu"
			}
			return requested
		}
	}
	return m, nil
}

// Thumbnails exposes the thumbnail store to the API layer.
func (m *Manager) Thumbnails() *ThumbnailStore { return m.thumbs }

func (m *Manager) recordEvent(pipelineID, eventType, message string) {
	if m.events == nil {
		return
	}
	m.events.Record(pipelineID, eventType, message)
}

// CreateRequest carries the fields of a new pipeline entry.
type CreateRequest struct {
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Source       SourceConfig     `json:"source"`
	Model        ModelConfig      `json:"model"`
	Destinations []publish.Config `json:"destinations,omitempty"`
}

// Create registers a new pipeline entry in the stopped state.
func (m *Manager) Create(req CreateRequest) (*Entry, error) {
	if req.Name == "" {
		return nil, errors.New("pipeline requires a name")
	}
	now := time.Now().UTC()
	entry := &Entry{
		ID:               uuid.NewString(),
		Name:             req.Name,
		Description:      req.Description,
		Source:           req.Source,
		Model:            req.Model,
		Destinations:     req.Destinations,
		Status:           StatusStopped,
		InferenceEnabled: true,
		CreatedAt:        now,
		ModifiedAt:       now,
	}
	for i := range entry.Destinations {
		if entry.Destinations[i].ID == "" {
			entry.Destinations[i].ID = uuid.NewString()
		}
	}
	if err := m.registry.put(entry); err != nil {
		return nil, err
	}
	m.logger.Info().Str("pipeline_id", entry.ID).Str("name", entry.Name).Msg("pipeline created")
	return entry.clone(), nil
}

// Get returns the entry, overlaid with live metrics and destination states
// when an instance is running.
func (m *Manager) Get(id string) (*Entry, error) {
	entry, err := m.registry.get(id)
	if err != nil {
		return nil, err
	}
	m.overlayLive(entry)
	return entry, nil
}

// List returns every entry, each overlaid with live state where available.
func (m *Manager) List() []*Entry {
	entries := m.registry.list()
	for _, e := range entries {
		m.overlayLive(e)
	}
	return entries
}

func (m *Manager) overlayLive(e *Entry) {
	m.mu.Lock()
	p := m.active[e.ID]
	m.mu.Unlock()
	if p == nil || !p.Running() {
		return
	}
	metrics := p.Metrics()
	e.Stats = &metrics
	e.Status = StatusRunning
	e.InferenceEnabled = p.InferenceEnabled()
	if pub := p.Publisher(); pub != nil {
		e.DestinationStates = pub.States()
	}
}

// UpdateRequest carries a partial entry update; nil fields are left as-is.
type UpdateRequest struct {
	Name             *string           `json:"name,omitempty"`
	Description      *string           `json:"description,omitempty"`
	Source           *SourceConfig     `json:"source,omitempty"`
	Model            *ModelConfig      `json:"model,omitempty"`
	Destinations     *[]publish.Config `json:"destinations,omitempty"`
	InferenceEnabled *bool             `json:"inference_enabled,omitempty"`
}

// Update merges the request into the durable entry. Rejected while a live
// instance exists. Destinations keep their identity and enabled state when
// a semantically equivalent destination already exists, so edits from a UI
// never orphan runtime toggles.
func (m *Manager) Update(id string, req UpdateRequest) (*Entry, error) {
	m.mu.Lock()
	if p, ok := m.active[id]; ok && p.Running() {
		m.mu.Unlock()
		return nil, ErrRunning
	}
	m.mu.Unlock()

	err := m.registry.mutate(id, func(e *Entry) {
		if req.Name != nil {
			e.Name = *req.Name
		}
		if req.Description != nil {
			e.Description = *req.Description
		}
		if req.Source != nil {
			e.Source = *req.Source
		}
		if req.Model != nil {
			e.Model = *req.Model
		}
		if req.InferenceEnabled != nil {
			e.InferenceEnabled = *req.InferenceEnabled
		}
		if req.Destinations != nil {
			e.Destinations = mergeDestinations(e.Destinations, *req.Destinations)
		}
	})
	if err != nil {
		return nil, err
	}
	return m.registry.get(id)
}

// mergeDestinations matches each updated destination against the existing
// list, by id first and then by type plus settings. Matches keep their
// original id and current enabled state; only genuinely new destinations
// get fresh ids.
func mergeDestinations(existing, updated []publish.Config) []publish.Config {
	out := make([]publish.Config, 0, len(updated))
	for _, nd := range updated {
		if match := matchDestination(existing, nd); match != nil {
			nd.ID = match.ID
			nd.Enabled = match.Enabled
		} else if nd.ID == "" {
			nd.ID = uuid.NewString()
		}
		out = append(out, nd)
	}
	return out
}

func matchDestination(existing []publish.Config, nd publish.Config) *publish.Config {
	if nd.ID != "" {
		for i := range existing {
			if existing[i].ID == nd.ID {
				return &existing[i]
			}
		}
	}
	for i := range existing {
		if existing[i].Type == nd.Type && reflect.DeepEqual(existing[i].Settings, nd.Settings) {
			return &existing[i]
		}
	}
	return nil
}

// Delete stops any live instance, removes the thumbnail and drops the
// entry. Errored entries are deletable like any other.
func (m *Manager) Delete(id string) error {
	if _, err := m.registry.get(id); err != nil {
		return err
	}
	_ = m.Stop(id)
	if err := m.thumbs.Delete(id); err != nil {
		m.logger.Warn().Err(err).Str("pipeline_id", id).Msg("failed to delete thumbnail")
	}
	return m.registry.delete(id)
}

// startStatus is the shared record the startup worker reports through and
// Start polls.
type startStatus struct {
	mu      sync.Mutex
	started bool
	errMsg  string
}

func (s *startStatus) markStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

func (s *startStatus) fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = msg
}

func (s *startStatus) snapshot() (started bool, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.errMsg
}

// Start builds and launches the entry's pipeline, blocking until it is
// running, it failed, or the startup timeout elapsed. Stale bookkeeping
// (an instance that is present but no longer running) is cleaned up and
// treated as not running.
func (m *Manager) Start(id string) error {
	entry, err := m.registry.get(id)
	if err != nil {
		return err
	}
	if entry.Status == StatusError {
		return ErrErrored
	}

	m.mu.Lock()
	if _, ok := m.starting[id]; ok {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	if p, ok := m.active[id]; ok {
		if p.Running() {
			m.mu.Unlock()
			return ErrAlreadyRunning
		}
		delete(m.active, id)
		m.logger.Warn().Str("pipeline_id", id).Msg("cleaned up stale pipeline instance")
	}
	m.starting[id] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, id)
		m.mu.Unlock()
	}()

	p, err := m.build(entry)
	if err != nil {
		msg := err.Error()
		_ = m.registry.mutate(id, func(e *Entry) {
			e.Status = StatusError
			e.StatusMessage = msg
		})
		m.recordEvent(id, events.TypeError, msg)
		return fmt.Errorf("configure pipeline %s: %w", id, err)
	}

	m.mu.Lock()
	m.active[id] = p
	m.mu.Unlock()

	status := &startStatus{}
	go m.supervise(id, p, status)

	deadline := time.Now().Add(m.startTimeout)
	for {
		started, errMsg := status.snapshot()
		switch {
		case errMsg != "":
			m.teardown(id, p)
			_ = m.registry.mutate(id, func(e *Entry) {
				e.Status = StatusError
				e.StatusMessage = errMsg
			})
			m.recordEvent(id, events.TypeError, errMsg)
			return fmt.Errorf("start pipeline %s: %s", id, errMsg)
		case started:
			m.mu.Lock()
			owned := m.active[id] == p
			m.mu.Unlock()
			if !owned {
				// Terminated right after startup; the supervisor already
				// recorded the outcome.
				fresh, err := m.registry.get(id)
				if err == nil && fresh.StatusMessage != "" {
					return fmt.Errorf("pipeline %s terminated during startup: %s", id, fresh.StatusMessage)
				}
				if err == nil && fresh.Status == StatusStopped {
					// A one-shot source can drain before the startup poll
					// catches up. That is a completed run, not a failure.
					m.logger.Info().Str("pipeline_id", id).Msg("pipeline ran to completion during startup")
					return nil
				}
				return fmt.Errorf("pipeline %s terminated during startup", id)
			}
			_ = m.registry.mutate(id, func(e *Entry) {
				e.Status = StatusRunning
				e.StatusMessage = ""
			})
			m.recordEvent(id, events.TypeStarted, "")
			m.logger.Info().Str("pipeline_id", id).Msg("pipeline started")
			return nil
		case time.Now().After(deadline):
			m.teardown(id, p)
			msg := fmt.Sprintf("did not start within %s", m.startTimeout)
			_ = m.registry.mutate(id, func(e *Entry) {
				e.Status = StatusError
				e.StatusMessage = msg
			})
			m.recordEvent(id, events.TypeError, msg)
			return fmt.Errorf("start pipeline %s: %s", id, msg)
		}
		time.Sleep(m.pollInterval)
	}
}

// supervise runs the pipeline's startup and then watches for termination,
// reconciling the registry when the instance it launched goes away.
func (m *Manager) supervise(id string, p *pipeline.Pipeline, status *startStatus) {
	if err := p.Start(); err != nil {
		status.fail(err.Error())
		return
	}
	status.markStarted()

	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()
	for range ticker.C {
		if p.Running() {
			continue
		}

		m.mu.Lock()
		owned := m.active[id] == p
		if owned {
			delete(m.active, id)
		}
		m.mu.Unlock()
		if !owned {
			// Stop() or a restart already reconciled this instance.
			return
		}

		metrics := p.Metrics()
		if p.HasError() {
			msg := p.Error()
			_ = m.registry.mutate(id, func(e *Entry) {
				e.Status = StatusError
				e.StatusMessage = msg
				e.InferenceEnabled = false
				e.Stats = &metrics
			})
			m.recordEvent(id, events.TypeError, msg)
			m.logger.Error().Str("pipeline_id", id).Str("error", msg).Msg("pipeline terminated with error")
		} else {
			_ = m.registry.mutate(id, func(e *Entry) {
				e.Status = StatusStopped
				e.StatusMessage = ""
				e.Stats = &metrics
			})
			m.recordEvent(id, events.TypeStopped, "")
			m.logger.Info().Str("pipeline_id", id).Msg("pipeline terminated cleanly")
		}
		if pub := p.Publisher(); pub != nil {
			pub.Shutdown()
		}
		return
	}
}

// teardown removes the instance from the active set and releases it.
func (m *Manager) teardown(id string, p *pipeline.Pipeline) {
	m.mu.Lock()
	if m.active[id] == p {
		delete(m.active, id)
	}
	m.mu.Unlock()
	p.Stop()
	if pub := p.Publisher(); pub != nil {
		pub.Shutdown()
	}
}

// Stop halts the entry's live instance, tolerating there being none.
func (m *Manager) Stop(id string) error {
	if _, err := m.registry.get(id); err != nil {
		return err
	}

	m.mu.Lock()
	p := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()

	if p == nil {
		_ = m.registry.mutate(id, func(e *Entry) {
			if e.Status == StatusRunning {
				e.Status = StatusStopped
			}
		})
		return nil
	}

	p.Stop()
	if pub := p.Publisher(); pub != nil {
		pub.Shutdown()
	}
	metrics := p.Metrics()
	_ = m.registry.mutate(id, func(e *Entry) {
		e.Status = StatusStopped
		e.StatusMessage = ""
		e.Stats = &metrics
	})
	m.recordEvent(id, events.TypeStopped, "")
	m.logger.Info().Str("pipeline_id", id).Msg("pipeline stopped")
	return nil
}

// Shutdown stops every live pipeline.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			m.logger.Warn().Err(err).Str("pipeline_id", id).Msg("error stopping pipeline during shutdown")
		}
	}
}

// build assembles a pipeline instance from a durable entry.
func (m *Manager) build(entry *Entry) (*pipeline.Pipeline, error) {
	src, traits, err := m.newSource(entry.Source)
	if err != nil {
		return nil, err
	}

	var modelPath, modelName string
	if entry.Model.ID != "" {
		if m.models == nil {
			return nil, errors.New("no model repository configured")
		}
		modelPath = m.models.GetModelPath(entry.Model.ID)
		if modelPath == "" {
			return nil, fmt.Errorf("model %s not found", entry.Model.ID)
		}
		modelName = entry.Model.ID
	}
	eng, err := m.newEngine(entry.Model, modelPath)
	if err != nil {
		return nil, err
	}

	pub := publish.NewPublisher(m.workers)
	vars := publish.ContextVars(entry.ID, m.nodeID, m.nodeName, modelName)
	for _, cfg := range entry.Destinations {
		d := publish.NewDestinationFromConfig(cfg, vars)
		if m.events != nil {
			pipelineID := entry.ID
			d.OnTrip(func(st publish.Status) {
				m.recordEvent(pipelineID, events.TypeDestinationTripped,
					fmt.Sprintf("destination %s (%s) disabled after %d failures", st.ID, st.Type, st.FailureCount))
			})
		}
		pub.Add(d)
	}

	p := pipeline.New(entry.ID)
	p.SetThumbnailSink(m.thumbs)
	if err := p.Configure(src, traits, eng, pub); err != nil {
		pub.Shutdown()
		_ = src.Stop()
		return nil, err
	}
	if !entry.InferenceEnabled {
		p.DisableInference()
	}
	return p, nil
}

func defaultSourceFactory(cfg SourceConfig) (pipeline.FrameSource, pipeline.SourceTraits, error) {
	switch cfg.CaptureType {
	case "folder":
		watch := cfg.Settings.Bool("watch", true)
		s := source.NewFolder(source.FolderConfig{
			Path:  cfg.Settings.String("path", ""),
			Watch: watch,
		})
		// Only a watching folder gets reconnect-and-continue; a one-shot
		// source ends the loop once its files are drained.
		return s, pipeline.SourceTraits{Folder: watch, AutoDelete: cfg.AutoDelete}, nil
	case "http":
		interval := time.Duration(cfg.Settings.Float("interval", 1) * float64(time.Second))
		s := source.NewHTTPPoller(source.HTTPConfig{
			URL:      cfg.Settings.String("url", ""),
			Interval: interval,
		})
		return s, pipeline.SourceTraits{}, nil
	default:
		return nil, pipeline.SourceTraits{}, fmt.Errorf("unknown capture type %q", cfg.CaptureType)
	}
}

func (m *Manager) defaultEngineFactory(cfg ModelConfig, modelPath string) (pipeline.Engine, error) {
	switch cfg.EngineType {
	case "", "pass":
		return engine.NewPass(), nil
	case "remote":
		return engine.NewRemote(engine.RemoteConfig{
			URL:       cfg.ServerURL,
			ModelPath: modelPath,
			Device:    m.validDevice(cfg.Device),
			Threshold: cfg.Threshold,
		}), nil
	default:
		return nil, fmt.Errorf("unknown engine type %q", cfg.EngineType)
	}
}
