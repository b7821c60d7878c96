package manager

import (
	"errors"

	"infernode/internal/pipeline"
	"infernode/internal/publish"
)

// live returns the running instance for id, nil when there is none.
func (m *Manager) live(id string) *pipeline.Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.active[id]
	if p == nil || !p.Running() {
		return nil
	}
	return p
}

// ClearError acknowledges a fault: the entry moves back to stopped and may
// be started again.
func (m *Manager) ClearError(id string) error {
	if p := m.live(id); p != nil {
		p.ClearError()
	}
	return m.registry.mutate(id, func(e *Entry) {
		if e.Status == StatusError {
			e.Status = StatusStopped
		}
		e.StatusMessage = ""
	})
}

// EnableInference turns inference on, durably and on the live instance.
func (m *Manager) EnableInference(id string) error {
	return m.setInference(id, true)
}

// DisableInference turns inference off; frames keep flowing to previews.
func (m *Manager) DisableInference(id string) error {
	return m.setInference(id, false)
}

func (m *Manager) setInference(id string, enabled bool) error {
	if err := m.registry.mutate(id, func(e *Entry) {
		e.InferenceEnabled = enabled
	}); err != nil {
		return err
	}
	if p := m.live(id); p != nil {
		if enabled {
			p.EnableInference()
		} else {
			p.DisableInference()
		}
	}
	return nil
}

// SetConfidenceThreshold updates the live engine when running and always
// persists the value for the next run.
func (m *Manager) SetConfidenceThreshold(id string, threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return pipeline.ErrInvalidThreshold
	}
	if p := m.live(id); p != nil {
		if err := p.SetConfidenceThreshold(threshold); err != nil {
			return err
		}
	}
	return m.registry.mutate(id, func(e *Entry) {
		e.Model.Threshold = threshold
	})
}

// GetConfidenceThreshold reads the live engine's threshold when running,
// otherwise the durable value.
func (m *Manager) GetConfidenceThreshold(id string) (float64, error) {
	if p := m.live(id); p != nil {
		return p.ConfidenceThreshold()
	}
	entry, err := m.registry.get(id)
	if err != nil {
		return 0, err
	}
	return entry.Model.Threshold, nil
}

// EnableDestination enables one destination durably and on the live
// instance. The live enable clears a frame-limit pause but never a tripped
// breaker.
func (m *Manager) EnableDestination(id, destID string) error {
	return m.setDestination(id, destID, true)
}

// DisableDestination disables one destination durably and live.
func (m *Manager) DisableDestination(id, destID string) error {
	return m.setDestination(id, destID, false)
}

func (m *Manager) setDestination(id, destID string, enabled bool) error {
	found := false
	err := m.registry.mutate(id, func(e *Entry) {
		for i := range e.Destinations {
			if e.Destinations[i].ID == destID {
				e.Destinations[i].Enabled = enabled
				found = true
				return
			}
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrDestinationNotFound
	}
	if p := m.live(id); p != nil {
		if d, ok := p.Publisher().Get(destID); ok {
			if enabled {
				d.Enable()
			} else {
				d.Disable()
			}
		}
	}
	return nil
}

// DestinationStates returns runtime destination status when the pipeline is
// live, otherwise a view synthesized from durable config.
func (m *Manager) DestinationStates(id string) ([]publish.Status, error) {
	if p := m.live(id); p != nil {
		return p.Publisher().States(), nil
	}
	entry, err := m.registry.get(id)
	if err != nil {
		return nil, err
	}
	states := make([]publish.Status, 0, len(entry.Destinations))
	for _, cfg := range entry.Destinations {
		states = append(states, publish.Status{
			ID:        cfg.ID,
			Type:      cfg.Type,
			Enabled:   cfg.Enabled,
			MaxFrames: cfg.MaxFrames,
		})
	}
	return states, nil
}

// ResetDestinationFailures clears a destination's breaker on the live
// instance. Failure state is runtime-only, so a live instance is required.
func (m *Manager) ResetDestinationFailures(id, destID string) error {
	p := m.live(id)
	if p == nil {
		return ErrNotRunning
	}
	d, ok := p.Publisher().Get(destID)
	if !ok {
		return ErrDestinationNotFound
	}
	d.ResetFailures()
	return nil
}

// ResetDestinationFrameCount clears a destination's frame-limit pause.
func (m *Manager) ResetDestinationFrameCount(id, destID string) error {
	p := m.live(id)
	if p == nil {
		return ErrNotRunning
	}
	d, ok := p.Publisher().Get(destID)
	if !ok {
		return ErrDestinationNotFound
	}
	d.ResetFrameCount()
	return nil
}

// Metrics returns the live metrics snapshot, or the last persisted one.
func (m *Manager) Metrics(id string) (pipeline.Metrics, error) {
	if p := m.live(id); p != nil {
		return p.Metrics(), nil
	}
	entry, err := m.registry.get(id)
	if err != nil {
		return pipeline.Metrics{}, err
	}
	if entry.Stats != nil {
		return *entry.Stats, nil
	}
	return pipeline.Metrics{ID: id}, nil
}

// LatestFrame returns the live preview frame's JPEG bytes.
func (m *Manager) LatestFrame(id string) ([]byte, error) {
	p := m.live(id)
	if p == nil {
		return nil, ErrNotRunning
	}
	frame := p.LatestFrame()
	if frame == nil {
		return nil, errors.New("no frame available yet")
	}
	return frame.Data, nil
}

// StartStreaming marks the pipeline watched so it renders annotated frames.
func (m *Manager) StartStreaming(id string) error {
	p := m.live(id)
	if p == nil {
		return ErrNotRunning
	}
	p.StartStreaming()
	return nil
}

// StopStreaming drops the pipeline back to cheap previews.
func (m *Manager) StopStreaming(id string) error {
	p := m.live(id)
	if p == nil {
		return ErrNotRunning
	}
	p.StopStreaming()
	return nil
}

// GenerateThumbnail regenerates the thumbnail from the live preview frame.
func (m *Manager) GenerateThumbnail(id string) error {
	p := m.live(id)
	if p == nil {
		return ErrNotRunning
	}
	return p.CaptureThumbnail()
}

// AggregateStats summarizes all registered pipelines. Averages cover only
// active instances with usable readings; zero readings are ignored rather
// than dragging the average down.
type AggregateStats struct {
	TotalPipelines   int     `json:"total_pipelines"`
	ActivePipelines  int     `json:"active_pipelines"`
	TotalFrames      uint64  `json:"total_frames"`
	AverageFPS       float64 `json:"average_fps"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
}

// Stats computes the aggregate snapshot.
func (m *Manager) Stats() AggregateStats {
	stats := AggregateStats{TotalPipelines: len(m.registry.list())}

	m.mu.Lock()
	instances := make([]*pipeline.Pipeline, 0, len(m.active))
	for _, p := range m.active {
		instances = append(instances, p)
	}
	m.mu.Unlock()

	var fpsSum, latSum float64
	var fpsN, latN int
	for _, p := range instances {
		if !p.Running() {
			continue
		}
		stats.ActivePipelines++
		metrics := p.Metrics()
		stats.TotalFrames += metrics.FrameCount
		if metrics.FPS > 0 {
			fpsSum += metrics.FPS
			fpsN++
		}
		if metrics.LatencyMS > 0 {
			latSum += metrics.LatencyMS
			latN++
		}
	}
	if fpsN > 0 {
		stats.AverageFPS = fpsSum / float64(fpsN)
	}
	if latN > 0 {
		stats.AverageLatencyMS = latSum / float64(latN)
	}
	return stats
}
