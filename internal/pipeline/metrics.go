package pipeline

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// fpsWindow is the retention span for the rolling FPS calculation.
	fpsWindow = 10 * time.Second
	// fpsPruneMargin keeps a little slack beyond the window so pruning every
	// 100 frames never discards samples still inside it.
	fpsPruneMargin = 2 * time.Second
	// latencyWindowSize bounds the rolling inference latency buffer.
	latencyWindowSize = 100
	// prunePeriod is how many frames pass between timestamp prunes.
	prunePeriod = 100
)

// Metrics is a point-in-time snapshot of a pipeline's counters and rolling
// averages.
type Metrics struct {
	ID               string  `json:"id"`
	FrameCount       uint64  `json:"frame_count"`
	InferenceCount   uint64  `json:"inference_count"`
	ElapsedSeconds   float64 `json:"elapsed_time"`
	Uptime           string  `json:"uptime"`
	FPS              float64 `json:"fps"`
	FPSOverall       float64 `json:"fps_overall"`
	LatencyMS        float64 `json:"latency_ms"`
	InferenceEnabled bool    `json:"inference_enabled"`
	State            State   `json:"state"`
}

// rollingMetrics accumulates per-frame samples. The pipeline worker is the
// only writer; snapshot readers may be concurrent.
type rollingMetrics struct {
	mu             sync.Mutex
	start          time.Time
	frameCount     uint64
	inferenceCount uint64
	timestamps     []time.Time
	latencies      []float64
}

func newRollingMetrics() *rollingMetrics {
	return &rollingMetrics{}
}

func (m *rollingMetrics) reset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = now
	m.frameCount = 0
	m.inferenceCount = 0
	m.timestamps = m.timestamps[:0]
	m.latencies = m.latencies[:0]
}

// recordFrame counts a processed frame and keeps its timestamp for the FPS
// window. Pruning runs every prunePeriod frames to stay off the hot path.
func (m *rollingMetrics) recordFrame(now time.Time) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameCount++
	m.timestamps = append(m.timestamps, now)
	if m.frameCount%prunePeriod == 0 {
		m.pruneLocked(now.Add(-(fpsWindow + fpsPruneMargin)))
	}
	return m.frameCount
}

// recordLatency appends one inference latency sample, dropping the oldest
// once the window is full.
func (m *rollingMetrics) recordLatency(ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inferenceCount++
	m.latencies = append(m.latencies, ms)
	if len(m.latencies) > latencyWindowSize {
		m.latencies = m.latencies[len(m.latencies)-latencyWindowSize:]
	}
}

func (m *rollingMetrics) pruneLocked(cutoff time.Time) {
	keep := m.timestamps[:0]
	for _, ts := range m.timestamps {
		if !ts.Before(cutoff) {
			keep = append(keep, ts)
		}
	}
	m.timestamps = keep
}

// rollingFPS computes frames per second over the retained window. Fewer than
// two samples in the window yields 0; otherwise intervals are counted, not
// frames, so n samples spanning t seconds give (n-1)/t.
func (m *rollingMetrics) rollingFPS(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now.Add(-fpsWindow))
	n := len(m.timestamps)
	if n < 2 {
		return 0
	}
	span := m.timestamps[n-1].Sub(m.timestamps[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return round1(float64(n-1) / span)
}

// rollingLatency is the mean of the retained latency samples, 0 when empty.
func (m *rollingMetrics) rollingLatency() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.latencies) == 0 {
		return 0
	}
	var sum float64
	for _, l := range m.latencies {
		sum += l
	}
	return round1(sum / float64(len(m.latencies)))
}

func (m *rollingMetrics) counts() (frames, inferences uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frameCount, m.inferenceCount
}

func (m *rollingMetrics) startTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// formatUptime renders an elapsed duration the way the dashboard expects:
// seconds, then "Nm Ms", "Nh Mm" and finally "Nd Hh".
func formatUptime(elapsed time.Duration) string {
	secs := int64(elapsed.Seconds())
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	case secs < 86400:
		return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
	default:
		return fmt.Sprintf("%dd %dh", secs/86400, (secs%86400)/3600)
	}
}
