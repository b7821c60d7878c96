package engine

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"infernode/internal/log"
	"infernode/internal/pipeline"
)

// RemoteConfig configures the remote inference engine.
type RemoteConfig struct {
	// URL is the base address of the inference server.
	URL string
	// ModelPath is the local model file the server is asked to load.
	ModelPath string
	// Device names the accelerator the server should run on ("cpu",
	// "cuda:0", ...).
	Device string
	// Threshold is the initial confidence threshold.
	Threshold float64
	// Timeout bounds each request. Defaults to 30 seconds.
	Timeout time.Duration
}

// Remote adapts a JSON-over-HTTP inference server to the engine contract.
// The server owns the model; this side ships JPEG frames and gets
// detections back.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
	log    zerolog.Logger

	mu        sync.RWMutex
	threshold float64
	loaded    bool
}

// NewRemote returns an unloaded remote engine.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Remote{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		threshold: cfg.Threshold,
		log:       log.WithComponent("engine.remote").With().Str("url", cfg.URL).Logger(),
	}
}

type loadRequest struct {
	Model  string `json:"model"`
	Device string `json:"device,omitempty"`
}

type inferRequest struct {
	Image     string  `json:"image"`
	Threshold float64 `json:"confidence_threshold"`
}

type inferResponse struct {
	Detections []pipeline.Detection `json:"detections"`
	Extra      map[string]any       `json:"extra,omitempty"`
}

// Load asks the server to load the model. Failure leaves the engine
// unloaded and the owning pipeline uninitialized.
func (r *Remote) Load() error {
	if r.cfg.URL == "" {
		return errors.New("remote engine requires a server url")
	}
	if r.cfg.ModelPath == "" {
		return errors.New("remote engine requires a model path")
	}
	req := loadRequest{Model: r.cfg.ModelPath, Device: r.cfg.Device}
	if err := r.post("/v1/models/load", req, nil); err != nil {
		return fmt.Errorf("load model %s: %w", filepath.Base(r.cfg.ModelPath), err)
	}
	r.mu.Lock()
	r.loaded = true
	r.mu.Unlock()
	r.log.Info().Str("model", filepath.Base(r.cfg.ModelPath)).Msg("model loaded")
	return nil
}

// Infer ships one frame to the server and returns its detections.
func (r *Remote) Infer(frame *pipeline.Frame) (*pipeline.Result, error) {
	r.mu.RLock()
	loaded := r.loaded
	threshold := r.threshold
	r.mu.RUnlock()
	if !loaded {
		return nil, errors.New("model not loaded")
	}

	req := inferRequest{
		Image:     base64.StdEncoding.EncodeToString(frame.Data),
		Threshold: threshold,
	}
	var resp inferResponse
	if err := r.post("/v1/infer", req, &resp); err != nil {
		return nil, err
	}
	return &pipeline.Result{Detections: resp.Detections, Extra: resp.Extra}, nil
}

// Draw annotates the frame with the result's detections.
func (r *Remote) Draw(frame *pipeline.Frame, result *pipeline.Result) (*pipeline.Frame, error) {
	return annotate(frame, result)
}

// ResultJSON converts a result into the published payload shape.
func (r *Remote) ResultJSON(result *pipeline.Result) map[string]any {
	return detectionsJSON(result)
}

// SetConfidenceThreshold implements the optional threshold capability.
func (r *Remote) SetConfidenceThreshold(threshold float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threshold = threshold
}

// ConfidenceThreshold returns the current threshold.
func (r *Remote) ConfidenceThreshold() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threshold
}

// Close marks the engine unloaded.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	r.client.CloseIdleConnections()
	return nil
}

func (r *Remote) post(path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resp, err := r.client.Post(r.cfg.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("inference server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference server returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
