package source

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"infernode/internal/log"
	"infernode/internal/pipeline"
)

// HTTPConfig configures the still-image polling source.
type HTTPConfig struct {
	// URL is fetched once per interval; the response body is one JPEG frame.
	URL string
	// Interval between fetches. Defaults to one second.
	Interval time.Duration
	// Timeout for each fetch. Defaults to 10 seconds.
	Timeout time.Duration
}

// HTTPPoller fetches still images from a camera's snapshot endpoint. Read
// blocks until the polling interval has elapsed; each pipeline owns its
// source, so blocking its own worker is fine.
type HTTPPoller struct {
	cfg    HTTPConfig
	client *http.Client
	log    zerolog.Logger

	mu        sync.Mutex
	connected bool
	lastFetch time.Time
	seq       uint64
}

// NewHTTPPoller returns an unconnected poller.
func NewHTTPPoller(cfg HTTPConfig) *HTTPPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPPoller{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.WithComponent("source.http").With().Str("url", cfg.URL).Logger(),
	}
}

// Connect verifies the endpoint answers with an image.
func (h *HTTPPoller) Connect() error {
	if h.cfg.URL == "" {
		return errors.New("http source requires a url")
	}
	data, err := h.fetch()
	if err != nil {
		return fmt.Errorf("probe snapshot endpoint: %w", err)
	}
	if len(data) == 0 {
		return errors.New("snapshot endpoint returned an empty body")
	}
	h.mu.Lock()
	h.connected = true
	h.lastFetch = time.Time{}
	h.mu.Unlock()
	return nil
}

// IsConnected reports whether Connect has succeeded and Stop has not been
// called. Transient fetch errors do not disconnect the source.
func (h *HTTPPoller) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Read waits out the remainder of the polling interval and fetches one
// frame. Fetch failures are reported as an empty read so the pipeline keeps
// polling instead of faulting.
func (h *HTTPPoller) Read() (*pipeline.Frame, bool) {
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return nil, false
	}
	wait := h.cfg.Interval - time.Since(h.lastFetch)
	h.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}

	data, err := h.fetch()

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return nil, false
	}
	h.lastFetch = time.Now()
	if err != nil {
		h.log.Warn().Err(err).Msg("snapshot fetch failed")
		return nil, false
	}
	h.seq++
	return &pipeline.Frame{
		Data:      data,
		Seq:       h.seq,
		Timestamp: time.Now(),
	}, true
}

func (h *HTTPPoller) fetch() ([]byte, error) {
	resp, err := h.client.Get(h.cfg.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Stop marks the source disconnected.
func (h *HTTPPoller) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = false
	return nil
}
