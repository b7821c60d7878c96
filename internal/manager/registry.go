package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"infernode/internal/pipeline"
	"infernode/internal/publish"
)

// ErrNotFound is returned when no registry entry has the given id.
var ErrNotFound = errors.New("pipeline not found")

const registryFile = "pipelines.json"

// Entry status labels persisted in the registry document.
const (
	StatusStopped = "stopped"
	StatusRunning = "running"
	StatusError   = "error"
)

// SourceConfig is the durable frame-source configuration of an entry.
type SourceConfig struct {
	CaptureType string           `json:"capture_type"`
	AutoDelete  bool             `json:"auto_delete,omitempty"`
	Settings    publish.Settings `json:"config,omitempty"`
}

// ModelConfig references a stored model and how to run it.
type ModelConfig struct {
	ID         string  `json:"id,omitempty"`
	EngineType string  `json:"engine_type"`
	ServerURL  string  `json:"server_url,omitempty"`
	Device     string  `json:"device,omitempty"`
	Threshold  float64 `json:"confidence_threshold,omitempty"`
}

// Entry is one durable pipeline configuration plus its last known state.
type Entry struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Source           SourceConfig      `json:"source"`
	Model            ModelConfig       `json:"model"`
	Destinations     []publish.Config  `json:"destinations"`
	Status           string            `json:"status"`
	StatusMessage    string            `json:"status_message,omitempty"`
	InferenceEnabled bool              `json:"inference_enabled"`
	Stats            *pipeline.Metrics `json:"stats,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	ModifiedAt       time.Time         `json:"modified_at"`

	// DestinationStates is runtime-only, filled from the live instance on
	// reads and never persisted.
	DestinationStates []publish.Status `json:"destination_states,omitempty"`
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Destinations = make([]publish.Config, len(e.Destinations))
	copy(c.Destinations, e.Destinations)
	if e.Stats != nil {
		stats := *e.Stats
		c.Stats = &stats
	}
	return &c
}

// registry is the durable pipeline store: one JSON document, written
// atomically on every mutation.
type registry struct {
	path string

	mu      sync.Mutex
	entries map[string]*Entry
}

// openRegistry loads the document at dir/pipelines.json, creating the
// directory when needed. A pipeline cannot be running when no process is:
// non-error statuses are reconciled to stopped on load.
func openRegistry(dir string) (*registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pipelines dir: %w", err)
	}
	r := &registry{
		path:    filepath.Join(dir, registryFile),
		entries: map[string]*Entry{},
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var list []*Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	for _, e := range list {
		if e.Status == StatusRunning {
			e.Status = StatusStopped
		}
		r.entries[e.ID] = e
	}
	return r, nil
}

func (r *registry) saveLocked() error {
	list := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := renameio.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

func (r *registry) get(id string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (r *registry) list() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e.clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

func (r *registry) put(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ID] = e.clone()
	return r.saveLocked()
}

func (r *registry) delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return ErrNotFound
	}
	delete(r.entries, id)
	return r.saveLocked()
}

// mutate applies fn to the stored entry under the registry lock and
// persists the result.
func (r *registry) mutate(id string, fn func(*Entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	fn(e)
	e.ModifiedAt = time.Now().UTC()
	return r.saveLocked()
}
