// Package models implements the content-addressed model file store. Model
// ids are derived from the file name and content digest, so re-uploading
// the same file yields the same id and a changed file yields a new one.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"infernode/internal/log"
)

// ErrNotFound is returned when no model with the given id exists.
var ErrNotFound = errors.New("model not found")

const metadataFile = "models.json"

// Model is one stored model file.
type Model struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Filename   string    `json:"filename"`
	SHA256     string    `json:"sha256"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Repo stores model files under a directory with a JSON metadata document.
type Repo struct {
	dir string
	log zerolog.Logger

	mu     sync.Mutex
	models map[string]Model
}

// NewRepo opens (or creates) the repository at dir and loads its metadata.
func NewRepo(dir string) (*Repo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}
	r := &Repo{
		dir:    dir,
		log:    log.WithComponent("models"),
		models: map[string]Model{},
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repo) load() error {
	data, err := os.ReadFile(filepath.Join(r.dir, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read model metadata: %w", err)
	}
	var list []Model
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse model metadata: %w", err)
	}
	for _, m := range list {
		r.models[m.ID] = m
	}
	return nil
}

func (r *Repo) saveLocked() error {
	list := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		list = append(list, m)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal model metadata: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(r.dir, metadataFile), data, 0o644); err != nil {
		return fmt.Errorf("write model metadata: %w", err)
	}
	return nil
}

// Store reads the model file from src and persists it. The id is
// "<basename>_<first 8 hex of sha256>"; storing identical content under the
// same name is idempotent.
func (r *Repo) Store(filename string, src io.Reader) (Model, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return Model{}, fmt.Errorf("read model data: %w", err)
	}
	if len(data) == 0 {
		return Model{}, errors.New("model file is empty")
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	id := fmt.Sprintf("%s_%s", base, digest[:8])

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.models[id]; ok {
		return existing, nil
	}

	stored := id + filepath.Ext(filename)
	if err := renameio.WriteFile(filepath.Join(r.dir, stored), data, 0o644); err != nil {
		return Model{}, fmt.Errorf("write model file: %w", err)
	}

	m := Model{
		ID:         id,
		Name:       base,
		Filename:   stored,
		SHA256:     digest,
		Size:       int64(len(data)),
		UploadedAt: time.Now().UTC(),
	}
	r.models[id] = m
	if err := r.saveLocked(); err != nil {
		return Model{}, err
	}
	r.log.Info().Str("model_id", id).Int64("size", m.Size).Msg("model stored")
	return m, nil
}

// List returns all stored models.
func (r *Repo) List() []Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		list = append(list, m)
	}
	return list
}

// Get returns one model's metadata.
func (r *Repo) Get(id string) (Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[id]
	if !ok {
		return Model{}, ErrNotFound
	}
	return m, nil
}

// GetModelPath resolves a model id to its file path. The empty string means
// the model does not exist; pipelines treat that as a configuration error.
func (r *Repo) GetModelPath(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[id]
	if !ok {
		return ""
	}
	return filepath.Join(r.dir, m.Filename)
}

// Delete removes the model file and its metadata entry.
func (r *Repo) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[id]
	if !ok {
		return ErrNotFound
	}
	if err := os.Remove(filepath.Join(r.dir, m.Filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove model file: %w", err)
	}
	delete(r.models, id)
	return r.saveLocked()
}
