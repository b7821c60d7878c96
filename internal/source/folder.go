// Package source provides the built-in frame sources: a watching folder
// source for file-drop integrations and an HTTP still-image poller.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"infernode/internal/log"
	"infernode/internal/pipeline"
)

var defaultExtensions = []string{".jpg", ".jpeg", ".png"}

// FolderConfig configures a folder frame source.
type FolderConfig struct {
	// Path is the watched directory.
	Path string
	// Extensions filters which files count as frames. Defaults to common
	// image extensions.
	Extensions []string
	// Watch keeps the source connected while the folder is empty, picking
	// up new files as they appear. When false the source disconnects after
	// draining the files present at connect time.
	Watch bool
}

// Folder reads image files from a directory, oldest first, and watches for
// new arrivals via fsnotify.
type Folder struct {
	cfg FolderConfig
	log zerolog.Logger

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	pending     []string
	seen        map[string]struct{}
	currentFile string
	seq         uint64
	connected   bool
	drained     bool
}

// NewFolder returns an unconnected folder source.
func NewFolder(cfg FolderConfig) *Folder {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = defaultExtensions
	}
	return &Folder{
		cfg:  cfg,
		log:  log.WithComponent("source.folder").With().Str("path", cfg.Path).Logger(),
		seen: map[string]struct{}{},
	}
}

// Connect scans the directory and, in watch mode, starts the fsnotify
// watcher. Reconnecting after a disconnect is supported.
func (f *Folder) Connect() error {
	info, err := os.Stat(f.cfg.Path)
	if err != nil {
		return fmt.Errorf("stat folder: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", f.cfg.Path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return nil
	}

	if f.cfg.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		if err := watcher.Add(f.cfg.Path); err != nil {
			watcher.Close()
			return fmt.Errorf("watch folder: %w", err)
		}
		f.watcher = watcher
		go f.watch(watcher)
	}

	if err := f.scanLocked(); err != nil {
		if f.watcher != nil {
			f.watcher.Close()
			f.watcher = nil
		}
		return err
	}
	f.connected = true
	f.drained = false
	f.log.Debug().Int("pending", len(f.pending)).Msg("folder source connected")
	return nil
}

func (f *Folder) scanLocked() error {
	entries, err := os.ReadDir(f.cfg.Path)
	if err != nil {
		return fmt.Errorf("read folder: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !f.matches(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f.enqueueLocked(filepath.Join(f.cfg.Path, name))
	}
	return nil
}

func (f *Folder) matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range f.cfg.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (f *Folder) enqueueLocked(path string) {
	if _, ok := f.seen[path]; ok {
		return
	}
	f.seen[path] = struct{}{}
	f.pending = append(f.pending, path)
}

func (f *Folder) watch(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !f.matches(event.Name) {
				continue
			}
			f.mu.Lock()
			f.enqueueLocked(event.Name)
			f.mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// IsConnected reports whether the source is usable. A one-shot (non-watch)
// source disconnects once the files found at connect time are drained.
func (f *Folder) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	if _, err := os.Stat(f.cfg.Path); err != nil {
		f.disconnectLocked()
		return false
	}
	if !f.cfg.Watch && f.drained {
		f.disconnectLocked()
		return false
	}
	return true
}

// Read returns the next queued file as a frame. ok is false while the
// folder is idle; files that vanish between queueing and reading are
// skipped silently.
func (f *Folder) Read() (*pipeline.Frame, bool) {
	for {
		f.mu.Lock()
		if !f.connected || len(f.pending) == 0 {
			if f.connected && len(f.pending) == 0 {
				f.drained = true
			}
			f.mu.Unlock()
			return nil, false
		}
		path := f.pending[0]
		f.pending = f.pending[1:]
		delete(f.seen, path)
		f.seq++
		seq := f.seq
		f.mu.Unlock()

		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				f.log.Warn().Err(err).Str("file", path).Msg("failed to read frame file")
			}
			continue
		}

		f.mu.Lock()
		f.currentFile = path
		f.mu.Unlock()

		return &pipeline.Frame{
			Data:      data,
			Seq:       seq,
			Timestamp: time.Now(),
		}, true
	}
}

// CurrentFilePath names the file the last frame came from, for auto-delete.
func (f *Folder) CurrentFilePath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentFile
}

func (f *Folder) disconnectLocked() {
	f.connected = false
	if f.watcher != nil {
		f.watcher.Close()
		f.watcher = nil
	}
	f.pending = nil
	f.seen = map[string]struct{}{}
}

// Stop releases the watcher and clears the queue.
func (f *Folder) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectLocked()
	return nil
}
