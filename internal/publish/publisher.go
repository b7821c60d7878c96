package publish

import (
	"encoding/base64"
	"sync"

	"github.com/rs/zerolog"

	"infernode/internal/log"
)

const (
	// defaultWorkers sizes the shared send pool.
	defaultWorkers = 4
	// taskQueueSize bounds pending sends; beyond it tasks are dropped, never
	// queued unboundedly, so a stalled transport cannot back up the pipeline.
	taskQueueSize = 256
)

// Publisher fans one result out to all ready destinations without blocking
// the caller. Sends run on a small shared worker pool.
type Publisher struct {
	log zerolog.Logger

	mu     sync.RWMutex
	dests  []*Destination
	closed bool

	tasks chan func()
	wg    sync.WaitGroup
}

// NewPublisher starts the worker pool. workers <= 0 selects the default.
func NewPublisher(workers int) *Publisher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	p := &Publisher{
		log:   log.WithComponent("publisher"),
		tasks: make(chan func(), taskQueueSize),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Add registers a destination.
func (p *Publisher) Add(d *Destination) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dests = append(p.dests, d)
}

// Get returns the destination with the given id.
func (p *Publisher) Get(id string) (*Destination, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, d := range p.dests {
		if d.ID() == id {
			return d, true
		}
	}
	return nil, false
}

// Remove unregisters and closes the destination with the given id.
func (p *Publisher) Remove(id string) bool {
	p.mu.Lock()
	var removed *Destination
	for i, d := range p.dests {
		if d.ID() == id {
			removed = d
			p.dests = append(p.dests[:i], p.dests[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	if removed == nil {
		return false
	}
	removed.Close()
	return true
}

// States snapshots the status of every destination.
func (p *Publisher) States() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	states := make([]Status, 0, len(p.dests))
	for _, d := range p.dests {
		states = append(states, d.Status())
	}
	return states
}

// NeedsImage reports whether any enabled destination wants the raw frame.
// The pipeline uses this to skip encoding work nobody will consume.
func (p *Publisher) NeedsImage() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, d := range p.dests {
		if d.Enabled() && d.cfg.IncludeImageData {
			return true
		}
	}
	return false
}

// NeedsResultImage reports whether any enabled destination wants the
// annotated frame.
func (p *Publisher) NeedsResultImage() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, d := range p.dests {
		if d.Enabled() && d.cfg.IncludeResultImage {
			return true
		}
	}
	return false
}

// Publish fans the payload out to every ready destination. Each requested
// frame is encoded exactly once no matter how many destinations want it;
// per-destination payload copies then reference the shared encoding. The
// call never blocks: when the task queue is full the send is dropped and
// logged.
func (p *Publisher) Publish(payload Payload, rawFrame, resultFrame []byte) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return
	}
	ready := make([]*Destination, 0, len(p.dests))
	for _, d := range p.dests {
		if d.ready() {
			ready = append(ready, d)
		}
	}
	p.mu.RUnlock()
	if len(ready) == 0 {
		return
	}

	var rawB64, resultB64 string
	for _, d := range ready {
		if d.cfg.IncludeImageData && rawB64 == "" && len(rawFrame) > 0 {
			rawB64 = base64.StdEncoding.EncodeToString(rawFrame)
		}
		if d.cfg.IncludeResultImage && resultB64 == "" && len(resultFrame) > 0 {
			resultB64 = base64.StdEncoding.EncodeToString(resultFrame)
		}
	}

	for _, d := range ready {
		dest := d
		msg := payload.Clone()
		if dest.cfg.IncludeImageData && rawB64 != "" {
			msg["image_data"] = rawB64
		}
		if dest.cfg.IncludeResultImage && resultB64 != "" {
			msg["result_image_data"] = resultB64
		}
		task := func() {
			dest.Publish(msg)
		}
		select {
		case p.tasks <- task:
		default:
			p.log.Warn().Str("destination_id", dest.ID()).
				Msg("send queue full, dropping result")
		}
	}
}

// Shutdown drains the pool and closes every destination transport.
func (p *Publisher) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	dests := make([]*Destination, len(p.dests))
	copy(dests, p.dests)
	p.mu.Unlock()

	close(p.tasks)
	p.wg.Wait()
	for _, d := range dests {
		d.Close()
	}
}
