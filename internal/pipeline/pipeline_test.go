package pipeline

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infernode/internal/publish"
)

// fakeSource hands out frames until told to run dry.
type fakeSource struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	dry        bool
	reads      int
}

func (f *fakeSource) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSource) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSource) Read() (*Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected || f.dry {
		return nil, false
	}
	f.reads++
	return &Frame{Data: []byte("jpeg"), Seq: uint64(f.reads), Timestamp: time.Now()}, true
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// fakeEngine returns a fixed result, optionally failing load or inference.
type fakeEngine struct {
	mu        sync.Mutex
	loadErr   error
	inferErr  error
	threshold float64
}

func (e *fakeEngine) Load() error { return e.loadErr }

func (e *fakeEngine) Infer(*Frame) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inferErr != nil {
		return nil, e.inferErr
	}
	return &Result{Detections: []Detection{{Class: "cat", Confidence: 0.9}}}, nil
}

func (e *fakeEngine) Draw(frame *Frame, _ *Result) (*Frame, error) {
	annotated := frame.Clone()
	annotated.Data = append(annotated.Data, []byte("+boxes")...)
	return annotated, nil
}

func (e *fakeEngine) ResultJSON(result *Result) map[string]any {
	return map[string]any{"detections": len(result.Detections)}
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) SetConfidenceThreshold(threshold float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threshold = threshold
}

func (e *fakeEngine) ConfidenceThreshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threshold
}

func newConfigured(t *testing.T, src *fakeSource, eng Engine) *Pipeline {
	t.Helper()
	p := New("test-pipeline")
	pub := publish.NewPublisher(1)
	t.Cleanup(pub.Shutdown)
	require.NoError(t, p.Configure(src, SourceTraits{}, eng, pub))
	return p
}

func TestStartBeforeConfigureFails(t *testing.T) {
	p := New("p")
	err := p.Start()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, "uninitialized_stopped", p.GetState().Status)
}

func TestConfigureFailsWhenModelLoadFails(t *testing.T) {
	p := New("p")
	pub := publish.NewPublisher(1)
	defer pub.Shutdown()

	eng := &fakeEngine{loadErr: errors.New("model corrupt")}
	err := p.Configure(&fakeSource{}, SourceTraits{}, eng, pub)
	require.Error(t, err)
	assert.False(t, p.Initialized())
	assert.Equal(t, "uninitialized_stopped", p.GetState().Status)
}

func TestStartStopLifecycle(t *testing.T) {
	src := &fakeSource{}
	p := newConfigured(t, src, &fakeEngine{})
	assert.Equal(t, "initialized_stopped", p.GetState().Status)

	require.NoError(t, p.Start())
	assert.Equal(t, "initialized_running", p.GetState().Status)

	require.Eventually(t, func() bool {
		return p.Metrics().FrameCount > 0
	}, 2*time.Second, 10*time.Millisecond)

	// Starting again is a no-op, not an error.
	require.NoError(t, p.Start())

	p.Stop()
	assert.False(t, p.Running())
	assert.Equal(t, "initialized_stopped", p.GetState().Status)
	assert.False(t, src.IsConnected())
}

func TestStartFailsWhenSourceCannotConnect(t *testing.T) {
	src := &fakeSource{connectErr: errors.New("no such directory")}
	p := newConfigured(t, src, &fakeEngine{})

	err := p.Start()
	require.Error(t, err)
	assert.False(t, p.Running())
	// A synchronous startup failure is not a loop fault.
	assert.False(t, p.HasError())
}

func TestLoopFaultSetsErrorAndDisablesInference(t *testing.T) {
	src := &fakeSource{}
	eng := &fakeEngine{inferErr: errors.New("inference exploded")}
	p := newConfigured(t, src, eng)

	require.NoError(t, p.Start())
	require.Eventually(t, p.HasError, 2*time.Second, 10*time.Millisecond)

	state := p.GetState()
	assert.Equal(t, "initialized_error", state.Status)
	assert.NotEmpty(t, state.Error)
	assert.False(t, p.InferenceEnabled())
	require.Eventually(t, func() bool { return !p.Running() }, 2*time.Second, 10*time.Millisecond)

	// Restarting into the same fault requires acknowledging it first.
	assert.ErrorIs(t, p.Start(), ErrErrored)

	p.ClearError()
	p.EnableInference()
	eng.mu.Lock()
	eng.inferErr = nil
	eng.mu.Unlock()
	require.NoError(t, p.Start())
	defer p.Stop()
	assert.Equal(t, "initialized_running", p.GetState().Status)
}

func TestCountersResetOnStart(t *testing.T) {
	src := &fakeSource{}
	p := newConfigured(t, src, &fakeEngine{})

	require.NoError(t, p.Start())
	require.Eventually(t, func() bool {
		return p.Metrics().FrameCount >= 5
	}, 2*time.Second, 10*time.Millisecond)
	p.Stop()

	src.mu.Lock()
	src.dry = true
	src.mu.Unlock()
	require.NoError(t, p.Start())
	defer p.Stop()

	assert.Equal(t, uint64(0), p.Metrics().FrameCount)
	assert.Equal(t, uint64(0), p.Metrics().InferenceCount)
}

func TestLatestFrameIsACopy(t *testing.T) {
	src := &fakeSource{}
	p := newConfigured(t, src, &fakeEngine{})

	require.NoError(t, p.Start())
	defer p.Stop()

	require.Eventually(t, func() bool {
		return p.LatestFrame() != nil
	}, 2*time.Second, 10*time.Millisecond)

	a := p.LatestFrame()
	b := p.LatestFrame()
	require.NotNil(t, a)
	a.Data[0] = 'X'
	assert.NotEqual(t, a.Data[0], b.Data[0], "readers must get independent copies")
}

func TestStreamingFlags(t *testing.T) {
	p := newConfigured(t, &fakeSource{dry: true, connected: true}, &fakeEngine{})
	assert.False(t, p.IsStreaming())
	p.StartStreaming()
	assert.True(t, p.IsStreaming())
	p.StopStreaming()
	assert.False(t, p.IsStreaming())
}

func TestStreamingCountsViewers(t *testing.T) {
	p := newConfigured(t, &fakeSource{dry: true, connected: true}, &fakeEngine{})

	p.StartStreaming()
	p.StartStreaming()
	p.StopStreaming()
	assert.True(t, p.IsStreaming(), "first viewer is still watching")

	p.StopStreaming()
	assert.False(t, p.IsStreaming())

	// An unbalanced extra stop must not wedge the counter.
	p.StopStreaming()
	p.StartStreaming()
	assert.True(t, p.IsStreaming())
}

func TestStopDisablesStreaming(t *testing.T) {
	p := newConfigured(t, &fakeSource{}, &fakeEngine{})
	require.NoError(t, p.Start())
	p.StartStreaming()
	p.Stop()
	assert.False(t, p.IsStreaming())
}

func TestConfidenceThresholdPassthrough(t *testing.T) {
	eng := &fakeEngine{}
	p := newConfigured(t, &fakeSource{}, eng)

	require.NoError(t, p.SetConfidenceThreshold(0.42))
	got, err := p.ConfidenceThreshold()
	require.NoError(t, err)
	assert.Equal(t, 0.42, got)

	assert.ErrorIs(t, p.SetConfidenceThreshold(-0.1), ErrInvalidThreshold)
	assert.ErrorIs(t, p.SetConfidenceThreshold(1.5), ErrInvalidThreshold)
}

func TestConfidenceThresholdUnsupportedEngine(t *testing.T) {
	p := New("p")
	pub := publish.NewPublisher(1)
	defer pub.Shutdown()

	type plainEngine struct{ Engine }
	eng := plainEngine{Engine: &fakeEngine{}}
	require.NoError(t, p.Configure(&fakeSource{}, SourceTraits{}, eng, pub))

	assert.ErrorIs(t, p.SetConfidenceThreshold(0.5), ErrUnsupported)
	_, err := p.ConfidenceThreshold()
	assert.ErrorIs(t, err, ErrUnsupported)
}

type thumbRecorder struct {
	mu       sync.Mutex
	captures []string
}

func (r *thumbRecorder) Capture(pipelineID string, _ *Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures = append(r.captures, pipelineID)
	return nil
}

func (r *thumbRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.captures)
}

// captureTransport records every payload a destination delivers.
type captureTransport struct {
	mu   sync.Mutex
	sent []publish.Payload
}

func (c *captureTransport) Type() string { return "capture" }

func (c *captureTransport) Send(payload publish.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return nil
}

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) last() (publish.Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil, false
	}
	return c.sent[len(c.sent)-1], true
}

func TestPublishedResultImageIsTheRenderedFrame(t *testing.T) {
	ct := &captureTransport{}
	pub := publish.NewPublisher(1)
	t.Cleanup(pub.Shutdown)
	pub.Add(publish.NewDestination(publish.Config{
		ID:                 "d1",
		Type:               "capture",
		Enabled:            true,
		IncludeResultImage: true,
	}, ct))

	p := New("p")
	require.NoError(t, p.Configure(&fakeSource{}, SourceTraits{}, &fakeEngine{}, pub))

	require.NoError(t, p.process(&Frame{Data: []byte("jpeg")}))

	require.Eventually(t, func() bool {
		_, ok := ct.last()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	payload, _ := ct.last()
	want := base64.StdEncoding.EncodeToString([]byte("jpeg+boxes"))
	assert.Equal(t, want, payload["result_image_data"], "annotated image is the drawn frame")
	_, hasRaw := payload["image_data"]
	assert.False(t, hasRaw, "raw image was not requested")
}

func TestStreamingOnlyRenderAttachesNoResultImage(t *testing.T) {
	ct := &captureTransport{}
	pub := publish.NewPublisher(1)
	t.Cleanup(pub.Shutdown)
	pub.Add(publish.NewDestination(publish.Config{
		ID:      "d1",
		Type:    "capture",
		Enabled: true,
	}, ct))

	p := New("p")
	require.NoError(t, p.Configure(&fakeSource{}, SourceTraits{}, &fakeEngine{}, pub))
	p.StartStreaming()

	require.NoError(t, p.process(&Frame{Data: []byte("jpeg")}))

	require.Eventually(t, func() bool {
		_, ok := ct.last()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// The stream viewer caused the render; the destination never asked for
	// the annotated image, so none may be attached.
	latest := p.LatestFrame()
	require.NotNil(t, latest)
	assert.Equal(t, []byte("jpeg+boxes"), latest.Data)
	payload, _ := ct.last()
	_, hasResult := payload["result_image_data"]
	assert.False(t, hasResult)
}

func TestThumbnailCapturedOncePerRun(t *testing.T) {
	src := &fakeSource{}
	p := newConfigured(t, src, &fakeEngine{})
	sink := &thumbRecorder{}
	p.SetThumbnailSink(sink)

	require.NoError(t, p.Start())
	require.Eventually(t, func() bool {
		return p.Metrics().FrameCount >= 10
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, sink.count(), "one-shot capture on the first frame")

	// Stop refreshes the thumbnail from the most recent frame.
	p.Stop()
	assert.Equal(t, 2, sink.count())
}
