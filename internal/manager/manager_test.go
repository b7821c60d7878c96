package manager

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infernode/internal/events"
	"infernode/internal/pipeline"
	"infernode/internal/publish"
)

type testSource struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	reads      int
	failReads  bool
}

func (s *testSource) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *testSource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *testSource) Read() (*pipeline.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.failReads {
		return nil, false
	}
	s.reads++
	return &pipeline.Frame{Data: []byte("jpeg"), Seq: uint64(s.reads), Timestamp: time.Now()}, true
}

func (s *testSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

type testEngine struct {
	mu       sync.Mutex
	loadErr  error
	inferErr error
}

func (e *testEngine) Load() error { return e.loadErr }

func (e *testEngine) Infer(*pipeline.Frame) (*pipeline.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inferErr != nil {
		return nil, e.inferErr
	}
	return &pipeline.Result{}, nil
}

func (e *testEngine) Draw(frame *pipeline.Frame, _ *pipeline.Result) (*pipeline.Frame, error) {
	return frame.Clone(), nil
}

func (e *testEngine) ResultJSON(*pipeline.Result) map[string]any {
	return map[string]any{"detections": []any{}}
}

func (e *testEngine) Close() error { return nil }

// testHarness bundles a manager with its injected fakes.
type testHarness struct {
	mgr    *Manager
	source *testSource
	engine *testEngine
}

func newTestManager(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		source: &testSource{},
		engine: &testEngine{},
	}
	mgr, err := New(Options{
		DataDir:         t.TempDir(),
		NodeID:          "test-node",
		NodeName:        "test",
		StartTimeout:    2 * time.Second,
		PollInterval:    10 * time.Millisecond,
		MonitorInterval: 20 * time.Millisecond,
		Sources: func(SourceConfig) (pipeline.FrameSource, pipeline.SourceTraits, error) {
			return h.source, pipeline.SourceTraits{}, nil
		},
		Engines: func(ModelConfig, string) (pipeline.Engine, error) {
			return h.engine, nil
		},
	})
	require.NoError(t, err)
	h.mgr = mgr
	t.Cleanup(mgr.Shutdown)
	return h
}

func createEntry(t *testing.T, mgr *Manager) *Entry {
	t.Helper()
	entry, err := mgr.Create(CreateRequest{
		Name:   "cam-1",
		Source: SourceConfig{CaptureType: "folder"},
		Model:  ModelConfig{EngineType: "pass"},
		Destinations: []publish.Config{
			{Type: "null", Enabled: true},
		},
	})
	require.NoError(t, err)
	return entry
}

func TestCreateAssignsIDs(t *testing.T) {
	h := newTestManager(t)
	entry := createEntry(t, h.mgr)

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, StatusStopped, entry.Status)
	assert.True(t, entry.InferenceEnabled)
	require.Len(t, entry.Destinations, 1)
	assert.NotEmpty(t, entry.Destinations[0].ID)
}

func TestStartStopLifecycle(t *testing.T) {
	h := newTestManager(t)
	entry := createEntry(t, h.mgr)

	require.NoError(t, h.mgr.Start(entry.ID))

	got, err := h.mgr.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.Stats)

	require.NoError(t, h.mgr.Stop(entry.ID))
	got, err = h.mgr.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)

	// Stopping again is tolerated.
	require.NoError(t, h.mgr.Stop(entry.ID))
}

func TestStartIsExclusive(t *testing.T) {
	h := newTestManager(t)
	entry := createEntry(t, h.mgr)

	require.NoError(t, h.mgr.Start(entry.ID))
	assert.ErrorIs(t, h.mgr.Start(entry.ID), ErrAlreadyRunning)

	h.mgr.mu.Lock()
	assert.Len(t, h.mgr.active, 1, "exactly one live instance")
	h.mgr.mu.Unlock()
}

func TestStartUnknownPipeline(t *testing.T) {
	h := newTestManager(t)
	assert.ErrorIs(t, h.mgr.Start("nope"), ErrNotFound)
}

func TestStartRollsBackOnConnectFailure(t *testing.T) {
	h := newTestManager(t)
	entry := createEntry(t, h.mgr)

	h.source.connectErr = errors.New("folder missing")
	err := h.mgr.Start(entry.ID)
	require.Error(t, err)

	got, _ := h.mgr.Get(entry.ID)
	assert.Equal(t, StatusError, got.Status)
	assert.NotEmpty(t, got.StatusMessage)

	h.mgr.mu.Lock()
	assert.Empty(t, h.mgr.active, "no half-started instance left behind")
	h.mgr.mu.Unlock()

	// A fresh start is rejected until the error is cleared.
	h.source.connectErr = nil
	assert.ErrorIs(t, h.mgr.Start(entry.ID), ErrErrored)
	require.NoError(t, h.mgr.ClearError(entry.ID))
	require.NoError(t, h.mgr.Start(entry.ID))
}

func TestStartRollsBackOnConfigureFailure(t *testing.T) {
	h := newTestManager(t)
	entry := createEntry(t, h.mgr)

	h.engine.loadErr = errors.New("model corrupt")
	err := h.mgr.Start(entry.ID)
	require.Error(t, err)

	got, _ := h.mgr.Get(entry.ID)
	assert.Equal(t, StatusError, got.Status)
}

func TestSupervisorDetectsFault(t *testing.T) {
	h := newTestManager(t)
	entry := createEntry(t, h.mgr)

	require.NoError(t, h.mgr.Start(entry.ID))

	h.engine.mu.Lock()
	h.engine.inferErr = errors.New("inference exploded")
	h.engine.mu.Unlock()

	require.Eventually(t, func() bool {
		got, err := h.mgr.Get(entry.ID)
		return err == nil && got.Status == StatusError
	}, 3*time.Second, 20*time.Millisecond)

	got, _ := h.mgr.Get(entry.ID)
	assert.False(t, got.InferenceEnabled, "fault disables inference durably")
	assert.NotEmpty(t, got.StatusMessage)

	h.mgr.mu.Lock()
	assert.Empty(t, h.mgr.active)
	h.mgr.mu.Unlock()
}

func TestUpdateRejectedWhileRunning(t *testing.T) {
	h := newTestManager(t)
	entry := createEntry(t, h.mgr)

	require.NoError(t, h.mgr.Start(entry.ID))
	name := "renamed"
	_, err := h.mgr.Update(entry.ID, UpdateRequest{Name: &name})
	assert.ErrorIs(t, err, ErrRunning)

	require.NoError(t, h.mgr.Stop(entry.ID))
	updated, err := h.mgr.Update(entry.ID, UpdateRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
}

func TestUpdatePreservesDestinationIdentity(t *testing.T) {
	h := newTestManager(t)
	entry, err := h.mgr.Create(CreateRequest{
		Name:   "cam",
		Source: SourceConfig{CaptureType: "folder"},
		Destinations: []publish.Config{
			{Type: "webhook", Enabled: true, Settings: publish.Settings{"url": "http://a"}},
		},
	})
	require.NoError(t, err)
	originalID := entry.Destinations[0].ID
	require.NotEmpty(t, originalID)

	// Operator disables it at runtime config level.
	require.NoError(t, h.mgr.DisableDestination(entry.ID, originalID))

	// A UI edit resubmits the same destination without an id, plus a new one.
	dests := []publish.Config{
		{Type: "webhook", Enabled: true, Settings: publish.Settings{"url": "http://a"}},
		{Type: "mqtt", Enabled: true, Settings: publish.Settings{"broker": "mq"}},
	}
	updated, err := h.mgr.Update(entry.ID, UpdateRequest{Destinations: &dests})
	require.NoError(t, err)
	require.Len(t, updated.Destinations, 2)

	assert.Equal(t, originalID, updated.Destinations[0].ID, "matched by type+config keeps its id")
	assert.False(t, updated.Destinations[0].Enabled, "keeps its current enabled state")
	assert.NotEmpty(t, updated.Destinations[1].ID)
	assert.NotEqual(t, originalID, updated.Destinations[1].ID)
}

func TestDeleteStopsAndRemoves(t *testing.T) {
	h := newTestManager(t)
	entry := createEntry(t, h.mgr)
	require.NoError(t, h.mgr.Start(entry.ID))

	require.NoError(t, h.mgr.Delete(entry.ID))
	_, err := h.mgr.Get(entry.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	h.mgr.mu.Lock()
	assert.Empty(t, h.mgr.active)
	h.mgr.mu.Unlock()
}

func TestInferenceToggle(t *testing.T) {
	h := newTestManager(t)
	entry := createEntry(t, h.mgr)
	require.NoError(t, h.mgr.Start(entry.ID))

	require.NoError(t, h.mgr.DisableInference(entry.ID))
	got, _ := h.mgr.Get(entry.ID)
	assert.False(t, got.InferenceEnabled)

	require.NoError(t, h.mgr.EnableInference(entry.ID))
	got, _ = h.mgr.Get(entry.ID)
	assert.True(t, got.InferenceEnabled)
}

func TestConfidenceThresholdDurableWhenStopped(t *testing.T) {
	h := newTestManager(t)
	entry := createEntry(t, h.mgr)

	require.NoError(t, h.mgr.SetConfidenceThreshold(entry.ID, 0.7))
	got, err := h.mgr.GetConfidenceThreshold(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.7, got)

	assert.Error(t, h.mgr.SetConfidenceThreshold(entry.ID, 1.5))
}

func TestDestinationStatesWithoutInstance(t *testing.T) {
	h := newTestManager(t)
	entry := createEntry(t, h.mgr)

	states, err := h.mgr.DestinationStates(entry.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, entry.Destinations[0].ID, states[0].ID)
	assert.True(t, states[0].Enabled)
}

func TestResetFailuresRequiresLiveInstance(t *testing.T) {
	h := newTestManager(t)
	entry := createEntry(t, h.mgr)
	err := h.mgr.ResetDestinationFailures(entry.ID, entry.Destinations[0].ID)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestAggregateStats(t *testing.T) {
	h := newTestManager(t)
	a := createEntry(t, h.mgr)
	createEntry(t, h.mgr)

	stats := h.mgr.Stats()
	assert.Equal(t, 2, stats.TotalPipelines)
	assert.Equal(t, 0, stats.ActivePipelines)

	require.NoError(t, h.mgr.Start(a.ID))
	stats = h.mgr.Stats()
	assert.Equal(t, 1, stats.ActivePipelines)
}

func TestRegistrySurvivesReload(t *testing.T) {
	dir := t.TempDir()
	mgr, err := New(Options{DataDir: dir})
	require.NoError(t, err)
	entry, err := mgr.Create(CreateRequest{
		Name:   "persisted",
		Source: SourceConfig{CaptureType: "folder"},
	})
	require.NoError(t, err)

	// Simulate a running status being persisted, then a process restart.
	require.NoError(t, mgr.registry.mutate(entry.ID, func(e *Entry) {
		e.Status = StatusRunning
	}))

	mgr2, err := New(Options{DataDir: dir})
	require.NoError(t, err)
	got, err := mgr2.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Name)
	assert.Equal(t, StatusStopped, got.Status, "running status is reconciled on load")
}

func TestOneShotFolderSourceStopsAfterDrain(t *testing.T) {
	dir := t.TempDir()
	frames := filepath.Join(dir, "frames")
	require.NoError(t, os.MkdirAll(frames, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(frames, "a.jpg"), []byte("jpeg"), 0o644))

	mgr, err := New(Options{
		DataDir:         dir,
		StartTimeout:    2 * time.Second,
		PollInterval:    10 * time.Millisecond,
		MonitorInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Shutdown)

	entry, err := mgr.Create(CreateRequest{
		Name: "batch",
		Source: SourceConfig{
			CaptureType: "folder",
			Settings:    publish.Settings{"path": frames, "watch": false},
		},
		Model: ModelConfig{EngineType: "pass"},
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(entry.ID))

	require.Eventually(t, func() bool {
		got, err := mgr.Get(entry.ID)
		return err == nil && got.Status == StatusStopped
	}, 3*time.Second, 20*time.Millisecond)

	metrics, err := mgr.Metrics(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), metrics.FrameCount, "each file is processed exactly once")
}

func TestBreakerTripRecordsEvent(t *testing.T) {
	dir := t.TempDir()
	store, err := events.Open(filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(hook.Close)

	src := &testSource{}
	mgr, err := New(Options{
		DataDir:         dir,
		Events:          store,
		StartTimeout:    2 * time.Second,
		PollInterval:    10 * time.Millisecond,
		MonitorInterval: 20 * time.Millisecond,
		Sources: func(SourceConfig) (pipeline.FrameSource, pipeline.SourceTraits, error) {
			return src, pipeline.SourceTraits{}, nil
		},
		Engines: func(ModelConfig, string) (pipeline.Engine, error) {
			return &testEngine{}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Shutdown)

	entry, err := mgr.Create(CreateRequest{
		Name:   "cam",
		Source: SourceConfig{CaptureType: "folder"},
		Destinations: []publish.Config{
			{Type: "webhook", Enabled: true, Settings: publish.Settings{"url": hook.URL}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(entry.ID))

	require.Eventually(t, func() bool {
		list, err := store.ListByPipeline(entry.ID, 0)
		if err != nil {
			return false
		}
		for _, ev := range list {
			if ev.Type == events.TypeDestinationTripped {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	states, err := mgr.DestinationStates(entry.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.True(t, states[0].AutoDisabled)
}

func TestMergeDestinationsMatchesByID(t *testing.T) {
	existing := []publish.Config{
		{ID: "d1", Type: "webhook", Enabled: false, Settings: publish.Settings{"url": "http://a"}},
	}
	updated := []publish.Config{
		{ID: "d1", Type: "webhook", Enabled: true, Settings: publish.Settings{"url": "http://changed"}},
	}
	merged := mergeDestinations(existing, updated)
	require.Len(t, merged, 1)
	assert.Equal(t, "d1", merged[0].ID)
	assert.False(t, merged[0].Enabled, "runtime enabled state wins over the edit")
	assert.Equal(t, "http://changed", merged[0].Settings.String("url", ""))
}
