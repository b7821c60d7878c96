package pipeline

import "time"

// Frame is one captured image travelling through a pipeline.
// Data holds the JPEG-encoded bytes.
type Frame struct {
	Data      []byte
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
}

// Clone returns an independent copy of the frame.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}

// FrameSource produces frames for a pipeline. Implementations live outside
// the core; the pipeline only drives this contract.
type FrameSource interface {
	// Connect opens the source. Safe to call again after a disconnect.
	Connect() error

	// IsConnected reports whether the source is currently usable.
	IsConnected() bool

	// Read returns the next frame. ok is false when no frame is available;
	// for watching sources that is a normal idle condition.
	Read() (frame *Frame, ok bool)

	// Stop releases the source. Read must not be called afterwards.
	Stop() error
}

// FilePathProvider is an optional FrameSource capability for file-backed
// sources that can name the file the last frame came from. Used for the
// auto-delete option on folder sources.
type FilePathProvider interface {
	CurrentFilePath() string
}

// Detection is a single object found in a frame.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
}

// Result is what an engine produced for one frame.
type Result struct {
	Detections []Detection
	// Extra carries engine-specific fields merged into the published payload.
	Extra map[string]any
}

// Engine runs inference on frames. Concrete engines (remote servers,
// pass-through) live outside the core loop.
type Engine interface {
	// Load prepares the engine (loads the model). Must fail loudly: a
	// pipeline is not initialized until Load succeeded.
	Load() error

	// Infer runs the model on a frame.
	Infer(frame *Frame) (*Result, error)

	// Draw returns a copy of the frame annotated with the result.
	Draw(frame *Frame, result *Result) (*Frame, error)

	// ResultJSON converts a result into the structured payload published
	// to destinations.
	ResultJSON(result *Result) map[string]any

	Close() error
}

// ConfidenceThresholder is an optional Engine capability. Engines that do
// not implement it report threshold calls as unsupported rather than
// silently ignoring them.
type ConfidenceThresholder interface {
	SetConfidenceThreshold(threshold float64)
	ConfidenceThreshold() float64
}

// ThumbnailSink persists a preview image for a pipeline. Implemented by the
// manager's thumbnail store.
type ThumbnailSink interface {
	Capture(pipelineID string, frame *Frame) error
}

// SourceTraits is the slice of frame-source configuration the loop needs.
// Folder marks a watching folder source: the loop reconnects instead of
// terminating when it disconnects, and sleeps on idle. Any other source,
// including a one-shot folder drain, ends the loop on disconnect.
// AutoDelete removes consumed files from file-backed sources.
type SourceTraits struct {
	Folder     bool
	AutoDelete bool
}
