package engine

import "infernode/internal/pipeline"

// Pass is the no-op engine for pipelines that move frames without a model:
// every frame yields an empty result so destinations still receive the
// frame metadata (and images, when configured).
type Pass struct{}

// NewPass returns the pass-through engine.
func NewPass() *Pass { return &Pass{} }

func (*Pass) Load() error { return nil }

func (*Pass) Infer(*pipeline.Frame) (*pipeline.Result, error) {
	return &pipeline.Result{}, nil
}

func (*Pass) Draw(frame *pipeline.Frame, _ *pipeline.Result) (*pipeline.Frame, error) {
	return frame.Clone(), nil
}

func (*Pass) ResultJSON(result *pipeline.Result) map[string]any {
	return detectionsJSON(result)
}

func (*Pass) Close() error { return nil }
