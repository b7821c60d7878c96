package manager

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	xdraw "golang.org/x/image/draw"

	"infernode/internal/pipeline"
)

// thumbnailWidth is the fixed output width; height preserves the source
// aspect ratio.
const thumbnailWidth = 320

// ThumbnailStore persists one preview JPEG per pipeline. It implements
// pipeline.ThumbnailSink.
type ThumbnailStore struct {
	dir string
}

// NewThumbnailStore creates the thumbnail directory.
func NewThumbnailStore(dir string) (*ThumbnailStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create thumbnails dir: %w", err)
	}
	return &ThumbnailStore{dir: dir}, nil
}

// Capture resizes the frame and overwrites the pipeline's thumbnail.
func (t *ThumbnailStore) Capture(pipelineID string, frame *pipeline.Frame) error {
	img, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return fmt.Errorf("frame has empty bounds")
	}
	height := bounds.Dy() * thumbnailWidth / bounds.Dx()
	if height < 1 {
		height = 1
	}
	thumb := image.NewRGBA(image.Rect(0, 0, thumbnailWidth, height))
	xdraw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), img, bounds, xdraw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := renameio.WriteFile(t.Path(pipelineID), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write thumbnail: %w", err)
	}
	return nil
}

// Path returns where the pipeline's thumbnail lives, whether or not it
// exists yet.
func (t *ThumbnailStore) Path(pipelineID string) string {
	return filepath.Join(t.dir, "thumbnail_"+pipelineID+".jpg")
}

// Exists reports whether a thumbnail has been captured.
func (t *ThumbnailStore) Exists(pipelineID string) bool {
	_, err := os.Stat(t.Path(pipelineID))
	return err == nil
}

// Delete removes the pipeline's thumbnail; missing files are fine.
func (t *ThumbnailStore) Delete(pipelineID string) error {
	if err := os.Remove(t.Path(pipelineID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
