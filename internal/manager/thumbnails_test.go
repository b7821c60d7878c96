package manager

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infernode/internal/pipeline"
)

func jpegFrame(t *testing.T, w, h int) *pipeline.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return &pipeline.Frame{Data: buf.Bytes(), Width: w, Height: h}
}

func TestThumbnailCaptureResizesPreservingAspect(t *testing.T) {
	store, err := NewThumbnailStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Capture("p1", jpegFrame(t, 640, 480)))
	require.True(t, store.Exists("p1"))

	data, err := os.ReadFile(store.Path("p1"))
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 240, img.Bounds().Dy())
}

func TestThumbnailOverwrite(t *testing.T) {
	store, err := NewThumbnailStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Capture("p1", jpegFrame(t, 320, 240)))
	first, err := os.ReadFile(store.Path("p1"))
	require.NoError(t, err)

	require.NoError(t, store.Capture("p1", jpegFrame(t, 640, 360)))
	second, err := os.ReadFile(store.Path("p1"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestThumbnailDelete(t *testing.T) {
	store, err := NewThumbnailStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Capture("p1", jpegFrame(t, 64, 64)))
	require.NoError(t, store.Delete("p1"))
	assert.False(t, store.Exists("p1"))

	// Deleting a missing thumbnail is fine.
	assert.NoError(t, store.Delete("p1"))
}

func TestThumbnailRejectsGarbage(t *testing.T) {
	store, err := NewThumbnailStore(t.TempDir())
	require.NoError(t, err)
	err = store.Capture("p1", &pipeline.Frame{Data: []byte("not a jpeg")})
	assert.Error(t, err)
}
