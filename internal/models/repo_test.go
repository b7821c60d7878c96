package models

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreDerivesContentAddressedID(t *testing.T) {
	repo, err := NewRepo(t.TempDir())
	require.NoError(t, err)

	m, err := repo.Store("yolo.onnx", bytes.NewReader([]byte("model-bytes")))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(m.ID, "yolo_"), "id %q", m.ID)
	assert.Len(t, m.ID, len("yolo_")+8)
	assert.Equal(t, int64(len("model-bytes")), m.Size)

	// Same name and content: same id, no duplicate entry.
	again, err := repo.Store("yolo.onnx", bytes.NewReader([]byte("model-bytes")))
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID)
	assert.Len(t, repo.List(), 1)

	// Changed content: new id.
	changed, err := repo.Store("yolo.onnx", bytes.NewReader([]byte("different-bytes")))
	require.NoError(t, err)
	assert.NotEqual(t, m.ID, changed.ID)
	assert.Len(t, repo.List(), 2)
}

func TestStoreRejectsEmptyFile(t *testing.T) {
	repo, err := NewRepo(t.TempDir())
	require.NoError(t, err)
	_, err = repo.Store("empty.onnx", bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestGetModelPath(t *testing.T) {
	repo, err := NewRepo(t.TempDir())
	require.NoError(t, err)

	m, err := repo.Store("net.tflite", bytes.NewReader([]byte("weights")))
	require.NoError(t, err)

	path := repo.GetModelPath(m.ID)
	require.NotEmpty(t, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), data)

	assert.Empty(t, repo.GetModelPath("missing"))
}

func TestDelete(t *testing.T) {
	repo, err := NewRepo(t.TempDir())
	require.NoError(t, err)

	m, err := repo.Store("net.onnx", bytes.NewReader([]byte("weights")))
	require.NoError(t, err)
	path := repo.GetModelPath(m.ID)

	require.NoError(t, repo.Delete(m.ID))
	assert.Empty(t, repo.List())
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	assert.ErrorIs(t, repo.Delete(m.ID), ErrNotFound)
}

func TestMetadataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewRepo(dir)
	require.NoError(t, err)
	m, err := repo.Store("net.onnx", bytes.NewReader([]byte("weights")))
	require.NoError(t, err)

	reopened, err := NewRepo(dir)
	require.NoError(t, err)
	got, err := reopened.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.SHA256, got.SHA256)
	assert.NotEmpty(t, reopened.GetModelPath(m.ID))
}
