package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infernode/internal/manager"
	"infernode/internal/models"
)

func newTestServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	repo, err := models.NewRepo(dir + "/models")
	require.NoError(t, err)
	mgr, err := manager.New(manager.Options{DataDir: dir, Models: repo})
	require.NoError(t, err)
	t.Cleanup(mgr.Shutdown)

	srv := httptest.NewServer(NewServer(mgr, repo, nil, apiKey).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, "secret")
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIKeyEnforced(t *testing.T) {
	srv := newTestServer(t, "secret")

	resp, err := http.Get(srv.URL + "/api/v1/pipelines")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/pipelines", nil)
	req.Header.Set("X-API-Key", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	srv := newTestServer(t, "")
	resp, err := http.Get(srv.URL + "/api/v1/pipelines")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPipelineCRUD(t *testing.T) {
	srv := newTestServer(t, "")

	body := `{"name":"cam-1","source":{"capture_type":"folder","config":{"path":"/tmp/frames"}},"model":{"engine_type":"pass"}}`
	resp, err := http.Post(srv.URL+"/api/v1/pipelines", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created manager.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "cam-1", created.Name)
	assert.Equal(t, manager.StatusStopped, created.Status)

	resp, err = http.Get(srv.URL + "/api/v1/pipelines/" + created.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/pipelines/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/pipelines/" + created.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartUnknownPipelineIs404(t *testing.T) {
	srv := newTestServer(t, "")
	resp, err := http.Post(srv.URL+"/api/v1/pipelines/nope/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestModelUpload(t *testing.T) {
	srv := newTestServer(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("model", "net.onnx")
	require.NoError(t, err)
	_, err = fw.Write([]byte("weights"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/v1/models", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var model models.Model
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&model))
	assert.Contains(t, model.ID, "net_")
}
