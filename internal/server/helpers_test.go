package server

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MeKo-Tech/leafscan/internal/inference"
	"github.com/MeKo-Tech/leafscan/internal/pipeline"
	"github.com/MeKo-Tech/leafscan/internal/testutil"
	"github.com/stretchr/testify/require"
)

// newTestServer wires a Server to the fake remote inference service.
func newTestServer(t *testing.T, mutate ...func(*Config)) (*Server, *testutil.InferenceServer) {
	t.Helper()
	fake := testutil.NewInferenceServer(t)
	cfg := Config{
		Port:         8080,
		MaxUploadMB:  4,
		TimeoutSec:   10,
		ModelsDir:    t.TempDir(),
		ResultsDir:   t.TempDir(),
		Pipeline:     pipeline.DefaultConfig(),
		Detection:    inference.ModelSpec{Backend: inference.BackendRemote, URL: fake.URL},
		Segmentation: inference.ModelSpec{Backend: inference.BackendRemote, URL: fake.URL},
	}
	cfg.Pipeline.Parallel.MaxWorkers = 2
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := NewServer(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, fake
}

// uploadRequest builds a multipart POST with an "image" part and form fields.
func uploadRequest(t *testing.T, path, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		part, err := mw.CreateFormFile("image", filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func sceneUpload(t *testing.T, path string, fields map[string]string) *http.Request {
	return uploadRequest(t, path, "field.png", testutil.EncodePNG(t, testutil.DefaultScene().Render()), fields)
}

// blankUpload sends bare soil, which has no detections.
func blankUpload(t *testing.T, path string) *http.Request {
	scene := testutil.Scene{Width: 64, Height: 48}
	return uploadRequest(t, path, "soil.png", testutil.EncodePNG(t, scene.Render()), nil)
}
