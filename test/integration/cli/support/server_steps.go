package support

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/leafscan/internal/inference"
	"github.com/MeKo-Tech/leafscan/internal/pipeline"
	"github.com/MeKo-Tech/leafscan/internal/server"
	"github.com/cucumber/godog"
)

// HTTPServer runs the API on an httptest listener.
type HTTPServer struct {
	*httptest.Server
	API *server.Server
}

// Close stops the listener and releases the models.
func (h *HTTPServer) Close() {
	h.Server.Close()
	_ = h.API.Close()
}

// RegisterServerSteps registers the HTTP API step definitions.
func (tc *TestContext) RegisterServerSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the leafscan server is running$`, tc.theServerIsRunning)
	sc.Step(`^the leafscan server is running with a limit of (\d+) requests? per minute$`, tc.theServerIsRunningWithLimit)
	sc.Step(`^I upload "([^"]*)" to "([^"]*)"$`, tc.iUploadTo)
	sc.Step(`^I upload "([^"]*)" to "([^"]*)" with:$`, tc.iUploadToWith)
	sc.Step(`^I request "([^"]*)"$`, tc.iRequest)
	sc.Step(`^I fetch every artifact of the response$`, tc.iFetchEveryArtifact)
	sc.Step(`^the response status should be (\d+)$`, tc.theResponseStatusShouldBe)
	sc.Step(`^the response field "([^"]*)" should be "([^"]*)"$`, tc.theResponseFieldShouldBe)
	sc.Step(`^the response should list (\d+) artifacts?$`, tc.theResponseShouldListArtifacts)
}

func (tc *TestContext) theServerIsRunning() error {
	return tc.startServer(server.RateLimitConfig{})
}

func (tc *TestContext) theServerIsRunningWithLimit(perMinute int) error {
	return tc.startServer(server.RateLimitConfig{Enabled: true, RequestsPerMinute: perMinute})
}

func (tc *TestContext) startServer(rl server.RateLimitConfig) error {
	if tc.Inference == nil {
		return fmt.Errorf("inference service is not running")
	}
	spec := inference.ModelSpec{Backend: inference.BackendRemote, URL: tc.Inference.URL}
	api, err := server.NewServer(server.Config{
		MaxUploadMB:  4,
		TimeoutSec:   10,
		ModelsDir:    filepath.Join(tc.TempDir, "models"),
		ResultsDir:   tc.OutputDir,
		Pipeline:     pipeline.DefaultConfig(),
		Detection:    spec,
		Segmentation: spec,
		RateLimit:    rl,
	}, nil)
	if err != nil {
		return err
	}
	tc.HTTP = &HTTPServer{Server: httptest.NewServer(api.Handler()), API: api}
	return nil
}

func (tc *TestContext) iUploadTo(name, path string) error {
	return tc.upload(name, path, nil)
}

func (tc *TestContext) iUploadToWith(name, path string, table *godog.Table) error {
	fields := map[string]string{}
	for _, row := range table.Rows {
		if len(row.Cells) != 2 {
			return fmt.Errorf("expected field | value rows")
		}
		fields[row.Cells[0].Value] = row.Cells[1].Value
	}
	return tc.upload(name, path, fields)
}

func (tc *TestContext) upload(name, path string, fields map[string]string) error {
	if tc.HTTP == nil {
		return fmt.Errorf("server is not running")
	}
	data, err := os.ReadFile(filepath.Join(tc.TempDir, name))
	if err != nil {
		return err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", name)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	resp, err := http.Post(tc.HTTP.URL+path, mw.FormDataContentType(), &body)
	if err != nil {
		return err
	}
	return tc.record(resp)
}

func (tc *TestContext) iRequest(path string) error {
	if tc.HTTP == nil {
		return fmt.Errorf("server is not running")
	}
	resp, err := http.Get(tc.HTTP.URL + path)
	if err != nil {
		return err
	}
	return tc.record(resp)
}

func (tc *TestContext) record(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	tc.LastHTTPStatusCode = resp.StatusCode
	tc.LastHTTPResponse = data
	tc.LastHTTPHeaders = map[string]string{}
	for k := range resp.Header {
		tc.LastHTTPHeaders[k] = resp.Header.Get(k)
	}
	return nil
}

func (tc *TestContext) theResponseStatusShouldBe(code int) error {
	if tc.LastHTTPStatusCode != code {
		return fmt.Errorf("expected status %d, got %d: %s", code, tc.LastHTTPStatusCode, tc.LastHTTPResponse)
	}
	return nil
}

// field walks a dotted path such as "results.0.severity".
func (tc *TestContext) field(path string) (any, error) {
	var v any
	if err := json.Unmarshal(tc.LastHTTPResponse, &v); err != nil {
		return nil, fmt.Errorf("response is not JSON: %w", err)
	}
	for _, key := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, fmt.Errorf("field %q not found", path)
			}
			v = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("index %q out of range in %q", key, path)
			}
			v = node[i]
		default:
			return nil, fmt.Errorf("cannot descend into %q", path)
		}
	}
	return v, nil
}

func (tc *TestContext) theResponseFieldShouldBe(path, want string) error {
	v, err := tc.field(path)
	if err != nil {
		return err
	}
	if got := fmt.Sprint(v); got != want {
		return fmt.Errorf("field %s is %q, expected %q", path, got, want)
	}
	return nil
}

func (tc *TestContext) artifacts() ([]string, error) {
	v, err := tc.field("artifacts")
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("artifacts is not a list")
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, fmt.Sprint(a))
	}
	return out, nil
}

func (tc *TestContext) theResponseShouldListArtifacts(n int) error {
	names, err := tc.artifacts()
	if err != nil {
		return err
	}
	if len(names) != n {
		return fmt.Errorf("expected %d artifacts, got %v", n, names)
	}
	return nil
}

func (tc *TestContext) iFetchEveryArtifact() error {
	names, err := tc.artifacts()
	if err != nil {
		return err
	}
	for _, name := range names {
		resp, err := http.Get(tc.HTTP.URL + "/v1/results/" + name)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("artifact %s: status %d", name, resp.StatusCode)
		}
	}
	return nil
}
