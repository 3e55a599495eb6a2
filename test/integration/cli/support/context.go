// Package support holds the step definitions of the CLI feature suite.
package support

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MeKo-Tech/leafscan/cmd/leafscan/cmd"
	"github.com/MeKo-Tech/leafscan/internal/testutil"
)

// TestContext holds the state of one scenario.
type TestContext struct {
	t *testing.T

	// Command execution state
	LastCommand  string
	LastOutput   string
	LastStderr   string
	LastError    error
	LastDuration time.Duration

	// Test environment
	TempDir   string
	OutputDir string
	Inference *testutil.InferenceServer

	// HTTP state
	HTTP               *HTTPServer
	LastHTTPStatusCode int
	LastHTTPResponse   []byte
	LastHTTPHeaders    map[string]string
}

// NewTestContext creates a scenario context with its own temp directory.
func NewTestContext(t *testing.T) (*TestContext, error) {
	tempDir, err := os.MkdirTemp("", "leafscan-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &TestContext{
		t:         t,
		TempDir:   tempDir,
		OutputDir: filepath.Join(tempDir, "results"),
	}, nil
}

// Cleanup stops servers and removes the temp directory.
func (tc *TestContext) Cleanup() {
	if tc.HTTP != nil {
		tc.HTTP.Close()
		tc.HTTP = nil
	}
	if tc.Inference != nil {
		tc.Inference.Close()
		tc.Inference = nil
	}
	if err := os.RemoveAll(tc.TempDir); err != nil {
		fmt.Printf("Warning: failed to remove %s: %v\n", tc.TempDir, err)
	}
}

// expand substitutes {dir}, {out} and {url} in step arguments.
func (tc *TestContext) expand(s string) string {
	url := ""
	if tc.Inference != nil {
		url = tc.Inference.URL
	}
	return strings.NewReplacer("{dir}", tc.TempDir, "{out}", tc.OutputDir, "{url}", url).Replace(s)
}

// RunCLI executes the command tree in-process.
func (tc *TestContext) RunCLI(args []string) {
	root := cmd.NewRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	start := time.Now()
	tc.LastError = root.Execute()
	tc.LastDuration = time.Since(start)
	tc.LastCommand = "leafscan " + strings.Join(args, " ")
	tc.LastOutput = stdout.String()
	tc.LastStderr = stderr.String()
}
