package support

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/leafscan/internal/pipeline"
	"github.com/MeKo-Tech/leafscan/internal/testutil"
	"github.com/cucumber/godog"
	"github.com/disintegration/imaging"
)

// RegisterCLISteps registers the command-line step definitions.
func (tc *TestContext) RegisterCLISteps(sc *godog.ScenarioContext) {
	sc.Step(`^the inference service is running$`, tc.theInferenceServiceIsRunning)
	sc.Step(`^the segmentation service fails$`, tc.theSegmentationServiceFails)
	sc.Step(`^a field photo "([^"]*)" with two diseased leaves$`, tc.aFieldPhotoWithTwoLeaves)
	sc.Step(`^a field photo "([^"]*)" with bare soil$`, tc.aFieldPhotoWithBareSoil)
	sc.Step(`^I run leafscan "([^"]*)"$`, tc.iRunLeafscan)
	sc.Step(`^I analyse "([^"]*)" with "([^"]*)"$`, tc.iAnalyseWith)
	sc.Step(`^the command should succeed$`, tc.theCommandShouldSucceed)
	sc.Step(`^the command should fail$`, tc.theCommandShouldFail)
	sc.Step(`^the output should contain "([^"]*)"$`, tc.theOutputShouldContain)
	sc.Step(`^the error output should contain "([^"]*)"$`, tc.theErrorOutputShouldContain)
	sc.Step(`^the report should have (\d+) records?$`, tc.theReportShouldHaveRecords)
	sc.Step(`^record (\d+) should be box (\d+) with severity ([\d.]+)$`, tc.recordShouldBeBoxWithSeverity)
	sc.Step(`^box (\d+) should be skipped with reason "([^"]*)"$`, tc.boxShouldBeSkippedWithReason)
	sc.Step(`^the output directory should contain "([^"]*)"$`, tc.theOutputDirectoryShouldContain)
	sc.Step(`^the output directory should not contain "([^"]*)"$`, tc.theOutputDirectoryShouldNotContain)
	sc.Step(`^the output directory should be empty$`, tc.theOutputDirectoryShouldBeEmpty)
	sc.Step(`^the inference service should have received (\d+) segmentation requests?$`, tc.segmentationRequests)
}

func (tc *TestContext) theInferenceServiceIsRunning() error {
	tc.Inference = testutil.NewInferenceServer(tc.t)
	return nil
}

func (tc *TestContext) theSegmentationServiceFails() error {
	if tc.Inference == nil {
		return fmt.Errorf("inference service is not running")
	}
	tc.Inference.FailSegment.Store(true)
	return nil
}

func (tc *TestContext) aFieldPhotoWithTwoLeaves(name string) error {
	return imaging.Save(testutil.DefaultScene().Render(), filepath.Join(tc.TempDir, name))
}

func (tc *TestContext) aFieldPhotoWithBareSoil(name string) error {
	return imaging.Save(testutil.Scene{Width: 64, Height: 48}.Render(), filepath.Join(tc.TempDir, name))
}

func (tc *TestContext) iRunLeafscan(args string) error {
	tc.RunCLI(strings.Fields(tc.expand(args)))
	return nil
}

// iAnalyseWith runs `severity` on a photo against the fake service with
// JSON output into the scenario output directory.
func (tc *TestContext) iAnalyseWith(name, extra string) error {
	if tc.Inference == nil {
		return fmt.Errorf("inference service is not running")
	}
	args := []string{
		"severity", filepath.Join(tc.TempDir, name),
		"--format", "json", "--output-dir", tc.OutputDir,
		"--det-backend", "remote", "--det-url", tc.Inference.URL,
		"--seg-backend", "remote", "--seg-url", tc.Inference.URL,
	}
	args = append(args, strings.Fields(tc.expand(extra))...)
	tc.RunCLI(args)
	return nil
}

func (tc *TestContext) theCommandShouldSucceed() error {
	if tc.LastError != nil {
		return fmt.Errorf("command %q failed: %w\nstderr: %s", tc.LastCommand, tc.LastError, tc.LastStderr)
	}
	return nil
}

func (tc *TestContext) theCommandShouldFail() error {
	if tc.LastError == nil {
		return fmt.Errorf("command %q succeeded, expected failure", tc.LastCommand)
	}
	return nil
}

func (tc *TestContext) theOutputShouldContain(text string) error {
	if !strings.Contains(tc.LastOutput, tc.expand(text)) {
		return fmt.Errorf("output does not contain %q:\n%s", text, tc.LastOutput)
	}
	return nil
}

func (tc *TestContext) theErrorOutputShouldContain(text string) error {
	combined := tc.LastStderr
	if tc.LastError != nil {
		combined += tc.LastError.Error()
	}
	if !strings.Contains(combined, text) {
		return fmt.Errorf("error output does not contain %q:\n%s", text, combined)
	}
	return nil
}

func (tc *TestContext) report() (*pipeline.Report, error) {
	var rep pipeline.Report
	if err := json.Unmarshal([]byte(tc.LastOutput), &rep); err != nil {
		return nil, fmt.Errorf("output is not a JSON report: %w\n%s", err, tc.LastOutput)
	}
	return &rep, nil
}

func (tc *TestContext) theReportShouldHaveRecords(n int) error {
	rep, err := tc.report()
	if err != nil {
		return err
	}
	if len(rep.Records) != n {
		return fmt.Errorf("expected %d records, got %d", n, len(rep.Records))
	}
	return nil
}

func (tc *TestContext) recordShouldBeBoxWithSeverity(i, box int, sev float64) error {
	rep, err := tc.report()
	if err != nil {
		return err
	}
	if i >= len(rep.Records) {
		return fmt.Errorf("report has only %d records", len(rep.Records))
	}
	rec := rep.Records[i]
	if rec.BoxIndex != box {
		return fmt.Errorf("record %d is box %d, expected %d", i, rec.BoxIndex, box)
	}
	if math.Abs(rec.SeverityPercent-sev) > 1e-9 {
		return fmt.Errorf("record %d severity %.2f, expected %.2f", i, rec.SeverityPercent, sev)
	}
	return nil
}

func (tc *TestContext) boxShouldBeSkippedWithReason(box int, reason string) error {
	rep, err := tc.report()
	if err != nil {
		return err
	}
	for _, s := range rep.Skipped {
		if s.BoxIndex == box {
			if string(s.Reason) != reason {
				return fmt.Errorf("box %d skipped with %q, expected %q", box, s.Reason, reason)
			}
			return nil
		}
	}
	return fmt.Errorf("box %d was not skipped", box)
}

func (tc *TestContext) theOutputDirectoryShouldContain(name string) error {
	if _, err := os.Stat(filepath.Join(tc.OutputDir, name)); err != nil {
		return fmt.Errorf("expected %s in output directory: %w", name, err)
	}
	return nil
}

func (tc *TestContext) theOutputDirectoryShouldNotContain(name string) error {
	if _, err := os.Stat(filepath.Join(tc.OutputDir, name)); err == nil {
		return fmt.Errorf("unexpected %s in output directory", name)
	}
	return nil
}

func (tc *TestContext) theOutputDirectoryShouldBeEmpty() error {
	entries, err := os.ReadDir(tc.OutputDir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("output directory has %d entries, expected none", len(entries))
	}
	return nil
}

func (tc *TestContext) segmentationRequests(n int) error {
	if got := int(tc.Inference.SegmentCalls.Load()); got != n {
		return fmt.Errorf("expected %d segmentation requests, got %d", n, got)
	}
	return nil
}
