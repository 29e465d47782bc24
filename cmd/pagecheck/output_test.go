package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/sre-norns/wyrd/pkg/manifest"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sre-norns/pagecheck/pkg/prob"
	"github.com/sre-norns/pagecheck/pkg/probers/page"
	"github.com/sre-norns/pagecheck/pkg/runner"
)

func testSummary(t *testing.T) runSummary {
	t.Helper()

	report := page.Report{
		URL:        page.DefaultURL,
		Heading:    page.DefaultHeading,
		Screenshot: page.DefaultScreenshot,
		Status:     200,
		Attempts:   3,
		Stages: []page.StageRecord{
			{Stage: page.StageNotStarted},
			{Stage: page.StageBrowserLaunched, Elapsed: 400 * time.Millisecond},
			{Stage: page.StagePageLoaded, Elapsed: 120 * time.Millisecond},
			{Stage: page.StageAssertionEvaluated, Elapsed: 200 * time.Millisecond},
			{Stage: page.StageScreenshotWritten, Elapsed: 80 * time.Millisecond},
			{Stage: page.StageBrowserClosed, Elapsed: 30 * time.Millisecond},
		},
	}
	content, err := json.Marshal(report)
	require.NoError(t, err)

	return newRunSummary(page.Kind, runner.RunResult{
		Status:   prob.RunFinishedSuccess,
		Duration: 830 * time.Millisecond,
		Artifacts: []prob.Artifact{
			{Rel: page.ScreenshotRelType},
			{Rel: page.ReportRelType, Content: content},
			{Rel: runner.LogRelType},
		},
	}, manifest.Labels{runner.LabelOS: "linux"})
}

func TestNewRunSummary(t *testing.T) {
	summary := testSummary(t)

	require.Equal(t, page.Kind, summary.Kind)
	require.Equal(t, []string{page.ScreenshotRelType, page.ReportRelType, runner.LogRelType}, summary.Artifacts)
	require.NotNil(t, summary.Report)
	require.Equal(t, 3, summary.Report.Attempts)
	require.True(t, summary.Report.Reached(page.StageScreenshotWritten))

	noReport := newRunSummary("http", runner.RunResult{Status: prob.RunFinishedFailed}, nil)
	require.Nil(t, noReport.Report)
}

func TestFormatters(t *testing.T) {
	summary := testSummary(t)

	testCases := map[string]struct {
		format string
		check  func(t *testing.T, out []byte)
	}{
		"table": {
			format: "table",
			check: func(t *testing.T, out []byte) {
				text := string(out)
				require.Contains(t, text, "page: success in 830ms")
				require.Contains(t, text, page.DefaultURL)
				require.Contains(t, text, page.DefaultHeading)
				require.Contains(t, text, string(page.StageScreenshotWritten))
				require.Contains(t, text, runner.LabelOS)
			},
		},
		"yaml": {
			format: "yml",
			check: func(t *testing.T, out []byte) {
				var got map[string]any
				require.NoError(t, yaml.Unmarshal(out, &got))
				require.Equal(t, "success", got["status"])
				require.Equal(t, "830ms", got["duration"])
			},
		},
		"json": {
			format: "json",
			check: func(t *testing.T, out []byte) {
				var got runSummary
				require.NoError(t, json.Unmarshal(out, &got))
				require.Equal(t, summary.Status, got.Status)
				require.Equal(t, summary.Report.Stages, got.Report.Stages)
			},
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			format, err := getFormatter(test.format)
			require.NoError(t, err)

			var out bytes.Buffer
			require.NoError(t, format(&out, summary))
			test.check(t, out.Bytes())
		})
	}

	_, err := getFormatter("xml")
	require.Error(t, err)
}
