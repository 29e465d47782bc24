package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/sre-norns/pagecheck/pkg/prob"
	"github.com/sre-norns/pagecheck/pkg/probers/page"
	"github.com/sre-norns/pagecheck/pkg/runner"
)

func testCommandContext() *commandContext {
	config := runner.NewDefaultConfig()
	config.Timeout = time.Minute
	config.Headless = true

	return &commandContext{
		RunnerConfig: &config,
		Context:      context.Background(),
		Logger:       log.NewNopLogger(),
	}
}

func defaultRunCmd() RunCmd {
	return RunCmd{
		URL:        page.DefaultURL,
		Heading:    page.DefaultHeading,
		Screenshot: page.DefaultScreenshot,
		Timeout:    page.DefaultTimeout,
		Format:     "json",
	}
}

func TestRunCmd_ManifestFromFlags(t *testing.T) {
	cmd := defaultRunCmd()
	cmd.URL = "http://localhost:8080"
	cmd.HAR = "run.har"
	cmd.StrictStatus = true

	m, err := cmd.manifest(30 * time.Second)
	require.NoError(t, err)
	require.Equal(t, page.Kind, m.Kind)
	require.Equal(t, 30*time.Second, m.Timeout)
	require.Equal(t, &page.Spec{
		URL:          "http://localhost:8080",
		Heading:      page.DefaultHeading,
		Screenshot:   page.DefaultScreenshot,
		Timeout:      page.DefaultTimeout,
		HAR:          "run.har",
		StrictStatus: true,
	}, m.Spec)
}

func TestRunCmd_ManifestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlFile := filepath.Join(dir, "check.yaml")
	require.NoError(t, os.WriteFile(yamlFile, []byte(`kind: page
timeout: 20s
spec:
  url: http://localhost:4000
  heading: Projects
  timeout: 3s
  fullPage: true
`), 0644))

	jsonFile := filepath.Join(dir, "check.json")
	require.NoError(t, os.WriteFile(jsonFile, []byte(`{"kind": "page", "spec": {"url": "http://localhost:5000"}}`), 0644))

	durationsFile := filepath.Join(dir, "durations.json")
	require.NoError(t, os.WriteFile(durationsFile, []byte(`{"kind": "page", "timeout": "20s", "spec": {"url": "http://localhost:4000", "timeout": "3s", "strictStatus": true}}`), 0644))

	testCases := map[string]struct {
		file        string
		expectSpec  *page.Spec
		expectLimit time.Duration
	}{
		"yaml": {
			file:        yamlFile,
			expectSpec:  &page.Spec{URL: "http://localhost:4000", Heading: "Projects", Timeout: 3 * time.Second, FullPage: true},
			expectLimit: 20 * time.Second,
		},
		"json": {
			file:        jsonFile,
			expectSpec:  &page.Spec{URL: "http://localhost:5000"},
			expectLimit: time.Minute,
		},
		"json-duration-strings": {
			file:        durationsFile,
			expectSpec:  &page.Spec{URL: "http://localhost:4000", Timeout: 3 * time.Second, StrictStatus: true},
			expectLimit: 20 * time.Second,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			cmd := defaultRunCmd()
			cmd.File = test.file

			m, err := cmd.manifest(time.Minute)
			require.NoError(t, err)
			require.Equal(t, page.Kind, m.Kind)
			require.Equal(t, test.expectLimit, m.Timeout)
			require.Equal(t, test.expectSpec, m.Spec)
		})
	}

	cmd := defaultRunCmd()
	cmd.File = filepath.Join(dir, "missing.yaml")
	_, err := cmd.manifest(time.Minute)
	require.Error(t, err)
}

func TestRunCmd_Success(t *testing.T) {
	play, played := fakePlay(t, prob.RunFinishedSuccess, nil)

	var out bytes.Buffer
	cmd := defaultRunCmd()
	cmd.play = play
	cmd.out = &out
	cmd.MetricsFile = filepath.Join(t.TempDir(), "metrics.prom.zst")

	require.NoError(t, cmd.Run(testCommandContext()))
	require.Len(t, *played, 1)
	require.Equal(t, time.Minute, (*played)[0].Timeout)

	var summary runSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	require.Equal(t, prob.RunFinishedSuccess, summary.Status)
	require.Equal(t, page.Kind, summary.Kind)
	require.NotNil(t, summary.Report)
	require.Equal(t, page.DefaultURL, summary.Report.URL)
	require.Contains(t, summary.Artifacts, page.ScreenshotRelType)
	require.Contains(t, summary.Labels, runner.LabelOS)

	compressed, err := os.ReadFile(cmd.MetricsFile)
	require.NoError(t, err)
	decoder, err := zstd.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	defer decoder.Close()

	var metrics bytes.Buffer
	_, err = metrics.ReadFrom(decoder)
	require.NoError(t, err)
	require.Contains(t, metrics.String(), "probe_success 1")
}

func TestRunCmd_Failure(t *testing.T) {
	checkErr := &page.CheckError{
		Stage: page.StagePageLoaded,
		Kind:  page.ErrAssertionTimeout,
		Err:   errors.New(`heading "About Me" not visible after 5s (50 attempts)`),
	}
	play, _ := fakePlay(t, prob.RunFinishedFailed, checkErr)

	var out bytes.Buffer
	cmd := defaultRunCmd()
	cmd.Format = "yaml"
	cmd.play = play
	cmd.out = &out

	err := cmd.Run(testCommandContext())
	require.ErrorIs(t, err, page.ErrAssertionTimeout)
	require.Contains(t, err.Error(), "assert:")
	require.Contains(t, out.String(), "status: failed")
}

func TestRunCmd_StatusWithoutError(t *testing.T) {
	play, _ := fakePlay(t, prob.RunFinishedTimeout, nil)

	cmd := defaultRunCmd()
	cmd.play = play
	cmd.out = &bytes.Buffer{}

	err := cmd.Run(testCommandContext())
	require.Error(t, err)
	require.Contains(t, err.Error(), "timeout")
}

func TestRunCmd_InvalidFormat(t *testing.T) {
	play, played := fakePlay(t, prob.RunFinishedSuccess, nil)

	cmd := defaultRunCmd()
	cmd.Format = "xml"
	cmd.play = play

	require.Error(t, cmd.Run(testCommandContext()))
	require.Empty(t, *played)
}
