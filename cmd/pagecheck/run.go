package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"

	"github.com/sre-norns/pagecheck/pkg/prob"
	"github.com/sre-norns/pagecheck/pkg/probers/page"
	"github.com/sre-norns/pagecheck/pkg/runner"
)

type playFunc func(ctx context.Context, m prob.Manifest, options prob.RunOptions, logger log.Logger) (runner.RunResult, error)

type RunCmd struct {
	URL        string        `help:"Address of the page to check" default:"${default_url}" env:"PAGECHECK_URL"`
	Heading    string        `help:"Exact accessible name of the heading expected on the page" default:"${default_heading}" env:"PAGECHECK_HEADING"`
	Screenshot string        `help:"Where to write the screenshot. Overwritten on every successful run" default:"${default_screenshot}" env:"PAGECHECK_SCREENSHOT"`
	Timeout    time.Duration `help:"How long to wait for the heading to become visible" default:"${default_timeout}" env:"PAGECHECK_TIMEOUT"`

	FullPage          bool   `help:"Capture the whole page rather than the viewport" env:"PAGECHECK_FULL_PAGE"`
	FailureScreenshot string `help:"Write a diagnostic screenshot here when the heading never shows up" env:"PAGECHECK_FAILURE_SCREENSHOT"`
	HAR               string `name:"har" help:"Save a HAR recording of the page load" env:"PAGECHECK_HAR"`
	Preflight         bool   `help:"Probe the address over plain HTTP before starting a browser" env:"PAGECHECK_PREFLIGHT"`
	StrictStatus      bool   `help:"Fail as soon as the page is served with HTTP status 400 or above, without looking for the heading" env:"PAGECHECK_STRICT_STATUS"`

	File string `name:"file" short:"f" help:"Read the prob manifest from a YAML or JSON file ('-' for STDIN). Page flags are ignored when set" placeholder:"PATH"`

	Format      string `short:"o" help:"Report output format (${enum})" enum:"table,yaml,yml,json" default:"table" env:"PAGECHECK_OUTPUT"`
	MetricsFile string `help:"Write run metrics in Prometheus text format. A .gz or .zst extension compresses the file" env:"PAGECHECK_METRICS_FILE"`

	play playFunc  `kong:"-"`
	out  io.Writer `kong:"-"`
}

func (c *RunCmd) pageSpec() *page.Spec {
	return &page.Spec{
		URL:               c.URL,
		Heading:           c.Heading,
		Screenshot:        c.Screenshot,
		Timeout:           c.Timeout,
		FullPage:          c.FullPage,
		FailureScreenshot: c.FailureScreenshot,
		HAR:               c.HAR,
		Preflight:         c.Preflight,
		StrictStatus:      c.StrictStatus,
	}
}

func readContent(filename string) ([]byte, string, error) {
	if filename == "-" {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return content, "", fmt.Errorf("failed to read content from STDIN: %w", err)
		}

		return content, "", nil
	}

	content, err := os.ReadFile(filename)
	return content, filepath.Ext(filename), err
}

func manifestFromFile(filename string) (result prob.Manifest, err error) {
	content, ext, err := readContent(filename)
	if err != nil {
		return result, fmt.Errorf("failed to read manifest content from `%v`: %w", filename, err)
	}

	switch ext {
	case ".json":
		err = json.Unmarshal(content, &result)
	default:
		err = yaml.Unmarshal(content, &result)
	}
	if err != nil {
		return result, fmt.Errorf("failed to parse manifest `%v`: %w", filename, err)
	}

	return result, nil
}

// manifest is the prob to run: either read from --file or built from the page flags.
func (c *RunCmd) manifest(timeout time.Duration) (prob.Manifest, error) {
	if c.File == "" {
		return prob.Manifest{
			Kind:    page.Kind,
			Timeout: timeout,
			Spec:    c.pageSpec(),
		}, nil
	}

	m, err := manifestFromFile(c.File)
	if err != nil {
		return m, err
	}

	if m.Timeout == 0 {
		m.Timeout = timeout
	}

	return m, nil
}

func writeMetrics(filename string, result runner.RunResult) error {
	if result.Registry == nil {
		return nil
	}

	artifact, err := runner.ToArtifact(result.Registry, runner.RegistryOptions{
		Compression: runner.CompressionForFile(filename),
	})
	if err != nil {
		return fmt.Errorf("failed to render metrics: %w", err)
	}

	return os.WriteFile(filename, artifact.Content, 0644)
}

func (c *RunCmd) Run(cfg *commandContext) error {
	format, err := getFormatter(c.Format)
	if err != nil {
		return err
	}

	m, err := c.manifest(cfg.RunnerConfig.Timeout)
	if err != nil {
		return err
	}

	play, out := c.play, c.out
	if play == nil {
		play = runner.Play
	}
	if out == nil {
		out = os.Stdout
	}

	cfg.DetectRuntime()
	logger := log.With(cfg.Logger, "kind", m.Kind)

	result, runErr := play(cfg.Context, m, cfg.RunOptions(), logger)

	if c.MetricsFile != "" {
		if err := writeMetrics(c.MetricsFile, result); err != nil {
			level.Warn(logger).Log("msg", "failed to write metrics file", "path", c.MetricsFile, "err", err)
		}
	}

	if result.Status != prob.RunNotFinished {
		if err := format(out, newRunSummary(m.Kind, result, cfg.GetEffectiveLabels())); err != nil {
			level.Warn(logger).Log("msg", "failed to print run report", "err", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	if result.Status != prob.RunFinishedSuccess {
		return fmt.Errorf("prob %q finished with status %q", m.Kind, result.Status)
	}

	return nil
}
