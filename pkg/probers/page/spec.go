package page

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sre-norns/wyrd/pkg/manifest"

	"github.com/sre-norns/pagecheck/pkg/prob"
	"github.com/sre-norns/pagecheck/pkg/probers/http"
)

const (
	Kind           = prob.Kind("page")
	ScriptMimeType = "application/yaml"

	ScreenshotRelType        = "screenshot"
	FailureScreenshotRelType = "failure-screenshot"
	HarRelType               = "har"
	ReportRelType            = "report"
)

const (
	DefaultURL        = "http://localhost:3000"
	DefaultHeading    = "About Me"
	DefaultScreenshot = "homepage.png"
	DefaultTimeout    = 5 * time.Second
)

type Spec struct {
	// Address of the page to check
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Exact accessible name of the heading expected to become visible
	Heading string `json:"heading,omitempty" yaml:"heading,omitempty"`

	// Where the screenshot is written. Overwritten on every successful run
	Screenshot string `json:"screenshot,omitempty" yaml:"screenshot,omitempty"`

	// How long to wait for the heading to become visible
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	FullPage bool `json:"fullPage,omitempty" yaml:"fullPage,omitempty"`

	// Optional diagnostic capture when the heading never shows up
	FailureScreenshot string `json:"failureScreenshot,omitempty" yaml:"failureScreenshot,omitempty"`

	// Optional HAR recording of the page load
	HAR string `json:"har,omitempty" yaml:"har,omitempty"`

	// Probe the address over plain HTTP before starting a browser
	Preflight bool `json:"preflight,omitempty" yaml:"preflight,omitempty"`

	// Fail on HTTP status >= 400 of the main document without looking for the heading.
	// By default an error status only fails the check when the heading is not visible either.
	StrictStatus bool `json:"strictStatus,omitempty" yaml:"strictStatus,omitempty"`
}

// WithDefaults fills in unset fields.
func (s Spec) WithDefaults() Spec {
	if s.URL == "" {
		s.URL = DefaultURL
	}
	if s.Heading == "" {
		s.Heading = DefaultHeading
	}
	if s.Screenshot == "" {
		s.Screenshot = DefaultScreenshot
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}

	return s
}

// jsonSpec reads and writes Timeout as a duration string, the way YAML does.
type jsonSpec struct {
	*plainSpec
	Timeout prob.Duration `json:"timeout,omitempty"`
}

type plainSpec Spec

func (s Spec) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonSpec{plainSpec: (*plainSpec)(&s), Timeout: prob.Duration(s.Timeout)})
}

func (s *Spec) UnmarshalJSON(data []byte) error {
	aux := jsonSpec{plainSpec: (*plainSpec)(s), Timeout: prob.Duration(s.Timeout)}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&aux); err != nil {
		return err
	}

	s.Timeout = time.Duration(aux.Timeout)
	return nil
}

func init() {
	moduleVersion := "devel"
	if bi, ok := debug.ReadBuildInfo(); ok {
		moduleVersion = strings.Trim(bi.Main.Version, "()")
	}

	// Ignore double registration error
	_ = prob.RegisterProbKind(
		Kind,
		&Spec{},
		prob.ProbRegistration{
			RunFunc:     RunScript,
			ContentType: ScriptMimeType,
			Version:     moduleVersion,
			Produce:     []string{ScreenshotRelType, FailureScreenshotRelType, HarRelType, ReportRelType},
		},
	)
}

func RunScript(ctx context.Context, probSpec any, config prob.RunOptions, registry *prometheus.Registry, logger log.Logger) (prob.RunStatus, []prob.Artifact, error) {
	return run(ctx, probSpec, config, registry, logger, LaunchChrome)
}

func run(ctx context.Context, probSpec any, config prob.RunOptions, registry *prometheus.Registry, logger log.Logger, launch Launcher) (prob.RunStatus, []prob.Artifact, error) {
	spec, ok := probSpec.(*Spec)
	if !ok {
		return prob.RunFinishedError, nil, fmt.Errorf("%w: got %q, expected %q", manifest.ErrUnexpectedSpecType, reflect.TypeOf(probSpec), reflect.TypeOf(&Spec{}))
	}

	checker := Checker{
		Launch:  launch,
		Options: config.Browser,
		Logger:  logger,
		Preflight: func(ctx context.Context, target string) error {
			if !http.Probe(ctx, target, http.DefaultProbe(config.Http), registry, logger) {
				return http.ErrProbeFailed
			}
			return nil
		},
	}

	report, err := checker.Check(ctx, *spec)
	recordMetrics(registry, report, err)

	artifacts := reportArtifacts(report, logger)

	if err != nil {
		var checkErr *CheckError
		if errors.As(err, &checkErr) {
			return checkErr.Status(), artifacts, err
		}
		return prob.RunFinishedError, artifacts, err
	}

	return prob.RunFinishedSuccess, artifacts, nil
}

func reportArtifacts(report Report, logger log.Logger) []prob.Artifact {
	var artifacts []prob.Artifact
	if len(report.image) > 0 {
		artifacts = append(artifacts, prob.Artifact{
			Rel:      ScreenshotRelType,
			MimeType: "image/png",
			Content:  report.image,
		})
	}

	if len(report.failureImage) > 0 {
		artifacts = append(artifacts, prob.Artifact{
			Rel:      FailureScreenshotRelType,
			MimeType: "image/png",
			Content:  report.failureImage,
		})
	}

	if report.archive != nil {
		if data, err := json.Marshal(report.archive); err == nil {
			artifacts = append(artifacts, prob.Artifact{
				Rel:      HarRelType,
				MimeType: "application/json",
				Content:  data,
			})
		}
	}

	data, err := json.Marshal(report)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to marshal check report", "err", err)
		return artifacts
	}

	return append(artifacts, prob.Artifact{
		Rel:      ReportRelType,
		MimeType: "application/json",
		Content:  data,
	})
}

// ReportFrom decodes the report artifact produced by a page prob run.
func ReportFrom(artifacts []prob.Artifact) (Report, bool) {
	for _, a := range artifacts {
		if a.Rel != ReportRelType {
			continue
		}

		var report Report
		if err := json.Unmarshal(a.Content, &report); err != nil {
			return Report{}, false
		}
		return report, true
	}

	return Report{}, false
}

func recordMetrics(registry *prometheus.Registry, report Report, err error) {
	if registry == nil {
		return
	}

	stageDuration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "probe_page_stage_duration_seconds",
		Help: "Time it took to reach each stage of the page check from the previous one",
	}, []string{"stage"})
	statusCode := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "probe_page_http_status_code",
		Help: "HTTP status code of the main document",
	})
	screenshotBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "probe_page_screenshot_bytes",
		Help: "Size of the screenshot written by the check",
	})
	lookups := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "probe_page_heading_lookups",
		Help: "Number of accessibility tree lookups performed while waiting for the heading",
	})
	failure := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "probe_page_failed",
		Help: "Set to 1 for the reason a page check failed",
	}, []string{"reason"})

	for _, c := range []prometheus.Collector{stageDuration, statusCode, screenshotBytes, lookups, failure} {
		if rerr := registry.Register(c); rerr != nil {
			return
		}
	}

	for _, s := range report.Stages {
		stageDuration.WithLabelValues(string(s.Stage)).Set(s.Elapsed.Seconds())
	}
	statusCode.Set(float64(report.Status))
	screenshotBytes.Set(float64(report.ScreenshotBytes))
	lookups.Set(float64(report.Attempts))

	var checkErr *CheckError
	if errors.As(err, &checkErr) {
		failure.WithLabelValues(checkErr.reason()).Set(1)
	}
}
