package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sre-norns/pagecheck/pkg/grace"
	"github.com/sre-norns/pagecheck/pkg/prob"
)

var (
	ErrNoSpec      = fmt.Errorf("no prob spec to run")
	ErrNoKind      = fmt.Errorf("no prob kind specified")
	ErrUnsupported = fmt.Errorf("unsupported prob kind")
)

// RunResult is everything a single run of a prob produced.
type RunResult struct {
	Status    prob.RunStatus
	Duration  time.Duration
	Artifacts []prob.Artifact

	// Registry the prob recorded its metrics into, probe_success and probe_duration_seconds included
	Registry *prometheus.Registry
}

// Artifact returns the first artifact with the given relation type.
func (r RunResult) Artifact(rel string) (prob.Artifact, bool) {
	for _, a := range r.Artifacts {
		if a.Rel == rel {
			return a, true
		}
	}

	return prob.Artifact{}, false
}

func unsupportedKind(kind prob.Kind) error {
	kinds := prob.ListProbs()
	registered := make([]string, 0, len(kinds))
	for k := range kinds {
		registered = append(registered, string(k))
	}
	sort.Strings(registered)

	return grace.RaiseError(
		"one of the registered prob kinds: "+strings.Join(registered, ", "),
		fmt.Sprintf("kind %q", kind),
		"set `kind` in the manifest to one of the registered kinds",
	)
}

// Play executes a single prob manifest with the run function registered for its kind.
func Play(ctx context.Context, m prob.Manifest, options prob.RunOptions, logger log.Logger) (RunResult, error) {
	if m.Spec == nil {
		return RunResult{Status: prob.RunFinishedError}, ErrNoSpec
	}

	if len(m.Kind) == 0 {
		return RunResult{Status: prob.RunFinishedError}, ErrNoKind
	}

	runFn, ok := prob.FindRunFunc(m.Kind)
	if !ok {
		return RunResult{Status: prob.RunFinishedError}, fmt.Errorf("%w %q: %w", ErrUnsupported, m.Kind, unsupportedKind(m.Kind))
	}

	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	registry := prometheus.NewRegistry()
	probeSuccessGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "probe_success",
		Help: "Displays whether or not the probe was a success",
	})
	probeDurationGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "probe_duration_seconds",
		Help: "Returns how long the probe took to complete in seconds",
	})
	registry.MustRegister(probeSuccessGauge, probeDurationGauge)

	runLog := NewRunLog(logger)
	level.Info(runLog).Log("msg", "beginning prob", "kind", m.Kind, "timeout", m.Timeout)

	start := time.Now()
	status, artifacts, err := runFn(ctx, m.Spec, options, registry, runLog)
	duration := time.Since(start)

	if status != prob.RunFinishedSuccess {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			status = prob.RunFinishedTimeout
		case errors.Is(ctx.Err(), context.Canceled):
			status = prob.RunFinishedCanceled
		}
	}

	probeDurationGauge.Set(duration.Seconds())
	if status == prob.RunFinishedSuccess {
		probeSuccessGauge.Set(1)
		level.Info(runLog).Log("msg", "prob succeeded", "duration_seconds", duration.Seconds())
	} else {
		level.Error(runLog).Log("msg", "prob failed", "status", status, "duration_seconds", duration.Seconds(), "err", err)
	}

	artifacts = append(artifacts, runLog.ToArtifact())
	metrics, metricsErr := ToArtifact(registry, RegistryOptions{})
	if metricsErr != nil {
		level.Warn(logger).Log("msg", "failed to render run metrics", "err", metricsErr)
	} else {
		artifacts = append(artifacts, metrics)
	}

	return RunResult{
		Status:    status,
		Duration:  duration,
		Artifacts: artifacts,
		Registry:  registry,
	}, err
}
