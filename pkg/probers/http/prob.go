package http

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"

	"github.com/go-kit/log"
	bxconfig "github.com/prometheus/blackbox_exporter/config"
	"github.com/prometheus/blackbox_exporter/prober"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sre-norns/wyrd/pkg/manifest"

	"github.com/sre-norns/pagecheck/pkg/prob"
)

const (
	Kind           = prob.Kind("http")
	ScriptMimeType = "application/yaml"
)

var ErrProbeFailed = fmt.Errorf("http probe failed")

type Spec struct {
	Target string             `json:"target,omitempty" yaml:"target,omitempty"`
	HTTP   bxconfig.HTTPProbe `json:"http" yaml:"http"`
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
		},
	)
}

// DefaultProbe is the blackbox HTTP probe configuration used when a spec gives none:
// any 2xx status is a success.
func DefaultProbe(options prob.HttpOptions) bxconfig.HTTPProbe {
	probe := bxconfig.DefaultHTTPProbe
	probe.HTTPClientConfig.FollowRedirects = !options.IgnoreRedirects

	return probe
}

// Probe runs a single blackbox HTTP probe against target, recording its metrics into registry.
func Probe(ctx context.Context, target string, probe bxconfig.HTTPProbe, registry *prometheus.Registry, logger log.Logger) bool {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return prober.ProbeHTTP(ctx, target, bxconfig.Module{Prober: "http", HTTP: probe}, registry, logger)
}

func RunScript(ctx context.Context, probSpec any, config prob.RunOptions, registry *prometheus.Registry, logger log.Logger) (prob.RunStatus, []prob.Artifact, error) {
	spec, ok := probSpec.(*Spec)
	if !ok {
		return prob.RunFinishedError, nil, fmt.Errorf("%w: got %q, expected %q", manifest.ErrUnexpectedSpecType, reflect.TypeOf(probSpec), reflect.TypeOf(&Spec{}))
	}

	if spec.Target == "" {
		return prob.RunFinishedError, nil, prob.ErrNoTarget
	}

	if success := Probe(ctx, spec.Target, spec.HTTP, registry, logger); !success {
		return prob.RunFinishedFailed, nil, fmt.Errorf("%w: %s", ErrProbeFailed, spec.Target)
	}

	return prob.RunFinishedSuccess, nil, nil
}
