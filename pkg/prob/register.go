package prob

import (
	"context"
	"errors"
	"sync"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrNilRunner = errors.New("prob kind registered without a run function")
	ErrNoTarget  = errors.New("prob target address is empty")
)

// ScriptRunFn runs one spec of a registered kind. Metrics go to registry, progress to logger.
// The returned artifacts are kept even when the run fails.
type ScriptRunFn func(ctx context.Context, spec any, config RunOptions, registry *prometheus.Registry, logger log.Logger) (RunStatus, []Artifact, error)

// ProbRegistration describes how a kind of check is run and what it leaves behind.
type ProbRegistration struct {
	RunFunc ScriptRunFn

	// Version of the module providing the kind, from build info
	Version string

	// Mime type of a serialized spec
	ContentType string

	// Artifact rel types a run may produce, such as "screenshot" or "har"
	Produce []string
}

var (
	runnersMu sync.RWMutex
	runners   = map[Kind]ProbRegistration{}
)

// RegisterProbKind makes kind runnable: its spec type becomes known to manifest decoding and
// runner.Play dispatches manifests of that kind to registration.RunFunc.
// The page and http kinds register themselves from their package init.
func RegisterProbKind(kind Kind, proto any, registration ProbRegistration) error {
	if registration.RunFunc == nil {
		return ErrNilRunner
	}

	if err := RegisterKind(kind, proto); err != nil {
		return err
	}

	runnersMu.Lock()
	defer runnersMu.Unlock()
	runners[kind] = registration

	return nil
}

func UnregisterProbKind(kind Kind) error {
	UnregisterKind(kind)

	runnersMu.Lock()
	defer runnersMu.Unlock()
	delete(runners, kind)

	return nil
}

// ListProbs returns a snapshot of the registered kinds. Changing it does not affect the registry.
func ListProbs() map[Kind]ProbRegistration {
	runnersMu.RLock()
	defer runnersMu.RUnlock()

	result := make(map[Kind]ProbRegistration, len(runners))
	for kind, registration := range runners {
		result[kind] = registration
	}

	return result
}

func FindRunFunc(kind Kind) (ScriptRunFn, bool) {
	runnersMu.RLock()
	defer runnersMu.RUnlock()

	registration, ok := runners[kind]
	return registration.RunFunc, ok
}
