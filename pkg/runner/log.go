package runner

import (
	"bytes"
	"sync"

	"github.com/go-kit/log"

	"github.com/sre-norns/pagecheck/pkg/prob"
)

const LogRelType = "log"

// RunLog is a go-kit logger that keeps a logfmt transcript of a single run
// while forwarding every record to the next logger.
type RunLog struct {
	mu      sync.Mutex
	content bytes.Buffer
	next    log.Logger
}

func NewRunLog(next log.Logger) *RunLog {
	if next == nil {
		next = log.NewNopLogger()
	}

	return &RunLog{next: next}
}

func (l *RunLog) Log(keyvals ...any) error {
	l.mu.Lock()
	err := log.NewLogfmtLogger(&l.content).Log(keyvals...)
	l.mu.Unlock()

	if nextErr := l.next.Log(keyvals...); err == nil {
		err = nextErr
	}

	return err
}

func (l *RunLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.content.String()
}

func (l *RunLog) ToArtifact() prob.Artifact {
	return prob.Artifact{
		Rel:      LogRelType,
		MimeType: "text/plain",
		Content:  []byte(l.String()),
	}
}
