package page

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/har"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/sre-norns/pagecheck/pkg/prob"
)

const HeadingRole = "heading"

// Browser is the capability set a check needs from a browser automation runtime.
type Browser interface {
	// Navigate loads url and blocks until the browser reports the load as complete.
	// Returns HTTP status of the main document, or 0 when there is none.
	Navigate(ctx context.Context, url string) (int64, error)

	// Visible reports whether an element with the given accessibility role and exact
	// accessible name is currently rendered and not hidden.
	Visible(ctx context.Context, role, name string) (bool, error)

	// Screenshot captures a PNG image of the viewport or of the whole page.
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)

	// Close terminates the browser process.
	Close() error
}

// Archiver is implemented by browsers that record network traffic.
type Archiver interface {
	Archive() *har.HAR
}

type Launcher func(ctx context.Context, options prob.BrowserOptions, logger log.Logger) (Browser, error)

// Stage of a check run.
type Stage string

const (
	StageNotStarted         Stage = "NotStarted"
	StageBrowserLaunched    Stage = "BrowserLaunched"
	StagePageLoaded         Stage = "PageLoaded"
	StageAssertionEvaluated Stage = "AssertionEvaluated"
	StageScreenshotWritten  Stage = "ScreenshotWritten"
	StageFailed             Stage = "Failed"
	StageBrowserClosed      Stage = "BrowserClosed"
)

type StageRecord struct {
	Stage Stage `json:"stage" yaml:"stage"`

	// Time it took to get to this stage from the previous one
	Elapsed time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Report is what a check run observed.
type Report struct {
	URL        string `json:"url" yaml:"url"`
	Heading    string `json:"heading" yaml:"heading"`
	Screenshot string `json:"screenshot" yaml:"screenshot"`

	Stages []StageRecord `json:"stages" yaml:"stages"`

	// HTTP status of the main document
	Status int64 `json:"status,omitempty" yaml:"status,omitempty"`

	// Number of accessibility tree lookups before the heading was found visible
	Attempts int `json:"attempts,omitempty" yaml:"attempts,omitempty"`

	ScreenshotBytes   int    `json:"screenshotBytes,omitempty" yaml:"screenshotBytes,omitempty"`
	FailureScreenshot string `json:"failureScreenshot,omitempty" yaml:"failureScreenshot,omitempty"`
	HAR               string `json:"har,omitempty" yaml:"har,omitempty"`

	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	image        []byte
	failureImage []byte
	archive      *har.HAR
	last         time.Time
}

func (r *Report) mark(stage Stage, now time.Time) {
	var elapsed time.Duration
	if !r.last.IsZero() {
		elapsed = now.Sub(r.last)
	}
	r.last = now

	r.Stages = append(r.Stages, StageRecord{Stage: stage, Elapsed: elapsed})
}

// Reached reports whether the run went through the given stage.
func (r Report) Reached(stage Stage) bool {
	for _, s := range r.Stages {
		if s.Stage == stage {
			return true
		}
	}

	return false
}

// Trail lists stages in the order they were reached.
func (r Report) Trail() []Stage {
	result := make([]Stage, 0, len(r.Stages))
	for _, s := range r.Stages {
		result = append(result, s.Stage)
	}

	return result
}

// Checker runs page health checks.
type Checker struct {
	Launch  Launcher
	Options prob.BrowserOptions
	Logger  log.Logger

	// Preflight is called before the browser is launched, when the spec asks for it.
	Preflight func(ctx context.Context, target string) error

	now func() time.Time
}

func (c *Checker) clock() time.Time {
	if c.now != nil {
		return c.now()
	}

	return time.Now()
}

func (c *Checker) logger() log.Logger {
	if c.Logger == nil {
		return log.NewNopLogger()
	}

	return c.Logger
}

func (c *Checker) pollInterval() time.Duration {
	if c.Options.PollInterval > 0 {
		return c.Options.PollInterval
	}

	return prob.DefaultRunOptions().Browser.PollInterval
}

// Check loads spec.URL, waits for the heading named spec.Heading to become visible and
// writes a screenshot to spec.Screenshot. The browser is closed on every exit path.
func (c *Checker) Check(ctx context.Context, spec Spec) (report Report, err error) {
	spec = spec.WithDefaults()
	logger := log.With(c.logger(), "url", spec.URL)

	report = Report{
		URL:        spec.URL,
		Heading:    spec.Heading,
		Screenshot: spec.Screenshot,
	}
	report.mark(StageNotStarted, c.clock())

	fail := func(kind, cause error) (Report, error) {
		report.mark(StageFailed, c.clock())
		if errors.Is(ctx.Err(), context.Canceled) {
			kind = ErrAborted
		}

		return report, &CheckError{
			Stage:   report.Stages[len(report.Stages)-2].Stage,
			Kind:    kind,
			Err:     cause,
			URL:     spec.URL,
			Heading: spec.Heading,
		}
	}

	defer func() {
		if err != nil {
			report.Error = err.Error()
		}
	}()

	if err := validateURL(spec.URL); err != nil {
		return fail(ErrNavigation, err)
	}

	if spec.Preflight && c.Preflight != nil {
		level.Debug(logger).Log("msg", "running preflight probe")
		if err := c.Preflight(ctx, spec.URL); err != nil {
			return fail(ErrNavigation, fmt.Errorf("preflight: %w", err))
		}
	}

	if c.Launch == nil {
		return fail(ErrLaunch, errors.New("no browser launcher configured"))
	}

	level.Debug(logger).Log("msg", "launching browser", "headless", c.Options.Headless)
	browser, err := c.Launch(ctx, c.Options, logger)
	if err != nil {
		return fail(ErrLaunch, err)
	}
	report.mark(StageBrowserLaunched, c.clock())

	defer func() {
		if archiver, ok := browser.(Archiver); ok && spec.HAR != "" {
			report.archive = archiver.Archive()
			if werr := writeHAR(spec.HAR, report.archive); werr != nil {
				level.Warn(logger).Log("msg", "failed to write HAR file", "path", spec.HAR, "err", werr)
			} else {
				report.HAR = spec.HAR
			}
		}

		if cerr := browser.Close(); cerr != nil {
			level.Warn(logger).Log("msg", "failed to close browser cleanly", "err", cerr)
		}
		report.mark(StageBrowserClosed, c.clock())
		level.Debug(logger).Log("msg", "browser closed")
	}()

	level.Info(logger).Log("msg", "navigating")
	status, err := browser.Navigate(ctx, spec.URL)
	report.Status = status
	if err != nil {
		return fail(ErrNavigation, err)
	}
	errorStatus := status >= 400
	if errorStatus && spec.StrictStatus {
		return fail(ErrNavigation, fmt.Errorf("server responded with HTTP status %d", status))
	}
	if errorStatus {
		level.Warn(logger).Log("msg", "page served with error status, looking for heading anyway", "status", status)
	}
	report.mark(StagePageLoaded, c.clock())

	level.Info(logger).Log("msg", "waiting for heading", "heading", spec.Heading, "timeout", spec.Timeout)
	attempts, err := c.waitVisible(ctx, browser, spec, logger)
	report.Attempts = attempts
	report.mark(StageAssertionEvaluated, c.clock())
	if err != nil {
		if spec.FailureScreenshot != "" && ctx.Err() == nil {
			c.captureFailure(ctx, browser, spec, &report, logger)
		}

		// An error page without the expected content means the page itself did not load.
		if errorStatus {
			return fail(ErrNavigation, fmt.Errorf("HTTP %d and heading not visible: %w", status, err))
		}
		return fail(ErrAssertionTimeout, err)
	}

	image, err := browser.Screenshot(ctx, spec.FullPage)
	if err == nil && len(image) == 0 {
		err = errors.New("browser returned an empty image")
	}
	if err != nil {
		return fail(ErrScreenshot, err)
	}

	if err := writeImage(spec.Screenshot, image); err != nil {
		return fail(ErrScreenshot, err)
	}
	report.image = image
	report.ScreenshotBytes = len(image)
	report.mark(StageScreenshotWritten, c.clock())
	level.Info(logger).Log("msg", "screenshot written", "path", spec.Screenshot, "bytes", len(image))

	return report, nil
}

// waitVisible polls the accessibility tree until the heading is visible or spec.Timeout elapses.
func (c *Checker) waitVisible(ctx context.Context, browser Browser, spec Spec, logger log.Logger) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; ; attempt++ {
		visible, err := browser.Visible(waitCtx, HeadingRole, spec.Heading)
		if err == nil && visible {
			level.Debug(logger).Log("msg", "heading visible", "attempt", attempt)
			return attempt, nil
		}
		if err != nil && waitCtx.Err() == nil {
			lastErr = err
			level.Debug(logger).Log("msg", "accessibility lookup failed", "attempt", attempt, "err", err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return attempt, ctx.Err()
			}
			if lastErr != nil {
				return attempt, fmt.Errorf("heading %q not visible after %v (%d attempts), last lookup error: %w", spec.Heading, spec.Timeout, attempt, lastErr)
			}
			return attempt, fmt.Errorf("heading %q not visible after %v (%d attempts)", spec.Heading, spec.Timeout, attempt)
		case <-time.After(c.pollInterval()):
		}
	}
}

func (c *Checker) captureFailure(ctx context.Context, browser Browser, spec Spec, report *Report, logger log.Logger) {
	image, err := browser.Screenshot(ctx, spec.FullPage)
	if err == nil {
		err = writeImage(spec.FailureScreenshot, image)
	}
	if err != nil {
		level.Warn(logger).Log("msg", "failed to capture diagnostic screenshot", "path", spec.FailureScreenshot, "err", err)
		return
	}

	report.failureImage = image
	report.FailureScreenshot = spec.FailureScreenshot
	level.Info(logger).Log("msg", "diagnostic screenshot written", "path", spec.FailureScreenshot, "bytes", len(image))
}

func validateURL(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return err
	}

	if u.Scheme == "" || (u.Host == "" && u.Scheme != "file") {
		return fmt.Errorf("invalid page address %q: scheme and host are required", target)
	}

	return nil
}

func writeImage(filename string, image []byte) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return os.WriteFile(filename, image, 0644)
}
