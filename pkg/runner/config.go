package runner

import (
	"os/exec"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sre-norns/wyrd/pkg/manifest"
	"golang.org/x/mod/semver"

	"github.com/sre-norns/pagecheck/pkg/prob"
)

const (
	LabelOS   = "runner.os"
	LabelArch = "runner.arch"

	LabelBrowserPath         = "runner.browser.path"
	LabelBrowserVersion      = "runner.browser.version"
	LabelBrowserVersionMajor = LabelBrowserVersion + ".major"

	LabelBuildVersion = "runner.version"
)

// Executables probed, in order, when no explicit browser path is configured
var browserCandidates = []string{
	"headless-shell",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"chrome",
}

type RunnerConfig struct {
	systemLabels manifest.Labels `kong:"-"`
	CustomLabels manifest.Labels `help:"Extra labels to identify this instance of the runner" env:"PAGECHECK_LABELS"`

	Timeout      time.Duration `help:"Maximum duration allotted for a whole run, browser start-up included" default:"1m" env:"PAGECHECK_RUN_TIMEOUT"`
	Headless     bool          `help:"Run the browser without a visible window" default:"true" negatable:"" env:"PAGECHECK_HEADLESS"`
	NoSandbox    bool          `help:"Disable the browser sandbox, required when running as root in a container" env:"PAGECHECK_NO_SANDBOX"`
	ChromePath   string        `help:"Path to a Chrome or Chromium executable. Searched in PATH when empty" env:"PAGECHECK_CHROME_PATH"`
	PollInterval time.Duration `help:"Interval between two lookups of the expected element" default:"100ms" hidden:""`
}

// FindBrowser returns the path of the first Chrome-like executable found in PATH.
func FindBrowser() (string, bool) {
	for _, name := range browserCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}

	return "", false
}

// ParseBrowserVersion extracts the dotted version out of `chrome --version` output,
// e.g. "Google Chrome 120.0.6099.109" -> "120.0.6099.109".
func ParseBrowserVersion(out string) string {
	for _, field := range strings.Fields(out) {
		if len(field) > 0 && field[0] >= '0' && field[0] <= '9' && strings.Contains(field, ".") {
			return field
		}
	}

	return ""
}

// browserSemver turns a four-part Chrome version into a valid semver string.
func browserSemver(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}

	return "v" + strings.Join(parts, ".")
}

func GetBrowserRuntimeLabels(execPath string) manifest.Labels {
	if execPath == "" {
		var ok bool
		if execPath, ok = FindBrowser(); !ok {
			return manifest.Labels{}
		}
	}

	out, err := exec.Command(execPath, "--version").CombinedOutput()
	if err != nil {
		return manifest.Labels{
			LabelBrowserPath: execPath,
		}
	}

	version := ParseBrowserVersion(string(out))
	labels := manifest.Labels{
		LabelBrowserPath: execPath,
	}
	if version == "" {
		return labels
	}

	labels[LabelBrowserVersion] = version
	if major := semver.Major(browserSemver(version)); major != "" {
		labels[LabelBrowserVersionMajor] = major[1:]
	}

	return labels
}

func GetRuntimeLabels() manifest.Labels {
	version := "(devel)"
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		version = bi.Main.Version
	}

	return manifest.Labels{
		LabelArch:         runtime.GOARCH,
		LabelOS:           runtime.GOOS,
		LabelBuildVersion: version,
	}
}

func (c *RunnerConfig) GetEffectiveLabels() manifest.Labels {
	return manifest.MergeLabels(
		c.systemLabels,
		c.CustomLabels,
	)
}

// DetectRuntime refreshes system labels. Browser detection honours the configured path.
func (c *RunnerConfig) DetectRuntime() {
	c.systemLabels = manifest.MergeLabels(
		GetRuntimeLabels(),
		GetBrowserRuntimeLabels(c.ChromePath),
	)
}

func (c *RunnerConfig) RunOptions() prob.RunOptions {
	options := prob.DefaultRunOptions()
	options.Browser.Headless = c.Headless
	options.Browser.NoSandbox = c.NoSandbox
	options.Browser.ExecPath = c.ChromePath
	if c.PollInterval > 0 {
		options.Browser.PollInterval = c.PollInterval
	}

	return options
}

func NewDefaultConfig() RunnerConfig {
	return RunnerConfig{
		systemLabels: GetRuntimeLabels(),
	}
}
