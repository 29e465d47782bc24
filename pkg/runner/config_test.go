package runner

import (
	"testing"
	"time"

	"github.com/sre-norns/wyrd/pkg/manifest"
	"github.com/stretchr/testify/require"
)

func TestParseBrowserVersion(t *testing.T) {
	testCases := map[string]string{
		"Google Chrome 120.0.6099.109":              "120.0.6099.109",
		"Chromium 119.0.6045.159 snap\n":            "119.0.6045.159",
		"HeadlessChrome/121.0.6167.85":              "",
		"":                                          "",
		"Google Chrome for Testing 131.0.6778.85 ": "131.0.6778.85",
	}

	for given, expect := range testCases {
		require.Equal(t, expect, ParseBrowserVersion(given), given)
	}
}

func TestBrowserSemver(t *testing.T) {
	require.Equal(t, "v120.0.6099", browserSemver("120.0.6099.109"))
	require.Equal(t, "v120.0", browserSemver("120.0"))
}

func TestRunnerConfig_Labels(t *testing.T) {
	config := NewDefaultConfig()
	config.CustomLabels = manifest.Labels{"team": "web", LabelOS: "custom"}

	labels := config.GetEffectiveLabels()
	require.Equal(t, "web", labels["team"])
	require.Equal(t, "custom", labels[LabelOS])
	require.NotEmpty(t, labels[LabelArch])
}

func TestRunnerConfig_RunOptions(t *testing.T) {
	config := RunnerConfig{
		Headless:     false,
		NoSandbox:    true,
		ChromePath:   "/opt/chrome",
		PollInterval: 20 * time.Millisecond,
	}

	options := config.RunOptions()
	require.False(t, options.Browser.Headless)
	require.True(t, options.Browser.NoSandbox)
	require.Equal(t, "/opt/chrome", options.Browser.ExecPath)
	require.Equal(t, 20*time.Millisecond, options.Browser.PollInterval)
	require.Equal(t, [2]int{1280, 800}, options.Browser.WindowSize)

	config.PollInterval = 0
	require.Equal(t, 100*time.Millisecond, config.RunOptions().Browser.PollInterval)
}
