package prob

import "time"

type BrowserOptions struct {
	Headless   bool
	NoSandbox  bool
	ExecPath   string
	WindowSize [2]int

	// Interval between two accessibility tree lookups while waiting for an element
	PollInterval time.Duration
}

type HttpOptions struct {
	IgnoreRedirects bool
}

type RunOptions struct {
	Browser BrowserOptions
	Http    HttpOptions
}

func DefaultRunOptions() RunOptions {
	return RunOptions{
		Browser: BrowserOptions{
			Headless:     true,
			WindowSize:   [2]int{1280, 800},
			PollInterval: 100 * time.Millisecond,
		},
	}
}
