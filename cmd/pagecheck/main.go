package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"

	"github.com/sre-norns/pagecheck/pkg/grace"
	"github.com/sre-norns/pagecheck/pkg/probers/page"
	"github.com/sre-norns/pagecheck/pkg/runner"
)

type commandContext struct {
	*runner.RunnerConfig

	Context context.Context
	Logger  log.Logger
}

type cli struct {
	runner.RunnerConfig `embed:"" prefix:"runner."`

	LogLevel string `name:"log.level" help:"Only log messages with the given severity or above (${enum})" enum:"debug,info,warn,error" default:"info" env:"PAGECHECK_LOG_LEVEL"`
	EnvFile  string `name:"env-file" help:"Optional file with environment variables to load before flags are parsed" default:".env" placeholder:"PATH"`

	Run   RunCmd   `cmd:"" default:"withargs" help:"Check a page once: load it, wait for the heading to show up and take a screenshot"`
	Serve ServeCmd `cmd:"" help:"Serve page checks over HTTP, one check per /probe request"`
}

var vars = kong.Vars{
	"default_url":        page.DefaultURL,
	"default_heading":    page.DefaultHeading,
	"default_screenshot": page.DefaultScreenshot,
	"default_timeout":    page.DefaultTimeout.String(),
}

func newLogger(w io.Writer) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func levelFilter(name string) (level.Option, error) {
	switch name {
	case "debug":
		return level.AllowDebug(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}

	return nil, fmt.Errorf("unexpected log level %q", name)
}

// envFileFromArgs finds --env-file before kong gets to parse anything, since the file feeds kong's env bindings.
func envFileFromArgs(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "--env-file" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(arg, "--env-file="):
			return strings.TrimPrefix(arg, "--env-file=")
		}
	}

	return ".env"
}

func loadEnvFile(filename string) error {
	if err := godotenv.Load(filename); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load environment from %q: %w", filename, err)
	}

	return nil
}

func main() {
	grace.ExitOrLog(loadEnvFile(envFileFromArgs(os.Args[1:])))

	var appCli cli
	appCli.RunnerConfig = runner.NewDefaultConfig()

	cfg := &commandContext{
		Context:      grace.SetupSignalHandler(),
		RunnerConfig: &appCli.RunnerConfig,
	}
	appCtx := kong.Parse(&appCli,
		kong.Name("pagecheck"),
		kong.Description("Headless browser health check: loads a page, waits for a heading to become visible and saves a screenshot"),
		kong.UsageOnError(),
		vars,
		kong.Bind(cfg),
	)

	filter, err := levelFilter(appCli.LogLevel)
	appCtx.FatalIfErrorf(err)
	cfg.Logger = level.NewFilter(newLogger(os.Stderr), filter)

	grace.ExitOrLog(appCtx.Run(cfg))
}
