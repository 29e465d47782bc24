package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sre-norns/wyrd/pkg/manifest"

	"github.com/sre-norns/pagecheck/pkg/prob"
	"github.com/sre-norns/pagecheck/pkg/probers/page"
	"github.com/sre-norns/pagecheck/pkg/runner"
)

const scrapeTimeoutHeader = "X-Prometheus-Scrape-Timeout-Seconds"

type ServeCmd struct {
	Listen string `help:"Address to serve probes on" default:":9115" env:"PAGECHECK_LISTEN"`

	Heading    string        `help:"Heading expected when a probe request does not name one" default:"${default_heading}" env:"PAGECHECK_HEADING"`
	Screenshot string        `help:"Where each probe writes its screenshot" default:"${default_screenshot}" env:"PAGECHECK_SCREENSHOT"`
	Timeout    time.Duration `help:"Wait for the heading when a probe request does not set one" default:"${default_timeout}" env:"PAGECHECK_TIMEOUT"`
	FullPage   bool          `help:"Capture the whole page rather than the viewport" env:"PAGECHECK_FULL_PAGE"`
	Preflight  bool          `help:"Probe targets over plain HTTP before starting a browser" env:"PAGECHECK_PREFLIGHT"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func abortWithError(ctx *gin.Context, code int, err error) {
	ctx.AbortWithStatusJSON(code, errorResponse{Code: code, Message: err.Error()})
}

// probeQuery are the parameters of a single /probe request.
type probeQuery struct {
	Target  string        `form:"target"`
	Heading string        `form:"heading"`
	Timeout time.Duration `form:"timeout"`
}

type probeServer struct {
	defaults page.Spec
	timeout  time.Duration
	options  prob.RunOptions
	logger   log.Logger
	play     playFunc

	// One browser at a time: probes are serialized.
	mu         sync.Mutex
	screenshot []byte

	probes *prometheus.CounterVec
}

func newProbeServer(defaults page.Spec, timeout time.Duration, options prob.RunOptions, logger log.Logger, play playFunc) *probeServer {
	return &probeServer{
		defaults: defaults,
		timeout:  timeout,
		options:  options,
		logger:   logger,
		play:     play,
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagecheck_probes_total",
			Help: "Number of probes served, by run status",
		}, []string{"status"}),
	}
}

// runTimeout honours the scrape timeout announced by Prometheus when it is tighter than the configured one.
func (s *probeServer) runTimeout(header http.Header) time.Duration {
	timeout := s.timeout
	if v := header.Get(scrapeTimeoutHeader); v != "" {
		if seconds, err := strconv.ParseFloat(v, 64); err == nil && seconds > 0 {
			if scrape := time.Duration(seconds * float64(time.Second)); timeout <= 0 || scrape < timeout {
				timeout = scrape
			}
		}
	}

	return timeout
}

func (s *probeServer) probe(ctx *gin.Context) {
	var query probeQuery
	if err := ctx.ShouldBindQuery(&query); err != nil {
		abortWithError(ctx, http.StatusBadRequest, err)
		return
	}

	spec := s.defaults
	if query.Target != "" {
		spec.URL = query.Target
	}
	if query.Heading != "" {
		spec.Heading = query.Heading
	}
	if query.Timeout > 0 {
		spec.Timeout = query.Timeout
	}

	logger := log.With(s.logger, "target", spec.URL)

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.play(ctx.Request.Context(), prob.Manifest{
		Kind:    page.Kind,
		Timeout: s.runTimeout(ctx.Request.Header),
		Spec:    &spec,
	}, s.options, logger)
	if result.Registry == nil {
		if err == nil {
			err = errors.New("prob produced no metrics")
		}
		abortWithError(ctx, http.StatusInternalServerError, err)
		return
	}

	s.probes.WithLabelValues(string(result.Status)).Inc()
	if err != nil {
		level.Warn(logger).Log("msg", "probe failed", "status", result.Status, "err", err)
	}
	if screenshot, ok := result.Artifact(page.ScreenshotRelType); ok {
		s.screenshot = screenshot.Content
	}

	promhttp.HandlerFor(result.Registry, promhttp.HandlerOpts{}).ServeHTTP(ctx.Writer, ctx.Request)
}

func (s *probeServer) lastScreenshot(ctx *gin.Context) {
	s.mu.Lock()
	data := s.screenshot
	s.mu.Unlock()

	if len(data) == 0 {
		abortWithError(ctx, http.StatusNotFound, errors.New("no screenshot captured yet"))
		return
	}

	ctx.Header("Cache-Control", "no-store")
	ctx.Data(http.StatusOK, "image/png", data)
}

func requestLogger(logger log.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		level.Debug(logger).Log(
			"msg", "request served",
			"method", ctx.Request.Method,
			"path", ctx.Request.URL.Path,
			"status", ctx.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// metricLabelName turns a dotted runner label into a valid Prometheus label name.
func metricLabelName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func newRegistry(labels manifest.Labels, probes prometheus.Collector) *prometheus.Registry {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	labelNames := make([]string, 0, len(keys))
	labelValues := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		name := metricLabelName(k)
		if seen[name] {
			continue
		}
		seen[name] = true
		labelNames = append(labelNames, name)
		labelValues = append(labelValues, labels[k])
	}

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagecheck_build_info",
		Help: "Labels of this pagecheck instance, value is always 1",
	}, labelNames)
	buildInfo.WithLabelValues(labelValues...).Set(1)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo,
		probes,
	)

	return registry
}

func apiRoutes(s *probeServer, registry *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))

	router.GET("/probe", s.probe)
	router.GET("/screenshot", s.lastScreenshot)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "OK")
	})

	return router
}

func (c *ServeCmd) Run(cfg *commandContext) error {
	gin.SetMode(gin.ReleaseMode)
	cfg.DetectRuntime()

	logger := log.With(cfg.Logger, "component", "serve")
	server := newProbeServer(page.Spec{
		Heading:    c.Heading,
		Screenshot: c.Screenshot,
		Timeout:    c.Timeout,
		FullPage:   c.FullPage,
		Preflight:  c.Preflight,
	}, cfg.RunnerConfig.Timeout, cfg.RunOptions(), logger, runner.Play)

	srv := &http.Server{
		Addr:    c.Listen,
		Handler: apiRoutes(server, newRegistry(cfg.GetEffectiveLabels(), server.probes)),
	}

	go func() {
		<-cfg.Context.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			level.Warn(logger).Log("msg", "server shutdown", "err", err)
		}
	}()

	level.Info(logger).Log("msg", "serving probes", "address", c.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}

	return nil
}
