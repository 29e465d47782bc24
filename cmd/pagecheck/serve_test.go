package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sre-norns/wyrd/pkg/manifest"
	"github.com/stretchr/testify/require"

	"github.com/sre-norns/pagecheck/pkg/prob"
	"github.com/sre-norns/pagecheck/pkg/probers/page"
	"github.com/sre-norns/pagecheck/pkg/runner"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, play playFunc) (*probeServer, *gin.Engine) {
	t.Helper()

	server := newProbeServer(page.Spec{
		Heading:    page.DefaultHeading,
		Screenshot: page.DefaultScreenshot,
		Timeout:    page.DefaultTimeout,
	}, time.Minute, prob.DefaultRunOptions(), log.NewNopLogger(), play)

	labels := manifest.Labels{runner.LabelOS: "linux", runner.LabelBrowserVersionMajor: "120"}
	return server, apiRoutes(server, newRegistry(labels, server.probes))
}

func get(router http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestServe_Probe(t *testing.T) {
	play, played := fakePlay(t, prob.RunFinishedSuccess, nil)
	server, router := newTestServer(t, play)

	w := get(router, "/probe?target=http://localhost:4000&heading=Projects&timeout=2s", http.Header{
		scrapeTimeoutHeader: []string{"9.5"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "probe_success 1")

	require.Len(t, *played, 1)
	m := (*played)[0]
	require.Equal(t, page.Kind, m.Kind)
	require.Equal(t, 9500*time.Millisecond, m.Timeout)
	require.Equal(t, &page.Spec{
		URL:        "http://localhost:4000",
		Heading:    "Projects",
		Screenshot: page.DefaultScreenshot,
		Timeout:    2 * time.Second,
	}, m.Spec)

	require.Equal(t, float64(1), testutil.ToFloat64(server.probes.WithLabelValues(string(prob.RunFinishedSuccess))))

	shot := get(router, "/screenshot", nil)
	require.Equal(t, http.StatusOK, shot.Code)
	require.Equal(t, "image/png", shot.Header().Get("Content-Type"))
	require.Equal(t, "png", shot.Body.String())
}

func TestServe_ProbeDefaults(t *testing.T) {
	play, played := fakePlay(t, prob.RunFinishedSuccess, nil)
	_, router := newTestServer(t, play)

	w := get(router, "/probe", nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, *played, 1)
	require.Equal(t, time.Minute, (*played)[0].Timeout)
	spec := (*played)[0].Spec.(*page.Spec)
	require.Empty(t, spec.URL)
	require.Equal(t, page.DefaultURL, spec.WithDefaults().URL)
}

func TestServe_ProbeFailureStillReportsMetrics(t *testing.T) {
	play, _ := fakePlay(t, prob.RunFinishedFailed, &page.CheckError{Kind: page.ErrNavigation, Err: errors.New("connection refused")})
	server, router := newTestServer(t, play)

	w := get(router, "/probe?target=http://localhost:1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "probe_success 0")
	require.Equal(t, float64(1), testutil.ToFloat64(server.probes.WithLabelValues(string(prob.RunFinishedFailed))))

	require.Equal(t, http.StatusNotFound, get(router, "/screenshot", nil).Code)
}

func TestServe_ProbeWithoutRegistry(t *testing.T) {
	_, router := newTestServer(t, func(ctx context.Context, m prob.Manifest, options prob.RunOptions, logger log.Logger) (runner.RunResult, error) {
		return runner.RunResult{Status: prob.RunFinishedError}, runner.ErrNoSpec
	})

	w := get(router, "/probe", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), runner.ErrNoSpec.Error())
}

func TestServe_BadQuery(t *testing.T) {
	play, played := fakePlay(t, prob.RunFinishedSuccess, nil)
	_, router := newTestServer(t, play)

	w := get(router, "/probe?timeout=soon", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, *played)
}

func TestServe_MetricsAndHealth(t *testing.T) {
	play, _ := fakePlay(t, prob.RunFinishedSuccess, nil)
	_, router := newTestServer(t, play)

	health := get(router, "/healthz", nil)
	require.Equal(t, http.StatusOK, health.Code)
	require.Equal(t, "OK", health.Body.String())

	metrics := get(router, "/metrics", nil)
	require.Equal(t, http.StatusOK, metrics.Code)

	body, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `pagecheck_build_info{runner_browser_version_major="120",runner_os="linux"} 1`)
	require.Contains(t, string(body), "go_goroutines")
}

func TestRunTimeout(t *testing.T) {
	server := &probeServer{timeout: 10 * time.Second}

	testCases := map[string]struct {
		header string
		expect time.Duration
	}{
		"none":    {expect: 10 * time.Second},
		"tighter": {header: "4", expect: 4 * time.Second},
		"looser":  {header: "30", expect: 10 * time.Second},
		"invalid": {header: "soon", expect: 10 * time.Second},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			header := http.Header{}
			if test.header != "" {
				header.Set(scrapeTimeoutHeader, test.header)
			}
			require.Equal(t, test.expect, server.runTimeout(header))
		})
	}
}

func TestMetricLabelName(t *testing.T) {
	require.Equal(t, "runner_browser_version_major", metricLabelName(runner.LabelBrowserVersionMajor))
	require.Equal(t, "team_name", metricLabelName("team-name"))
}
