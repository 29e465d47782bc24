package runner_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sre-norns/pagecheck/pkg/runner"
)

func testRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()

	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "probe_success",
		Help: "Displays whether or not the probe was a success",
	})
	gauge.Set(1)
	registry.MustRegister(gauge)

	return registry
}

func TestToArtifact(t *testing.T) {
	testCases := map[string]struct {
		compression runner.Compression
		decode      func(t *testing.T, content []byte) []byte
	}{
		"identity": {
			compression: runner.Identity,
			decode: func(t *testing.T, content []byte) []byte {
				return content
			},
		},
		"gzip": {
			compression: runner.Gzip,
			decode: func(t *testing.T, content []byte) []byte {
				r, err := gzip.NewReader(bytes.NewReader(content))
				require.NoError(t, err)
				data, err := io.ReadAll(r)
				require.NoError(t, err)
				return data
			},
		},
		"zstd": {
			compression: runner.Zstd,
			decode: func(t *testing.T, content []byte) []byte {
				r, err := zstd.NewReader(bytes.NewReader(content))
				require.NoError(t, err)
				defer r.Close()
				data, err := io.ReadAll(r)
				require.NoError(t, err)
				return data
			},
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			artifact, err := runner.ToArtifact(testRegistry(t), runner.RegistryOptions{Compression: test.compression})
			require.NoError(t, err)
			require.Equal(t, runner.MetricsRelType, artifact.Rel)
			require.Contains(t, artifact.MimeType, "text/plain")
			require.Contains(t, string(test.decode(t, artifact.Content)), "probe_success 1")
		})
	}
}

func TestToArtifact_UnknownCompression(t *testing.T) {
	_, err := runner.ToArtifact(testRegistry(t), runner.RegistryOptions{Compression: "brotli"})
	require.Error(t, err)
}

func TestCompressionForFile(t *testing.T) {
	testCases := map[string]runner.Compression{
		"metrics.prom":     runner.Identity,
		"metrics.prom.gz":  runner.Gzip,
		"metrics.prom.zst": runner.Zstd,
		"metrics.zstd":     runner.Zstd,
		"":                 runner.Identity,
	}

	for given, expect := range testCases {
		require.Equal(t, expect, runner.CompressionForFile(given), given)
	}
}
