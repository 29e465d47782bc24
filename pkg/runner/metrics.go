package runner

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/sre-norns/pagecheck/pkg/prob"
)

const MetricsRelType = "metrics"

type Compression string

const (
	Identity Compression = "identity"
	Gzip     Compression = "gzip"
	Zstd     Compression = "zstd"
)

var supportedCompressionFormats = []Compression{Identity, Gzip, Zstd}

type RegistryOptions struct {
	EnableOpenMetrics bool
	Compression       Compression
}

func encodingWriter(w io.Writer, compression Compression) (_ io.Writer, closeWriter func() error, _ error) {
	switch compression {
	case "", Identity:
		return w, func() error { return nil }, nil
	case Gzip:
		gz, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
		if err != nil {
			return nil, nil, err
		}
		return gz, gz.Close, nil
	case Zstd:
		z, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, nil, err
		}
		return z, z.Close, nil
	default:
		return nil, nil, fmt.Errorf("content compression format not recognized: %s. Valid formats are: %s", compression, supportedCompressionFormats)
	}
}

// CompressionForFile picks a compression from a metrics file name extension.
func CompressionForFile(filename string) Compression {
	switch {
	case strings.HasSuffix(filename, ".zst"), strings.HasSuffix(filename, ".zstd"):
		return Zstd
	case strings.HasSuffix(filename, ".gz"):
		return Gzip
	default:
		return Identity
	}
}

// ToArtifact renders everything gathered by the registry in the Prometheus exposition format.
func ToArtifact(gatherer prometheus.Gatherer, opts RegistryOptions) (prob.Artifact, error) {
	mfs, err := gatherer.Gather()
	if err != nil {
		return prob.Artifact{}, err
	}

	var contentType expfmt.Format
	if opts.EnableOpenMetrics {
		contentType = expfmt.NegotiateIncludingOpenMetrics(http.Header{})
	} else {
		contentType = expfmt.Negotiate(http.Header{})
	}

	var buf bytes.Buffer
	w, closeWriter, err := encodingWriter(&buf, opts.Compression)
	if err != nil {
		return prob.Artifact{}, err
	}

	enc := expfmt.NewEncoder(w, contentType)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return prob.Artifact{}, fmt.Errorf("failed to encode metrics family %q: %w", mf.GetName(), err)
		}
	}

	if closer, ok := enc.(expfmt.Closer); ok {
		if err := closer.Close(); err != nil {
			return prob.Artifact{}, err
		}
	}

	if err := closeWriter(); err != nil {
		return prob.Artifact{}, err
	}

	return prob.Artifact{
		Rel:      MetricsRelType,
		MimeType: string(contentType),
		Content:  buf.Bytes(),
	}, nil
}
