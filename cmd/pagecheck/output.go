package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sre-norns/wyrd/pkg/manifest"
	"gopkg.in/yaml.v3"

	"github.com/sre-norns/pagecheck/pkg/prob"
	"github.com/sre-norns/pagecheck/pkg/probers/page"
	"github.com/sre-norns/pagecheck/pkg/runner"
)

type runSummary struct {
	Kind      prob.Kind       `json:"kind" yaml:"kind"`
	Status    prob.RunStatus  `json:"status" yaml:"status"`
	Duration  time.Duration   `json:"duration" yaml:"duration"`
	Labels    manifest.Labels `json:"labels,omitempty" yaml:"labels,omitempty"`
	Artifacts []string        `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`

	Report *page.Report `json:"report,omitempty" yaml:"report,omitempty"`
}

func newRunSummary(kind prob.Kind, result runner.RunResult, labels manifest.Labels) runSummary {
	summary := runSummary{
		Kind:     kind,
		Status:   result.Status,
		Duration: result.Duration,
		Labels:   labels,
	}

	for _, a := range result.Artifacts {
		summary.Artifacts = append(summary.Artifacts, a.Rel)
	}

	if report, ok := page.ReportFrom(result.Artifacts); ok {
		summary.Report = &report
	}

	return summary
}

type formatter func(w io.Writer, summary runSummary) error

func yamlFormatter(w io.Writer, summary runSummary) error {
	data, err := yaml.Marshal(summary)
	if err != nil {
		return err
	}

	_, err = w.Write(data)
	return err
}

func jsonFormatter(w io.Writer, summary runSummary) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "\t")

	return encoder.Encode(summary)
}

func tableFormatter(w io.Writer, summary runSummary) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%v: %v in %v", summary.Kind, summary.Status, summary.Duration.Round(time.Millisecond)))

	if report := summary.Report; report != nil {
		t.AppendRows([]table.Row{
			{"URL", report.URL},
			{"Heading", report.Heading},
			{"Screenshot", report.Screenshot},
		})
		if report.Status != 0 {
			t.AppendRow(table.Row{"HTTP status", report.Status})
		}
		if report.Attempts != 0 {
			t.AppendRow(table.Row{"Heading lookups", report.Attempts})
		}
		if report.FailureScreenshot != "" {
			t.AppendRow(table.Row{"Failure screenshot", report.FailureScreenshot})
		}
		if report.HAR != "" {
			t.AppendRow(table.Row{"HAR", report.HAR})
		}

		t.AppendSeparator()
		for _, s := range report.Stages {
			t.AppendRow(table.Row{s.Stage, s.Elapsed.Round(time.Millisecond)})
		}

		if report.Error != "" {
			t.AppendSeparator()
			t.AppendRow(table.Row{"Error", report.Error})
		}
	}

	if len(summary.Labels) > 0 {
		keys := make([]string, 0, len(summary.Labels))
		for k := range summary.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		t.AppendSeparator()
		for _, k := range keys {
			t.AppendRow(table.Row{k, summary.Labels[k]})
		}
	}

	t.Render()
	return nil
}

func getFormatter(formatName string) (formatter, error) {
	switch formatName {
	case "", "table":
		return tableFormatter, nil
	case "yaml", "yml":
		return yamlFormatter, nil
	case "json":
		return jsonFormatter, nil
	}

	return nil, fmt.Errorf("unexpected output format %q", formatName)
}
