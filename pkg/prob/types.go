package prob

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/sre-norns/wyrd/pkg/manifest"

	"gopkg.in/yaml.v3"
)

type Kind = manifest.Kind

// RunStatus represents the state of a check once it has been run
type RunStatus string

const (
	RunNotFinished      RunStatus = ""
	RunFinishedSuccess  RunStatus = "success"
	RunFinishedFailed   RunStatus = "failed"
	RunFinishedError    RunStatus = "errored"
	RunFinishedCanceled RunStatus = "canceled"
	RunFinishedTimeout  RunStatus = "timeout"
)

type Manifest struct {
	// Kind identifies the type of prob this manifest describes
	Kind Kind `json:"kind,omitempty" yaml:"kind,omitempty"`

	// Overall time budget of a run, including browser start-up
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Actual prob spec, of a 'kind' type
	Spec any `json:"-" yaml:"-"`
}

type Artifact struct {
	// Relation type: log / screenshot / har / metrics. Determines how content is consumed
	Rel string `json:"rel,omitempty" yaml:"rel,omitempty"`

	// MimeType of the content
	MimeType string `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`

	// Blob content of the artifact
	Content []byte `json:"content,omitempty" yaml:"content,omitempty"`
}

func (u Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Kind    Kind     `json:"kind,omitempty"`
		Timeout Duration `json:"timeout,omitempty"`
		Spec    any      `json:"spec,omitempty"` // needed to strip any json tags
	}{
		Kind:    u.Kind,
		Timeout: Duration(u.Timeout),
		Spec:    u.Spec,
	})
}

func (s *Manifest) UnmarshalJSON(data []byte) error {
	aux := &struct {
		Kind    Kind            `json:"kind,omitempty"`
		Timeout Duration        `json:"timeout,omitempty"`
		Spec    json.RawMessage `json:"spec,omitempty"`
	}{
		Kind:    s.Kind,
		Timeout: Duration(s.Timeout),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	s.Kind = aux.Kind
	s.Timeout = time.Duration(aux.Timeout)
	s.Spec = nil
	if len(aux.Spec) == 0 {
		return nil
	}

	m2, err := InstanceOf(aux.Kind)
	if err != nil {
		var spec map[string]any
		if err := json.Unmarshal(aux.Spec, &spec); err != nil {
			return err
		}
		s.Spec = spec
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(aux.Spec))
	dec.DisallowUnknownFields()
	if err := dec.Decode(m2.Spec); err != nil {
		return err
	}

	s.Spec = m2.Spec
	return nil
}

func (u Manifest) MarshalYAML() (interface{}, error) {
	return struct {
		Kind    Kind          `json:"kind" yaml:"kind"`
		Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
		Spec    interface{}   `json:"spec,omitempty" yaml:"spec,omitempty"` // needed to strip any json tags
	}{
		Kind:    u.Kind,
		Timeout: u.Timeout,
		Spec:    u.Spec,
	}, nil
}

func (s *Manifest) UnmarshalYAML(n *yaml.Node) (err error) {
	type S Manifest
	type T struct {
		*S   `yaml:",inline"`
		Spec yaml.Node `yaml:"spec"`
	}

	obj := &T{S: (*S)(s)}
	if err := n.Decode(obj); err != nil {
		return err
	}

	if obj.Spec.Kind == 0 {
		s.Spec = nil
		return nil
	}

	m2, err := InstanceOf(s.Kind)
	if err != nil {
		m2.Spec = &map[string]any{}
	}

	if err := obj.Spec.Decode(m2.Spec); err != nil {
		return err
	}

	if generic, ok := m2.Spec.(*map[string]any); ok {
		s.Spec = *generic
	} else {
		s.Spec = m2.Spec
	}

	return nil
}
