// Package workflow defines the declarative pipeline document kestrel
// coordinates: triggers, a concurrency policy, and a set of jobs that
// delegate to reusable workflows by reference.
package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Definition struct {
	Name        string            `yaml:"name,omitempty"`
	On          Triggers          `yaml:"on"`
	Concurrency *Concurrency      `yaml:"concurrency,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Jobs        map[string]*Job   `yaml:"jobs"`
}

// Triggers records which event kinds may start a run. A trigger is
// enabled when its key is present, even with a null body.
type Triggers struct {
	PullRequest *PullRequestTrigger
	Dispatch    *DispatchTrigger
}

type PullRequestTrigger struct {
	// Branches are glob patterns matched against the pull request
	// base branch. Empty means any branch.
	Branches []string
}

type DispatchTrigger struct {
	Inputs map[string]DispatchInput
}

type DispatchInput struct {
	Description string `yaml:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
	Default     string `yaml:"default,omitempty"`
}

// Concurrency is the run-serialization policy. Group is a template
// rendered per run; CancelInProgress is a template or bare boolean
// deciding whether a new run supersedes the in-flight holder.
type Concurrency struct {
	Group            string
	CancelInProgress string
}

type Job struct {
	Name           string            `yaml:"name,omitempty"`
	If             string            `yaml:"if,omitempty"`
	Uses           string            `yaml:"uses"`
	Needs          StringList        `yaml:"needs,omitempty"`
	Strategy       *Strategy         `yaml:"strategy,omitempty"`
	With           map[string]string `yaml:"with,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	TimeoutMinutes int               `yaml:"timeout-minutes,omitempty"`
}

type Strategy struct {
	FailFast    *bool   `yaml:"fail-fast,omitempty"`
	MaxParallel int     `yaml:"max-parallel,omitempty"`
	Matrix      *Matrix `yaml:"matrix,omitempty"`
}

// StringList accepts either a single scalar or a sequence in YAML.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		v, err := scalarString(value)
		if err != nil {
			return err
		}
		*s = StringList{v}
		return nil
	case yaml.SequenceNode:
		out := make(StringList, 0, len(value.Content))
		for _, item := range value.Content {
			v, err := scalarString(item)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		*s = out
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", value.Line)
	}
}

var triggerKinds = []string{"pull_request", "workflow_dispatch"}

func (t *Triggers) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return t.enable(value.Value, nil, value.Line)
	case yaml.SequenceNode:
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: trigger list entries must be event names", item.Line)
			}
			if err := t.enable(item.Value, nil, item.Line); err != nil {
				return err
			}
		}
		return nil
	case yaml.MappingNode:
		for i := 0; i < len(value.Content); i += 2 {
			key, body := value.Content[i], value.Content[i+1]
			if err := t.enable(key.Value, body, key.Line); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("line %d: malformed on block", value.Line)
	}
}

func (t *Triggers) enable(kind string, body *yaml.Node, line int) error {
	switch kind {
	case "pull_request":
		trig := &PullRequestTrigger{}
		if body != nil && body.Tag != "!!null" {
			if body.Kind != yaml.MappingNode {
				return fmt.Errorf("line %d: pull_request config must be a mapping", line)
			}
			for i := 0; i < len(body.Content); i += 2 {
				key, val := body.Content[i], body.Content[i+1]
				switch key.Value {
				case "branches":
					var branches StringList
					if err := branches.UnmarshalYAML(val); err != nil {
						return err
					}
					trig.Branches = branches
				default:
					return fmt.Errorf("line %d: unknown pull_request key %q", key.Line, key.Value)
				}
			}
		}
		t.PullRequest = trig
	case "workflow_dispatch":
		trig := &DispatchTrigger{}
		if body != nil && body.Tag != "!!null" {
			if body.Kind != yaml.MappingNode {
				return fmt.Errorf("line %d: workflow_dispatch config must be a mapping", line)
			}
			for i := 0; i < len(body.Content); i += 2 {
				key, val := body.Content[i], body.Content[i+1]
				switch key.Value {
				case "inputs":
					inputs := map[string]DispatchInput{}
					if err := val.Decode(&inputs); err != nil {
						return fmt.Errorf("line %d: %w", val.Line, err)
					}
					trig.Inputs = inputs
				default:
					return fmt.Errorf("line %d: unknown workflow_dispatch key %q", key.Line, key.Value)
				}
			}
		}
		t.Dispatch = trig
	default:
		return fmt.Errorf("line %d: unsupported trigger %q (supported: %s)", line, kind, strings.Join(triggerKinds, ", "))
	}
	return nil
}

func (t Triggers) MarshalYAML() (interface{}, error) {
	out := yaml.Node{Kind: yaml.MappingNode}
	if t.PullRequest != nil {
		key := yaml.Node{Kind: yaml.ScalarNode, Value: "pull_request"}
		var body yaml.Node
		if len(t.PullRequest.Branches) == 0 {
			body = yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: ""}
		} else {
			if err := body.Encode(map[string][]string{"branches": t.PullRequest.Branches}); err != nil {
				return nil, err
			}
		}
		out.Content = append(out.Content, &key, &body)
	}
	if t.Dispatch != nil {
		key := yaml.Node{Kind: yaml.ScalarNode, Value: "workflow_dispatch"}
		var body yaml.Node
		if len(t.Dispatch.Inputs) == 0 {
			body = yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: ""}
		} else {
			if err := body.Encode(map[string]map[string]DispatchInput{"inputs": t.Dispatch.Inputs}); err != nil {
				return nil, err
			}
		}
		out.Content = append(out.Content, &key, &body)
	}
	return &out, nil
}

// None reports whether no trigger is enabled.
func (t Triggers) None() bool {
	return t.PullRequest == nil && t.Dispatch == nil
}

func (c *Concurrency) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: concurrency must be a mapping", value.Line)
	}
	for i := 0; i < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		switch key.Value {
		case "group":
			v, err := scalarString(val)
			if err != nil {
				return err
			}
			c.Group = v
		case "cancel-in-progress":
			v, err := scalarString(val)
			if err != nil {
				return err
			}
			c.CancelInProgress = v
		default:
			return fmt.Errorf("line %d: unknown concurrency key %q", key.Line, key.Value)
		}
	}
	return nil
}

func (c Concurrency) MarshalYAML() (interface{}, error) {
	out := map[string]string{"group": c.Group}
	if c.CancelInProgress != "" {
		out["cancel-in-progress"] = c.CancelInProgress
	}
	return out, nil
}

// Parse decodes a single workflow document. Unknown fields are
// rejected so typos surface at load time instead of silently changing
// run behavior.
func Parse(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty workflow document")
		}
		return nil, fmt.Errorf("decoding workflow: %w", err)
	}
	def.normalize()
	return &def, nil
}

// ParseFile parses the workflow at path. A missing name defaults to
// the file stem.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.Name == "" {
		base := filepath.Base(path)
		def.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return def, nil
}

func (d *Definition) normalize() {
	d.Name = strings.TrimSpace(d.Name)
	for _, job := range d.Jobs {
		if job == nil {
			continue
		}
		job.Uses = strings.TrimSpace(job.Uses)
	}
}

// Encode renders the definition back to YAML.
func (d *Definition) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// JobIDs returns the job identifiers in lexical order.
func (d *Definition) JobIDs() []string {
	ids := make([]string, 0, len(d.Jobs))
	for id := range d.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks structural soundness: at least one trigger, at
// least one job, every job delegating somewhere, and needs edges that
// resolve inside the document.
func (d *Definition) Validate() error {
	if d.On.None() {
		return errors.New("no trigger enabled under on")
	}
	if len(d.Jobs) == 0 {
		return errors.New("workflow has no jobs")
	}
	for _, id := range d.JobIDs() {
		job := d.Jobs[id]
		if job == nil {
			return fmt.Errorf("job %q: empty body", id)
		}
		if job.Uses == "" {
			return fmt.Errorf("job %q: missing uses reference", id)
		}
		if _, err := ParseRef(job.Uses); err != nil {
			return fmt.Errorf("job %q: %w", id, err)
		}
		for _, dep := range job.Needs {
			if dep == id {
				return fmt.Errorf("job %q: needs itself", id)
			}
			if _, ok := d.Jobs[dep]; !ok {
				return fmt.Errorf("job %q: needs unknown job %q", id, dep)
			}
		}
		if job.TimeoutMinutes < 0 {
			return fmt.Errorf("job %q: negative timeout-minutes", id)
		}
	}
	return nil
}

func scalarString(n *yaml.Node) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("line %d: expected a scalar value", n.Line)
	}
	return n.Value, nil
}
