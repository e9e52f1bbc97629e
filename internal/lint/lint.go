// Package lint runs static well-formedness checks over parsed
// workflow definitions. Findings never stop a run by themselves;
// callers decide how to treat errors versus warnings.
package lint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kestrel-ci/kestrel/internal/expr"
	"github.com/kestrel-ci/kestrel/internal/workflow"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	JobID    string   `json:"job_id,omitempty"`
	Message  string   `json:"message"`
}

func (f Finding) String() string {
	if f.JobID == "" {
		return fmt.Sprintf("%s [%s]: %s", f.Severity, f.Rule, f.Message)
	}
	return fmt.Sprintf("%s [%s] job %s: %s", f.Severity, f.Rule, f.JobID, f.Message)
}

type Report struct {
	Findings []Finding `json:"findings"`
}

// HasErrors reports whether any finding carries error severity.
func (r Report) HasErrors() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (r *Report) errorf(rule, jobID, format string, args ...interface{}) {
	r.Findings = append(r.Findings, Finding{Rule: rule, Severity: SeverityError, JobID: jobID, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) warnf(rule, jobID, format string, args ...interface{}) {
	r.Findings = append(r.Findings, Finding{Rule: rule, Severity: SeverityWarning, JobID: jobID, Message: fmt.Sprintf(format, args...)})
}

// Lint checks one definition and returns every finding, errors first
// ordering not guaranteed; findings follow document inspection order.
func Lint(def *workflow.Definition) Report {
	var report Report

	if def.On.None() {
		report.errorf("triggers", "", "no trigger enabled under on")
	}
	if len(def.Jobs) == 0 {
		report.errorf("jobs-nonempty", "", "workflow has no jobs")
		return report
	}

	checkNeeds(def, &report)
	checkConcurrency(def, &report)

	for _, id := range def.JobIDs() {
		job := def.Jobs[id]
		if job == nil {
			report.errorf("jobs-nonempty", id, "empty job body")
			continue
		}
		checkUses(id, job, &report)
		checkMatrix(id, job, &report)
		checkExpressions(def, id, job, &report)
	}

	return report
}

func checkUses(id string, job *workflow.Job, report *Report) {
	if job.Uses == "" {
		report.errorf("uses-ref", id, "missing uses reference")
		return
	}
	ref, err := workflow.ParseRef(job.Uses)
	if err != nil {
		report.errorf("uses-ref", id, "%v", err)
		return
	}
	if ref.Floating() {
		report.warnf("uses-ref", id, "reference tracks moving ref %q, pin a tag or SHA", ref.Ref)
	}
}

func checkNeeds(def *workflow.Definition, report *Report) {
	for _, id := range def.JobIDs() {
		job := def.Jobs[id]
		if job == nil {
			continue
		}
		for _, dep := range job.Needs {
			if dep == id {
				report.errorf("needs-exist", id, "job needs itself")
				continue
			}
			if _, ok := def.Jobs[dep]; !ok {
				report.errorf("needs-exist", id, "needs unknown job %q", dep)
			}
		}
	}
	if cycle := findCycle(def); len(cycle) > 0 {
		report.errorf("needs-acyclic", "", "needs cycle: %s", strings.Join(cycle, " -> "))
	}
}

// findCycle walks the needs graph depth-first over sorted job IDs and
// returns one stable cycle witness, or nil.
func findCycle(def *workflow.Definition) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	parent := map[string]string{}

	var cycle []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		job := def.Jobs[id]
		if job == nil {
			color[id] = black
			return false
		}
		deps := append([]string(nil), job.Needs...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := def.Jobs[dep]; !ok {
				continue
			}
			switch color[dep] {
			case white:
				parent[dep] = id
				if dfs(dep) {
					return true
				}
			case gray:
				cycle = append(cycle, dep)
				cur := id
				for cur != "" && cur != dep {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, dep)
				return true
			}
		}
		color[id] = black
		return false
	}

	for _, id := range def.JobIDs() {
		if color[id] == white && dfs(id) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}
	out := make([]string, len(cycle))
	for i := range cycle {
		out[i] = cycle[len(cycle)-1-i]
	}
	return out
}

func checkMatrix(id string, job *workflow.Job, report *Report) {
	if job.Strategy == nil {
		return
	}
	m := job.Strategy.Matrix
	if m == nil || m.Empty() {
		report.errorf("matrix-shape", id, "strategy block declares no matrix values")
		return
	}
	seen := map[string]int{}
	for i, entry := range m.Include {
		if len(entry) == 0 {
			report.errorf("matrix-shape", id, "include entry %d is empty", i+1)
			continue
		}
		if name, ok := entry["name"]; ok {
			key := strings.ToLower(name)
			if prev, dup := seen[key]; dup {
				report.errorf("matrix-shape", id, "include entries %d and %d share name %q", prev, i+1, name)
			} else {
				seen[key] = i + 1
			}
		}
	}
	for i, entry := range m.Exclude {
		if len(entry) == 0 {
			report.errorf("matrix-shape", id, "exclude entry %d is empty", i+1)
		}
	}
}

func checkConcurrency(def *workflow.Definition, report *Report) {
	if def.Concurrency == nil {
		return
	}
	ctx := probeContext(def, nil)
	group, err := expr.Interpolate(def.Concurrency.Group, ctx)
	if err != nil {
		report.errorf("expr-syntax", "", "concurrency.group: %v", err)
		return
	}
	if strings.TrimSpace(group) == "" {
		report.errorf("concurrency-group", "", "concurrency.group renders empty")
	}
	if !strings.Contains(def.Concurrency.Group, "github.ref") && !strings.Contains(def.Concurrency.Group, "github.pr_number") {
		report.warnf("concurrency-group", "", "group does not vary by ref or pull request, all runs will share one group")
	}
	if def.Concurrency.CancelInProgress != "" {
		if _, err := expr.EvalBool(def.Concurrency.CancelInProgress, ctx); err != nil {
			report.errorf("expr-syntax", "", "concurrency.cancel-in-progress: %v", err)
		}
	}
}

func checkExpressions(def *workflow.Definition, id string, job *workflow.Job, report *Report) {
	ctx := probeContext(def, job)

	if job.If != "" {
		if _, err := expr.EvalBool(job.If, ctx); err != nil {
			report.errorf("expr-syntax", id, "if: %v", err)
		}
	}
	if job.Name != "" {
		if _, err := expr.Interpolate(job.Name, ctx); err != nil {
			report.errorf("expr-syntax", id, "name: %v", err)
		}
	}

	keys := make([]string, 0, len(job.With))
	for k := range job.With {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rendered, err := expr.Interpolate(job.With[k], ctx)
		if err != nil {
			report.errorf("expr-syntax", id, "with.%s: %v", k, err)
			continue
		}
		if strings.TrimSpace(rendered) == "" {
			report.warnf("with-inputs", id, "with.%s renders empty against every declared value", k)
		}
	}
}

// probeContext builds a plausible evaluation context so templates can
// be rendered without a live trigger. Matrix leaves come from the
// job's first include entry plus the first value of each dimension.
func probeContext(def *workflow.Definition, job *workflow.Job) expr.Context {
	github := map[string]string{
		"ref":              "refs/pull/1/merge",
		"base_ref":         "main",
		"head_ref":         "probe/branch",
		"event_name":       "pull_request",
		"repository":       "probe/probe",
		"repository_owner": "probe",
		"actor":            "probe",
		"sha":              "0000000000000000000000000000000000000000",
		"pr_number":        "1",
		"workflow":         def.Name,
	}
	matrix := map[string]string{}
	if job != nil && job.Strategy != nil && job.Strategy.Matrix != nil {
		m := job.Strategy.Matrix
		for _, key := range m.DimensionKeys() {
			if values := m.Dimension(key); len(values) > 0 {
				matrix[key] = values[0]
			}
		}
		if len(m.Include) > 0 {
			for k, v := range m.Include[0] {
				matrix[k] = v
			}
		}
	}
	inputs := map[string]string{}
	if def.On.Dispatch != nil {
		for name, input := range def.On.Dispatch.Inputs {
			if input.Default != "" {
				inputs[name] = input.Default
			} else {
				inputs[name] = "probe"
			}
		}
	}
	return expr.Context{"github": github, "matrix": matrix, "inputs": inputs}
}
