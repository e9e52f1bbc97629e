// Package plan turns a parsed workflow definition plus one trigger
// into the concrete invocations a run dispatches: trigger matching,
// condition gating, matrix expansion, input forwarding, needs staging
// and the rendered concurrency policy. The package is pure, no
// clock and no I/O, so planning is reproducible for a given trigger.
package plan

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kestrel-ci/kestrel/internal/event"
	"github.com/kestrel-ci/kestrel/internal/expr"
	"github.com/kestrel-ci/kestrel/internal/workflow"
)

// ErrNotTriggered reports that the event kind or branch filter does
// not select this workflow. Callers skip the definition silently.
var ErrNotTriggered = errors.New("event does not match workflow triggers")

// Invocation is one planned call of a reusable workflow.
type Invocation struct {
	JobID          string               `json:"job_id"`
	InstanceName   string               `json:"instance_name"`
	Ref            workflow.WorkflowRef `json:"ref"`
	Inputs         map[string]string    `json:"inputs,omitempty"`
	Needs          []string             `json:"needs,omitempty"`
	TimeoutMinutes int                  `json:"timeout_minutes,omitempty"`
}

// JobPlan groups the planned instances of one job together with the
// scheduling knobs that apply across them.
type JobPlan struct {
	ID          string       `json:"id"`
	FailFast    bool         `json:"fail_fast"`
	MaxParallel int          `json:"max_parallel,omitempty"`
	Needs       []string     `json:"needs,omitempty"`
	Invocations []Invocation `json:"invocations"`
}

// SkippedJob records a job that was planned away and why, so runs
// stay auditable even when nothing is dispatched for a job.
type SkippedJob struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

type RunPlan struct {
	Workflow         string       `json:"workflow"`
	Group            string       `json:"group"`
	CancelInProgress bool         `json:"cancel_in_progress"`
	Stages           [][]string   `json:"stages"`
	Jobs             []JobPlan    `json:"jobs"`
	Skipped          []SkippedJob `json:"skipped,omitempty"`
}

// Job returns the plan for one job ID, or nil.
func (p *RunPlan) Job(id string) *JobPlan {
	for i := range p.Jobs {
		if p.Jobs[i].ID == id {
			return &p.Jobs[i]
		}
	}
	return nil
}

// Invocations flattens every planned instance in stage order.
func (p *RunPlan) Invocations() []Invocation {
	var out []Invocation
	for _, stage := range p.Stages {
		for _, id := range stage {
			if jp := p.Job(id); jp != nil {
				out = append(out, jp.Invocations...)
			}
		}
	}
	return out
}

// Plan evaluates def against trig. It returns ErrNotTriggered when
// the event does not select the workflow.
func Plan(def *workflow.Definition, trig event.Trigger) (*RunPlan, error) {
	if err := matchTrigger(def, trig); err != nil {
		return nil, err
	}
	inputs, err := resolveInputs(def, trig)
	if err != nil {
		return nil, err
	}
	ctx := baseContext(def, trig, inputs)

	skipped := map[string]string{}
	active := map[string]*workflow.Job{}
	for _, id := range def.JobIDs() {
		job := def.Jobs[id]
		if job.If != "" {
			ok, err := expr.EvalBool(job.If, ctx)
			if err != nil {
				return nil, fmt.Errorf("job %q: if: %w", id, err)
			}
			if !ok {
				skipped[id] = "condition is false"
				continue
			}
		}
		active[id] = job
	}

	jobPlans := map[string]*JobPlan{}
	for id, job := range active {
		jp, err := planJob(id, job, ctx)
		if err != nil {
			return nil, err
		}
		if len(jp.Invocations) == 0 {
			skipped[id] = "matrix excluded every combination"
			continue
		}
		jobPlans[id] = jp
	}
	for id := range skipped {
		delete(active, id)
	}

	// A job depending on a skipped job is skipped too; repeat until
	// nothing moves.
	for changed := true; changed; {
		changed = false
		for id, job := range active {
			for _, dep := range job.Needs {
				if _, isSkipped := skipped[dep]; isSkipped {
					skipped[id] = fmt.Sprintf("needs skipped job %q", dep)
					delete(active, id)
					delete(jobPlans, id)
					changed = true
					break
				}
			}
		}
	}

	stages, err := stageJobs(active)
	if err != nil {
		return nil, err
	}

	group, cancel, err := concurrencyFor(def, trig, ctx)
	if err != nil {
		return nil, err
	}

	out := &RunPlan{
		Workflow:         def.Name,
		Group:            group,
		CancelInProgress: cancel,
		Stages:           stages,
	}
	for _, id := range def.JobIDs() {
		if jp, ok := jobPlans[id]; ok {
			out.Jobs = append(out.Jobs, *jp)
		}
	}
	skippedIDs := make([]string, 0, len(skipped))
	for id := range skipped {
		skippedIDs = append(skippedIDs, id)
	}
	sort.Strings(skippedIDs)
	for _, id := range skippedIDs {
		out.Skipped = append(out.Skipped, SkippedJob{JobID: id, Reason: skipped[id]})
	}
	return out, nil
}

func matchTrigger(def *workflow.Definition, trig event.Trigger) error {
	switch trig.Kind {
	case event.KindPullRequest:
		pr := def.On.PullRequest
		if pr == nil {
			return ErrNotTriggered
		}
		if len(pr.Branches) > 0 && !matchAnyGlob(pr.Branches, trig.BaseRef) {
			return fmt.Errorf("%w: base branch %q not in filter", ErrNotTriggered, trig.BaseRef)
		}
		return nil
	case event.KindDispatch:
		if def.On.Dispatch == nil {
			return ErrNotTriggered
		}
		if trig.Workflow != "" && trig.Workflow != def.Name {
			return fmt.Errorf("%w: dispatch targets %q", ErrNotTriggered, trig.Workflow)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrNotTriggered, trig.Kind)
	}
}

func resolveInputs(def *workflow.Definition, trig event.Trigger) (map[string]string, error) {
	out := map[string]string{}
	if trig.Kind != event.KindDispatch || def.On.Dispatch == nil {
		return out, nil
	}
	declared := def.On.Dispatch.Inputs
	for name := range trig.Inputs {
		if _, ok := declared[name]; !ok {
			return nil, fmt.Errorf("undeclared input %q", name)
		}
	}
	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		decl := declared[name]
		if v, ok := trig.Inputs[name]; ok && v != "" {
			out[name] = v
			continue
		}
		if decl.Default != "" {
			out[name] = decl.Default
			continue
		}
		if decl.Required {
			return nil, fmt.Errorf("missing required input %q", name)
		}
		out[name] = ""
	}
	return out, nil
}

func baseContext(def *workflow.Definition, trig event.Trigger, inputs map[string]string) expr.Context {
	github := map[string]string{
		"ref":              trig.Ref,
		"base_ref":         trig.BaseRef,
		"head_ref":         trig.HeadRef,
		"event_name":       string(trig.Kind),
		"repository":       trig.Owner + "/" + trig.Repo,
		"repository_owner": trig.Owner,
		"actor":            trig.Actor,
		"sha":              trig.SHA,
		"workflow":         def.Name,
	}
	if trig.PRNumber > 0 {
		github["pr_number"] = strconv.FormatInt(trig.PRNumber, 10)
	}
	return expr.Context{
		"github": github,
		"matrix": map[string]string{},
		"inputs": inputs,
	}
}

func planJob(id string, job *workflow.Job, ctx expr.Context) (*JobPlan, error) {
	ref, err := workflow.ParseRef(job.Uses)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", id, err)
	}

	jp := &JobPlan{
		ID:       id,
		FailFast: true,
		Needs:    append([]string(nil), job.Needs...),
	}
	var matrix *workflow.Matrix
	if job.Strategy != nil {
		if job.Strategy.FailFast != nil {
			jp.FailFast = *job.Strategy.FailFast
		}
		jp.MaxParallel = job.Strategy.MaxParallel
		matrix = job.Strategy.Matrix
	}

	seen := map[string]bool{}
	for _, combo := range expand(matrix) {
		cctx := ctx.With("matrix", combo)
		name := defaultInstanceName(id, matrix, combo)
		if job.Name != "" {
			rendered, err := expr.Interpolate(job.Name, cctx)
			if err != nil {
				return nil, fmt.Errorf("job %q: name: %w", id, err)
			}
			if strings.TrimSpace(rendered) != "" {
				name = rendered
			}
		}
		if seen[name] {
			return nil, fmt.Errorf("job %q: duplicate instance name %q", id, name)
		}
		seen[name] = true

		inputs := make(map[string]string, len(job.With))
		withKeys := make([]string, 0, len(job.With))
		for k := range job.With {
			withKeys = append(withKeys, k)
		}
		sort.Strings(withKeys)
		for _, k := range withKeys {
			v, err := expr.Interpolate(job.With[k], cctx)
			if err != nil {
				return nil, fmt.Errorf("job %q: with.%s: %w", id, k, err)
			}
			inputs[k] = v
		}

		jp.Invocations = append(jp.Invocations, Invocation{
			JobID:          id,
			InstanceName:   name,
			Ref:            ref,
			Inputs:         inputs,
			Needs:          jp.Needs,
			TimeoutMinutes: job.TimeoutMinutes,
		})
	}
	return jp, nil
}

// expand produces the instance combinations of a matrix: the cross
// product of dimension values, extended by include entries, filtered
// by exclude entries. A nil matrix yields one empty combination.
func expand(m *workflow.Matrix) []map[string]string {
	if m == nil {
		return []map[string]string{{}}
	}
	keys := m.DimensionKeys()
	hasDims := len(keys) > 0

	var combos []map[string]string
	if hasDims {
		combos = []map[string]string{{}}
		for _, key := range keys {
			values := m.Dimension(key)
			next := make([]map[string]string, 0, len(combos)*len(values))
			for _, c := range combos {
				for _, v := range values {
					nc := cloneMap(c)
					nc[key] = v
					next = append(next, nc)
				}
			}
			combos = next
		}
	}

	// Exclude filters the declared grid only; include entries added
	// below are never excluded.
	if len(m.Exclude) > 0 {
		kept := combos[:0]
		for _, c := range combos {
			if !matchesAnyEntry(c, m.Exclude) {
				kept = append(kept, c)
			}
		}
		combos = kept
	}

	for _, entry := range m.Include {
		if !hasDims {
			combos = append(combos, cloneMap(entry))
			continue
		}
		overlap := make([]string, 0, len(entry))
		for _, key := range keys {
			if _, ok := entry[key]; ok {
				overlap = append(overlap, key)
			}
		}
		if len(overlap) == 0 {
			for _, c := range combos {
				for k, v := range entry {
					c[k] = v
				}
			}
			continue
		}
		matched := false
		for _, c := range combos {
			ok := true
			for _, key := range overlap {
				if c[key] != entry[key] {
					ok = false
					break
				}
			}
			if ok {
				matched = true
				for k, v := range entry {
					c[k] = v
				}
			}
		}
		if !matched {
			combos = append(combos, cloneMap(entry))
		}
	}
	return combos
}

// matchesAnyEntry reports whether every key listed by some entry
// matches the combination.
func matchesAnyEntry(combo map[string]string, entries []map[string]string) bool {
	for _, entry := range entries {
		all := len(entry) > 0
		for k, v := range entry {
			if combo[k] != v {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func defaultInstanceName(id string, m *workflow.Matrix, combo map[string]string) string {
	if len(combo) == 0 {
		return id
	}
	var values []string
	seen := map[string]bool{}
	if m != nil {
		for _, k := range m.DimensionKeys() {
			if v, ok := combo[k]; ok {
				values = append(values, v)
				seen[k] = true
			}
		}
	}
	rest := make([]string, 0, len(combo))
	for k := range combo {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		values = append(values, combo[k])
	}
	return fmt.Sprintf("%s (%s)", id, strings.Join(values, ", "))
}

// stageJobs orders active jobs into dispatch waves: a job lands in
// the first stage after all of its needs.
func stageJobs(active map[string]*workflow.Job) ([][]string, error) {
	indeg := map[string]int{}
	dependents := map[string][]string{}
	for id, job := range active {
		if _, ok := indeg[id]; !ok {
			indeg[id] = 0
		}
		for _, dep := range job.Needs {
			if _, ok := active[dep]; !ok {
				continue
			}
			indeg[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var stages [][]string
	remaining := len(indeg)
	for remaining > 0 {
		var stage []string
		for id, d := range indeg {
			if d == 0 {
				stage = append(stage, id)
			}
		}
		if len(stage) == 0 {
			return nil, errors.New("needs graph has a cycle")
		}
		sort.Strings(stage)
		for _, id := range stage {
			delete(indeg, id)
			remaining--
			for _, next := range dependents[id] {
				indeg[next]--
			}
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func concurrencyFor(def *workflow.Definition, trig event.Trigger, ctx expr.Context) (string, bool, error) {
	if def.Concurrency == nil {
		return fmt.Sprintf("workflow-%s-%s", def.Name, trig.Ref), false, nil
	}
	group, err := expr.Interpolate(def.Concurrency.Group, ctx)
	if err != nil {
		return "", false, fmt.Errorf("concurrency.group: %w", err)
	}
	if strings.TrimSpace(group) == "" {
		return "", false, errors.New("concurrency.group renders empty")
	}
	cancel := false
	if def.Concurrency.CancelInProgress != "" {
		cancel, err = expr.EvalBool(def.Concurrency.CancelInProgress, ctx)
		if err != nil {
			return "", false, fmt.Errorf("concurrency.cancel-in-progress: %w", err)
		}
	}
	return group, cancel, nil
}

func matchAnyGlob(patterns []string, name string) bool {
	for _, p := range patterns {
		if globMatch(p, name) {
			return true
		}
	}
	return false
}

// globMatch supports the branch filter dialect: * matches within a
// path segment, ** crosses segments, ? matches one character.
func globMatch(pattern, name string) bool {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				sb.WriteString(".*")
				i++
			} else {
				sb.WriteString("[^/]*")
			}
		case '?':
			sb.WriteString("[^/]")
		default:
			sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(name)
}
