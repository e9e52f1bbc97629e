package lint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ci/kestrel/internal/workflow"
)

func parse(t *testing.T, doc string) *workflow.Definition {
	t.Helper()
	def, err := workflow.Parse([]byte(doc))
	require.NoError(t, err)
	return def
}

func rules(r Report) []string {
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, f.Rule)
	}
	return out
}

func TestLintShippedFixtureIsClean(t *testing.T) {
	def, err := workflow.ParseFile("testdata/pr-tests.yaml")
	require.NoError(t, err)
	require.NoError(t, def.Validate())

	report := Lint(def)
	assert.Empty(t, report.Findings, "fixture should lint clean, got: %v", report.Findings)

	// The fixture carries the canonical three-entry CPU matrix.
	matrix := def.Jobs["pytest-cpu"].Strategy.Matrix
	require.Len(t, matrix.Include, 3)
	assert.Equal(t, "cpu-3.10-2.0", matrix.Include[0]["name"])
	assert.Equal(t, "cpu-3.10-2.1", matrix.Include[1]["name"])
	assert.Equal(t, "cpu-doctest", matrix.Include[2]["name"])
}

func TestLintMissingTrigger(t *testing.T) {
	def := &workflow.Definition{Jobs: map[string]*workflow.Job{
		"a": {Uses: "o/r/w.yaml@v1"},
	}}
	report := Lint(def)
	assert.Contains(t, rules(report), "triggers")
	assert.True(t, report.HasErrors())
}

func TestLintNoJobs(t *testing.T) {
	report := Lint(parse(t, "on: pull_request\njobs: {}\n"))
	assert.Contains(t, rules(report), "jobs-nonempty")
}

func TestLintUsesRef(t *testing.T) {
	report := Lint(parse(t, `
on: pull_request
jobs:
  pinned:
    uses: o/r/w.yaml@v1
  floating:
    uses: o/r/w.yaml@main
  broken:
    uses: not-a-reference
`))
	var floating, broken bool
	for _, f := range report.Findings {
		switch f.JobID {
		case "floating":
			assert.Equal(t, SeverityWarning, f.Severity)
			floating = true
		case "broken":
			assert.Equal(t, SeverityError, f.Severity)
			broken = true
		case "pinned":
			t.Errorf("unexpected finding for pinned job: %v", f)
		}
	}
	assert.True(t, floating, "want floating-ref warning")
	assert.True(t, broken, "want broken-ref error")
}

func TestLintNeeds(t *testing.T) {
	report := Lint(parse(t, `
on: pull_request
jobs:
  a:
    uses: o/r/w.yaml@v1
    needs: ghost
`))
	assert.Contains(t, rules(report), "needs-exist")

	report = Lint(parse(t, `
on: pull_request
jobs:
  a:
    uses: o/r/w.yaml@v1
    needs: b
  b:
    uses: o/r/w.yaml@v1
    needs: c
  c:
    uses: o/r/w.yaml@v1
    needs: a
`))
	require.Contains(t, rules(report), "needs-acyclic")
	for _, f := range report.Findings {
		if f.Rule == "needs-acyclic" {
			assert.Contains(t, f.Message, "a -> ")
		}
	}
}

func TestLintMatrixShape(t *testing.T) {
	report := Lint(parse(t, `
on: pull_request
jobs:
  empty:
    uses: o/r/w.yaml@v1
    strategy:
      matrix: {}
  dup:
    uses: o/r/w.yaml@v1
    strategy:
      matrix:
        include:
          - name: same
            container: a
          - name: SAME
            container: b
`))
	got := map[string]int{}
	for _, f := range report.Findings {
		got[f.JobID]++
		assert.Equal(t, "matrix-shape", f.Rule)
		assert.Equal(t, SeverityError, f.Severity)
	}
	assert.Equal(t, 1, got["empty"])
	assert.Equal(t, 1, got["dup"])
}

func TestLintExpressionSyntax(t *testing.T) {
	report := Lint(parse(t, `
on: pull_request
concurrency:
  group: ${{ github.workflow }}-${{ github.ref }}
jobs:
  a:
    uses: o/r/w.yaml@v1
    if: github.actor ==
    with:
      out: ${{ secrets.token }}
`))
	found := map[string]bool{}
	for _, f := range report.Findings {
		found[f.Rule] = true
		assert.Equal(t, SeverityError, f.Severity)
	}
	assert.True(t, found["expr-syntax"])
}

func TestLintConcurrencyGroup(t *testing.T) {
	report := Lint(parse(t, `
on: pull_request
concurrency:
  group: static-group
jobs:
  a:
    uses: o/r/w.yaml@v1
`))
	var warned bool
	for _, f := range report.Findings {
		if f.Rule == "concurrency-group" {
			assert.Equal(t, SeverityWarning, f.Severity)
			warned = true
		}
	}
	assert.True(t, warned, "static group should warn")

	report = Lint(parse(t, `
on: pull_request
concurrency:
  group: ${{ github.workflow }}-${{ github.ref }}
jobs:
  a:
    uses: o/r/w.yaml@v1
`))
	assert.NotContains(t, rules(report), "concurrency-group")
}

func TestLintWithInputsWarning(t *testing.T) {
	report := Lint(parse(t, `
on: pull_request
jobs:
  a:
    uses: o/r/w.yaml@v1
    with:
      container: ${{ matrix.container }}
`))
	var warned bool
	for _, f := range report.Findings {
		if f.Rule == "with-inputs" {
			assert.Equal(t, SeverityWarning, f.Severity)
			assert.Contains(t, f.Message, "with.container")
			warned = true
		}
	}
	assert.True(t, warned, "matrix-less job forwarding matrix values should warn")
}
