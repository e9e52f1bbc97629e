package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
name: pr-tests
on:
  pull_request:
    branches: [main, release/**]
  workflow_dispatch:
    inputs:
      reason:
        description: why this run was started
        required: true
concurrency:
  group: ${{ github.workflow }}-${{ github.ref }}
  cancel-in-progress: ${{ github.ref != 'refs/heads/main' }}
jobs:
  pytest-cpu:
    name: ${{ matrix.name }}
    uses: mosaicml/ci-testing/.github/workflows/pytest-cpu.yaml@v0.0.31
    strategy:
      matrix:
        include:
          - name: cpu-3.10-2.0
            container: mosaicml/pytorch:2.0.1_cpu-python3.10-ubuntu20.04
            markers: not daily and not remote and not gpu and not doctest
            pytest_command: coverage run -m pytest
          - name: cpu-3.10-2.1
            container: mosaicml/pytorch:2.1.2_cpu-python3.10-ubuntu20.04
            markers: not daily and not remote and not gpu and not doctest
            pytest_command: coverage run -m pytest
          - name: cpu-doctest
            container: mosaicml/pytorch:2.1.2_cpu-python3.10-ubuntu20.04
            markers: not daily and not remote and not gpu and doctest
            pytest_command: coverage run -m pytest tests/test_docs.py
    with:
      name: ${{ matrix.name }}
      container: ${{ matrix.container }}
  coverage:
    uses: mosaicml/ci-testing/.github/workflows/coverage.yaml@v0.0.31
    needs: pytest-cpu
    with:
      download-path: artifacts
`

func TestParseSampleDocument(t *testing.T) {
	def, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, "pr-tests", def.Name)
	require.NotNil(t, def.On.PullRequest)
	assert.Equal(t, []string{"main", "release/**"}, def.On.PullRequest.Branches)
	require.NotNil(t, def.On.Dispatch)
	assert.True(t, def.On.Dispatch.Inputs["reason"].Required)

	require.NotNil(t, def.Concurrency)
	assert.Equal(t, "${{ github.workflow }}-${{ github.ref }}", def.Concurrency.Group)
	assert.Equal(t, "${{ github.ref != 'refs/heads/main' }}", def.Concurrency.CancelInProgress)

	require.Len(t, def.Jobs, 2)
	matrix := def.Jobs["pytest-cpu"].Strategy.Matrix
	require.NotNil(t, matrix)
	require.Len(t, matrix.Include, 3)
	assert.Equal(t, "cpu-doctest", matrix.Include[2]["name"])

	assert.Equal(t, StringList{"pytest-cpu"}, def.Jobs["coverage"].Needs)
	assert.Equal(t, []string{"coverage", "pytest-cpu"}, def.JobIDs())

	require.NoError(t, def.Validate())
}

func TestParseTriggerForms(t *testing.T) {
	def, err := Parse([]byte("on: pull_request\njobs:\n  a:\n    uses: o/r/w.yaml@v1\n"))
	require.NoError(t, err)
	assert.NotNil(t, def.On.PullRequest)
	assert.Nil(t, def.On.Dispatch)

	def, err = Parse([]byte("on: [pull_request, workflow_dispatch]\njobs:\n  a:\n    uses: o/r/w.yaml@v1\n"))
	require.NoError(t, err)
	assert.NotNil(t, def.On.PullRequest)
	assert.NotNil(t, def.On.Dispatch)

	_, err = Parse([]byte("on: push\njobs: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported trigger")
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("name: x\non: pull_request\nrunners: [big]\njobs:\n  a:\n    uses: o/r/w.yaml@v1\n"))
	require.Error(t, err)
}

func TestParseEmptyDocument(t *testing.T) {
	_, err := Parse(nil)
	require.EqualError(t, err, "empty workflow document")
}

func TestValidate(t *testing.T) {
	base := "on: pull_request\njobs:\n  a:\n    uses: o/r/w.yaml@v1\n"

	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"no jobs", "on: pull_request\njobs: {}\n", "no jobs"},
		{"missing uses", "on: pull_request\njobs:\n  a: {}\n", "missing uses"},
		{"bad ref", "on: pull_request\njobs:\n  a:\n    uses: nowhere\n", "missing @ref"},
		{"unknown needs", base + "  b:\n    uses: o/r/w.yaml@v1\n    needs: ghost\n", `unknown job "ghost"`},
		{"self needs", base + "  b:\n    uses: o/r/w.yaml@v1\n    needs: b\n", "needs itself"},
		{"negative timeout", "on: pull_request\njobs:\n  a:\n    uses: o/r/w.yaml@v1\n    timeout-minutes: -5\n", "negative timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def, err := Parse([]byte(tc.doc))
			require.NoError(t, err)
			err = def.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	def, err := Parse([]byte(base))
	require.NoError(t, err)
	assert.NoError(t, def.Validate())
}

func TestEncodeRoundTrip(t *testing.T) {
	def, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	out, err := def.Encode()
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, def.Name, again.Name)
	assert.Equal(t, def.Concurrency, again.Concurrency)
	assert.Equal(t, def.JobIDs(), again.JobIDs())
	assert.Equal(t, def.Jobs["pytest-cpu"].Strategy.Matrix.Include, again.Jobs["pytest-cpu"].Strategy.Matrix.Include)
	assert.Equal(t, def.Jobs["coverage"].Needs, again.Jobs["coverage"].Needs)
}

func TestParseFileDefaultsName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nightly.yaml")
	require.NoError(t, os.WriteFile(path, []byte("on: pull_request\njobs:\n  a:\n    uses: o/r/w.yaml@v1\n"), 0o644))

	def, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly", def.Name)
}

func TestMatrixDecoding(t *testing.T) {
	doc := `
on: pull_request
jobs:
  grid:
    uses: o/r/w.yaml@v1
    strategy:
      matrix:
        python: ["3.10", "3.11"]
        torch: [2.0, 2.1]
`
	def, err := Parse([]byte(doc))
	require.NoError(t, err)

	m := def.Jobs["grid"].Strategy.Matrix
	require.NotNil(t, m)
	assert.Equal(t, []string{"python", "torch"}, m.DimensionKeys())
	assert.Equal(t, []string{"2.0", "2.1"}, m.Dimension("torch"))
	assert.False(t, m.Empty())

	_, err = Parse([]byte("on: pull_request\njobs:\n  g:\n    uses: o/r/w.yaml@v1\n    strategy:\n      matrix:\n        python: 3.10\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a list")

	_, err = Parse([]byte("on: pull_request\njobs:\n  g:\n    uses: o/r/w.yaml@v1\n    strategy:\n      matrix:\n        python: [a]\n        python: [b]\n"))
	require.Error(t, err)
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("mosaicml/ci-testing/.github/workflows/pytest-cpu.yaml@v0.0.31")
	require.NoError(t, err)
	assert.Equal(t, "mosaicml", ref.Owner)
	assert.Equal(t, "ci-testing", ref.Repo)
	assert.Equal(t, ".github/workflows/pytest-cpu.yaml", ref.Path)
	assert.Equal(t, "v0.0.31", ref.Ref)
	assert.False(t, ref.Floating())
	assert.Equal(t, "mosaicml/ci-testing/.github/workflows/pytest-cpu.yaml@v0.0.31", ref.String())

	_, err = ParseRef("owner/repo/workflow.yaml")
	require.Error(t, err)

	_, err = ParseRef("owner/workflow.yaml@v1")
	require.Error(t, err)

	ref, err = ParseRef("o/r/w.yaml@main")
	require.NoError(t, err)
	assert.True(t, ref.Floating())
}
