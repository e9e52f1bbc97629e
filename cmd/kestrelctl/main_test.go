package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/kestrel-ci/kestrel/internal/event"
	"github.com/kestrel-ci/kestrel/internal/plan"
	"github.com/kestrel-ci/kestrel/internal/workflow"
)

// capturePlanTrigger runs the real plan command with args and returns the
// trigger its flags produce.
func capturePlanTrigger(t *testing.T, args ...string) event.Trigger {
	t.Helper()
	var trig event.Trigger
	app := newApp()
	app.Command("plan").Action = func(c *cli.Context) error {
		var err error
		trig, err = syntheticTrigger(c)
		return err
	}
	require.NoError(t, app.Run(append([]string{"kestrelctl", "plan"}, args...)))
	return trig
}

func TestPlanFlagsShapeTrigger(t *testing.T) {
	trig := capturePlanTrigger(t,
		"--event", "pull_request",
		"--owner", "mosaicml", "--repo", "composer", "--actor", "contributor",
		"--base-ref", "dev", "--pr", "42", "--sha", "abc123")

	assert.Equal(t, "mosaicml", trig.Owner)
	assert.Equal(t, "composer", trig.Repo)
	assert.Equal(t, "contributor", trig.Actor)
	assert.Equal(t, "dev", trig.BaseRef)
	assert.Equal(t, int64(42), trig.PRNumber)
	assert.Equal(t, "refs/pull/42/merge", trig.Ref)
}

func TestPlanOwnerFlagReachesJobConditions(t *testing.T) {
	def, err := workflow.ParseFile("../../internal/lint/testdata/pr-tests.yaml")
	require.NoError(t, err)

	// The fixture gates every job on the repository owner, so a preview
	// without --owner plans nothing but skips.
	trig := capturePlanTrigger(t, "--event", "pull_request")
	p, err := plan.Plan(def, trig)
	require.NoError(t, err)
	assert.Empty(t, p.Stages)
	assert.NotEmpty(t, p.Skipped)

	trig = capturePlanTrigger(t, "--event", "pull_request", "--owner", "mosaicml")
	p, err = plan.Plan(def, trig)
	require.NoError(t, err)
	assert.Empty(t, p.Skipped)
	require.NotEmpty(t, p.Stages)
	cpu := p.Job("pytest-cpu")
	require.NotNil(t, cpu)
	assert.Len(t, cpu.Invocations, 3)
}

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs([]string{"name=cpu-doctest", "pytest-markers=not daily and not remote"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"name":           "cpu-doctest",
		"pytest-markers": "not daily and not remote",
	}, inputs)
}

func TestParseInputsKeepsEqualsInValue(t *testing.T) {
	inputs, err := parseInputs([]string{"pytest-command=coverage run -m pytest --cov=."})
	require.NoError(t, err)
	assert.Equal(t, "coverage run -m pytest --cov=.", inputs["pytest-command"])
}

func TestParseInputsRejectsBarePairs(t *testing.T) {
	_, err := parseInputs([]string{"doctest"})
	require.Error(t, err)

	_, err = parseInputs([]string{"=doctest"})
	require.Error(t, err)
}

func TestParseInputsEmpty(t *testing.T) {
	inputs, err := parseInputs(nil)
	require.NoError(t, err)
	assert.Nil(t, inputs)
}
