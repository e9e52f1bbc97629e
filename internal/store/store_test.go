package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "kestrel-test.db"))
	require.NoError(t, err)
	return s
}

func seedRun(t *testing.T, s *Store, id, project, group, status string, queuedAt time.Time) *Run {
	t.Helper()
	r := &Run{
		ID:          id,
		ProjectName: project,
		Workflow:    "pr-tests",
		Group:       group,
		EventKind:   "pull_request",
		Ref:         "refs/pull/42/merge",
		SHA:         "b1946ac92492d2347c6235b4d2611184a9f6ad92",
		Actor:       "octocat",
		Status:      status,
		QueuedAt:    queuedAt,
	}
	require.NoError(t, s.CreateRunWithJobs(context.Background(), r, nil))
	return r
}

func TestProjectCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &Project{
		Name:          "composer",
		Owner:         "mosaicml",
		Repo:          "composer",
		CloneURL:      "https://github.com/mosaicml/composer.git",
		DefaultBranch: "dev",
		WorkflowDir:   ".kestrel/workflows",
		Active:        true,
	}
	require.NoError(t, s.CreateProject(ctx, p))

	err := s.CreateProject(ctx, &Project{
		Name:     "composer",
		Owner:    "someone",
		Repo:     "else",
		CloneURL: "https://example.com/else.git",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNIQUE constraint")

	got, err := s.GetProject(ctx, "composer")
	require.NoError(t, err)
	assert.Equal(t, "mosaicml", got.Owner)
	assert.Equal(t, "dev", got.DefaultBranch)

	byRepo, err := s.FindProjectByRepo(ctx, "mosaicml", "composer")
	require.NoError(t, err)
	assert.Equal(t, "composer", byRepo.Name)

	_, err = s.FindProjectByRepo(ctx, "mosaicml", "streaming")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.CreateProject(ctx, &Project{
		Name:     "axolotl",
		Owner:    "mosaicml",
		Repo:     "axolotl",
		CloneURL: "https://github.com/mosaicml/axolotl.git",
	}))
	all, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "axolotl", all[0].Name)
	assert.Equal(t, "composer", all[1].Name)

	require.NoError(t, s.DeleteProject(ctx, "axolotl"))
	assert.ErrorIs(t, s.DeleteProject(ctx, "axolotl"), ErrNotFound)
	_, err = s.GetProject(ctx, "axolotl")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRunWithJobsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := &Run{
		ID:          "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		ProjectName: "composer",
		Workflow:    "pr-tests",
		Group:       "pr-tests-refs/pull/42/merge",
		EventKind:   "pull_request",
		Ref:         "refs/pull/42/merge",
		SHA:         "b1946ac92492d2347c6235b4d2611184a9f6ad92",
		Actor:       "octocat",
		PRNumber:    42,
		Status:      "queued",
		FailFast:    true,
		Source:      "name: pr-tests\n",
		QueuedAt:    time.Now().UTC(),
	}
	j1 := &JobRun{
		ID:           "8f14e45f-ceea-4f3b-9a1c-0242ac120002",
		RunID:        r.ID,
		JobID:        "pytest-cpu",
		InstanceName: "cpu-3.10-2.0",
		UsesRef:      "mosaicml/ci-testing/.github/workflows/pytest-cpu.yaml@v0.0.31",
		Status:       "pending",
	}
	j1.SetInputMap(map[string]string{"pytest_command": "coverage run -m pytest"})
	j2 := &JobRun{
		ID:           "c4ca4238-a0b9-4382-8dcc-509a6f75849b",
		RunID:        r.ID,
		JobID:        "coverage",
		InstanceName: "Coverage Results",
		UsesRef:      "mosaicml/ci-testing/.github/workflows/coverage.yaml@v0.0.31",
		Status:       "pending",
	}
	j2.SetNeedList([]string{"pytest-cpu"})
	require.NoError(t, s.CreateRunWithJobs(ctx, r, []*JobRun{j1, j2}))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "pr-tests", got.Workflow)
	assert.Equal(t, int64(42), got.PRNumber)
	assert.True(t, got.FailFast)

	_, err = s.GetRun(ctx, "01BX5ZZKBKACTAV9WEVGEMMVRZ")
	assert.ErrorIs(t, err, ErrNotFound)

	jobs, err := s.GetRunJobs(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	// Ordered by job id, then instance name.
	assert.Equal(t, "coverage", jobs[0].JobID)
	assert.Equal(t, []string{"pytest-cpu"}, jobs[0].NeedList())
	assert.Equal(t, "pytest-cpu", jobs[1].JobID)
	assert.Equal(t, "coverage run -m pytest", jobs[1].InputMap()["pytest_command"])
}

func TestListRunsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	seedRun(t, s, "01A000000000000000000000A1", "composer", "g1", "queued", base)
	seedRun(t, s, "01A000000000000000000000A2", "composer", "g1", "running", base.Add(time.Minute))
	seedRun(t, s, "01A000000000000000000000A3", "streaming", "g2", "queued", base.Add(2*time.Minute))

	runs, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "01A000000000000000000000A3", runs[0].ID, "newest first")

	runs, err = s.ListRuns(ctx, RunFilter{Project: "composer"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, RunFilter{Project: "composer", Status: "running"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "01A000000000000000000000A2", runs[0].ID)

	runs, err = s.ListRuns(ctx, RunFilter{Group: "g2"})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	runs, err = s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunsQueuedInGroup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	seedRun(t, s, "01A000000000000000000000B2", "composer", "g1", "queued", base.Add(time.Minute))
	seedRun(t, s, "01A000000000000000000000B1", "composer", "g1", "queued", base)
	seedRun(t, s, "01A000000000000000000000B3", "composer", "g1", "running", base.Add(2*time.Minute))
	seedRun(t, s, "01A000000000000000000000B4", "composer", "g2", "queued", base)

	queued, err := s.RunsQueuedInGroup(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "01A000000000000000000000B1", queued[0].ID, "oldest first")
	assert.Equal(t, "01A000000000000000000000B2", queued[1].ID)
}

func TestUpdateRunStatusGuard(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "01A000000000000000000000C1", "composer", "g1", "queued", time.Now().UTC())

	started := time.Now().UTC()
	ok, err := s.UpdateRunStatus(ctx, r.ID, RunUpdate{From: []string{"queued"}, To: "running", StartedAt: &started})
	require.NoError(t, err)
	assert.True(t, ok)

	// The guard no longer matches.
	ok, err = s.UpdateRunStatus(ctx, r.ID, RunUpdate{From: []string{"queued"}, To: "running"})
	require.NoError(t, err)
	assert.False(t, ok)

	finished := started.Add(time.Minute)
	ok, err = s.UpdateRunStatus(ctx, r.ID, RunUpdate{
		From:         []string{"queued", "running"},
		To:           "cancelled",
		CancelReason: "superseded by run 01A000000000000000000000C2",
		FinishedAt:   &finished,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status)
	assert.Contains(t, got.CancelReason, "superseded")
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
}

func TestUpdateJobRunStatusGuard(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "01A000000000000000000000D1", "composer", "g1", "running", time.Now().UTC())
	j := &JobRun{
		ID:           "d3d94468-02a4-4259-b55d-38e6d163e820",
		RunID:        r.ID,
		JobID:        "pytest-cpu",
		InstanceName: "cpu-doctest",
		UsesRef:      "mosaicml/ci-testing/.github/workflows/pytest-cpu.yaml@v0.0.31",
		Status:       "pending",
	}
	require.NoError(t, s.db.Create(j).Error)

	dispatched := time.Now().UTC()
	ok, err := s.UpdateJobRunStatus(ctx, j.ID, JobRunUpdate{
		From:         []string{"pending"},
		To:           "dispatched",
		DispatchedAt: &dispatched,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	finished := dispatched.Add(10 * time.Minute)
	ok, err = s.UpdateJobRunStatus(ctx, j.ID, JobRunUpdate{
		From:         []string{"dispatched"},
		To:           "succeeded",
		Message:      "142 passed",
		ArtifactPath: "artifacts/cpu-doctest",
		FinishedAt:   &finished,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// A late duplicate callback no longer matches the guard.
	ok, err = s.UpdateJobRunStatus(ctx, j.ID, JobRunUpdate{From: []string{"dispatched"}, To: "failed"})
	require.NoError(t, err)
	assert.False(t, ok)

	jobs, err := s.GetRunJobs(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "succeeded", jobs[0].Status)
	assert.Equal(t, "142 passed", jobs[0].Message)
	assert.Equal(t, "artifacts/cpu-doctest", jobs[0].ArtifactPath)
}

func TestOutstandingJobRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "01A000000000000000000000E1", "composer", "g1", "running", time.Now().UTC())

	early := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)
	rows := []*JobRun{
		{ID: "a1", RunID: r.ID, JobID: "pytest-cpu", InstanceName: "cpu-3.10-2.1", UsesRef: "o/r/p@v1", Status: "dispatched", DispatchedAt: &late},
		{ID: "a2", RunID: r.ID, JobID: "pytest-cpu", InstanceName: "cpu-3.10-2.0", UsesRef: "o/r/p@v1", Status: "dispatched", DispatchedAt: &early},
		{ID: "a3", RunID: r.ID, JobID: "pytest-cpu", InstanceName: "cpu-doctest", UsesRef: "o/r/p@v1", Status: "pending"},
		{ID: "a4", RunID: r.ID, JobID: "coverage", InstanceName: "coverage", UsesRef: "o/r/p@v1", Status: "succeeded"},
	}
	for _, j := range rows {
		require.NoError(t, s.db.Create(j).Error)
	}

	out, err := s.OutstandingJobRuns(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a2", out[0].ID, "oldest dispatch first")
	assert.Equal(t, "a1", out[1].ID)
}

func TestCountJobRunsByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "01A000000000000000000000F1", "composer", "g1", "running", time.Now().UTC())

	rows := []*JobRun{
		{ID: "b1", RunID: r.ID, JobID: "pytest-cpu", InstanceName: "cpu-3.10-2.0", UsesRef: "o/r/p@v1", Status: "succeeded"},
		{ID: "b2", RunID: r.ID, JobID: "pytest-cpu", InstanceName: "cpu-3.10-2.1", UsesRef: "o/r/p@v1", Status: "succeeded"},
		{ID: "b3", RunID: r.ID, JobID: "pytest-cpu", InstanceName: "cpu-doctest", UsesRef: "o/r/p@v1", Status: "failed"},
		{ID: "b4", RunID: r.ID, JobID: "coverage", InstanceName: "coverage", UsesRef: "o/r/p@v1", Status: "skipped"},
	}
	for _, j := range rows {
		require.NoError(t, s.db.Create(j).Error)
	}

	counts, err := s.CountJobRunsByStatus(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["succeeded"])
	assert.Equal(t, int64(1), counts["failed"])
	assert.Equal(t, int64(1), counts["skipped"])
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
