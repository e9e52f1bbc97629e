package run

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrel-ci/kestrel/internal/bus"
	"github.com/kestrel-ci/kestrel/internal/event"
	"github.com/kestrel-ci/kestrel/internal/logging"
	"github.com/kestrel-ci/kestrel/internal/metrics"
	"github.com/kestrel-ci/kestrel/internal/plan"
	"github.com/kestrel-ci/kestrel/internal/source"
	"github.com/kestrel-ci/kestrel/internal/store"
	"github.com/kestrel-ci/kestrel/internal/telemetry"
	"github.com/kestrel-ci/kestrel/internal/workflow"
)

var coordLogger = logging.C("run.coordinator")

// captureErr reports coordinator failures out of band. Tests swap it.
var captureErr = telemetry.CaptureError

const sweepBatch = 200

// Store is the slice of the persistence layer the coordinator uses.
type Store interface {
	GetProject(ctx context.Context, name string) (*store.Project, error)
	CreateRunWithJobs(ctx context.Context, r *store.Run, jobs []*store.JobRun) error
	GetRun(ctx context.Context, id string) (*store.Run, error)
	GetRunJobs(ctx context.Context, runID string) ([]*store.JobRun, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]*store.Run, error)
	RunsQueuedInGroup(ctx context.Context, group string) ([]*store.Run, error)
	UpdateRunStatus(ctx context.Context, id string, u store.RunUpdate) (bool, error)
	UpdateJobRunStatus(ctx context.Context, id string, u store.JobRunUpdate) (bool, error)
}

// Groups is the concurrency-group registry. Claiming a group already held
// by the same run succeeds.
type Groups interface {
	Claim(ctx context.Context, group, runID string) (holder string, ok bool, err error)
	Release(ctx context.Context, group, runID string) error
	Holder(ctx context.Context, group string) (string, error)
}

// Publisher sends invocations and cancellations to the runners.
type Publisher interface {
	PublishInvocation(ctx context.Context, msg bus.InvocationMessage) error
	PublishCancel(ctx context.Context, msg bus.CancelMessage) error
}

// Notifier posts run and job outcomes back to the forge.
type Notifier interface {
	RunQueued(ctx context.Context, p *store.Project, r *store.Run) error
	RunStarted(ctx context.Context, p *store.Project, r *store.Run) error
	RunFinished(ctx context.Context, p *store.Project, r *store.Run) error
	JobFinished(ctx context.Context, p *store.Project, r *store.Run, j *store.JobRun) error
}

// Archive records the run's audit trail.
type Archive interface {
	RecordRunEvent(ctx context.Context, runID, kind string, payload any) error
}

// Sources loads workflow definitions for a project at a commit.
type Sources interface {
	Load(ctx context.Context, p *store.Project, sha string) ([]*workflow.Definition, error)
}

// Deps wires a Coordinator. Store, Groups, Bus and Sources are required;
// Notifier and Archive fall back to no-ops.
type Deps struct {
	Store    Store
	Groups   Groups
	Bus      Publisher
	Sources  Sources
	Notifier Notifier
	Archive  Archive
}

type Coordinator struct {
	store    Store
	groups   Groups
	bus      Publisher
	sources  Sources
	notifier Notifier
	archive  Archive

	// mu serializes every state transition. Triggers, status callbacks
	// and the sweeper all funnel through here.
	mu sync.Mutex
}

func NewCoordinator(d Deps) (*Coordinator, error) {
	if d.Store == nil || d.Groups == nil || d.Bus == nil || d.Sources == nil {
		return nil, errors.New("coordinator needs store, groups, bus and sources")
	}
	if d.Notifier == nil {
		d.Notifier = noopNotifier{}
	}
	if d.Archive == nil {
		d.Archive = noopArchive{}
	}
	return &Coordinator{
		store:    d.Store,
		groups:   d.Groups,
		bus:      d.Bus,
		sources:  d.Sources,
		notifier: d.Notifier,
		archive:  d.Archive,
	}, nil
}

// annotateSpan tags the active trace span, whether it came in through
// otelgin or the bus consumer.
func annotateSpan(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
}

// HandleTrigger plans and queues runs for every workflow definition the
// trigger matches. Planning failures in one definition do not block the
// others.
func (c *Coordinator) HandleTrigger(ctx context.Context, trig event.Trigger) error {
	annotateSpan(ctx,
		attribute.String("kestrel.trigger_id", trig.ID),
		attribute.String("kestrel.project", trig.Project),
		attribute.String("kestrel.event_kind", string(trig.Kind)),
	)
	log := coordLogger.WithFields(logrus.Fields{
		"trigger": trig.ID,
		"project": trig.Project,
		"kind":    string(trig.Kind),
	})
	project, err := c.store.GetProject(ctx, trig.Project)
	if err != nil {
		return fmt.Errorf("resolve project %q: %w", trig.Project, err)
	}
	if !project.Active {
		log.Info("project is inactive, ignoring trigger")
		return nil
	}
	metrics.ObserveTrigger(string(trig.Kind))

	defs, err := c.sources.Load(ctx, project, trig.SHA)
	if err != nil {
		if errors.Is(err, source.ErrNoWorkflows) {
			log.Info("project has no workflow definitions")
			return nil
		}
		return fmt.Errorf("load workflows for %q: %w", project.Name, err)
	}

	matched := 0
	for _, def := range defs {
		p, err := plan.Plan(def, trig)
		if errors.Is(err, plan.ErrNotTriggered) {
			continue
		}
		if err != nil {
			log.WithError(err).WithField("workflow", def.Name).Error("planning failed")
			captureErr(err)
			continue
		}
		matched++
		if err := c.startPlanned(ctx, project, trig, def, p); err != nil {
			log.WithError(err).WithField("workflow", def.Name).Error("queueing run failed")
			captureErr(err)
		}
	}
	if matched == 0 {
		log.Info("no workflow matched the trigger")
	}
	return nil
}

// startPlanned persists the planned run with all of its job instances,
// then tries to claim the concurrency group.
func (c *Coordinator) startPlanned(ctx context.Context, project *store.Project, trig event.Trigger, def *workflow.Definition, p *plan.RunPlan) error {
	src, err := def.Encode()
	if err != nil {
		return fmt.Errorf("snapshot definition: %w", err)
	}
	now := time.Now().UTC()
	r := &store.Run{
		ID:               NewRunID(now),
		ProjectName:      project.Name,
		Workflow:         p.Workflow,
		Group:            p.Group,
		EventKind:        string(trig.Kind),
		Ref:              trig.Ref,
		SHA:              trig.SHA,
		Actor:            trig.Actor,
		PRNumber:         trig.PRNumber,
		Status:           RunQueued,
		CancelInProgress: p.CancelInProgress,
		FailFast:         anyFailFast(p),
		Source:           string(src),
		QueuedAt:         now,
	}
	invocations := p.Invocations()
	jobs := make([]*store.JobRun, 0, len(invocations)+len(p.Skipped))
	for _, inv := range invocations {
		j := &store.JobRun{
			ID:           uuid.NewString(),
			RunID:        r.ID,
			JobID:        inv.JobID,
			InstanceName: inv.InstanceName,
			UsesRef:      inv.Ref.String(),
			Status:       JobPending,
		}
		j.SetInputMap(inv.Inputs)
		j.SetNeedList(inv.Needs)
		jobs = append(jobs, j)
	}
	for _, sk := range p.Skipped {
		jobs = append(jobs, &store.JobRun{
			ID:           uuid.NewString(),
			RunID:        r.ID,
			JobID:        sk.JobID,
			InstanceName: sk.JobID,
			Status:       JobSkipped,
			Message:      sk.Reason,
		})
	}
	if err := c.store.CreateRunWithJobs(ctx, r, jobs); err != nil {
		return fmt.Errorf("persist run: %w", err)
	}
	coordLogger.WithFields(logrus.Fields{
		"run":      r.ID,
		"workflow": r.Workflow,
		"group":    r.Group,
		"jobs":     len(jobs),
	}).Info("run queued")
	c.recordEvent(ctx, r.ID, "run.queued", r)
	if err := c.notifier.RunQueued(ctx, project, r); err != nil {
		coordLogger.WithError(err).WithField("run", r.ID).Warn("notify run queued")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tryStartLocked(ctx, r)
}

// tryStartLocked claims the run's concurrency group. A held group either
// queues the run or, when the run cancels in progress, supersedes the
// holder.
func (c *Coordinator) tryStartLocked(ctx context.Context, r *store.Run) error {
	holder, ok, err := c.groups.Claim(ctx, r.Group, r.ID)
	if err != nil {
		return fmt.Errorf("claim group %q: %w", r.Group, err)
	}
	if !ok {
		if !r.CancelInProgress {
			coordLogger.WithFields(logrus.Fields{
				"run":    r.ID,
				"group":  r.Group,
				"holder": holder,
			}).Info("concurrency group held, run stays queued")
			return nil
		}
		reason := fmt.Sprintf("superseded by run %s", r.ID)
		if err := c.cancelLocked(ctx, holder, reason, "superseded", false); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("supersede run %s: %w", holder, err)
			}
			// The holder run is gone from the store, so the group key is
			// stale. Drop it and claim again.
			coordLogger.WithFields(logrus.Fields{
				"group":  r.Group,
				"holder": holder,
			}).Warn("releasing group held by unknown run")
			if err := c.groups.Release(ctx, r.Group, holder); err != nil {
				return fmt.Errorf("release stale group %q: %w", r.Group, err)
			}
		}
		holder, ok, err = c.groups.Claim(ctx, r.Group, r.ID)
		if err != nil {
			return fmt.Errorf("claim group %q: %w", r.Group, err)
		}
		if !ok {
			coordLogger.WithFields(logrus.Fields{
				"run":    r.ID,
				"group":  r.Group,
				"holder": holder,
			}).Warn("group still held after superseding, run stays queued")
			return nil
		}
	}
	return c.startLocked(ctx, r)
}

func (c *Coordinator) startLocked(ctx context.Context, r *store.Run) error {
	now := time.Now().UTC()
	ok, err := c.store.UpdateRunStatus(ctx, r.ID, store.RunUpdate{
		From:      []string{RunQueued},
		To:        RunRunning,
		StartedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("mark run %s running: %w", r.ID, err)
	}
	if !ok {
		// The run was cancelled while queued. Give the group back.
		if err := c.groups.Release(ctx, r.Group, r.ID); err != nil {
			coordLogger.WithError(err).WithField("group", r.Group).Warn("release group")
		}
		return nil
	}
	r.Status = RunRunning
	r.StartedAt = &now
	metrics.ObserveRunStarted()
	coordLogger.WithFields(logrus.Fields{
		"run":      r.ID,
		"workflow": r.Workflow,
		"group":    r.Group,
	}).Info("run started")
	c.recordEvent(ctx, r.ID, "run.started", r)
	if project, err := c.store.GetProject(ctx, r.ProjectName); err == nil {
		if err := c.notifier.RunStarted(ctx, project, r); err != nil {
			coordLogger.WithError(err).WithField("run", r.ID).Warn("notify run started")
		}
	}

	def, err := workflow.Parse([]byte(r.Source))
	if err != nil {
		// The snapshot is unreadable, so per-job strategy knobs are lost.
		// Fail the run rather than wedge the group.
		return c.finalizeLocked(ctx, r, RunFailed, fmt.Sprintf("definition snapshot unreadable: %v", err), true)
	}
	jobs, err := c.store.GetRunJobs(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("load job runs for %s: %w", r.ID, err)
	}
	c.advanceLocked(ctx, r, def, jobs)
	return nil
}

// ApplyStatus applies one runner callback. Stale and duplicate callbacks
// are dropped silently; only errors worth a redelivery are returned.
func (c *Coordinator) ApplyStatus(ctx context.Context, msg bus.StatusMessage) error {
	annotateSpan(ctx,
		attribute.String("kestrel.run_id", msg.RunID),
		attribute.String("kestrel.job_run_id", msg.JobRunID),
		attribute.String("kestrel.status", msg.Status),
	)
	switch msg.Status {
	case JobSucceeded, JobFailed, JobCancelled:
	default:
		coordLogger.WithFields(logrus.Fields{
			"run":    msg.RunID,
			"status": msg.Status,
		}).Warn("dropping callback with unknown status")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.store.GetRun(ctx, msg.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			coordLogger.WithField("run", msg.RunID).Warn("dropping callback for unknown run")
			return nil
		}
		return err
	}
	jobs, err := c.store.GetRunJobs(ctx, r.ID)
	if err != nil {
		return err
	}
	var target *store.JobRun
	for _, j := range jobs {
		if j.ID == msg.JobRunID {
			target = j
			break
		}
	}
	if target == nil {
		coordLogger.WithFields(logrus.Fields{
			"run":     msg.RunID,
			"job_run": msg.JobRunID,
		}).Warn("dropping callback for unknown job run")
		return nil
	}
	if !CanTransitionJob(target.Status, msg.Status) {
		coordLogger.WithFields(logrus.Fields{
			"job_run": target.ID,
			"from":    target.Status,
			"to":      msg.Status,
		}).Info("ignoring stale status callback")
		return nil
	}
	finished := msg.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	ok, err := c.store.UpdateJobRunStatus(ctx, target.ID, store.JobRunUpdate{
		From:         []string{JobDispatched},
		To:           msg.Status,
		Message:      msg.Message,
		ArtifactPath: msg.ArtifactPath,
		FinishedAt:   &finished,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	target.Status = msg.Status
	target.Message = msg.Message
	target.ArtifactPath = msg.ArtifactPath
	target.FinishedAt = &finished
	metrics.ObserveStatusCallback(msg.Status)
	coordLogger.WithFields(logrus.Fields{
		"run":      r.ID,
		"instance": target.InstanceName,
		"status":   msg.Status,
	}).Info("job instance finished")
	c.recordEvent(ctx, r.ID, "job.finished", msg)
	if project, err := c.store.GetProject(ctx, r.ProjectName); err == nil {
		if err := c.notifier.JobFinished(ctx, project, r, target); err != nil {
			coordLogger.WithError(err).WithField("run", r.ID).Warn("notify job finished")
		}
	}

	def, err := workflow.Parse([]byte(r.Source))
	if err != nil {
		return c.finalizeLocked(ctx, r, RunFailed, fmt.Sprintf("definition snapshot unreadable: %v", err), true)
	}
	if msg.Status == JobFailed && failFastFor(def, target.JobID) {
		c.cancelSiblingsLocked(ctx, r, target, jobs)
	}
	c.advanceLocked(ctx, r, def, jobs)
	return nil
}

// advanceLocked dispatches every instance whose needs are satisfied, skips
// instances whose needs can no longer succeed, and finalizes once nothing
// is left outstanding. It loops so a skip cascades in one call.
func (c *Coordinator) advanceLocked(ctx context.Context, r *store.Run, def *workflow.Definition, jobs []*store.JobRun) {
	for {
		changed := false
		byJob := groupInstances(jobs)
		for _, jobID := range sortedJobIDs(byJob) {
			instances := byJob[jobID]
			if countStatus(instances, JobPending) == 0 {
				continue
			}
			needs := instances[0].NeedList()
			if doomed := firstDoomedNeed(byJob, needs); doomed != "" {
				reason := fmt.Sprintf("needs %s job %q", aggregateStatus(byJob[doomed]), doomed)
				for _, j := range instances {
					if j.Status != JobPending {
						continue
					}
					if c.markInstanceLocked(ctx, j, JobSkipped, reason) {
						changed = true
					}
				}
				continue
			}
			if !needsSatisfied(byJob, needs) {
				continue
			}
			limit := maxParallelFor(def, jobID)
			out := countStatus(instances, JobDispatched)
			for _, j := range instances {
				if j.Status != JobPending {
					continue
				}
				if limit > 0 && out >= limit {
					break
				}
				if err := c.dispatchLocked(ctx, r, def, j); err != nil {
					coordLogger.WithError(err).WithFields(logrus.Fields{
						"run":      r.ID,
						"instance": j.InstanceName,
					}).Error("dispatch failed")
					captureErr(err)
					continue
				}
				out++
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	c.maybeFinalizeLocked(ctx, r, jobs)
}

func (c *Coordinator) dispatchLocked(ctx context.Context, r *store.Run, def *workflow.Definition, j *store.JobRun) error {
	ref, err := workflow.ParseRef(j.UsesRef)
	if err != nil {
		return fmt.Errorf("job %s uses ref: %w", j.JobID, err)
	}
	now := time.Now().UTC()
	msg := bus.InvocationMessage{
		RunID:        r.ID,
		JobRunID:     j.ID,
		Workflow:     r.Workflow,
		JobID:        j.JobID,
		InstanceName: j.InstanceName,
		Uses:         bus.Uses{Owner: ref.Owner, Repo: ref.Repo, Path: ref.Path, Ref: ref.Ref},
		Inputs:       j.InputMap(),
		Needs:        j.NeedList(),
		DispatchedAt: now,
	}
	if job := def.Jobs[j.JobID]; job != nil {
		msg.TimeoutMinutes = job.TimeoutMinutes
	}
	if err := c.bus.PublishInvocation(ctx, msg); err != nil {
		return fmt.Errorf("publish invocation: %w", err)
	}
	ok, err := c.store.UpdateJobRunStatus(ctx, j.ID, store.JobRunUpdate{
		From:         []string{JobPending},
		To:           JobDispatched,
		DispatchedAt: &now,
	})
	if err != nil {
		return err
	}
	if ok {
		j.Status = JobDispatched
		j.DispatchedAt = &now
		metrics.ObserveInvocationDispatched()
		coordLogger.WithFields(logrus.Fields{
			"run":      r.ID,
			"instance": j.InstanceName,
		}).Info("instance dispatched")
	}
	return nil
}

// cancelSiblingsLocked stops the rest of a failing job's matrix when the
// job runs with fail-fast.
func (c *Coordinator) cancelSiblingsLocked(ctx context.Context, r *store.Run, failed *store.JobRun, jobs []*store.JobRun) {
	reason := fmt.Sprintf("fail-fast: instance %q failed", failed.InstanceName)
	for _, j := range jobs {
		if j.JobID != failed.JobID || j.ID == failed.ID {
			continue
		}
		switch j.Status {
		case JobDispatched:
			if err := c.bus.PublishCancel(ctx, bus.CancelMessage{RunID: r.ID, JobRunID: j.ID, Reason: reason}); err != nil {
				coordLogger.WithError(err).WithField("job_run", j.ID).Warn("publish cancel")
			}
			c.markInstanceLocked(ctx, j, JobCancelled, reason)
		case JobPending:
			c.markInstanceLocked(ctx, j, JobCancelled, reason)
		}
	}
}

// Cancel stops a run: outstanding instances get cancel messages, pending
// ones are cancelled in place, and the run finalizes as cancelled.
func (c *Coordinator) Cancel(ctx context.Context, runID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelLocked(ctx, runID, reason, "user", true)
}

func (c *Coordinator) cancelLocked(ctx context.Context, runID, reason, cause string, promote bool) error {
	r, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if RunTerminal(r.Status) {
		return nil
	}
	// A queued run holds no group, so there is nothing to promote after it.
	promote = promote && r.Status == RunRunning
	jobs, err := c.store.GetRunJobs(ctx, runID)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		switch j.Status {
		case JobDispatched:
			if err := c.bus.PublishCancel(ctx, bus.CancelMessage{RunID: r.ID, JobRunID: j.ID, Reason: reason}); err != nil {
				coordLogger.WithError(err).WithField("job_run", j.ID).Warn("publish cancel")
			}
			c.markInstanceLocked(ctx, j, JobCancelled, reason)
		case JobPending:
			c.markInstanceLocked(ctx, j, JobCancelled, reason)
		}
	}
	metrics.ObserveRunCancelled(cause)
	return c.finalizeLocked(ctx, r, RunCancelled, reason, promote)
}

func (c *Coordinator) maybeFinalizeLocked(ctx context.Context, r *store.Run, jobs []*store.JobRun) {
	status := runOutcome(jobs)
	if status == "" {
		return
	}
	if err := c.finalizeLocked(ctx, r, status, "", true); err != nil {
		coordLogger.WithError(err).WithField("run", r.ID).Error("finalize run")
		captureErr(err)
	}
}

func (c *Coordinator) finalizeLocked(ctx context.Context, r *store.Run, status, reason string, promote bool) error {
	now := time.Now().UTC()
	ok, err := c.store.UpdateRunStatus(ctx, r.ID, store.RunUpdate{
		From:         []string{RunQueued, RunRunning},
		To:           status,
		CancelReason: reason,
		FinishedAt:   &now,
	})
	if err != nil {
		return fmt.Errorf("mark run %s %s: %w", r.ID, status, err)
	}
	if !ok {
		return nil
	}
	started := r.StartedAt != nil
	r.Status = status
	r.FinishedAt = &now
	if reason != "" {
		r.CancelReason = reason
	}

	if err := c.groups.Release(ctx, r.Group, r.ID); err != nil {
		coordLogger.WithError(err).WithField("group", r.Group).Warn("release group")
	}

	coordLogger.WithFields(logrus.Fields{
		"run":      r.ID,
		"workflow": r.Workflow,
		"status":   status,
	}).Info("run finished")
	c.recordEvent(ctx, r.ID, "run.finished", r)
	if project, err := c.store.GetProject(ctx, r.ProjectName); err == nil {
		if err := c.notifier.RunFinished(ctx, project, r); err != nil {
			coordLogger.WithError(err).WithField("run", r.ID).Warn("notify run finished")
		}
	}

	var dur time.Duration
	if started {
		dur = now.Sub(*r.StartedAt)
	}
	metrics.ObserveRunFinalized(status, started, dur)

	if promote {
		c.promoteLocked(ctx, r.Group)
	}
	return nil
}

// promoteLocked starts the oldest queued run of a freed group.
func (c *Coordinator) promoteLocked(ctx context.Context, group string) {
	queued, err := c.store.RunsQueuedInGroup(ctx, group)
	if err != nil {
		coordLogger.WithError(err).WithField("group", group).Warn("list queued runs")
		return
	}
	if len(queued) == 0 {
		return
	}
	next := queued[0]
	coordLogger.WithFields(logrus.Fields{"run": next.ID, "group": group}).Info("promoting queued run")
	if err := c.tryStartLocked(ctx, next); err != nil {
		coordLogger.WithError(err).WithField("run", next.ID).Warn("promote queued run")
	}
}

// Sweep retries queued runs whose concurrency group has gone free and
// re-drives pending instances of running runs. It covers promotions and
// dispatches missed across restarts or transient broker failures.
func (c *Coordinator) Sweep(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	queued, err := c.store.ListRuns(ctx, store.RunFilter{Status: RunQueued, Limit: sweepBatch})
	if err != nil {
		return err
	}
	// ListRuns returns newest first; walk oldest first so FIFO holds.
	seen := map[string]bool{}
	for i := len(queued) - 1; i >= 0; i-- {
		r := queued[i]
		if seen[r.Group] {
			continue
		}
		seen[r.Group] = true
		holder, err := c.groups.Holder(ctx, r.Group)
		if err != nil {
			coordLogger.WithError(err).WithField("group", r.Group).Warn("read group holder")
			continue
		}
		if holder != "" && holder != r.ID {
			if _, err := c.store.GetRun(ctx, holder); err == nil {
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				coordLogger.WithError(err).WithField("run", holder).Warn("read group holder run")
				continue
			}
			// Nothing in the store backs the holder, so the key can only
			// be a leftover. Free it and let the queued run claim.
			coordLogger.WithFields(logrus.Fields{
				"group":  r.Group,
				"holder": holder,
			}).Warn("releasing group held by unknown run")
			if err := c.groups.Release(ctx, r.Group, holder); err != nil {
				coordLogger.WithError(err).WithField("group", r.Group).Warn("release stale group")
				continue
			}
		}
		if err := c.tryStartLocked(ctx, r); err != nil {
			coordLogger.WithError(err).WithField("run", r.ID).Warn("requeue sweep start")
		}
	}
	return c.redispatchLocked(ctx)
}

// redispatchLocked retries pending instances of running runs whose
// dispatch was lost, typically a publish failure or a crash between the
// publish and the status update.
func (c *Coordinator) redispatchLocked(ctx context.Context) error {
	running, err := c.store.ListRuns(ctx, store.RunFilter{Status: RunRunning, Limit: sweepBatch})
	if err != nil {
		return err
	}
	for _, r := range running {
		jobs, err := c.store.GetRunJobs(ctx, r.ID)
		if err != nil {
			coordLogger.WithError(err).WithField("run", r.ID).Warn("load job runs for sweep")
			continue
		}
		pending := false
		for _, j := range jobs {
			if j.Status == JobPending {
				pending = true
				break
			}
		}
		if !pending {
			continue
		}
		def, err := workflow.Parse([]byte(r.Source))
		if err != nil {
			coordLogger.WithError(err).WithField("run", r.ID).Warn("definition snapshot unreadable in sweep")
			continue
		}
		c.advanceLocked(ctx, r, def, jobs)
	}
	return nil
}

// RunSweeper periodically calls Sweep until the context ends.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			coordLogger.Info("stopping requeue sweeper")
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				coordLogger.WithError(err).Warn("requeue sweep failed")
			}
		}
	}
}

// markInstanceLocked applies a guarded terminal transition to one instance
// and mirrors it in memory. It reports whether the guard matched.
func (c *Coordinator) markInstanceLocked(ctx context.Context, j *store.JobRun, to, message string) bool {
	now := time.Now().UTC()
	ok, err := c.store.UpdateJobRunStatus(ctx, j.ID, store.JobRunUpdate{
		From:       []string{j.Status},
		To:         to,
		Message:    message,
		FinishedAt: &now,
	})
	if err != nil {
		coordLogger.WithError(err).WithField("job_run", j.ID).Error("update job run status")
		captureErr(err)
		return false
	}
	if !ok {
		return false
	}
	j.Status = to
	if message != "" {
		j.Message = message
	}
	j.FinishedAt = &now
	return true
}

func (c *Coordinator) recordEvent(ctx context.Context, runID, kind string, payload any) {
	if err := c.archive.RecordRunEvent(ctx, runID, kind, payload); err != nil {
		coordLogger.WithError(err).WithFields(logrus.Fields{
			"run":  runID,
			"kind": kind,
		}).Warn("archive run event")
	}
}

func anyFailFast(p *plan.RunPlan) bool {
	for _, jp := range p.Jobs {
		if jp.FailFast && len(jp.Invocations) > 1 {
			return true
		}
	}
	return false
}

func groupInstances(jobs []*store.JobRun) map[string][]*store.JobRun {
	byJob := map[string][]*store.JobRun{}
	for _, j := range jobs {
		byJob[j.JobID] = append(byJob[j.JobID], j)
	}
	return byJob
}

func sortedJobIDs(byJob map[string][]*store.JobRun) []string {
	ids := make([]string, 0, len(byJob))
	for id := range byJob {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func countStatus(instances []*store.JobRun, status string) int {
	n := 0
	for _, j := range instances {
		if j.Status == status {
			n++
		}
	}
	return n
}

// needsSatisfied reports whether every needed job finished with all of its
// instances succeeded.
func needsSatisfied(byJob map[string][]*store.JobRun, needs []string) bool {
	for _, need := range needs {
		instances := byJob[need]
		if len(instances) == 0 {
			return false
		}
		for _, j := range instances {
			if j.Status != JobSucceeded {
				return false
			}
		}
	}
	return true
}

// firstDoomedNeed returns the first needed job that can no longer succeed.
func firstDoomedNeed(byJob map[string][]*store.JobRun, needs []string) string {
	for _, need := range needs {
		for _, j := range byJob[need] {
			switch j.Status {
			case JobFailed, JobCancelled, JobSkipped:
				return need
			}
		}
	}
	return ""
}

// aggregateStatus summarizes a job's instances for skip messages, with
// failure dominating.
func aggregateStatus(instances []*store.JobRun) string {
	agg := ""
	for _, j := range instances {
		switch j.Status {
		case JobFailed:
			return JobFailed
		case JobCancelled:
			agg = JobCancelled
		case JobSkipped:
			if agg == "" {
				agg = JobSkipped
			}
		}
	}
	if agg == "" {
		return "unfinished"
	}
	return agg
}

func maxParallelFor(def *workflow.Definition, jobID string) int {
	if job := def.Jobs[jobID]; job != nil && job.Strategy != nil {
		return job.Strategy.MaxParallel
	}
	return 0
}

// failFastFor reads a job's fail-fast knob, defaulting to on.
func failFastFor(def *workflow.Definition, jobID string) bool {
	job := def.Jobs[jobID]
	if job == nil || job.Strategy == nil || job.Strategy.FailFast == nil {
		return true
	}
	return *job.Strategy.FailFast
}

// runOutcome returns the terminal run status once every instance is
// terminal, or "" while work remains. Skipped instances never fail a run.
func runOutcome(jobs []*store.JobRun) string {
	anyFailed, anyCancelled := false, false
	for _, j := range jobs {
		if !JobTerminal(j.Status) {
			return ""
		}
		switch j.Status {
		case JobFailed:
			anyFailed = true
		case JobCancelled:
			anyCancelled = true
		}
	}
	switch {
	case anyFailed:
		return RunFailed
	case anyCancelled:
		return RunCancelled
	default:
		return RunSucceeded
	}
}

type noopNotifier struct{}

func (noopNotifier) RunQueued(context.Context, *store.Project, *store.Run) error   { return nil }
func (noopNotifier) RunStarted(context.Context, *store.Project, *store.Run) error  { return nil }
func (noopNotifier) RunFinished(context.Context, *store.Project, *store.Run) error { return nil }
func (noopNotifier) JobFinished(context.Context, *store.Project, *store.Run, *store.JobRun) error {
	return nil
}

type noopArchive struct{}

func (noopArchive) RecordRunEvent(context.Context, string, string, any) error { return nil }
