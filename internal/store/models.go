package store

import (
	"encoding/json"
	"time"
)

// Project is a registered repository kestrel plans workflows for.
type Project struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	Name          string `gorm:"uniqueIndex;not null" json:"name"`
	Owner         string `gorm:"not null" json:"owner"`
	Repo          string `gorm:"not null" json:"repo"`
	CloneURL      string `gorm:"not null" json:"clone_url"`
	DefaultBranch string `gorm:"default:'main'" json:"default_branch"`
	WorkflowDir   string `gorm:"default:'.kestrel/workflows'" json:"workflow_dir"`
	TokenSecret   string `json:"token_secret,omitempty"` // vault path suffix, empty = project name
	Active        bool   `gorm:"default:true" json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TokenRef names the secret the project's forge token lives under.
func (p *Project) TokenRef() string {
	if p.TokenSecret != "" {
		return p.TokenSecret
	}
	return p.Name
}

// Run is one planned execution of a workflow definition.
type Run struct {
	ID               string `gorm:"primaryKey" json:"id"` // ULID, sorts by queue time
	ProjectName      string `gorm:"index" json:"project"`
	Workflow         string `json:"workflow"`
	Group            string `gorm:"index" json:"group"`
	EventKind        string `json:"event_kind"`
	Ref              string `json:"ref"`
	SHA              string `json:"sha"`
	Actor            string `json:"actor"`
	PRNumber         int64  `json:"pr_number,omitempty"`
	Status           string `gorm:"index" json:"status"` // queued, running, succeeded, failed, cancelled
	CancelInProgress bool   `json:"cancel_in_progress"`
	FailFast         bool   `json:"fail_fast"`
	Source           string `gorm:"type:text" json:"-"` // definition snapshot the run was planned from
	CancelReason     string `json:"cancel_reason,omitempty"`
	QueuedAt         time.Time  `json:"queued_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// JobRun is one job instance of a run, a single matrix combination.
type JobRun struct {
	ID           string `gorm:"primaryKey" json:"id"` // uuid
	RunID        string `gorm:"index" json:"run_id"`
	JobID        string `json:"job_id"`
	InstanceName string `json:"instance_name"`
	UsesRef      string `json:"uses_ref"`
	Inputs       string `gorm:"type:text" json:"-"` // JSON object
	Needs        string `gorm:"type:text" json:"-"` // JSON list
	Status       string `gorm:"index" json:"status"` // pending, dispatched, succeeded, failed, cancelled, skipped
	Message      string `gorm:"type:text" json:"message,omitempty"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// InputMap decodes the stored inputs object. A corrupt or empty column
// yields an empty map.
func (j *JobRun) InputMap() map[string]string {
	m := map[string]string{}
	if j.Inputs != "" {
		_ = json.Unmarshal([]byte(j.Inputs), &m)
	}
	return m
}

func (j *JobRun) SetInputMap(m map[string]string) {
	raw, _ := json.Marshal(m)
	j.Inputs = string(raw)
}

// NeedList decodes the stored needs list.
func (j *JobRun) NeedList() []string {
	var ns []string
	if j.Needs != "" {
		_ = json.Unmarshal([]byte(j.Needs), &ns)
	}
	return ns
}

func (j *JobRun) SetNeedList(ns []string) {
	raw, _ := json.Marshal(ns)
	j.Needs = string(raw)
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Project string
	Status  string
	Group   string
	Limit   int
}

// RunUpdate is a guarded status transition for a run. The update applies
// only while the run's current status is one of From.
type RunUpdate struct {
	From         []string
	To           string
	CancelReason string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// JobRunUpdate is a guarded status transition for a job instance.
type JobRunUpdate struct {
	From         []string
	To           string
	Message      string
	ArtifactPath string
	DispatchedAt *time.Time
	FinishedAt   *time.Time
}
