// Package bus carries job invocations, cancellations and status callbacks
// between kestreld and the runners over Kafka.
package bus

import "time"

// Topic defaults. Overridable through the kafka config section.
const (
	TopicInvocations   = "workflow-invocations"
	TopicCancellations = "workflow-cancellations"
	TopicStatus        = "workflow-status"

	// ConsumerGroup is the group kestreld consumes status callbacks with.
	ConsumerGroup = "kestreld"
)

// Topics names the three streams a deployment uses.
type Topics struct {
	Invocations   string
	Cancellations string
	Status        string
}

// DefaultTopics returns the stock topic layout.
func DefaultTopics() Topics {
	return Topics{
		Invocations:   TopicInvocations,
		Cancellations: TopicCancellations,
		Status:        TopicStatus,
	}
}

// Uses locates the reusable workflow a job instance calls.
type Uses struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	Path  string `json:"path"`
	Ref   string `json:"ref"`
}

// InvocationMessage asks a runner to execute one job instance.
type InvocationMessage struct {
	RunID          string            `json:"run_id"`
	JobRunID       string            `json:"job_run_id"`
	Workflow       string            `json:"workflow"`
	JobID          string            `json:"job_id"`
	InstanceName   string            `json:"instance_name"`
	Uses           Uses              `json:"uses"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	Needs          []string          `json:"needs,omitempty"`
	TimeoutMinutes int               `json:"timeout_minutes,omitempty"`
	DispatchedAt   time.Time         `json:"dispatched_at"`
}

// CancelMessage tells a runner to stop an outstanding job instance.
type CancelMessage struct {
	RunID    string `json:"run_id"`
	JobRunID string `json:"job_run_id"`
	Reason   string `json:"reason"`
}

// StatusMessage is a runner's terminal report for one job instance.
type StatusMessage struct {
	RunID        string    `json:"run_id"`
	JobRunID     string    `json:"job_run_id"`
	Status       string    `json:"status"`
	Message      string    `json:"message,omitempty"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}
