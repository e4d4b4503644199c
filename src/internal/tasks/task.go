package tasks

import (
	"time"
)

type Status string

const (
	StatusDraft   Status = "draft"
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

const (
	RoutingNone    = "none"
	RoutingContact = "contact"
)

// Schedule is the recurrence definition of a task. Days holds weekdays 0-6
// (Sunday first), Time is a 24-hour HH:MM string interpreted in Timezone.
type Schedule struct {
	Enabled  bool   `json:"enabled"`
	Days     []int  `json:"days"`
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
}

type Task struct {
	ID                     string   `json:"id"`
	AgentID                string   `json:"agent_id"`
	PromptTemplate         string   `json:"prompt_template"`
	Input                  string   `json:"input"`
	FileID                 string   `json:"file_id,omitempty"`
	IntegrationID          string   `json:"integration_id,omitempty"`
	ReplyRoutingMode       string   `json:"reply_routing_mode"`
	ResponseContactID      string   `json:"response_contact_id,omitempty"`
	AllowedGroupContactIDs []string `json:"allowed_group_contact_ids,omitempty"`
	MergedPrompt           string   `json:"merged_prompt"`

	Schedule      Schedule   `json:"schedule"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunError  string     `json:"last_run_error,omitempty"`

	Status            Status         `json:"status"`
	QueuedAt          *time.Time     `json:"queued_at,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	ExecutedAt        *time.Time     `json:"executed_at,omitempty"`
	ModelOutputRaw    string         `json:"model_output_raw,omitempty"`
	ModelOutputParsed *ModelOutput   `json:"model_output_parsed,omitempty"`
	ExecutionLogs     []LogEntry     `json:"execution_logs"`
	ExecutedActions   []ActionResult `json:"executed_actions"`
	ExecutionResult   string         `json:"execution_result,omitempty"`
	ExecutionError    string         `json:"execution_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogEntry is one row of the append-only execution log.
type LogEntry struct {
	At      time.Time `json:"at"`
	Step    string    `json:"step"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// ActionResult records the outcome of one decoded action. Skipped actions are
// OK but were intentionally not performed.
type ActionResult struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Phase   string `json:"phase,omitempty"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// AppendLog adds a log row stamped with at.
func (t *Task) AppendLog(at time.Time, step, status, message string, data any) {
	t.ExecutionLogs = append(t.ExecutionLogs, LogEntry{
		At:      at.UTC(),
		Step:    step,
		Status:  status,
		Message: message,
		Data:    data,
	})
}

// ResetRuntime clears every field owned by the execution engine.
func (t *Task) ResetRuntime() {
	t.StartedAt = nil
	t.ExecutedAt = nil
	t.ModelOutputRaw = ""
	t.ModelOutputParsed = nil
	t.ExecutionLogs = []LogEntry{}
	t.ExecutedActions = []ActionResult{}
	t.ExecutionResult = ""
	t.ExecutionError = ""
}

// Clone returns a copy that shares no slices with t.
func (t Task) Clone() Task {
	c := t
	c.Schedule.Days = append([]int(nil), t.Schedule.Days...)
	c.AllowedGroupContactIDs = append([]string(nil), t.AllowedGroupContactIDs...)
	c.ExecutionLogs = append([]LogEntry(nil), t.ExecutionLogs...)
	c.ExecutedActions = append([]ActionResult(nil), t.ExecutedActions...)
	return c
}
