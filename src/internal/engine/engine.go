// Package engine owns the task lifecycle: definition edits, the queued to
// running to done/failed state machine, and the multi-round model protocol
// that turns model output into executed actions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald-main/src/internal/actions"
	"herald-main/src/internal/directory"
	"herald-main/src/internal/llm"
	"herald-main/src/internal/metrics"
	"herald-main/src/internal/schedule"
	"herald-main/src/internal/storage"
	"herald-main/src/internal/tasks"
)

const defaultPreviewChars = 12000

// ActionRunner performs the side effects of decoded actions.
type ActionRunner interface {
	CallAPI(ctx context.Context, tc actions.TaskContext, a tasks.Action) (*actions.APIResult, error)
	ResolveContact(ctx context.Context, a tasks.Action) (directory.Contact, error)
	SendMessage(ctx context.Context, tc actions.TaskContext, a tasks.Action, contact *directory.Contact) (*actions.SendResult, error)
}

// RouteDisabler turns off reply routes of a task.
type RouteDisabler interface {
	DisableByTask(ctx context.Context, taskID string) (int, error)
}

type Deps struct {
	Tasks        storage.Collection[tasks.Task]
	Agents       directory.Agents
	Contacts     directory.Contacts
	Integrations directory.Integrations
	Files        directory.Files
	Model        llm.Client
	Actions      ActionRunner
	Routes       RouteDisabler
	Metrics      *metrics.Metrics
}

type Options struct {
	DefaultTimezone    string
	PromptPreviewChars int
}

type Engine struct {
	Deps
	opts Options

	// mu serializes every read-modify-write of the task collection.
	mu sync.Mutex
	// inflight holds the ids of tasks with an attempt in progress.
	inflight sync.Map

	observersMu sync.RWMutex
	observers   []func(tasks.Task)

	now func() time.Time
}

func New(deps Deps, opts Options) *Engine {
	if opts.DefaultTimezone == "" {
		opts.DefaultTimezone = "America/Argentina/Buenos_Aires"
	}
	if opts.PromptPreviewChars <= 0 {
		opts.PromptPreviewChars = defaultPreviewChars
	}
	return &Engine{Deps: deps, opts: opts, now: time.Now}
}

// OnChange registers fn to receive every persisted task state.
func (e *Engine) OnChange(fn func(tasks.Task)) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) notify(t tasks.Task) {
	e.observersMu.RLock()
	defer e.observersMu.RUnlock()
	for _, fn := range e.observers {
		fn(t.Clone())
	}
}

// Input is the user-editable definition of a task.
type Input struct {
	AgentID                string         `json:"agent_id"`
	PromptTemplate         string         `json:"prompt_template"`
	Input                  string         `json:"input"`
	FileID                 string         `json:"file_id"`
	IntegrationID          string         `json:"integration_id"`
	ReplyRoutingMode       string         `json:"reply_routing_mode"`
	ResponseContactID      string         `json:"response_contact_id"`
	AllowedGroupContactIDs []string       `json:"allowed_group_contact_ids"`
	Schedule               tasks.Schedule `json:"schedule"`
}

func findTask(rows []tasks.Task, id string) int {
	for i := range rows {
		if rows[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) ListTasks(_ context.Context) ([]tasks.Task, error) {
	e.mu.Lock()
	rows, err := e.Tasks.List()
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	return rows, nil
}

func (e *Engine) GetTask(_ context.Context, id string) (tasks.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rows, err := e.Tasks.List()
	if err != nil {
		return tasks.Task{}, fmt.Errorf("list tasks: %w", err)
	}
	i := findTask(rows, id)
	if i < 0 {
		return tasks.Task{}, tasks.NotFoundf("task %s", id)
	}
	return rows[i], nil
}

// definition is a validated Input ready to be stored.
type definition struct {
	in           Input
	mergedPrompt string
	nextRunAt    *time.Time
}

func normalizeRoutingMode(mode, responseContactID string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case tasks.RoutingContact:
		return tasks.RoutingContact
	case tasks.RoutingNone:
		return tasks.RoutingNone
	}
	if strings.TrimSpace(responseContactID) != "" {
		return tasks.RoutingContact
	}
	return tasks.RoutingNone
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// validate checks references against the directories and composes the
// merged prompt. It never touches storage.
func (e *Engine) validate(ctx context.Context, in Input, now time.Time) (definition, error) {
	in.AgentID = strings.TrimSpace(in.AgentID)
	in.PromptTemplate = strings.TrimSpace(in.PromptTemplate)
	in.Input = strings.TrimSpace(in.Input)
	in.FileID = strings.TrimSpace(in.FileID)
	in.IntegrationID = strings.TrimSpace(in.IntegrationID)
	in.ResponseContactID = strings.TrimSpace(in.ResponseContactID)
	in.ReplyRoutingMode = normalizeRoutingMode(in.ReplyRoutingMode, in.ResponseContactID)
	in.AllowedGroupContactIDs = normalizeIDs(in.AllowedGroupContactIDs)

	if in.AgentID == "" {
		return definition{}, tasks.Validationf("an agent is required")
	}
	if in.PromptTemplate == "" {
		return definition{}, tasks.Validationf("the prompt template is required")
	}
	if in.Input == "" {
		return definition{}, tasks.Validationf("the task input is required")
	}

	agent, err := e.Agents.GetAgent(ctx, in.AgentID)
	if err != nil {
		return definition{}, lookupError(err, "invalid agent %s", in.AgentID)
	}
	role, err := e.Agents.GetRole(ctx, agent.RoleID)
	if err != nil {
		return definition{}, lookupError(err, "agent %s has no valid role", agent.ID)
	}
	if in.IntegrationID != "" {
		if _, err := e.Integrations.GetIntegration(ctx, in.IntegrationID); err != nil {
			return definition{}, lookupError(err, "invalid integration %s", in.IntegrationID)
		}
	}

	if in.ReplyRoutingMode == tasks.RoutingContact {
		if in.ResponseContactID == "" {
			return definition{}, tasks.Validationf("reply routing to a contact needs a response contact")
		}
		if _, err := e.Contacts.GetContact(ctx, in.ResponseContactID); err != nil {
			return definition{}, lookupError(err, "invalid response contact %s", in.ResponseContactID)
		}
	} else {
		in.ResponseContactID = ""
	}

	for _, id := range in.AllowedGroupContactIDs {
		c, err := e.Contacts.GetContact(ctx, id)
		if err != nil {
			return definition{}, lookupError(err, "allowed groups contain an invalid group %s", id)
		}
		if !c.IsGroup() {
			return definition{}, tasks.Validationf("allowed groups contain a contact that is not a group: %s", id)
		}
	}

	var fileRef string
	if in.FileID != "" {
		f, err := e.Files.GetFile(ctx, in.FileID)
		if err != nil {
			return definition{}, lookupError(err, "invalid file %s", in.FileID)
		}
		fileRef = fmt.Sprintf("Name: %s\nLocal path: %s", f.OriginalName, f.Path)
	}

	def := definition{in: in}
	sched := in.Schedule
	sched.Days = schedule.NormalizeDays(sched.Days)
	sched.Time = strings.TrimSpace(sched.Time)
	sched.Timezone = strings.TrimSpace(sched.Timezone)
	if sched.Timezone == "" {
		sched.Timezone = e.opts.DefaultTimezone
	}
	if sched.Enabled {
		rule, err := schedule.ParseRule(in.Schedule.Days, sched.Time, sched.Timezone)
		if err != nil {
			return definition{}, tasks.Validationf("%v", err)
		}
		next, err := schedule.NextRun(rule, now)
		if err != nil {
			return definition{}, tasks.Validationf("%v", err)
		}
		def.nextRunAt = &next
	}
	def.in.Schedule = sched
	def.mergedPrompt = composePrompt(role.Detail, in.PromptTemplate, in.Input, fileRef)
	return def, nil
}

func lookupError(err error, format string, args ...any) error {
	if errors.Is(err, directory.ErrNotFound) {
		return tasks.Validationf(format, args...)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// apply writes a validated definition onto t and resets the runtime record.
func (d definition) apply(t *tasks.Task, now time.Time) {
	t.AgentID = d.in.AgentID
	t.PromptTemplate = d.in.PromptTemplate
	t.Input = d.in.Input
	t.FileID = d.in.FileID
	t.IntegrationID = d.in.IntegrationID
	t.ReplyRoutingMode = d.in.ReplyRoutingMode
	t.ResponseContactID = d.in.ResponseContactID
	t.AllowedGroupContactIDs = d.in.AllowedGroupContactIDs
	t.MergedPrompt = d.mergedPrompt
	t.Schedule = d.in.Schedule
	t.NextRunAt = d.nextRunAt

	t.ResetRuntime()
	if t.Schedule.Enabled {
		t.Status = tasks.StatusQueued
		queued := now
		t.QueuedAt = &queued
	} else {
		t.Status = tasks.StatusDraft
		t.QueuedAt = nil
	}
	t.UpdatedAt = now
}

func (e *Engine) CreateTask(ctx context.Context, in Input) (tasks.Task, error) {
	now := e.now().UTC()
	def, err := e.validate(ctx, in, now)
	if err != nil {
		return tasks.Task{}, err
	}
	t := tasks.Task{ID: uuid.New().String(), CreatedAt: now}
	def.apply(&t, now)

	e.mu.Lock()
	rows, err := e.Tasks.List()
	if err == nil {
		rows = append(rows, t)
		err = e.Tasks.SaveAll(rows)
	}
	e.mu.Unlock()
	if err != nil {
		return tasks.Task{}, fmt.Errorf("save task: %w", err)
	}

	slog.Info("task created", "task_id", t.ID, "status", t.Status, "scheduled", t.Schedule.Enabled)
	e.notify(t)
	return t, nil
}

// UpdateTask replaces the definition and resets every runtime field.
func (e *Engine) UpdateTask(ctx context.Context, id string, in Input) (tasks.Task, error) {
	now := e.now().UTC()
	def, err := e.validate(ctx, in, now)
	if err != nil {
		return tasks.Task{}, err
	}
	if _, busy := e.inflight.Load(id); busy {
		return tasks.Task{}, fmt.Errorf("%w: %s", tasks.ErrBusy, id)
	}

	e.mu.Lock()
	rows, err := e.Tasks.List()
	if err != nil {
		e.mu.Unlock()
		return tasks.Task{}, fmt.Errorf("list tasks: %w", err)
	}
	i := findTask(rows, id)
	if i < 0 {
		e.mu.Unlock()
		return tasks.Task{}, tasks.NotFoundf("task %s", id)
	}
	if rows[i].Status == tasks.StatusRunning {
		e.mu.Unlock()
		return tasks.Task{}, fmt.Errorf("%w: %s", tasks.ErrBusy, id)
	}
	def.apply(&rows[i], now)
	t := rows[i]
	err = e.Tasks.SaveAll(rows)
	e.mu.Unlock()
	if err != nil {
		return tasks.Task{}, fmt.Errorf("save task: %w", err)
	}

	if t.ReplyRoutingMode == tasks.RoutingNone && e.Routes != nil {
		if n, err := e.Routes.DisableByTask(ctx, id); err != nil {
			slog.Warn("failed to disable reply routes", "task_id", id, "error", err)
		} else if n > 0 {
			slog.Info("reply routes disabled", "task_id", id, "count", n)
		}
	}

	slog.Info("task updated", "task_id", id, "status", t.Status)
	e.notify(t)
	return t, nil
}

func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	e.mu.Lock()
	rows, err := e.Tasks.List()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("list tasks: %w", err)
	}
	i := findTask(rows, id)
	if i < 0 {
		e.mu.Unlock()
		return tasks.NotFoundf("task %s", id)
	}
	rows = append(rows[:i], rows[i+1:]...)
	err = e.Tasks.SaveAll(rows)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}

	if e.Routes != nil {
		if _, err := e.Routes.DisableByTask(ctx, id); err != nil {
			slog.Warn("failed to disable reply routes", "task_id", id, "error", err)
		}
	}
	slog.Info("task deleted", "task_id", id)
	return nil
}

// QueueTask moves a draft task to queued.
func (e *Engine) QueueTask(_ context.Context, id string) (tasks.Task, error) {
	t, err := e.mutate(id, func(t *tasks.Task, now time.Time) error {
		if t.Status != tasks.StatusDraft {
			return tasks.Preconditionf("only draft tasks can be queued (status %s)", t.Status)
		}
		t.Status = tasks.StatusQueued
		t.QueuedAt = &now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return tasks.Task{}, err
	}
	slog.Info("task queued", "task_id", id)
	return t, nil
}

// ClearTaskLogs wipes the runtime record of the last attempt.
func (e *Engine) ClearTaskLogs(_ context.Context, id string) (tasks.Task, error) {
	if _, busy := e.inflight.Load(id); busy {
		return tasks.Task{}, fmt.Errorf("%w: %s", tasks.ErrBusy, id)
	}
	return e.mutate(id, func(t *tasks.Task, now time.Time) error {
		if t.Status == tasks.StatusRunning {
			return fmt.Errorf("%w: %s", tasks.ErrBusy, id)
		}
		t.ResetRuntime()
		t.UpdatedAt = now
		return nil
	})
}

// ListDueScheduledTasks returns recurring tasks whose next run is due and
// that are neither draft nor running.
func (e *Engine) ListDueScheduledTasks(_ context.Context, now time.Time) ([]tasks.Task, error) {
	e.mu.Lock()
	rows, err := e.Tasks.List()
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var due []tasks.Task
	for _, t := range rows {
		if !t.Schedule.Enabled || t.NextRunAt == nil {
			continue
		}
		if t.Status == tasks.StatusDraft || t.Status == tasks.StatusRunning {
			continue
		}
		if !t.NextRunAt.After(now) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	return due, nil
}

// RecoverInterrupted fails tasks left running by a previous process.
func (e *Engine) RecoverInterrupted(_ context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rows, err := e.Tasks.List()
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	now := e.now().UTC()
	n := 0
	for i := range rows {
		if rows[i].Status != tasks.StatusRunning {
			continue
		}
		if _, busy := e.inflight.Load(rows[i].ID); busy {
			continue
		}
		rows[i].Status = tasks.StatusFailed
		rows[i].ExecutedAt = &now
		rows[i].ExecutionError = "attempt interrupted by a restart"
		rows[i].UpdatedAt = now
		rows[i].AppendLog(now, "finish", "error", "Attempt interrupted by a restart", nil)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := e.Tasks.SaveAll(rows); err != nil {
		return 0, fmt.Errorf("save tasks: %w", err)
	}
	slog.Warn("recovered interrupted tasks", "count", n)
	return n, nil
}

// mutate applies fn to one task under the collection lock and saves.
func (e *Engine) mutate(id string, fn func(t *tasks.Task, now time.Time) error) (tasks.Task, error) {
	e.mu.Lock()
	rows, err := e.Tasks.List()
	if err != nil {
		e.mu.Unlock()
		return tasks.Task{}, fmt.Errorf("list tasks: %w", err)
	}
	i := findTask(rows, id)
	if i < 0 {
		e.mu.Unlock()
		return tasks.Task{}, tasks.NotFoundf("task %s", id)
	}
	now := e.now().UTC()
	if err := fn(&rows[i], now); err != nil {
		e.mu.Unlock()
		return tasks.Task{}, err
	}
	t := rows[i]
	err = e.Tasks.SaveAll(rows)
	e.mu.Unlock()
	if err != nil {
		return tasks.Task{}, fmt.Errorf("save task: %w", err)
	}
	e.notify(t)
	return t, nil
}

// persist replaces the stored copy of t. A task deleted mid-attempt stays
// deleted.
func (e *Engine) persist(t tasks.Task) error {
	e.mu.Lock()
	rows, err := e.Tasks.List()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("list tasks: %w", err)
	}
	i := findTask(rows, t.ID)
	if i < 0 {
		e.mu.Unlock()
		slog.Debug("task deleted during attempt, checkpoint dropped", "task_id", t.ID)
		return nil
	}
	rows[i] = t.Clone()
	err = e.Tasks.SaveAll(rows)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	e.notify(t)
	return nil
}
