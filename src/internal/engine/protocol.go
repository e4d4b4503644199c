package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"herald-main/src/internal/actions"
	"herald-main/src/internal/directory"
	"herald-main/src/internal/llm"
	"herald-main/src/internal/tasks"
)

const (
	maxReferenceRows   = 200
	maxAPISnippetChars = 60000

	phaseAPI   = "api"
	phaseFinal = "final"
)

const sendSchema = `{"result_summary":"text", "actions":[{"type":"send_whatsapp","contactId":"optional_id","contact":"name or number","message":"text"}]}`

var errChatActionMissing = errors.New("task requires a send_whatsapp action but none succeeded")

// attempt is one execution of a task's pipeline. It works on its own copy of
// the task and checkpoints it through the engine.
type attempt struct {
	e       *Engine
	task    *tasks.Task
	trigger tasks.Trigger

	model        directory.Model
	contacts     []directory.Contact
	fileContext  string
	attachment   *llm.Attachment
	today        string
	contactsRef  string
	integrations string

	raw     string
	parsed  *tasks.ModelOutput
	results []tasks.ActionResult
}

func newAttempt(e *Engine, t *tasks.Task, trigger tasks.Trigger) *attempt {
	return &attempt{e: e, task: t, trigger: trigger}
}

func (a *attempt) log(step, status, message string, data any) {
	a.task.AppendLog(a.e.now(), step, status, message, data)
}

func (a *attempt) checkpoint() {
	a.task.UpdatedAt = a.e.now().UTC()
	if err := a.e.persist(*a.task); err != nil {
		slog.Warn("attempt checkpoint failed", "task_id", a.task.ID, "error", err)
	}
}

func (a *attempt) taskContext() actions.TaskContext {
	return actions.TaskContext{
		TaskID:            a.task.ID,
		IntegrationID:     a.task.IntegrationID,
		ReplyRoutingMode:  a.task.ReplyRoutingMode,
		ResponseContactID: a.task.ResponseContactID,
	}
}

func (a *attempt) preview(s string) string {
	return truncatePreview(s, a.e.opts.PromptPreviewChars)
}

// finish writes the terminal state of the attempt onto the task.
func (a *attempt) finish(runErr error) {
	now := a.e.now().UTC()
	t := a.task
	t.ExecutedAt = &now
	t.UpdatedAt = now
	t.ModelOutputRaw = a.raw
	t.ModelOutputParsed = a.parsed
	t.ExecutedActions = append([]tasks.ActionResult{}, a.results...)

	if runErr != nil {
		t.Status = tasks.StatusFailed
		t.ExecutionError = runErr.Error()
		t.AppendLog(now, "finish", "error", "Execution finished with error", map[string]any{"error": runErr.Error()})
		return
	}
	t.Status = tasks.StatusDone
	t.ExecutionError = ""
	t.ExecutionResult = a.raw
	if a.parsed != nil && strings.TrimSpace(a.parsed.ResultSummary) != "" {
		t.ExecutionResult = strings.TrimSpace(a.parsed.ResultSummary)
	}
	t.AppendLog(now, "finish", "ok", "Execution finished successfully", map[string]any{"executedActions": len(a.results)})
}

func (a *attempt) prepare(ctx context.Context) error {
	agent, err := a.e.Agents.GetAgent(ctx, a.task.AgentID)
	if err != nil {
		return fmt.Errorf("invalid agent on task: %w", err)
	}
	model, err := a.e.Agents.GetModel(ctx, agent.ModelID)
	if err != nil {
		return fmt.Errorf("invalid model on agent: %w", err)
	}
	a.model = model

	contacts, err := a.e.Contacts.ListContacts(ctx)
	if err != nil {
		return fmt.Errorf("list contacts: %w", err)
	}
	integrations, err := a.e.Integrations.ListIntegrations(ctx)
	if err != nil {
		return fmt.Errorf("list integrations: %w", err)
	}
	a.contacts = contacts
	a.contactsRef = contactsReference(contacts)
	a.integrations = integrationsReference(integrations)

	tz := a.task.Schedule.Timezone
	if tz == "" {
		tz = a.e.opts.DefaultTimezone
	}
	a.today = todayContext(a.e.now(), tz)

	if a.task.FileID != "" {
		fc, err := a.e.Files.RuntimeContext(ctx, a.task.FileID)
		if err != nil {
			return fmt.Errorf("file context: %w", err)
		}
		a.fileContext = fileContextText(fc)
		if strings.HasPrefix(fc.MimeType, "image/") && fc.AbsolutePath != "" {
			a.attachment = &llm.Attachment{Name: fc.OriginalName, MimeType: fc.MimeType, Path: fc.AbsolutePath}
		}
		a.log("file_context", "ok", "File context prepared", map[string]any{
			"fileId":            fc.FileID,
			"hasContentText":    fc.ContentText != "",
			"note":              fc.Note,
			"willAttachToModel": a.attachment != nil,
			"extension":         fc.Extension,
		})
	}
	return nil
}

// call sends one prompt, logs it and parses the answer.
func (a *attempt) call(ctx context.Context, round, prompt string, att *llm.Attachment) (string, *tasks.ModelOutput, error) {
	suffix := ""
	if round != "initial" {
		suffix = "_" + round
	}
	a.log("prompt"+suffix+"_prepared", "ok", "Prompt prepared for model", map[string]any{
		"promptLength":  len(prompt),
		"promptPreview": a.preview(prompt),
	})
	a.log("model_call"+suffix, "running", "Calling model", map[string]any{
		"provider": a.model.Provider,
		"modelId":  a.model.ModelID,
	})
	a.checkpoint()

	a.e.Metrics.ObserveModelRound(round)
	out, err := a.e.Model.Invoke(ctx, a.model, prompt, att)
	if err != nil {
		return "", nil, fmt.Errorf("model call (%s): %w", round, err)
	}
	a.log("model_call"+suffix, "ok", "Model response received", map[string]any{
		"outputLength":  len(out),
		"outputPreview": a.preview(out),
	})

	parsed, err := ParseModelOutput(out)
	if err != nil {
		a.log("parse_output"+suffix, "error", err.Error(), map[string]any{"outputPreview": a.preview(out)})
		return out, nil, err
	}
	a.log("parse_output"+suffix, "ok", "Model output parsed", map[string]any{
		"actionsCount": len(parsed.Actions),
	})
	return out, parsed, nil
}

func (a *attempt) run(ctx context.Context) error {
	if err := a.prepare(ctx); err != nil {
		return err
	}

	base := joinSections(a.task.MergedPrompt, a.today, a.fileContext, a.contactsRef, a.integrations, actionContract())
	raw, parsed, err := a.call(ctx, "initial", base, a.attachment)
	a.raw = raw
	if err != nil {
		return err
	}
	a.parsed = parsed

	var policy *vendorPolicy
	if parsed.HasAction(tasks.ActionCallExternalAPI) {
		apiResults := a.runAPIActions(ctx, parsed)
		followup := a.followupPrompt(apiResults)
		raw, parsed, err = a.call(ctx, "followup", followup, nil)
		a.raw = raw
		if err != nil {
			return err
		}
		a.parsed = parsed
		policy = a.vendorPolicy(apiResults)
	}

	if RequiresChatAction(a.task) && !a.parsed.HasAction(tasks.ActionSendWhatsApp) {
		retry := a.retryPrompt(a.parsed.ResultSummary)
		raw, parsed, err = a.call(ctx, "retry", retry, a.attachment)
		a.raw = raw
		if err != nil {
			return err
		}
		a.parsed = parsed
	}

	a.runFinalActions(ctx, a.parsed, policy)

	failed := 0
	sent := false
	for _, r := range a.results {
		if !r.OK {
			failed++
		}
		if r.Phase == phaseFinal && r.Type == tasks.ActionSendWhatsApp && r.OK {
			sent = true
		}
	}
	if RequiresChatAction(a.task) && !sent {
		return errChatActionMissing
	}
	if failed > 0 {
		return fmt.Errorf("%d actions failed or unsupported", failed)
	}
	return nil
}

// apiOutcome pairs an executed API action with its result.
type apiOutcome struct {
	index  int
	result *actions.APIResult
	err    error
}

func (a *attempt) runAPIActions(ctx context.Context, parsed *tasks.ModelOutput) []apiOutcome {
	count := parsed.CountAction(tasks.ActionCallExternalAPI)
	a.log("api_actions", "running", "Running call_external_api actions", map[string]any{"count": count})
	a.checkpoint()

	var out []apiOutcome
	failed := 0
	for i, act := range parsed.Actions {
		if act.Kind() != tasks.ActionCallExternalAPI {
			continue
		}
		res, err := a.e.Actions.CallAPI(ctx, a.taskContext(), act)
		out = append(out, apiOutcome{index: i, result: res, err: err})
		r := tasks.ActionResult{Index: i, Type: tasks.ActionCallExternalAPI, Phase: phaseAPI}
		if err != nil {
			failed++
			r.Error = err.Error()
			a.log("api_action", "error", err.Error(), map[string]any{"index": i})
		} else {
			r.OK = true
			r.Result = res
			a.log("api_action", "ok", "call_external_api result", res)
		}
		a.e.Metrics.ObserveAction(tasks.ActionCallExternalAPI, r.OK, false)
		a.results = append(a.results, r)
	}

	status := "ok"
	if failed > 0 {
		status = "error"
	}
	a.log("api_actions", status, "API actions executed", map[string]any{"count": len(out), "failed": failed})
	return out
}

func (a *attempt) vendorPolicy(results []apiOutcome) *vendorPolicy {
	var ok []*actions.APIResult
	for _, r := range results {
		if r.err == nil && r.result != nil {
			ok = append(ok, r.result)
		}
	}
	names := VendorNames(ok)
	if len(names) == 0 {
		return nil
	}
	p := &vendorPolicy{
		vendors: AllowedVendorContacts(a.contacts, names),
		groups:  make(map[string]bool),
	}
	for _, id := range a.task.AllowedGroupContactIDs {
		p.groups[id] = true
	}
	a.log("vendor_policy", "ok", "Vendor send policy applied", map[string]any{
		"vendorNames":             sortedKeys(names),
		"allowedVendorContactIds": sortedKeys(p.vendors),
		"allowedGroupContactIds":  sortedKeys(p.groups),
	})
	return p
}

func (a *attempt) runFinalActions(ctx context.Context, parsed *tasks.ModelOutput, policy *vendorPolicy) {
	for i, act := range parsed.Actions {
		kind := act.Kind()
		r := tasks.ActionResult{Index: i, Type: kind, Phase: phaseFinal}

		switch kind {
		case tasks.ActionSendWhatsApp:
			var contact *directory.Contact
			if policy != nil {
				c, reason := a.applyPolicy(ctx, policy, act)
				if reason != "" {
					r.OK = true
					r.Skipped = true
					r.Reason = reason
					break
				}
				contact = &c
			}
			res, err := a.e.Actions.SendMessage(ctx, a.taskContext(), act, contact)
			if err != nil {
				r.Error = err.Error()
			} else {
				r.OK = true
				r.Result = res
			}
		case tasks.ActionCallExternalAPI:
			res, err := a.e.Actions.CallAPI(ctx, a.taskContext(), act)
			if err != nil {
				r.Error = err.Error()
			} else {
				r.OK = true
				r.Result = res
			}
		default:
			name := kind
			if name == "" {
				name = "(empty)"
			}
			r.Error = "unsupported action: " + name
		}

		a.e.Metrics.ObserveAction(kind, r.OK, r.Skipped)
		a.results = append(a.results, r)
		switch {
		case r.Skipped:
			a.log("action", "skipped", r.Reason, r)
		case r.OK:
			a.log("action", "ok", "Action executed: "+kind, r.Result)
		default:
			a.log("action", "error", r.Error, r)
		}
	}
}

// applyPolicy resolves the recipient and returns a skip reason when the
// vendor policy does not allow it.
func (a *attempt) applyPolicy(ctx context.Context, p *vendorPolicy, act tasks.Action) (directory.Contact, string) {
	c, err := a.e.Actions.ResolveContact(ctx, act)
	if err != nil {
		return directory.Contact{}, "contact not resolvable under vendor policy: " + err.Error()
	}
	if c.IsGroup() {
		if !p.groups[c.ID] {
			return c, fmt.Sprintf("group skipped by allowed-groups policy (%s)", c.Name)
		}
		return c, ""
	}
	if !p.vendors[c.ID] {
		return c, fmt.Sprintf("contact skipped by vendor policy (%s)", c.Name)
	}
	return c, ""
}

func actionContract() string {
	return strings.Join([]string{
		"Answer ONLY with valid JSON, no markdown.",
		"Output schema:",
		`{"result_summary":"text", "actions":[{"type":"call_external_api","integrationId":"integration_id","query":{},"body":{}},{"type":"send_whatsapp","contactId":"optional_id","contact":"name or number","message":"text"}] }`,
		"If there is no action, return actions: [].",
		"Use call_external_api only when you need to query external APIs.",
		"If the action is send_whatsapp, the message field must start exactly with the agent role detail.",
		"If a contact list is available, prefer returning contactId.",
		"If an integration list is available, prefer returning integrationId.",
		"Do not invent contacts that do not exist.",
	}, "\n")
}

func (a *attempt) followupPrompt(results []apiOutcome) string {
	compact := make([]map[string]any, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			compact = append(compact, map[string]any{"index": r.index, "error": r.err.Error()})
			continue
		}
		entry := map[string]any{
			"integrationId":   r.result.IntegrationID,
			"integrationName": r.result.IntegrationName,
			"method":          r.result.Method,
			"url":             r.result.URL,
			"statusCode":      r.result.StatusCode,
		}
		if r.result.ResponseJSON != nil {
			if raw, err := json.Marshal(r.result.ResponseJSON); err == nil {
				entry["responseJsonSnippet"] = truncatePreview(string(raw), maxAPISnippetChars)
			}
		}
		if r.result.ResponseText != "" {
			entry["responseText"] = truncatePreview(r.result.ResponseText, maxAPISnippetChars)
		}
		compact = append(compact, entry)
	}
	encoded, _ := json.Marshal(compact)

	return joinSections(
		a.task.MergedPrompt,
		joinSections(a.today, a.fileContext),
		a.contactsRef,
		a.integrations,
		"Actual results of the call_external_api calls:",
		string(encoded),
		"Now answer ONLY with the final actions to execute.",
		"Do not return call_external_api again in this step.",
		"Schema:",
		sendSchema,
	)
}

func (a *attempt) retryPrompt(lastSummary string) string {
	hint := ""
	if s := strings.TrimSpace(lastSummary); s != "" {
		hint = "Previous result available: " + s
	}
	return joinSections(
		a.task.MergedPrompt,
		joinSections(a.today, a.fileContext),
		a.contactsRef,
		a.integrations,
		"MANDATORY RETRY.",
		"The task requires sending a WhatsApp message.",
		"Answer ONLY with valid JSON, no markdown.",
		"Return EXACTLY 1 action in actions with type=send_whatsapp.",
		"Do not leave actions empty.",
		"If result_summary already has the content, use it for the message field.",
		"If a contact list is available, return contactId to avoid ambiguity.",
		"Do not return call_external_api in this retry.",
		"Strict schema:",
		sendSchema,
		hint,
	)
}

// composePrompt builds the stored merged prompt of a task.
func composePrompt(roleDetail, template, input, fileRef string) string {
	var sections []string
	if s := strings.TrimSpace(roleDetail); s != "" {
		sections = append(sections, s)
	}
	sections = append(sections, "Task instruction:\n"+strings.TrimSpace(template))
	sections = append(sections, "Task input:\n"+strings.TrimSpace(input))
	if fileRef != "" {
		sections = append(sections, "Reference file:\n"+fileRef)
	}
	return strings.Join(sections, "\n\n")
}

var monthTokens = [...]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

func todayContext(now time.Time, tz string) string {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
		tz = "UTC"
	}
	local := now.In(loc)
	return strings.Join([]string{
		"TODAY (authoritative, do not guess): " + local.Format("2006-01-02"),
		"TZ (for interpretation): " + tz,
		fmt.Sprintf("Today's date token (D-Mon): %d-%s", local.Day(), monthTokens[local.Month()-1]),
	}, "\n")
}

func fileContextText(fc *directory.FileContext) string {
	meta := strings.Join([]string{
		"Name: " + fc.OriginalName,
		"Local path: " + fc.RelativePath,
		"MimeType: " + fc.MimeType,
		fmt.Sprintf("Size bytes: %d", fc.SizeBytes),
	}, "\n")
	text := "Available file context:\n" + meta
	if fc.ContentText != "" {
		text += "\n\nFile content (text):\n" + fc.ContentText
	}
	if fc.Note != "" {
		text += "\n\nFile note: " + fc.Note
	}
	return text
}

func contactsReference(contacts []directory.Contact) string {
	if len(contacts) == 0 {
		return ""
	}
	if len(contacts) > maxReferenceRows {
		contacts = contacts[:maxReferenceRows]
	}
	type row struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Type   string `json:"type"`
		Target string `json:"target"`
	}
	rows := make([]row, 0, len(contacts))
	for _, c := range contacts {
		rows = append(rows, row{ID: c.ID, Name: c.Name, Type: c.Kind(), Target: c.Address()})
	}
	raw, _ := json.Marshal(rows)
	return "Available contacts (use contactId when applicable):\n" + string(raw)
}

func integrationsReference(integrations []directory.Integration) string {
	if len(integrations) == 0 {
		return ""
	}
	if len(integrations) > maxReferenceRows {
		integrations = integrations[:maxReferenceRows]
	}
	type row struct {
		ID         string   `json:"id"`
		Name       string   `json:"name"`
		Method     string   `json:"method"`
		URL        string   `json:"url"`
		TimeoutMs  int      `json:"timeoutMs"`
		IsActive   bool     `json:"isActive"`
		HeaderKeys []string `json:"headerKeys"`
	}
	rows := make([]row, 0, len(integrations))
	for _, in := range integrations {
		keys := make([]string, 0, len(in.Headers))
		for k := range in.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rows = append(rows, row{
			ID: in.ID, Name: in.Name, Method: in.Method, URL: in.URL,
			TimeoutMs: in.TimeoutMs, IsActive: in.Active(), HeaderKeys: keys,
		})
	}
	raw, _ := json.Marshal(rows)
	return "Available API integrations (use integrationId when applicable):\n" + string(raw)
}

func joinSections(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func truncatePreview(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return fmt.Sprintf("%s\n\n[TRUNCATED %d chars]", string(r[:max]), len(r)-max)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
