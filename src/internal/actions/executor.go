// Package actions performs the side effects requested by a model: calls to
// configured HTTP integrations and outbound chat messages.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"herald-main/src/internal/chat"
	"herald-main/src/internal/directory"
	"herald-main/src/internal/routes"
	"herald-main/src/internal/tasks"
)

const (
	maxResponseText  = 20000
	maxErrorDetail   = 2000
	maxResponseBytes = 1024 * 1024
)

var ErrGatewayNotReady = errors.New("chat gateway is not linked")

// Gateway is the outbound side of the chat channel.
type Gateway interface {
	Send(ctx context.Context, address, text string) (string, error)
	IsReady() bool
}

// TaskContext carries the task fields an action needs.
type TaskContext struct {
	TaskID            string
	IntegrationID     string
	ReplyRoutingMode  string
	ResponseContactID string
}

type Options struct {
	HTTPClient     *http.Client
	AppendTraceTag bool
}

type Executor struct {
	contacts     directory.Contacts
	integrations directory.Integrations
	gateway      Gateway
	history      *chat.History
	routes       *routes.Registry
	client       *http.Client
	traceTag     bool
}

func NewExecutor(contacts directory.Contacts, integrations directory.Integrations, gateway Gateway, history *chat.History, reg *routes.Registry, opts Options) *Executor {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Executor{
		contacts:     contacts,
		integrations: integrations,
		gateway:      gateway,
		history:      history,
		routes:       reg,
		client:       client,
		traceTag:     opts.AppendTraceTag,
	}
}

type APIResult struct {
	IntegrationID   string `json:"integrationId"`
	IntegrationName string `json:"integrationName"`
	Method          string `json:"method"`
	URL             string `json:"url"`
	StatusCode      int    `json:"statusCode"`
	ResponseJSON    any    `json:"responseJson,omitempty"`
	ResponseText    string `json:"responseText,omitempty"`
	Truncated       bool   `json:"truncated,omitempty"`
}

func (e *Executor) resolveIntegration(ctx context.Context, tc TaskContext, a tasks.Action) (directory.Integration, error) {
	id := strings.TrimSpace(a.IntegrationID)
	if id == "" {
		id = strings.TrimSpace(tc.IntegrationID)
	}
	if id != "" {
		in, err := e.integrations.GetIntegration(ctx, id)
		if err == nil {
			return in, nil
		}
		if !errors.Is(err, directory.ErrNotFound) {
			return directory.Integration{}, err
		}
	}
	if name := strings.TrimSpace(a.IntegrationName); name != "" {
		in, err := e.integrations.GetIntegrationByName(ctx, name)
		if err == nil {
			return in, nil
		}
		if !errors.Is(err, directory.ErrNotFound) {
			return directory.Integration{}, err
		}
	}
	return directory.Integration{}, fmt.Errorf("could not resolve integration for %s", tasks.ActionCallExternalAPI)
}

// ClampTimeout keeps integration timeouts within 1s and 2m.
func ClampTimeout(ms int) time.Duration {
	if ms < 1000 || ms > 120000 {
		ms = directory.DefaultIntegrationTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// CallAPI runs one call_external_api action.
func (e *Executor) CallAPI(ctx context.Context, tc TaskContext, a tasks.Action) (*APIResult, error) {
	in, err := e.resolveIntegration(ctx, tc, a)
	if err != nil {
		return nil, err
	}
	if !in.Active() {
		return nil, fmt.Errorf("integration is inactive: %s", in.Name)
	}

	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(in.URL)
	if err != nil {
		return nil, fmt.Errorf("integration %s has an invalid url: %w", in.Name, err)
	}
	q := u.Query()
	for k, v := range a.Query {
		s := stringify(v)
		if s == "" {
			continue
		}
		q.Set(k, s)
	}
	u.RawQuery = q.Encode()

	headers := make(map[string]string, len(in.Headers)+len(a.Headers))
	for k, v := range in.Headers {
		headers[k] = v
	}
	for k, v := range a.Headers {
		headers[k] = stringify(v)
	}

	var body io.Reader
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		payload := a.Body
		if payload == nil {
			payload = map[string]any{}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode body for %s: %w", in.Name, err)
		}
		body = bytes.NewReader(raw)
		if _, ok := headerValue(headers, "Content-Type"); !ok {
			headers["Content-Type"] = "application/json"
		}
	}

	ctx, cancel := context.WithTimeout(ctx, ClampTimeout(in.TimeoutMs))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", in.Name, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	slog.Debug("calling integration", "integration", in.Name, "method", method, "url", u.String())
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", in.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", in.Name, err)
	}
	truncated := len(raw) > maxResponseBytes
	if truncated {
		raw = raw[:maxResponseBytes]
		slog.Warn("integration response truncated", "integration", in.Name, "limit_bytes", maxResponseBytes)
	}
	var parsed any
	if len(bytes.TrimSpace(raw)) > 0 && !truncated {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			parsed = nil
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := strings.TrimSpace(string(raw))
		if detail == "" {
			detail = "no detail"
		}
		return nil, fmt.Errorf("api %s (%d): %s", in.Name, resp.StatusCode, truncate(detail, maxErrorDetail))
	}

	res := &APIResult{
		IntegrationID:   in.ID,
		IntegrationName: in.Name,
		Method:          method,
		URL:             u.String(),
		StatusCode:      resp.StatusCode,
		Truncated:       truncated,
	}
	if parsed != nil {
		res.ResponseJSON = parsed
	} else {
		res.ResponseText = truncate(string(raw), maxResponseText)
		if truncated {
			res.ResponseText += " [truncated]"
		}
	}
	return res, nil
}

// ResolveContact finds the recipient of a send action: explicit id, then
// direct phone, direct group id, exact name and finally partial name.
func (e *Executor) ResolveContact(ctx context.Context, a tasks.Action) (directory.Contact, error) {
	if id := strings.TrimSpace(a.ContactID); id != "" {
		c, err := e.contacts.GetContact(ctx, id)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, directory.ErrNotFound) {
			return directory.Contact{}, err
		}
	}

	lookup := strings.TrimSpace(a.Contact)
	if lookup == "" {
		return directory.Contact{}, errors.New("send action has no contact")
	}
	all, err := e.contacts.ListContacts(ctx)
	if err != nil {
		return directory.Contact{}, err
	}

	phone := directory.NormalizePhone(lookup)
	group := directory.NormalizeGroupID(lookup)
	for _, c := range all {
		if !c.IsGroup() && phone != "" && c.Phone == phone {
			return c, nil
		}
	}
	for _, c := range all {
		if c.IsGroup() && group != "" && directory.NormalizeGroupID(c.GroupID) == group {
			return c, nil
		}
	}
	lower := strings.ToLower(lookup)
	for _, c := range all {
		if strings.ToLower(strings.TrimSpace(c.Name)) == lower {
			return c, nil
		}
	}
	for _, c := range all {
		if strings.Contains(strings.ToLower(c.Name), lower) {
			return c, nil
		}
	}
	return directory.Contact{}, fmt.Errorf("contact not found: %s", lookup)
}

type SendResult struct {
	ContactID         string `json:"contactId"`
	ContactName       string `json:"contactName"`
	Address           string `json:"address"`
	FinalMessage      string `json:"finalMessage"`
	OutboundMessageID string `json:"outboundMessageId,omitempty"`
	TraceTag          bool   `json:"traceTagEnabled"`
	ReplyRouteID      string `json:"replyRouteId,omitempty"`
	ReplyDestination  string `json:"replyDestination,omitempty"`
}

// SendMessage runs one send_whatsapp action. A nil contact is resolved from
// the action itself.
func (e *Executor) SendMessage(ctx context.Context, tc TaskContext, a tasks.Action, contact *directory.Contact) (*SendResult, error) {
	message := strings.TrimSpace(a.Message)
	if message == "" {
		return nil, errors.New("send action has no message")
	}

	var dest *directory.Contact
	if tc.ReplyRoutingMode == tasks.RoutingContact {
		if strings.TrimSpace(tc.ResponseContactID) == "" {
			return nil, errors.New("task routes replies to a contact but has no response contact")
		}
		d, err := e.contacts.GetContact(ctx, tc.ResponseContactID)
		if err != nil {
			return nil, fmt.Errorf("resolve response contact: %w", err)
		}
		dest = &d
	}

	if contact == nil {
		c, err := e.ResolveContact(ctx, a)
		if err != nil {
			return nil, err
		}
		contact = &c
	}
	address := contact.Address()
	if address == "" {
		return nil, fmt.Errorf("contact %s has no chat address", contact.Name)
	}
	if !e.gateway.IsReady() {
		return nil, ErrGatewayNotReady
	}

	final := message
	if e.traceTag && tc.TaskID != "" {
		final = fmt.Sprintf("%s\n\n%s", message, TraceTag(tc.TaskID))
	}

	deliveryID, err := e.gateway.Send(ctx, address, final)
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", contact.Name, err)
	}
	if _, err := e.history.Record(ctx, chat.Message{
		Address:    address,
		Direction:  chat.DirectionOutbound,
		Text:       final,
		Status:     chat.StatusSent,
		DeliveryID: deliveryID,
		TaskID:     tc.TaskID,
	}); err != nil {
		slog.Warn("failed to record outbound message", "task_id", tc.TaskID, "error", err)
	}

	res := &SendResult{
		ContactID:         contact.ID,
		ContactName:       contact.Name,
		Address:           address,
		FinalMessage:      final,
		OutboundMessageID: deliveryID,
		TraceTag:          e.traceTag,
	}
	if dest != nil {
		route, err := e.routes.Upsert(ctx, routes.UpsertParams{
			TaskID:               tc.TaskID,
			SourceAddress:        address,
			DestinationContactID: dest.ID,
			DestinationAddress:   dest.Address(),
			OriginalMessage:      final,
			OutboundMessageID:    deliveryID,
		})
		if err != nil {
			return res, fmt.Errorf("register reply route: %w", err)
		}
		res.ReplyRouteID = route.ID
		res.ReplyDestination = route.DestinationAddress
	}
	return res, nil
}

// TraceTag is the short task marker appended to outbound messages.
func TraceTag(taskID string) string {
	id := taskID
	if len(id) > 8 {
		id = id[:8]
	}
	return "[TID:" + id + "]"
}

func headerValue(h map[string]string, name string) (string, bool) {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int, int64, int32, bool:
		return fmt.Sprint(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
