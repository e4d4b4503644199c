package tasks

import (
	"encoding/json"
	"strconv"
	"strings"
)

const (
	ActionCallExternalAPI = "call_external_api"
	ActionSendWhatsApp    = "send_whatsapp"
)

// Action is one instruction decoded from model output. Models are sloppy
// about types, so decoding accepts numbers for strings and JSON-encoded
// strings for objects.
type Action struct {
	Type            string         `json:"type"`
	IntegrationID   string         `json:"integrationId,omitempty"`
	IntegrationName string         `json:"integrationName,omitempty"`
	Query           map[string]any `json:"query,omitempty"`
	Body            map[string]any `json:"body,omitempty"`
	Headers         map[string]any `json:"headers,omitempty"`
	ContactID       string         `json:"contactId,omitempty"`
	Contact         string         `json:"contact,omitempty"`
	Message         string         `json:"message,omitempty"`
}

// Kind is the normalized action type.
func (a Action) Kind() string {
	return strings.ToLower(strings.TrimSpace(a.Type))
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// null or a non-object entry decodes to an empty action, which the
		// executor reports as unsupported.
		*a = Action{}
		return nil
	}
	*a = Action{
		Type:            looseString(raw["type"]),
		IntegrationID:   looseString(raw["integrationId"]),
		IntegrationName: looseString(raw["integrationName"]),
		Query:           looseObject(raw["query"]),
		Body:            looseObject(raw["body"]),
		Headers:         looseObject(raw["headers"]),
		ContactID:       looseString(raw["contactId"]),
		Contact:         looseString(raw["contact"]),
		Message:         looseString(raw["message"]),
	}
	return nil
}

// ModelOutput is the strict JSON contract the model is asked to answer with.
type ModelOutput struct {
	ResultSummary string   `json:"result_summary"`
	Actions       []Action `json:"actions"`
}

func (o *ModelOutput) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.ResultSummary = looseString(raw["result_summary"])
	o.Actions = nil
	if v, ok := raw["actions"]; ok {
		var list []Action
		if err := json.Unmarshal(v, &list); err == nil {
			o.Actions = list
		}
	}
	return nil
}

// HasAction reports whether any action has the given kind.
func (o *ModelOutput) HasAction(kind string) bool {
	if o == nil {
		return false
	}
	for _, a := range o.Actions {
		if a.Kind() == kind {
			return true
		}
	}
	return false
}

// CountAction returns how many actions have the given kind.
func (o *ModelOutput) CountAction(kind string) int {
	if o == nil {
		return 0
	}
	n := 0
	for _, a := range o.Actions {
		if a.Kind() == kind {
			n++
		}
	}
	return n
}

func looseString(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return strconv.FormatBool(b)
	}
	if string(v) == "null" {
		return ""
	}
	return strings.TrimSpace(string(v))
}

func looseObject(v json.RawMessage) map[string]any {
	if len(v) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(v, &m); err == nil {
		return m
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			return m
		}
	}
	return nil
}
