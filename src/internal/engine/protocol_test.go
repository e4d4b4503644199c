package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald-main/src/internal/actions"
	"herald-main/src/internal/directory"
	"herald-main/src/internal/tasks"
)

func TestParseModelOutput(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		actions int
		summary string
	}{
		{"plain", `{"result_summary":"a","actions":[]}`, 0, "a"},
		{"fenced", "text\n```JSON\n{\"result_summary\":\"b\",\"actions\":[{\"type\":\"send_whatsapp\"}]}\n```", 1, "b"},
		{"braces", `Sure! {"result_summary":"c","actions":[{"type":"x"},{"type":"y"}]} hope it helps`, 2, "c"},
		{"no actions key", `{"result_summary":"d"}`, 0, "d"},
		{"numeric summary", `{"result_summary":42}`, 0, "42"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := ParseModelOutput(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.summary, out.ResultSummary)
			assert.Len(t, out.Actions, tc.actions)
			assert.NotNil(t, out.Actions)
		})
	}

	_, err := ParseModelOutput("   ")
	assert.ErrorIs(t, err, ErrEmptyOutput)
	_, err = ParseModelOutput("{not json}")
	assert.ErrorIs(t, err, ErrUnparseableOutput)

	for _, raw := range []string{"null", "[]", `"done"`, "42", "```json\nnull\n```"} {
		_, err = ParseModelOutput(raw)
		assert.ErrorIs(t, err, ErrUnparseableOutput, raw)
	}
}

func TestRequiresChatAction(t *testing.T) {
	assert.True(t, RequiresChatAction(&tasks.Task{Input: "send it by WhatsApp"}))
	assert.True(t, RequiresChatAction(&tasks.Task{PromptTemplate: "por whatssap"}))
	assert.False(t, RequiresChatAction(&tasks.Task{Input: "email it"}))
}

func TestNormalizeCompareText(t *testing.T) {
	assert.Equal(t, "maria jose", normalizeCompareText("  María   José. "))
	assert.Equal(t, "nunez", normalizeCompareText("Núñez!"))
	assert.Equal(t, "", normalizeCompareText(" ,; "))
}

func TestVendorMatching(t *testing.T) {
	names := VendorNames([]*actions.APIResult{
		{ResponseJSON: map[string]any{"rows": []any{
			map[string]any{"vendedor": "Carlos"},
			map[string]any{"seller": "Ana López"},
			map[string]any{"other": "ignored"},
			"not an object",
		}}},
		{ResponseJSON: []any{"no rows"}},
		nil,
	})
	assert.Equal(t, map[string]bool{"carlos": true, "ana lopez": true}, names)

	allowed := AllowedVendorContacts([]directory.Contact{
		{ID: "1", Name: "Carlos Gomez"},
		{ID: "2", Name: "Ana"},
		{ID: "3", Name: "Bruno"},
		{ID: "4", Name: "Carlos team", Type: directory.ContactTypeGroup},
	}, names)
	assert.Equal(t, map[string]bool{"1": true, "2": true}, allowed)
}

func TestComposePrompt(t *testing.T) {
	got := composePrompt(" Role ", "Do it", "data", "Name: a.txt\nLocal path: files/a.txt")
	assert.Equal(t, "Role\n\nTask instruction:\nDo it\n\nTask input:\ndata\n\nReference file:\nName: a.txt\nLocal path: files/a.txt", got)
	assert.Equal(t, "Task instruction:\nx\n\nTask input:\ny", composePrompt("", "x", "y", ""))
}

func TestTodayContextUsesTimezone(t *testing.T) {
	at := time.Date(2026, 10, 17, 1, 30, 0, 0, time.UTC)
	got := todayContext(at, "America/Argentina/Buenos_Aires")
	assert.Contains(t, got, "TODAY (authoritative, do not guess): 2026-10-16")
	assert.Contains(t, got, "TZ (for interpretation): America/Argentina/Buenos_Aires")
	assert.Contains(t, got, "Today's date token (D-Mon): 16-Oct")
}

func TestTruncatePreview(t *testing.T) {
	assert.Equal(t, "abc", truncatePreview("abc", 5))
	assert.Equal(t, "ab\n\n[TRUNCATED 3 chars]", truncatePreview("abcde", 2))
	assert.Equal(t, "ñá\n\n[TRUNCATED 1 chars]", truncatePreview("ñáé", 2))
}

func TestReferencesCapRows(t *testing.T) {
	contacts := make([]directory.Contact, 250)
	for i := range contacts {
		contacts[i] = directory.Contact{ID: "c", Name: "n", Phone: "1"}
	}
	ref := contactsReference(contacts)
	assert.Equal(t, maxReferenceRows, strings.Count(ref, `"id":"c"`))
	assert.Empty(t, contactsReference(nil))

	integ := integrationsReference([]directory.Integration{{
		ID: "i", Name: "n", Method: "GET", URL: "u", TimeoutMs: 1000,
		Headers: map[string]string{"X-B": "2", "Authorization": "secret"},
	}})
	assert.Contains(t, integ, `"headerKeys":["Authorization","X-B"]`)
	assert.NotContains(t, integ, "secret")
}
