package routes

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald-main/src/internal/chat"
	"herald-main/src/internal/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestRegistry(c *clock) *Registry {
	r := NewRegistry(storage.NewMemoryCollection[Route](), 0)
	r.now = c.now
	return r
}

func enabledFor(t *testing.T, r *Registry, src, dst string) []Route {
	t.Helper()
	rows, err := r.List(context.Background())
	require.NoError(t, err)
	var out []Route
	for _, row := range rows {
		if row.Enabled && row.SourceAddress == src && row.DestinationAddress == dst {
			out = append(out, row)
		}
	}
	return out
}

func TestUpsertKeepsOneEnabledRoutePerPair(t *testing.T) {
	c := &clock{t: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	r := newTestRegistry(c)
	ctx := context.Background()

	first, err := r.Upsert(ctx, UpsertParams{TaskID: "t1", SourceAddress: "+54 911 1111", DestinationContactID: "boss", DestinationAddress: "2222", OriginalMessage: "first", OutboundMessageID: "M1"})
	require.NoError(t, err)
	assert.Equal(t, "549111111", first.SourceAddress)
	require.NotNil(t, first.LastOutboundAt)

	c.t = c.t.Add(time.Minute)
	second, err := r.Upsert(ctx, UpsertParams{TaskID: "t2", SourceAddress: "549111111", DestinationContactID: "boss", DestinationAddress: "2222", OriginalMessage: "second", OutboundMessageID: "M2"})
	require.NoError(t, err)

	live := enabledFor(t, r, "549111111", "2222")
	require.Len(t, live, 1)
	assert.Equal(t, second.ID, live[0].ID)

	rows, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		if row.ID == first.ID {
			assert.False(t, row.Enabled)
		}
	}
}

func TestUpsertRejectsIncompleteData(t *testing.T) {
	r := newTestRegistry(&clock{t: time.Now()})
	_, err := r.Upsert(context.Background(), UpsertParams{TaskID: "t1", SourceAddress: "1"})
	assert.ErrorIs(t, err, ErrIncompleteRoute)
}

func TestDisableByTask(t *testing.T) {
	c := &clock{t: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	r := newTestRegistry(c)
	ctx := context.Background()
	_, err := r.Upsert(ctx, UpsertParams{TaskID: "t1", SourceAddress: "1", DestinationContactID: "d", DestinationAddress: "9"})
	require.NoError(t, err)
	_, err = r.Upsert(ctx, UpsertParams{TaskID: "t2", SourceAddress: "2", DestinationContactID: "d", DestinationAddress: "9"})
	require.NoError(t, err)

	n, err := r.DisableByTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, enabledFor(t, r, "1", "9"))
	assert.Len(t, enabledFor(t, r, "2", "9"), 1)
}

func TestCorrelateQuotedIDIsExclusive(t *testing.T) {
	c := &clock{t: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	r := newTestRegistry(c)
	ctx := context.Background()
	_, err := r.Upsert(ctx, UpsertParams{TaskID: "t1", SourceAddress: "100", DestinationContactID: "a", DestinationAddress: "200", OutboundMessageID: "MATCH"})
	require.NoError(t, err)
	_, err = r.Upsert(ctx, UpsertParams{TaskID: "t2", SourceAddress: "100", DestinationContactID: "b", DestinationAddress: "300", OutboundMessageID: "OTHER"})
	require.NoError(t, err)

	got, err := r.Correlate(ctx, "100", "MATCH", c.t)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "200", got[0].DestinationAddress)

	// An unknown quoted id falls back to recency.
	got, err = r.Correlate(ctx, "100", "UNKNOWN", c.t)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCorrelateRecencyWindow(t *testing.T) {
	c := &clock{t: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	r := newTestRegistry(c)
	ctx := context.Background()
	_, err := r.Upsert(ctx, UpsertParams{TaskID: "old", SourceAddress: "100", DestinationContactID: "a", DestinationAddress: "200"})
	require.NoError(t, err)
	c.t = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	_, err = r.Upsert(ctx, UpsertParams{TaskID: "new", SourceAddress: "100", DestinationContactID: "b", DestinationAddress: "300"})
	require.NoError(t, err)

	got, err := r.Correlate(ctx, "100", "", time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].TaskID)

	got, err = r.Correlate(ctx, "999", "", c.t)
	require.NoError(t, err)
	assert.Empty(t, got)
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]string
	fail map[string]bool
}

func (f *fakeSender) Send(_ context.Context, address, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[address] {
		return "", errors.New("gateway down")
	}
	if f.sent == nil {
		f.sent = map[string][]string{}
	}
	f.sent[address] = append(f.sent[address], text)
	return "OUT-" + address, nil
}

func TestHandleInboundForwardsOnlyQuotedRoute(t *testing.T) {
	c := &clock{t: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	r := newTestRegistry(c)
	ctx := context.Background()
	_, err := r.Upsert(ctx, UpsertParams{TaskID: "t1", SourceAddress: "100", DestinationContactID: "a", DestinationAddress: "200", OriginalMessage: "Please confirm stock", OutboundMessageID: "Q1"})
	require.NoError(t, err)
	_, err = r.Upsert(ctx, UpsertParams{TaskID: "t2", SourceAddress: "100", DestinationContactID: "b", DestinationAddress: "300", OutboundMessageID: "Q2"})
	require.NoError(t, err)

	history := chat.NewHistory(storage.NewMemoryCollection[chat.Message](), nil)
	sender := &fakeSender{}
	fw := NewForwarder(r, history, sender, nil, nil)
	fw.now = c.now

	n, err := fw.HandleInbound(ctx, chat.Inbound{Sender: "100", Text: "Confirmed", QuotedID: "Q1", AuthorName: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sender.sent["200"], 1)
	assert.Empty(t, sender.sent["300"])
	assert.Equal(t, "[Author: Ana]\n\nOriginal message:\nPlease confirm stock\n\nIncoming reply:\nConfirmed", sender.sent["200"][0])

	out, err := history.List(ctx, "200", 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, chat.StatusForwarded, out[0].Status)
	assert.Equal(t, "t1", out[0].TaskID)

	in, err := history.List(ctx, "100", 0)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, chat.StatusReceived, in[0].Status)
}

func TestHandleInboundContinuesAfterFailure(t *testing.T) {
	c := &clock{t: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	r := newTestRegistry(c)
	ctx := context.Background()
	_, err := r.Upsert(ctx, UpsertParams{TaskID: "t1", SourceAddress: "100", DestinationContactID: "a", DestinationAddress: "200"})
	require.NoError(t, err)
	c.t = c.t.Add(time.Second)
	_, err = r.Upsert(ctx, UpsertParams{TaskID: "t2", SourceAddress: "100", DestinationContactID: "b", DestinationAddress: "300"})
	require.NoError(t, err)

	sender := &fakeSender{fail: map[string]bool{"300": true}}
	fw := NewForwarder(r, chat.NewHistory(storage.NewMemoryCollection[chat.Message](), nil), sender, nil, nil)
	fw.now = c.now

	n, err := fw.HandleInbound(ctx, chat.Inbound{Sender: "100", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, sender.sent["200"], 1)
}

func TestComposeForwardGroupHeader(t *testing.T) {
	msg := ComposeForward(chat.Inbound{Sender: "123@g.us", Text: " ok ", IsGroup: true, AuthorAddress: "5411"}, Route{})
	assert.True(t, strings.HasPrefix(msg, "[Group: 123@g.us] [Author: 5411]"))
	assert.Contains(t, msg, "Original message:\n(not available)")
	assert.True(t, strings.HasSuffix(msg, "Incoming reply:\nok"))
}

type aliasResolver map[string][]string

func (a aliasResolver) ResolveAddresses(_ context.Context, address string) ([]string, error) {
	return a[address], nil
}

func TestHandleInboundMatchesSenderAlias(t *testing.T) {
	c := &clock{t: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	r := newTestRegistry(c)
	ctx := context.Background()
	_, err := r.Upsert(ctx, UpsertParams{TaskID: "t1", SourceAddress: "100", DestinationContactID: "a", DestinationAddress: "200", OutboundMessageID: "Q1"})
	require.NoError(t, err)

	sender := &fakeSender{}
	history := chat.NewHistory(storage.NewMemoryCollection[chat.Message](), nil)

	plain := NewForwarder(r, history, sender, nil, nil)
	plain.now = c.now
	n, err := plain.HandleInbound(ctx, chat.Inbound{Sender: "9000", Text: "from lid", QuotedID: "Q1"})
	require.NoError(t, err)
	assert.Zero(t, n)

	fw := NewForwarder(r, history, sender, aliasResolver{"9000": {"100", "9000"}}, nil)
	fw.now = c.now
	n, err = fw.HandleInbound(ctx, chat.Inbound{Sender: "9000", Text: "from lid", QuotedID: "Q1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, sender.sent["200"], 1)
}
