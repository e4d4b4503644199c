package routes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"herald-main/src/internal/chat"
	"herald-main/src/internal/metrics"
)

// Sender delivers text to a chat address and returns the delivery id.
type Sender interface {
	Send(ctx context.Context, address, text string) (string, error)
}

// AddressResolver lists every address a chat participant is known by.
type AddressResolver interface {
	ResolveAddresses(ctx context.Context, address string) ([]string, error)
}

type Forwarder struct {
	registry *Registry
	history  *chat.History
	sender   Sender
	resolver AddressResolver
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewForwarder builds a forwarder. A nil resolver correlates on the sender
// address alone.
func NewForwarder(registry *Registry, history *chat.History, sender Sender, resolver AddressResolver, m *metrics.Metrics) *Forwarder {
	return &Forwarder{registry: registry, history: history, sender: sender, resolver: resolver, metrics: m, now: time.Now}
}

// HandleInbound stores the inbound message and forwards it along every
// correlated route. It returns how many destinations received the reply.
func (f *Forwarder) HandleInbound(ctx context.Context, in chat.Inbound) (int, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return 0, nil
	}
	at := in.Timestamp
	if at.IsZero() {
		at = f.now()
	}

	if _, err := f.history.Record(ctx, chat.Message{
		Address:    in.Sender,
		Direction:  chat.DirectionInbound,
		Text:       text,
		Status:     chat.StatusReceived,
		DeliveryID: in.DeliveryID,
		QuotedID:   in.QuotedID,
		Author:     in.AuthorAddress,
		Timestamp:  at.UTC(),
	}); err != nil {
		slog.Warn("failed to store inbound message", "from", in.Sender, "error", err)
	}

	matched, err := f.registry.CorrelateAny(ctx, f.senderAddresses(ctx, in), in.QuotedID, f.now())
	if err != nil {
		return 0, fmt.Errorf("correlate reply from %s: %w", in.Sender, err)
	}
	if len(matched) == 0 {
		return 0, nil
	}

	forwarded := 0
	for _, route := range matched {
		body := ComposeForward(in, route)
		deliveryID, err := f.sender.Send(ctx, route.DestinationAddress, body)
		if err != nil {
			slog.Error("reply forward failed", "task_id", route.TaskID, "destination", route.DestinationAddress, "error", err)
			f.metrics.ObserveForward(false)
			continue
		}
		f.metrics.ObserveForward(true)
		forwarded++
		if _, err := f.history.Record(ctx, chat.Message{
			Address:    route.DestinationAddress,
			Direction:  chat.DirectionOutbound,
			Text:       body,
			Status:     chat.StatusForwarded,
			DeliveryID: deliveryID,
			TaskID:     route.TaskID,
		}); err != nil {
			slog.Warn("failed to store forwarded message", "task_id", route.TaskID, "error", err)
		}
		slog.Info("reply forwarded", "task_id", route.TaskID, "source", route.SourceAddress, "destination", route.DestinationAddress)
	}
	return forwarded, nil
}

// senderAddresses expands a direct sender to its known aliases. Group
// addresses are used as they are.
func (f *Forwarder) senderAddresses(ctx context.Context, in chat.Inbound) []string {
	if f.resolver == nil || in.IsGroup {
		return []string{in.Sender}
	}
	addrs, err := f.resolver.ResolveAddresses(ctx, in.Sender)
	if err != nil {
		slog.Warn("failed to resolve sender aliases", "from", in.Sender, "error", err)
		return []string{in.Sender}
	}
	return append(addrs, in.Sender)
}

// ComposeForward builds the attribution header, the stored original text and
// the incoming reply.
func ComposeForward(in chat.Inbound, route Route) string {
	var header string
	if in.IsGroup {
		group := firstNonEmpty(in.GroupName, in.Sender)
		header = fmt.Sprintf("[Group: %s] [Author: %s]", group, firstNonEmpty(in.AuthorName, in.AuthorAddress, "unknown"))
	} else {
		header = fmt.Sprintf("[Author: %s]", firstNonEmpty(in.AuthorName, in.AuthorAddress, in.Sender, "unknown"))
	}
	original := strings.TrimSpace(route.OriginalMessage)
	if original == "" {
		original = "(not available)"
	}
	return strings.Join([]string{
		header,
		"Original message:\n" + original,
		"Incoming reply:\n" + strings.TrimSpace(in.Text),
	}, "\n\n")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
