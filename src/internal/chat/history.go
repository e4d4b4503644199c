// Package chat keeps the message history exchanged through the chat gateway
// and the address aliases learned for contacts.
package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald-main/src/internal/directory"
	"herald-main/src/internal/storage"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	StatusSent      = "sent"
	StatusReceived  = "received"
	StatusForwarded = "routed_from_task_reply"

	DefaultHistoryLimit = 40
)

var ErrInvalidMessage = errors.New("chat: invalid message")

type Message struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	Direction  string    `json:"direction"`
	Text       string    `json:"text"`
	Status     string    `json:"status"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	QuotedID   string    `json:"quoted_id,omitempty"`
	Author     string    `json:"author,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// History is the chat log backed by a whole-collection repository.
type History struct {
	messages storage.Collection[Message]
	aliases  *Aliases
	mu       sync.Mutex
	now      func() time.Time
}

func NewHistory(messages storage.Collection[Message], aliases *Aliases) *History {
	return &History{messages: messages, aliases: aliases, now: time.Now}
}

// Record appends one message. Address and text are required.
func (h *History) Record(_ context.Context, m Message) (Message, error) {
	m.Address = directory.NormalizeAddress(m.Address)
	m.Text = strings.TrimSpace(m.Text)
	if m.Address == "" {
		return Message{}, errors.Join(ErrInvalidMessage, errors.New("empty address"))
	}
	if m.Text == "" {
		return Message{}, errors.Join(ErrInvalidMessage, errors.New("empty text"))
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = h.now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	rows, err := h.messages.List()
	if err != nil {
		return Message{}, err
	}
	rows = append(rows, m)
	if err := h.messages.SaveAll(rows); err != nil {
		return Message{}, err
	}
	return m, nil
}

// List returns the latest limit messages for the address and every alias
// of it, oldest first.
func (h *History) List(ctx context.Context, address string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	addrs := []string{directory.NormalizeAddress(address)}
	if h.aliases != nil {
		expanded, err := h.aliases.Resolve(ctx, address)
		if err != nil {
			return nil, err
		}
		addrs = expanded
	}
	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if a != "" {
			want[a] = true
		}
	}
	if len(want) == 0 {
		return []Message{}, nil
	}

	h.mu.Lock()
	rows, err := h.messages.List()
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0)
	for _, m := range rows {
		if want[directory.NormalizeAddress(m.Address)] {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Inbound is a message observed by the chat gateway.
type Inbound struct {
	Sender        string
	Text          string
	QuotedID      string
	DeliveryID    string
	IsGroup       bool
	GroupName     string
	AuthorName    string
	AuthorAddress string
	Timestamp     time.Time
}
