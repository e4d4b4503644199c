// Package routes correlates inbound chat replies with the task messages that
// caused them and forwards those replies to the configured destination.
package routes

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

const DefaultMaxAge = 168 * time.Hour

var ErrIncompleteRoute = errors.New("routes: incomplete route data")

type Route struct {
	ID                    string     `json:"id"`
	TaskID                string     `json:"task_id"`
	SourceAddress         string     `json:"source_address"`
	DestinationContactID  string     `json:"destination_contact_id"`
	DestinationAddress    string     `json:"destination_address"`
	OriginalMessage       string     `json:"original_message,omitempty"`
	LastOutboundMessageID string     `json:"last_outbound_message_id,omitempty"`
	LastOutboundAt        *time.Time `json:"last_outbound_at,omitempty"`
	Enabled               bool       `json:"enabled"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// UpsertParams describes one successful outbound send that should accept
// replies.
type UpsertParams struct {
	TaskID               string
	SourceAddress        string
	DestinationContactID string
	DestinationAddress   string
	OriginalMessage      string
	OutboundMessageID    string
}

type Registry struct {
	rows   storage.Collection[Route]
	maxAge time.Duration
	mu     sync.Mutex
	now    func() time.Time
}

func NewRegistry(rows storage.Collection[Route], maxAge time.Duration) *Registry {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Registry{rows: rows, maxAge: maxAge, now: time.Now}
}

func (r *Registry) load() ([]Route, error) {
	rows, err := r.rows.List()
	if err != nil {
		return nil, err
	}
	out := make([]Route, 0, len(rows))
	for _, row := range rows {
		row.SourceAddress = directory.NormalizeAddress(row.SourceAddress)
		row.DestinationAddress = directory.NormalizeAddress(row.DestinationAddress)
		if row.TaskID == "" || row.SourceAddress == "" || row.DestinationAddress == "" {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// List returns every stored route, newest first.
func (r *Registry) List(_ context.Context) ([]Route, error) {
	r.mu.Lock()
	rows, err := r.load()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sortNewestFirst(rows)
	return rows, nil
}

// Upsert appends a fresh enabled route and disables every enabled route for
// the same source and destination, so a pair never has two live routes.
func (r *Registry) Upsert(_ context.Context, p UpsertParams) (Route, error) {
	src := directory.NormalizeAddress(p.SourceAddress)
	dst := directory.NormalizeAddress(p.DestinationAddress)
	taskID := strings.TrimSpace(p.TaskID)
	contactID := strings.TrimSpace(p.DestinationContactID)
	if taskID == "" || src == "" || dst == "" || contactID == "" {
		return Route{}, ErrIncompleteRoute
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.load()
	if err != nil {
		return Route{}, err
	}

	now := r.now().UTC()
	for i := range rows {
		if rows[i].Enabled && rows[i].SourceAddress == src && rows[i].DestinationAddress == dst {
			rows[i].Enabled = false
			rows[i].UpdatedAt = now
		}
	}
	route := Route{
		ID:                    uuid.New().String(),
		TaskID:                taskID,
		SourceAddress:         src,
		DestinationContactID:  contactID,
		DestinationAddress:    dst,
		OriginalMessage:       strings.TrimSpace(p.OriginalMessage),
		LastOutboundMessageID: strings.TrimSpace(p.OutboundMessageID),
		Enabled:               true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if route.LastOutboundMessageID != "" {
		route.LastOutboundAt = &now
	}
	rows = append(rows, route)
	if err := r.rows.SaveAll(rows); err != nil {
		return Route{}, err
	}
	return route, nil
}

// DisableByTask turns off every enabled route owned by taskID.
func (r *Registry) DisableByTask(_ context.Context, taskID string) (int, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.load()
	if err != nil {
		return 0, err
	}
	now := r.now().UTC()
	n := 0
	for i := range rows {
		if rows[i].TaskID == taskID && rows[i].Enabled {
			rows[i].Enabled = false
			rows[i].UpdatedAt = now
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, r.rows.SaveAll(rows)
}

// Correlate picks the routes that should receive a reply from source.
// A quoted delivery id that matches a route wins exclusively; otherwise the
// routes updated within the max age are used. Results are deduplicated by
// destination, newest first.
func (r *Registry) Correlate(ctx context.Context, source, quotedID string, now time.Time) ([]Route, error) {
	return r.CorrelateAny(ctx, []string{source}, quotedID, now)
}

// CorrelateAny is Correlate for a sender known under several addresses.
func (r *Registry) CorrelateAny(_ context.Context, sources []string, quotedID string, now time.Time) ([]Route, error) {
	want := make(map[string]bool, len(sources))
	for _, s := range sources {
		if src := directory.NormalizeAddress(s); src != "" {
			want[src] = true
		}
	}
	if len(want) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	rows, err := r.load()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	active := rows[:0]
	for _, row := range rows {
		if row.Enabled && want[row.SourceAddress] {
			active = append(active, row)
		}
	}
	sortNewestFirst(active)

	quotedID = strings.TrimSpace(quotedID)
	if quotedID != "" {
		var quoted []Route
		for _, row := range active {
			if row.LastOutboundMessageID == quotedID {
				quoted = append(quoted, row)
			}
		}
		if len(quoted) > 0 {
			return dedupByDestination(quoted), nil
		}
	}

	cutoff := now.Add(-r.maxAge)
	var recent []Route
	for _, row := range active {
		if !row.UpdatedAt.Before(cutoff) {
			recent = append(recent, row)
		}
	}
	return dedupByDestination(recent), nil
}

func dedupByDestination(rows []Route) []Route {
	seen := make(map[string]bool, len(rows))
	out := make([]Route, 0, len(rows))
	for _, row := range rows {
		if seen[row.DestinationAddress] {
			continue
		}
		seen[row.DestinationAddress] = true
		out = append(out, row)
	}
	return out
}

func sortNewestFirst(rows []Route) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].UpdatedAt.After(rows[j].UpdatedAt) })
}
