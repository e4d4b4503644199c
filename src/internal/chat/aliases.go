package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald-main/src/internal/directory"
	"herald-main/src/internal/storage"
)

// Alias maps an alternate address (for example a linked-device id seen on
// inbound traffic) to the canonical contact address.
type Alias struct {
	ID        string    `json:"id"`
	Canonical string    `json:"contact_address"`
	Alias     string    `json:"alias_address"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Aliases struct {
	rows storage.Collection[Alias]
	mu   sync.Mutex
	now  func() time.Time
}

func NewAliases(rows storage.Collection[Alias]) *Aliases {
	return &Aliases{rows: rows, now: time.Now}
}

func (a *Aliases) load() ([]Alias, error) {
	rows, err := a.rows.List()
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, r := range rows {
		r.Canonical = directory.NormalizeAddress(r.Canonical)
		r.Alias = directory.NormalizeAddress(r.Alias)
		if r.Canonical == "" || r.Alias == "" || r.Canonical == r.Alias {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Add records aliases for canonical and returns the expanded address set.
func (a *Aliases) Add(ctx context.Context, canonical string, aliases ...string) ([]string, error) {
	base := directory.NormalizeAddress(canonical)
	if base == "" {
		return nil, nil
	}

	a.mu.Lock()
	rows, err := a.load()
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		seen[r.Canonical+":"+r.Alias] = true
	}
	now := a.now().UTC()
	added := false
	for _, raw := range aliases {
		alias := directory.NormalizeAddress(raw)
		if alias == "" || alias == base || seen[base+":"+alias] {
			continue
		}
		seen[base+":"+alias] = true
		rows = append(rows, Alias{ID: uuid.New().String(), Canonical: base, Alias: alias, CreatedAt: now, UpdatedAt: now})
		added = true
	}
	if added {
		if err := a.rows.SaveAll(rows); err != nil {
			a.mu.Unlock()
			return nil, err
		}
	}
	a.mu.Unlock()
	return a.Resolve(ctx, base)
}

// Resolve returns the canonical address followed by its aliases. An alias
// resolves through its canonical address.
func (a *Aliases) Resolve(ctx context.Context, address string) ([]string, error) {
	base := directory.NormalizeAddress(address)
	if base == "" {
		return []string{}, nil
	}
	canonical, err := a.Canonical(ctx, base)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	rows, err := a.load()
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := []string{canonical}
	seen := map[string]bool{canonical: true}
	for _, r := range rows {
		if r.Canonical == canonical && !seen[r.Alias] {
			seen[r.Alias] = true
			out = append(out, r.Alias)
		}
	}
	if !seen[base] {
		out = append(out, base)
	}
	return out, nil
}

// Canonical maps an alias to its contact address, or returns the input.
func (a *Aliases) Canonical(_ context.Context, address string) (string, error) {
	target := directory.NormalizeAddress(address)
	if target == "" {
		return "", nil
	}
	a.mu.Lock()
	rows, err := a.load()
	a.mu.Unlock()
	if err != nil {
		return "", err
	}
	for _, r := range rows {
		if r.Alias == target || r.Canonical == target {
			return r.Canonical, nil
		}
	}
	return target, nil
}
