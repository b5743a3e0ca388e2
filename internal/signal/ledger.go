package signal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"hilo-trend-engine/internal/indicator"
	"hilo-trend-engine/internal/marketdata"
)

var (
	ErrAlreadyClaimed = errors.New("flip already claimed")
	ErrEntryNotFound  = errors.New("ledger entry not found")
)

// Stage separates the first verdict of a flip from its re-entry verdict
type Stage string

const (
	StageFlip    Stage = "flip"
	StageReentry Stage = "reentry"
)

// FlipKey identifies one logical trading event
type FlipKey struct {
	Asset     string               `json:"asset"`
	Timeframe marketdata.Timeframe `json:"timeframe"`
	FlipTime  time.Time            `json:"flip_time"`
	Stage     Stage                `json:"stage"`
}

func (k FlipKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.Asset, k.Timeframe, k.FlipTime.UTC().Format(time.RFC3339), k.Stage)
}

// WithStage returns the same flip at another stage
func (k FlipKey) WithStage(s Stage) FlipKey {
	k.Stage = s
	return k
}

// EntryStatus is the lifecycle of a ledger entry
type EntryStatus string

const (
	StatusClaimed   EntryStatus = "claimed"
	StatusCompleted EntryStatus = "completed"
)

// LedgerEntry is the durable record of one fired verdict
type LedgerEntry struct {
	Key             FlipKey         `json:"key"`
	Status          EntryStatus     `json:"status"`
	Direction       indicator.Trend `json:"direction"`
	CycleID         string          `json:"cycle_id"`
	ClaimedAt       time.Time       `json:"claimed_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Outcome         string          `json:"outcome,omitempty"`
	AwaitingReentry bool            `json:"awaiting_reentry"`
}

// Ledger records which flips have been acted on. Claim must be atomic across
// processes sharing the ledger.
type Ledger interface {
	Claim(ctx context.Context, entry LedgerEntry) error
	Complete(ctx context.Context, key FlipKey, outcome string, awaitingReentry bool) error
	Release(ctx context.Context, key FlipKey) error
	Get(ctx context.Context, key FlipKey) (*LedgerEntry, error)
	PendingReentry(ctx context.Context, asset string) (*LedgerEntry, error)
	ClearReentry(ctx context.Context, key FlipKey) error
	Delete(ctx context.Context, key FlipKey) error
	List(ctx context.Context, asset string, limit int) ([]LedgerEntry, error)
}

// MemoryLedger is a process-local Ledger
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[FlipKey]LedgerEntry
	now     func() time.Time
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[FlipKey]LedgerEntry), now: time.Now}
}

func normalizeKey(k FlipKey) FlipKey {
	k.FlipTime = k.FlipTime.UTC()
	return k
}

func (l *MemoryLedger) Claim(ctx context.Context, entry LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := normalizeKey(entry.Key)
	if _, exists := l.entries[key]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyClaimed, key)
	}
	entry.Key = key
	entry.Status = StatusClaimed
	if entry.ClaimedAt.IsZero() {
		entry.ClaimedAt = l.now().UTC()
	}
	l.entries[key] = entry
	return nil
}

func (l *MemoryLedger) Complete(ctx context.Context, key FlipKey, outcome string, awaitingReentry bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key = normalizeKey(key)
	e, ok := l.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	now := l.now().UTC()
	e.Status = StatusCompleted
	e.CompletedAt = &now
	e.Outcome = outcome
	e.AwaitingReentry = awaitingReentry
	l.entries[key] = e
	return nil
}

// Release drops a claim that was never completed
func (l *MemoryLedger) Release(ctx context.Context, key FlipKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key = normalizeKey(key)
	if e, ok := l.entries[key]; ok && e.Status == StatusClaimed {
		delete(l.entries, key)
	}
	return nil
}

func (l *MemoryLedger) Get(ctx context.Context, key FlipKey) (*LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[normalizeKey(key)]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return &e, nil
}

// PendingReentry returns the most recent completed entry awaiting re-entry
func (l *MemoryLedger) PendingReentry(ctx context.Context, asset string) (*LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var latest *LedgerEntry
	for _, e := range l.entries {
		if e.Key.Asset != asset || !e.AwaitingReentry {
			continue
		}
		if latest == nil || e.Key.FlipTime.After(latest.Key.FlipTime) {
			e := e
			latest = &e
		}
	}
	return latest, nil
}

func (l *MemoryLedger) ClearReentry(ctx context.Context, key FlipKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key = normalizeKey(key)
	if e, ok := l.entries[key]; ok {
		e.AwaitingReentry = false
		l.entries[key] = e
	}
	return nil
}

// Delete removes an entry so the flip can fire again
func (l *MemoryLedger) Delete(ctx context.Context, key FlipKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key = normalizeKey(key)
	if _, ok := l.entries[key]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	delete(l.entries, key)
	return nil
}

// List returns an asset's entries, newest flip first. Empty asset lists all.
func (l *MemoryLedger) List(ctx context.Context, asset string, limit int) ([]LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LedgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if asset == "" || e.Key.Asset == asset {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Key.FlipTime.Equal(out[j].Key.FlipTime) {
			return out[i].Key.FlipTime.After(out[j].Key.FlipTime)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
