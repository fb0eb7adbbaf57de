package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/durable"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

const ledgerPrefix = "batch/"

// sweepEvery is how many recorded batches pass between retention sweeps.
const sweepEvery = 64

// LedgerEntry is what the ledger remembers about an applied batch.
type LedgerEntry struct {
	Result    model.SyncResponse `json:"result"`
	Size      int                `json:"size"`
	AppliedAt int64              `json:"appliedAt"`
}

// Ledger records the fingerprints of batches that were applied cleanly.
//
// Entries older than the retention window are swept as new batches are
// recorded. A batch resubmitted after its entry was swept is applied again,
// which every reconciliation step tolerates.
type Ledger struct {
	storage   durable.Storage
	retention time.Duration

	mu       sync.Mutex
	recorded int
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithRetention keeps entries for d after the batch was applied. Zero keeps
// them forever.
func WithRetention(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		l.retention = max(d, 0)
	}
}

// NewLedger creates a ledger over storage.
func NewLedger(storage durable.Storage, opts ...LedgerOption) *Ledger {
	l := &Ledger{storage: storage}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lookup returns the entry recorded for fingerprint.
func (l *Ledger) Lookup(ctx context.Context, fingerprint string) (LedgerEntry, bool, error) {
	raw, err := l.storage.Get(ctx, ledgerPrefix+fingerprint)
	if errors.Is(err, durable.ErrNotFound) {
		return LedgerEntry{}, false, nil
	}
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("ledger lookup: %w", err)
	}
	var entry LedgerEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return LedgerEntry{}, false, fmt.Errorf("decode ledger entry %s: %w", fingerprint, err)
	}
	if entry.Result.Errors == nil {
		entry.Result.Errors = []string{}
	}
	return entry, true, nil
}

// Record stores entry under fingerprint.
func (l *Ledger) Record(ctx context.Context, fingerprint string, entry LedgerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	if err := l.storage.Put(ctx, ledgerPrefix+fingerprint, data); err != nil {
		return fmt.Errorf("ledger record: %w", err)
	}
	if l.sweepDue() {
		if _, err := l.Prune(ctx, entry.AppliedAt-l.retention.Milliseconds()); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) sweepDue() bool {
	if l.retention == 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorded++
	return l.recorded%sweepEvery == 1
}

// Prune deletes entries applied before cutoff (unix millis) and returns how
// many were removed.
func (l *Ledger) Prune(ctx context.Context, cutoff int64) (int, error) {
	entries, err := l.storage.List(ctx, ledgerPrefix)
	if err != nil {
		return 0, fmt.Errorf("ledger list: %w", err)
	}
	removed := 0
	for _, e := range entries {
		var entry LedgerEntry
		if err := json.Unmarshal(e.Value, &entry); err == nil && entry.AppliedAt >= cutoff {
			continue
		}
		if err := l.storage.Delete(ctx, e.Key); err != nil {
			return removed, fmt.Errorf("ledger prune: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Len returns the number of recorded batches.
func (l *Ledger) Len(ctx context.Context) (int, error) {
	entries, err := l.storage.List(ctx, ledgerPrefix)
	if err != nil {
		return 0, fmt.Errorf("ledger list: %w", err)
	}
	return len(entries), nil
}
