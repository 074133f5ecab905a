package viewing

import (
	"context"
	"fmt"
	"time"
)

const (
	// DuplicateWindow suppresses a second notification when overlapping
	// library scans report the same physical viewing under slightly
	// different timestamps.
	DuplicateWindow = 30 * time.Minute

	// RewatchGap is the minimum timestamp gap that qualifies a viewing when
	// the server's view counter did not advance. The counter can update
	// lazily, so the gap is a fallback signal; the comparison is strict
	// (a gap of exactly RewatchGap does not qualify).
	RewatchGap = 2 * time.Hour
)

// Decision is the classifier's verdict on one candidate event.
type Decision struct {
	// Notify is true for a qualifying event that should be dispatched.
	Notify bool

	// IsRewatch is true when the identity was already rated at least once;
	// the rating UI pre-selects "rewatch" in that case.
	IsRewatch bool

	// PreviousViewedAt is the most recent rated viewing timestamp, for the
	// "previously viewed" display field. 0 when unknown. Only set on rewatch.
	PreviousViewedAt int64
}

// Classify decides whether ev is a new viewing worth notifying about.
// It is a pure function of (store, event): no writes happen here, so a
// discarded event leaves no trace.
//
// An event qualifies when the identity is unknown, the server's view counter
// advanced past the stored one, or more than RewatchGap elapsed since the
// stored viewing timestamp. An event inside DuplicateWindow of an
// already-notified viewing is discarded before the qualification checks.
func Classify(ctx context.Context, st *Store, ev Event) (Decision, error) {
	notified, err := st.WasRecentlyNotified(ctx, ev.Identity, ev.ViewedAt, DuplicateWindow)
	if err != nil {
		return Decision{}, fmt.Errorf("viewing: duplicate check: %w", err)
	}
	if notified {
		return Decision{}, nil
	}

	stored, err := st.Get(ctx, ev.Identity)
	if err != nil {
		return Decision{}, fmt.Errorf("viewing: lookup: %w", err)
	}

	qualifies := stored == nil ||
		ev.ViewCount > stored.ViewCount ||
		(stored.LastViewedAt > 0 && ev.ViewedAt-stored.LastViewedAt > int64(RewatchGap/time.Second))
	if !qualifies {
		return Decision{}, nil
	}

	rewatch, err := st.WasPreviouslyRated(ctx, ev.Identity)
	if err != nil {
		return Decision{}, fmt.Errorf("viewing: rewatch check: %w", err)
	}

	dec := Decision{Notify: true, IsRewatch: rewatch}
	if rewatch {
		ts, err := st.PreviousViewingTimestamp(ctx, ev.Identity)
		if err != nil {
			return Decision{}, fmt.Errorf("viewing: previous viewing: %w", err)
		}
		dec.PreviousViewedAt = ts
	}
	return dec, nil
}
