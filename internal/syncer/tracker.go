// Package syncer plans incremental sync windows and orchestrates full
// account synchronization runs: fetch pages, normalize, merge, match,
// categorize, advance the watermark.
package syncer

import (
	"time"

	"github.com/dvloznov/txsync/internal/domain"
)

// Window is one planned fetch range. End is captured when planning starts
// and never moves during the run, so records arriving mid-sync fall into
// the next window instead of racing this one.
type Window struct {
	Start   time.Time
	End     time.Time
	Initial bool
}

// Tracker decides how far back each sync run reaches.
type Tracker struct {
	initialMonths int
	overlap       time.Duration
}

// NewTracker configures window planning. initialMonths is the backfill
// depth for an account's first sync; overlap is re-fetched behind the
// watermark on every later sync to absorb late-posting records.
func NewTracker(initialMonths int, overlap time.Duration) *Tracker {
	if initialMonths <= 0 {
		initialMonths = 24
	}
	if overlap < 0 {
		overlap = 0
	}
	return &Tracker{initialMonths: initialMonths, overlap: overlap}
}

// PlanWindow returns the fetch range for the account's next sync run. An
// account with no watermark gets the full initial backfill; otherwise the
// window starts a safety overlap before the last watermark. The overlap
// re-fetches already-merged records, which the merge layer absorbs as
// unchanged rows.
func (t *Tracker) PlanWindow(acc *domain.Account, now time.Time) Window {
	end := now
	if acc.LastSyncWatermark == nil {
		return Window{
			Start:   end.AddDate(0, -t.initialMonths, 0),
			End:     end,
			Initial: true,
		}
	}

	start := acc.LastSyncWatermark.Add(-t.overlap)
	if start.After(end) {
		start = end
	}
	return Window{Start: start, End: end}
}
