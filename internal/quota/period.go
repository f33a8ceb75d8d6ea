package quota

import "time"

// periodLength is the rolling accounting window used when a workspace has no
// subscription-anchored billing cycle.
const periodLength = 30 * 24 * time.Hour

// Period is a half-open accounting window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// CurrentPeriod returns the accounting window containing now. When the
// subscription has both period bounds they are used verbatim, even if now
// falls outside them. Otherwise the window is the current 30-day slice of the
// rolling sequence anchored at the workspace's creation time; a half-set pair
// of subscription bounds is treated as absent. All times are normalized to
// UTC.
func CurrentPeriod(subStart, subEnd *time.Time, workspaceCreatedAt, now time.Time) Period {
	if subStart != nil && subEnd != nil {
		return Period{Start: subStart.UTC(), End: subEnd.UTC()}
	}

	created := workspaceCreatedAt.UTC()
	now = now.UTC()
	elapsed := now.Sub(created)
	if elapsed < 0 {
		elapsed = 0
	}
	n := elapsed / periodLength
	start := created.Add(n * periodLength)
	return Period{Start: start, End: start.Add(periodLength)}
}
