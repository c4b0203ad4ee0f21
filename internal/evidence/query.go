package evidence

import "time"

// EventFilter narrows ListEvents. Zero values mean "no constraint".
type EventFilter struct {
	Tier             Tier
	Since            time.Time
	Until            time.Time
	SignpostCode     string
	IncludeRetracted bool
	Limit            int
}

// DefaultListLimit caps list queries that do not specify a limit.
const DefaultListLimit = 100

// EffectiveLimit returns the filter limit, or DefaultListLimit.
func (f EventFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Matches reports whether ev passes every constraint except SignpostCode,
// which needs the event's links.
func (f EventFilter) Matches(ev *Event) bool {
	if !f.IncludeRetracted && ev.Retracted {
		return false
	}
	if f.Tier != "" && ev.Tier != f.Tier {
		return false
	}
	if !f.Since.IsZero() && ev.PublishedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !ev.PublishedAt.Before(f.Until) {
		return false
	}
	return true
}

// ReviewItem is a link awaiting review together with its event context.
type ReviewItem struct {
	Link       Link
	EventTitle string
	EventURL   string
	Publisher  string
	Tier       Tier
}
