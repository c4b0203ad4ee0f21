package storage

import "time"

// AuditWriter is the interface for writing pipeline audit events.
// Write() must NEVER block the caller.
type AuditWriter interface {
	Write(event *AuditEvent)
	Close()
}

// Audit event kinds.
const (
	KindIngest        = "ingest"
	KindMap           = "map"
	KindApprove       = "approve"
	KindReject        = "reject"
	KindRetract       = "retract"
	KindCorroborate   = "corroborate"
	KindSnapshot      = "snapshot"
	KindBudgetRefused = "budget_refused"
)

// AuditEvent is one pipeline action to be persisted in the audit trail.
type AuditEvent struct {
	ID        string
	Timestamp time.Time
	Kind      string
	EventID   string
	LinkID    string
	Signposts []string
	Preset    string
	Actor     string // reviewer or job name
	Reason    string
	Detail    string // First 500 chars
	Score     float64
	Metadata  map[string]string
}

// DetailLength is the max chars stored in detail.
const DetailLength = 500

// Truncate returns the first N characters (runes) of s. It never splits a
// multi-byte UTF-8 character.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
