package chread

import (
	"strings"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestListAuditParams_WhereNoFilters(t *testing.T) {
	where, args := ListAuditParams{}.where()
	if where != "1 = 1" || len(args) != 0 {
		t.Errorf("unexpected where %q args %v", where, args)
	}
}

func TestListAuditParams_WhereAllFilters(t *testing.T) {
	now := time.Now()
	where, args := ListAuditParams{
		Kind:      strPtr("retract"),
		EventID:   strPtr("e1"),
		Signpost:  strPtr("swe_bench_85"),
		Preset:    strPtr("equal"),
		StartTime: &now,
		EndTime:   &now,
	}.where()

	for _, want := range []string{
		"kind = @kind", "event_id = @event_id", "has(signposts, @signpost)",
		"preset = @preset", "timestamp >= @start_time", "timestamp <= @end_time",
	} {
		if !strings.Contains(where, want) {
			t.Errorf("where %q missing %q", where, want)
		}
	}
	if len(args) != 6 {
		t.Errorf("expected 6 args, got %d", len(args))
	}
}

func TestListAuditParams_PageDefaults(t *testing.T) {
	limit, offset := ListAuditParams{}.page()
	if limit != 50 || offset != 0 {
		t.Errorf("defaults = %d/%d, want 50/0", limit, offset)
	}
	limit, offset = ListAuditParams{Page: 3, PageSize: 20}.page()
	if limit != 20 || offset != 40 {
		t.Errorf("page 3 = %d/%d, want 20/40", limit, offset)
	}
}
