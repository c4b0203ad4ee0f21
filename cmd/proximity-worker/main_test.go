package main

import (
	"testing"

	"github.com/robfig/cron/v3"
)

func TestStartAfterCatchUp_SchedulerIdleDuringCatchUp(t *testing.T) {
	sched := cron.New()
	if _, err := sched.AddFunc("@every 1h", func() {}); err != nil {
		t.Fatalf("AddFunc: %v", err)
	}
	defer func() { <-sched.Stop().Done() }()

	ran := false
	startAfterCatchUp(sched, func() {
		ran = true
		// Next is only assigned once the scheduler is running.
		if next := sched.Entries()[0].Next; !next.IsZero() {
			t.Errorf("scheduler already running during catch-up, next run %v", next)
		}
	})
	if !ran {
		t.Fatal("catch-up did not run")
	}
	if sched.Entries()[0].Next.IsZero() {
		t.Error("scheduler not started after catch-up")
	}
}
