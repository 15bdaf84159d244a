package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/clvecadd/internal/store"
	"github.com/cwbudde/clvecadd/internal/vecadd"
)

var day = 24 * time.Hour

func retentionFixture(now time.Time) []store.ReportInfo {
	return []store.ReportInfo{
		{ID: "run1", CreatedAt: now.Add(-10 * day)}, // 10 days old
		{ID: "run2", CreatedAt: now.Add(-5 * day)},  // 5 days old
		{ID: "run3", CreatedAt: now.Add(-1 * day)},  // 1 day old
		{ID: "run4", CreatedAt: now.Add(-30 * day)}, // 30 days old
	}
}

func ids(infos []store.ReportInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.ID
	}
	return out
}

func TestSelectRunsForDeletion_ByAge(t *testing.T) {
	now := time.Now()
	toDelete := selectRunsForDeletion(retentionFixture(now), 0, 7*day, now)

	got := strings.Join(ids(toDelete), ",")
	if got != "run4,run1" {
		t.Errorf("Expected run4,run1 (oldest first), got %s", got)
	}
}

func TestSelectRunsForDeletion_ByCount(t *testing.T) {
	now := time.Now()
	toDelete := selectRunsForDeletion(retentionFixture(now), 2, 0, now)

	got := strings.Join(ids(toDelete), ",")
	if got != "run4,run1" {
		t.Errorf("Expected the two oldest runs, got %s", got)
	}
}

func TestSelectRunsForDeletion_Combined(t *testing.T) {
	now := time.Now()

	// Keep the newest 3, and drop anything older than 3 days.
	toDelete := selectRunsForDeletion(retentionFixture(now), 3, 3*day, now)

	got := strings.Join(ids(toDelete), ",")
	if got != "run4,run1,run2" {
		t.Errorf("Expected run4,run1,run2 without duplicates, got %s", got)
	}
}

func TestSelectRunsForDeletion_NothingToDelete(t *testing.T) {
	now := time.Now()

	if got := selectRunsForDeletion(retentionFixture(now), 10, 0, now); len(got) != 0 {
		t.Errorf("keep-last above the run count should delete nothing, got %v", ids(got))
	}
	if got := selectRunsForDeletion(retentionFixture(now), 0, 100*day, now); len(got) != 0 {
		t.Errorf("No run is older than 100 days, got %v", ids(got))
	}
	if got := selectRunsForDeletion(nil, 1, day, now); len(got) != 0 {
		t.Errorf("Empty input should delete nothing, got %v", ids(got))
	}
}

func TestSelectRunsForDeletion_DoesNotReorderInput(t *testing.T) {
	now := time.Now()
	infos := retentionFixture(now)
	selectRunsForDeletion(infos, 1, 0, now)

	if got := strings.Join(ids(infos), ","); got != "run1,run2,run3,run4" {
		t.Errorf("Input was modified: %s", got)
	}
}

func TestPrintRunTable(t *testing.T) {
	var buf bytes.Buffer
	err := printRunTable(&buf, []store.ReportInfo{{
		ID:         "0123456789abcdef",
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Device:     "Mock CPU Device",
		Count:      100000,
		Dispatches: 3,
		KernelNs:   1500,
		SizeBytes:  2048,
	}})
	if err != nil {
		t.Fatalf("printRunTable failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"RUN ID", "0123456789ab...", "2026-03-01 12:00:00", "Mock CPU Device", "1.5µs", "2.0 KiB"} {
		if !strings.Contains(out, want) {
			t.Errorf("Table missing %q:\n%s", want, out)
		}
	}
}

func TestPrintReport(t *testing.T) {
	report := &store.Report{
		ID:           "run-1",
		CreatedAt:    time.Now().Add(-time.Hour),
		Source:       "cli",
		Driver:       "mock",
		Policy:       "first",
		Platform:     "Mock Platform",
		Device:       "Mock CPU Device",
		DeviceType:   "cpu",
		Config:       vecadd.Config{KernelPath: "vector_add_kernel.cl", KernelName: "vector_add", Count: 100000, Seed: 42},
		Dispatches:   3,
		KernelNs:     2_003_004,
		MeanKernelNs: 2_000_000,
		MinKernelNs:  1_900_000,
	}
	trace := []store.TraceEntry{
		{Iteration: 0, KernelNs: 2_100_000},
		{Iteration: 1, KernelNs: 1_900_000},
		{Iteration: 2, KernelNs: 2_003_004},
	}

	var buf bytes.Buffer
	if err := printReport(&buf, report, trace); err != nil {
		t.Fatalf("printReport failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"Run: run-1",
		"Device: Mock CPU Device (cpu, driver mock, policy first)",
		"Count: 100,000",
		"Seed: 42",
		"Kernel execution: 2 ms, 3 us, 4 ns",
		"Kernel mean 2ms, min 1.9ms",
		"kernel execution per dispatch (us)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Report missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printReport(&buf, report, trace[:1])
	if strings.Contains(buf.String(), "per dispatch") {
		t.Error("A single sample should not be plotted")
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("abc"); got != "abc" {
		t.Errorf("Short IDs are kept, got %q", got)
	}
	if got := shortID("0123456789abcdef"); got != "0123456789ab..." {
		t.Errorf("Unexpected truncation %q", got)
	}
}
