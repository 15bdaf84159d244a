package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTraceWriter_WriteAndRead(t *testing.T) {
	tmpDir := t.TempDir()
	id := "run-123"

	writer, err := NewTraceWriter(tmpDir, id, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}

	entries := []TraceEntry{
		{Iteration: 0, QueueLatencyNs: 1500, KernelNs: 52000, Timestamp: time.Now()},
		{Iteration: 1, QueueLatencyNs: 1100, KernelNs: 49000, Timestamp: time.Now()},
		{Iteration: 2, LocalSize: 128, QueueLatencyNs: 900, KernelNs: 47000, Timestamp: time.Now()},
	}
	for _, entry := range entries {
		if err := writer.Write(entry); err != nil {
			t.Fatalf("Failed to write entry: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	tracePath := filepath.Join(tmpDir, "runs", id, "trace.jsonl")
	if writer.Path() != tracePath {
		t.Errorf("Path() = %s, want %s", writer.Path(), tracePath)
	}
	data, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("Trace file not created: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != len(entries) {
		t.Errorf("Expected %d JSON lines, got %d", len(entries), lines)
	}

	reader, err := NewTraceReader(tmpDir, id)
	if err != nil {
		t.Fatalf("Failed to create trace reader: %v", err)
	}
	defer reader.Close()

	readEntries, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(readEntries) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(readEntries))
	}
	for i, entry := range readEntries {
		if entry.Iteration != entries[i].Iteration {
			t.Errorf("Entry %d: expected iteration %d, got %d", i, entries[i].Iteration, entry.Iteration)
		}
		if entry.KernelNs != entries[i].KernelNs {
			t.Errorf("Entry %d: expected kernel %d, got %d", i, entries[i].KernelNs, entry.KernelNs)
		}
		if entry.LocalSize != entries[i].LocalSize {
			t.Errorf("Entry %d: expected local size %d, got %d", i, entries[i].LocalSize, entry.LocalSize)
		}
	}
}

func TestTraceWriter_Append(t *testing.T) {
	tmpDir := t.TempDir()
	id := "run-append"

	for round := 0; round < 2; round++ {
		writer, err := NewTraceWriter(tmpDir, id, round > 0)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 3; i++ {
			if err := writer.Write(TraceEntry{Iteration: round*3 + i, Timestamp: time.Now()}); err != nil {
				t.Fatal(err)
			}
		}
		if err := writer.Close(); err != nil {
			t.Fatal(err)
		}
	}

	reader, err := NewTraceReader(tmpDir, id)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 6 {
		t.Fatalf("Expected 6 entries after append, got %d", len(entries))
	}
	if entries[5].Iteration != 5 {
		t.Errorf("Expected last iteration 5, got %d", entries[5].Iteration)
	}
}

func TestTraceWriter_Flush(t *testing.T) {
	tmpDir := t.TempDir()
	id := "run-flush"

	writer, err := NewTraceWriter(tmpDir, id, false)
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()

	if err := writer.Write(TraceEntry{Iteration: 0, KernelNs: 1}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(writer.Path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("Expected buffered write to leave file empty, got %d bytes", info.Size())
	}

	if err := writer.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	info, err = os.Stat(writer.Path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Error("Expected data on disk after Flush")
	}
}

func TestTraceReader_ReadIteratively(t *testing.T) {
	r := newTraceReader(strings.NewReader(`{"iteration":0,"kernelNs":10}

{"iteration":1,"kernelNs":20}
`))

	first, err := r.Read()
	if err != nil || first.KernelNs != 10 {
		t.Fatalf("first Read = %+v, %v", first, err)
	}
	second, err := r.Read()
	if err != nil || second.Iteration != 1 {
		t.Fatalf("second Read = %+v, %v", second, err)
	}
	if _, err := r.Read(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close on a stream reader failed: %v", err)
	}
}

func TestTraceReader_Malformed(t *testing.T) {
	r := newTraceReader(strings.NewReader("{\"iteration\":0}\nnot-json\n"))
	if _, err := r.ReadAll(); err == nil {
		t.Error("Expected error for malformed line")
	}
}

func TestTraceReader_NotFound(t *testing.T) {
	_, err := NewTraceReader(t.TempDir(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTraceWriter_ConcurrentWrites(t *testing.T) {
	tmpDir := t.TempDir()
	id := "run-concurrent"

	writer, err := NewTraceWriter(tmpDir, id, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	defer writer.Close()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(iter int) {
			if err := writer.Write(TraceEntry{Iteration: iter, KernelNs: int64(iter), Timestamp: time.Now()}); err != nil {
				t.Errorf("Concurrent write failed: %v", err)
			}
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if err := writer.Flush(); err != nil {
		t.Fatal(err)
	}

	reader, err := NewTraceReader(tmpDir, id)
	if err != nil {
		t.Fatalf("Failed to create trace reader: %v", err)
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(entries) != 10 {
		t.Errorf("Expected 10 entries, got %d", len(entries))
	}
}

func TestKernelSeries(t *testing.T) {
	got := KernelSeries([]TraceEntry{{KernelNs: 1500}, {KernelNs: 2000}})
	if len(got) != 2 || got[0] != 1.5 || got[1] != 2 {
		t.Errorf("KernelSeries = %v, want [1.5 2]", got)
	}
}
