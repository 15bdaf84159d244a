package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/cwbudde/clvecadd/internal/cl"
	"github.com/cwbudde/clvecadd/internal/store"
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Driver == nil {
		opts.Driver = cl.DefaultMockDriver()
	}
	if opts.KernelDir == "" {
		opts.KernelDir = "testdata"
	}
	s := NewServer(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return s
}

func postJob(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) Job {
	t.Helper()
	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return job
}

func waitForJob(t *testing.T, s *Server, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := s.jobManager.GetJob(id)
		if !ok {
			t.Fatalf("Job %s disappeared", id)
		}
		if job.State.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish", id)
	return nil
}

// holdDevice occupies the device slot so new jobs stay pending until the
// returned function is called.
func holdDevice(s *Server) func() {
	s.device <- struct{}{}
	return func() { <-s.device }
}

func TestServer_CreateJobCompletes(t *testing.T) {
	st, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	s := newTestServer(t, Options{Store: st})

	w := postJob(t, s.Handler(), `{"count": 4096, "seed": 42, "repeat": 3, "localSize": 64}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeJob(t, w)
	if created.ID == "" {
		t.Fatal("Job ID should not be empty")
	}
	if created.State != StatePending && created.State != StateRunning {
		t.Errorf("Expected pending or running state, got %s", created.State)
	}

	job := waitForJob(t, s, created.ID)
	if job.State != StateCompleted {
		t.Fatalf("Expected completed, got %s (%s)", job.State, job.Error)
	}
	if job.Dispatches != 3 {
		t.Errorf("Expected 3 dispatches, got %d", job.Dispatches)
	}
	if job.Mismatches != 0 {
		t.Errorf("Expected no mismatches, got %d", job.Mismatches)
	}
	if job.Device != "Mock CPU Device" || job.Platform != "Mock Platform" {
		t.Errorf("Unexpected selection %q / %q", job.Platform, job.Device)
	}
	if !strings.HasPrefix(job.Output, "\nUsing platform: Mock Platform\nUsing device: Mock CPU Device\n") {
		t.Errorf("Unexpected output:\n%s", job.Output)
	}
	if job.StartTime == nil || job.EndTime == nil {
		t.Error("Start and end times should be set")
	}

	if job.ReportID != job.ID {
		t.Fatalf("Expected report under the job ID, got %q", job.ReportID)
	}
	report, err := st.LoadReport(job.ReportID)
	if err != nil {
		t.Fatalf("LoadReport failed: %v", err)
	}
	if report.Source != "server" || report.Config.Seed != 42 || report.Dispatches != 3 {
		t.Errorf("Unexpected report: %+v", report)
	}
	trace, err := st.LoadTrace(job.ReportID)
	if err != nil {
		t.Fatalf("LoadTrace failed: %v", err)
	}
	if len(trace) != 3 {
		t.Errorf("Expected 3 trace entries, got %d", len(trace))
	}
}

func TestServer_CreateJobWithoutStore(t *testing.T) {
	s := newTestServer(t, Options{})

	w := postJob(t, s.Handler(), `{"count": 1000}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", w.Code)
	}
	created := decodeJob(t, w)
	if created.Config.Seed == nil {
		t.Error("A seed should be assigned when none is given")
	}

	job := waitForJob(t, s, created.ID)
	if job.State != StateCompleted {
		t.Fatalf("Expected completed, got %s (%s)", job.State, job.Error)
	}
	if job.ReportID != "" {
		t.Errorf("No report should be saved, got %q", job.ReportID)
	}
}

func TestServer_CreateJobValidation(t *testing.T) {
	s := newTestServer(t, Options{})

	tests := map[string]string{
		"invalid json":    `{"count":`,
		"negative count":  `{"count": -5}`,
		"huge count":      `{"count": 140737488355328}`,
		"unknown policy":  `{"policy": "fastest"}`,
		"escaping path":   `{"kernelPath": "../vector_add_kernel.cl"}`,
		"absolute path":   `{"kernelPath": "/etc/passwd"}`,
		"bad local size":  `{"localSize": -1}`,
		"out of range ix": `{"policy": "index:-1:0"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := postJob(t, s.Handler(), body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}

	if n := len(s.jobManager.ListJobs()); n != 0 {
		t.Errorf("Rejected requests should not create jobs, got %d", n)
	}
}

func TestServer_CountExceedsDeviceLimit(t *testing.T) {
	drv := cl.NewMockDriver(cl.MockPlatform{
		Info:    cl.PlatformInfo{Name: "Small"},
		Devices: []cl.DeviceInfo{{Name: "tiny", MaxWorkGroupSize: 64, MaxAllocBytes: 1 << 10}},
	})
	s := newTestServer(t, Options{Driver: drv})

	w := postJob(t, s.Handler(), `{"count": 257}`)
	job := waitForJob(t, s, decodeJob(t, w).ID)

	if job.State != StateFailed {
		t.Fatalf("Expected failed, got %s", job.State)
	}
	if !strings.Contains(job.Error, "device allocation limit") {
		t.Errorf("Expected allocation limit error, got %q", job.Error)
	}

	// The server keeps serving after the rejected job.
	w = postJob(t, s.Handler(), `{"count": 256, "seed": 3}`)
	if job := waitForJob(t, s, decodeJob(t, w).ID); job.State != StateCompleted {
		t.Errorf("Expected a fitting job to complete, got %s (%s)", job.State, job.Error)
	}
}

func TestServer_BuildFailure(t *testing.T) {
	s := newTestServer(t, Options{})

	w := postJob(t, s.Handler(), `{"count": 100, "kernelPath": "malformed_kernel.cl"}`)
	job := waitForJob(t, s, decodeJob(t, w).ID)

	if job.State != StateFailed {
		t.Fatalf("Expected failed, got %s", job.State)
	}
	if !strings.HasPrefix(job.Error, "Error building: ") {
		t.Errorf("Expected build log in error, got %q", job.Error)
	}
	if !strings.Contains(job.Output, "Error building: ") {
		t.Errorf("Console output should carry the build log:\n%s", job.Output)
	}
}

func TestServer_NoDevices(t *testing.T) {
	drv := cl.NewMockDriver(cl.MockPlatform{Info: cl.PlatformInfo{Name: "Empty"}})
	s := newTestServer(t, Options{Driver: drv})

	w := postJob(t, s.Handler(), `{"count": 100}`)
	job := waitForJob(t, s, decodeJob(t, w).ID)

	if job.State != StateFailed {
		t.Fatalf("Expected failed, got %s", job.State)
	}
	if job.Output != "\nUsing platform: Empty\nNo OpenCL devices found.\n" {
		t.Errorf("Unexpected output %q", job.Output)
	}
}

func TestServer_ListJobs(t *testing.T) {
	s := newTestServer(t, Options{})

	s.jobManager.CreateJob(JobConfig{Count: 1}, nil)
	s.jobManager.CreateJob(JobConfig{Count: 2}, nil)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var jobs []*Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestServer_GetJobStatus(t *testing.T) {
	s := newTestServer(t, Options{})
	job := s.jobManager.CreateJob(JobConfig{Count: 7}, nil)

	for _, path := range []string{"/api/v1/jobs/" + job.ID, "/api/v1/jobs/" + job.ID + "/status"} {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, w.Code)
		}

		var response map[string]any
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if response["id"] != job.ID {
			t.Error("Response should contain job ID")
		}
		if response["state"] != string(StatePending) {
			t.Errorf("Expected pending, got %v", response["state"])
		}
		if _, ok := response["elapsedSeconds"]; !ok {
			t.Error("Response should contain elapsedSeconds")
		}
	}
}

func TestServer_NotFound(t *testing.T) {
	s := newTestServer(t, Options{})

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/v1/jobs/nonexistent", http.StatusNotFound},
		{http.MethodGet, "/api/v1/jobs/nonexistent/events", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/jobs/nonexistent", http.StatusNotFound},
		{http.MethodGet, "/api/v1/jobs/", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/jobs/abc/best.png", http.StatusNotFound},
		{http.MethodPut, "/api/v1/jobs", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/v1/jobs/abc/status", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
		if w.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.want, w.Code)
		}
	}
}

func TestServer_CancelPendingJob(t *testing.T) {
	s := newTestServer(t, Options{})
	release := holdDevice(s)
	defer release()

	created := decodeJob(t, postJob(t, s.Handler(), `{"count": 100}`))

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+created.ID, nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}

	job := waitForJob(t, s, created.ID)
	if job.State != StateCancelled {
		t.Errorf("Expected cancelled, got %s", job.State)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+created.ID, nil))
	if w.Code != http.StatusConflict {
		t.Errorf("Cancelling a finished job: expected 409, got %d", w.Code)
	}
}

func TestServer_JobTimeout(t *testing.T) {
	s := newTestServer(t, Options{JobTimeout: 20 * time.Millisecond})
	release := holdDevice(s)
	defer release()

	created := decodeJob(t, postJob(t, s.Handler(), `{"count": 100}`))
	job := waitForJob(t, s, created.ID)

	if job.State != StateFailed || job.Error != "job timed out" {
		t.Errorf("Expected timeout failure, got %s (%s)", job.State, job.Error)
	}
}

func TestServer_ShutdownCancelsJobs(t *testing.T) {
	s := NewServer(Options{Driver: cl.DefaultMockDriver(), KernelDir: "testdata"})
	release := holdDevice(s)
	defer release()

	created := decodeJob(t, postJob(t, s.Handler(), `{"count": 100}`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	job, _ := s.jobManager.GetJob(created.ID)
	if job.State != StateCancelled {
		t.Errorf("Expected cancelled after shutdown, got %s", job.State)
	}
}

func TestServer_Platforms(t *testing.T) {
	s := newTestServer(t, Options{})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/platforms", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp platformsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Driver != cl.DriverMock {
		t.Errorf("Expected mock driver, got %q", resp.Driver)
	}
	if len(resp.Platforms) != 1 || resp.Platforms[0].Name != "Mock Platform" {
		t.Fatalf("Unexpected platforms: %+v", resp.Platforms)
	}
	if len(resp.Platforms[0].Devices) != 1 {
		t.Errorf("Expected one device, got %d", len(resp.Platforms[0].Devices))
	}
	if resp.Host.NumCPU <= 0 {
		t.Error("Host info should report CPUs")
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newTestServer(t, Options{})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected CORS header, got %q", got)
	}
}

func readEvents(t *testing.T, body *bufio.Scanner, until func(ProgressEvent) bool) []ProgressEvent {
	t.Helper()
	var events []ProgressEvent
	for body.Scan() {
		line := body.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev ProgressEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("Bad event %q: %v", data, err)
		}
		events = append(events, ev)
		if until(ev) {
			break
		}
	}
	return events
}

func TestServer_EventStream(t *testing.T) {
	s := newTestServer(t, Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	release := holdDevice(s)
	created := decodeJob(t, postJob(t, s.Handler(), `{"count": 2048, "repeat": 4}`))

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/jobs/%s/events", ts.URL, created.ID))
	if err != nil {
		release()
		t.Fatalf("GET events failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Unexpected content type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	first := readEvents(t, scanner, func(ProgressEvent) bool { return true })
	if len(first) != 1 || first[0].State != StatePending {
		release()
		t.Fatalf("Expected initial pending event, got %+v", first)
	}

	release()
	events := readEvents(t, scanner, func(ev ProgressEvent) bool { return ev.State.Terminal() })
	if len(events) == 0 {
		t.Fatal("No events after release")
	}

	last := events[len(events)-1]
	if last.State != StateCompleted {
		t.Errorf("Expected completed, got %s (%s)", last.State, last.Error)
	}
	if last.Dispatches != 4 || last.Repeat != 4 {
		t.Errorf("Expected 4/4 dispatches, got %d/%d", last.Dispatches, last.Repeat)
	}
	if last.KernelNs <= 0 {
		t.Error("Kernel time should be reported")
	}

	// The stream ends after the terminal event.
	if scanner.Scan() && strings.HasPrefix(scanner.Text(), "data: ") {
		t.Errorf("Unexpected event after completion: %s", scanner.Text())
	}
}

func TestServer_EventStreamFinishedJob(t *testing.T) {
	s := newTestServer(t, Options{})
	created := decodeJob(t, postJob(t, s.Handler(), `{"count": 100}`))
	waitForJob(t, s, created.ID)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.ID+"/events", nil))

	events := readEvents(t, bufio.NewScanner(bytes.NewReader(w.Body.Bytes())), func(ProgressEvent) bool { return false })
	if len(events) != 1 || events[0].State != StateCompleted {
		t.Errorf("Expected a single completed event, got %+v", events)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(8)
	fmt.Fprint(b, "abcd")
	fmt.Fprint(b, "efghij")
	fmt.Fprint(b, "kl")

	if got := b.String(); got != "abcdefgh\n... 4 bytes truncated\n" {
		t.Errorf("Unexpected content %q", got)
	}

	small := newCappedBuffer(100)
	fmt.Fprint(small, "ok")
	if small.String() != "ok" {
		t.Errorf("Unexpected content %q", small.String())
	}
}

func TestResolveKernelPath(t *testing.T) {
	got, err := resolveKernelPath("kernels", "sub/add.cl")
	if err != nil || got != "kernels/sub/add.cl" {
		t.Errorf("Unexpected result %q, %v", got, err)
	}
	for _, bad := range []string{"", "../add.cl", "/abs/add.cl", "a/../../b.cl"} {
		if _, err := resolveKernelPath("kernels", bad); err == nil {
			t.Errorf("Expected %q to be rejected", bad)
		}
	}
}
