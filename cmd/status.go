package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/cwbudde/clvecadd/internal/server"
)

var (
	serverURL string
	cancelJob bool
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the job server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	statusCmd.Flags().BoolVar(&cancelJob, "cancel", false, "Cancel the given job")
	rootCmd.AddCommand(statusCmd)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func runStatus(cmd *cobra.Command, args []string) error {
	base := strings.TrimRight(serverURL, "/")
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		if cancelJob {
			return fmt.Errorf("--cancel requires a job ID")
		}
		return listJobs(out, base+"/api/v1/jobs")
	}

	jobID := args[0]
	if cancelJob {
		return requestCancel(out, base+"/api/v1/jobs/"+jobID, jobID)
	}
	return getJobStatus(out, base+"/api/v1/jobs/"+jobID+"/status", jobID)
}

func getJSON(url string, v any) (int, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to server: %w", err)
	}
	return decodeBody(resp, v)
}

// decodeBody decodes a 2xx JSON response into v and closes the body.
func decodeBody(resp *http.Response, v any) (int, error) {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func listJobs(w io.Writer, url string) error {
	var jobs []server.Job
	if _, err := getJSON(url, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	fmt.Fprintf(w, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(w, "Job ID: %s\n", job.ID)
		fmt.Fprintf(w, "  State: %s\n", job.State)
		fmt.Fprintf(w, "  Count: %d, repeat %d\n", job.Config.Count, job.Config.Repeat)
		if job.Dispatches > 0 {
			fmt.Fprintf(w, "  Kernel: %s (%d dispatches)\n", time.Duration(job.KernelNs), job.Dispatches)
		}
		if job.State == server.StateCompleted {
			fmt.Fprintf(w, "  Mismatches: %d\n", job.Mismatches)
		}
		fmt.Fprintln(w)
	}
	return nil
}

type statusResponse struct {
	server.Job
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

func getJobStatus(w io.Writer, url, jobID string) error {
	var status statusResponse
	code, err := getJSON(url, &status)
	if code == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Job: %s\n", status.ID)
	fmt.Fprintf(w, "State: %s\n", status.State)
	fmt.Fprintln(w)

	c := status.Config
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Kernel: %s (%s)\n", c.KernelPath, c.KernelName)
	fmt.Fprintf(w, "  Count: %d\n", c.Count)
	if c.Seed != nil {
		fmt.Fprintf(w, "  Seed: %d\n", *c.Seed)
	}
	fmt.Fprintf(w, "  Policy: %s\n", c.Policy)
	fmt.Fprintf(w, "  Repeat: %d\n", c.Repeat)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Progress:")
	if status.Device != "" {
		fmt.Fprintf(w, "  Device: %s on %s\n", status.Device, status.Platform)
	}
	fmt.Fprintf(w, "  Dispatches: %d/%d\n", status.Dispatches, c.Repeat)
	if status.Dispatches > 0 {
		fmt.Fprintf(w, "  Queue to start: %s\n", time.Duration(status.QueueLatencyNs))
		fmt.Fprintf(w, "  Kernel execution: %s\n", time.Duration(status.KernelNs))
	}
	if status.State == server.StateCompleted {
		fmt.Fprintf(w, "  Mismatches: %d\n", status.Mismatches)
	}
	elapsed := time.Duration(status.ElapsedSeconds * float64(time.Second))
	fmt.Fprintf(w, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	if status.ReportID != "" {
		fmt.Fprintf(w, "  Report: %s\n", status.ReportID)
	}

	if status.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", status.Error)
	}
	return nil
}

func requestCancel(w io.Writer, url, jobID string) error {
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Fprintf(w, "Cancellation requested for %s\n", jobID)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("job not found: %s", jobID)
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
}
