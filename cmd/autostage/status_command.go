package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"autostage/internal/config"
	"autostage/internal/pipeline"
)

type daemonStatus struct {
	Running         bool `json:"running"`
	ConnectedOwners int  `json:"connectedOwners"`
}

type jobList struct {
	Jobs []*pipeline.Job `json:"jobs"`
}

func newStatusCommand(configFlag *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(*configFlag)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			client := apiClient{
				baseURL: apiBaseURL(cfg.Server.Bind),
				token:   cfg.Server.APIToken,
				http:    &http.Client{Timeout: 10 * time.Second},
			}

			out := cmd.OutOrStdout()

			var status daemonStatus
			if err := client.getJSON("/api/status", &status); err != nil {
				fmt.Fprintf(out, "Daemon: not reachable (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "Daemon: running\nLive connections: %d\n\n", status.ConnectedOwners)

			var jobs jobList
			if err := client.getJSON("/api/jobs?limit="+strconv.Itoa(limit), &jobs); err != nil {
				return fmt.Errorf("fetch jobs: %w", err)
			}
			if len(jobs.Jobs) == 0 {
				fmt.Fprintln(out, "No jobs recorded.")
				return nil
			}

			rows := make([][]string, 0, len(jobs.Jobs))
			for _, job := range jobs.Jobs {
				rows = append(rows, []string{
					job.UploadID,
					job.OwnerID,
					string(job.Status),
					currentStageLabel(job),
					units.HumanDuration(time.Since(job.CreatedAt)) + " ago",
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"UPLOAD", "OWNER", "STATUS", "STAGE", "AGE"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to list")
	return cmd
}

func currentStageLabel(job *pipeline.Job) string {
	stage := job.CurrentStage()
	if stage == "" {
		return "-"
	}
	return stage
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c apiClient) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiBaseURL(bind string) string {
	bind = strings.TrimSpace(bind)
	if strings.HasPrefix(bind, ":") {
		bind = "127.0.0.1" + bind
	}
	return "http://" + bind
}
