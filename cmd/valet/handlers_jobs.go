package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func runJobsList(cmd *cobra.Command, configPath, addr string) error {
	client, err := jobsClient(configPath, addr)
	if err != nil {
		return err
	}
	var list jobList
	if err := client.getJSON(cmd.Context(), "/v1/jobs", &list); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(list.Jobs) == 0 {
		fmt.Fprintln(out, "No jobs scheduled.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tSCHEDULE\tNOTIFY\tSTATE\tNEXT RUN")
	for _, job := range list.Jobs {
		state := "active"
		if job.Paused {
			state = "paused"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			job.Name, job.Kind, job.Schedule, job.Notify, state, formatNextRun(job))
	}
	return w.Flush()
}

func runJobsAdd(cmd *cobra.Command, configPath, addr, name, cronExpr string, everyMin int, delay, prompt string, notifyUser bool) error {
	scheduled := 0
	if strings.TrimSpace(cronExpr) != "" {
		scheduled++
	}
	if everyMin > 0 {
		scheduled++
	}
	if strings.TrimSpace(delay) != "" {
		scheduled++
	}
	if scheduled != 1 {
		return fmt.Errorf("exactly one of --cron, --every, or --in is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("--prompt is required")
	}

	req := jobCreateRequest{Name: name, Prompt: prompt, Notify: notifyUser}
	switch {
	case strings.TrimSpace(cronExpr) != "":
		req.Kind = "cron"
		req.Schedule = cronExpr
	case everyMin > 0:
		req.Kind = "interval"
		req.Schedule = strconv.Itoa(everyMin)
	default:
		req.Kind = "one_shot"
		req.Schedule = delay
	}

	client, err := jobsClient(configPath, addr)
	if err != nil {
		return err
	}
	var created jobInfo
	if err := client.postJSON(cmd.Context(), "/v1/jobs", req, &created); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job created: %s (%s %q)\n", created.Name, created.Kind, created.Schedule)
	if !created.NextRun.IsZero() {
		fmt.Fprintf(out, "Next run:    %s\n", created.NextRun.Format(time.RFC3339))
	}
	return nil
}

func runJobsRemove(cmd *cobra.Command, configPath, addr, name string) error {
	client, err := jobsClient(configPath, addr)
	if err != nil {
		return err
	}
	if err := client.del(cmd.Context(), "/v1/jobs/"+url.PathEscape(name)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job removed: %s\n", name)
	return nil
}

func runJobsToggle(cmd *cobra.Command, configPath, addr, name string, pause bool) error {
	action := "resume"
	if pause {
		action = "pause"
	}
	client, err := jobsClient(configPath, addr)
	if err != nil {
		return err
	}
	var resp struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := client.postJSON(cmd.Context(), "/v1/jobs/"+url.PathEscape(name)+"/"+action, struct{}{}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s\n", resp.Status, resp.Name)
	return nil
}

func runJobsStatus(cmd *cobra.Command, configPath, addr, name string) error {
	client, err := jobsClient(configPath, addr)
	if err != nil {
		return err
	}
	var detail jobDetail
	if err := client.getJSON(cmd.Context(), "/v1/jobs/"+url.PathEscape(name), &detail); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	job := detail.Job
	state := "active"
	if job.Paused {
		state = "paused"
	}
	fmt.Fprintf(out, "Name:     %s\n", job.Name)
	fmt.Fprintf(out, "Kind:     %s\n", job.Kind)
	fmt.Fprintf(out, "Schedule: %s\n", job.Schedule)
	fmt.Fprintf(out, "Prompt:   %s\n", job.Prompt)
	fmt.Fprintf(out, "Notify:   %t\n", job.Notify)
	fmt.Fprintf(out, "State:    %s\n", state)
	fmt.Fprintf(out, "Created:  %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Next run: %s\n", formatNextRun(job))

	if detail.LastExecution == nil {
		fmt.Fprintln(out, "\nNo executions yet.")
		return nil
	}
	exec := detail.LastExecution
	fmt.Fprintf(out, "\nLast execution:\n")
	fmt.Fprintf(out, "  Executed: %s\n", exec.ExecutedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  Status:   %s\n", exec.Status)
	fmt.Fprintf(out, "  Duration: %s\n", formatDurationMS(exec.DurationMS))
	if exec.ResultSummary != "" {
		fmt.Fprintf(out, "  Result:   %s\n", exec.ResultSummary)
	}
	return nil
}

func runJobsHistory(cmd *cobra.Command, configPath, addr, name string, limit int) error {
	client, err := jobsClient(configPath, addr)
	if err != nil {
		return err
	}
	path := "/v1/jobs/" + url.PathEscape(name) + "/executions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var list executionList
	if err := client.getJSON(cmd.Context(), path, &list); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(list.Executions) == 0 {
		fmt.Fprintln(out, "No executions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTED AT\tSTATUS\tDURATION\tRESULT")
	for _, exec := range list.Executions {
		result := exec.ResultSummary
		if len(result) > 60 {
			result = result[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			exec.ExecutedAt.Format(time.RFC3339), exec.Status, formatDurationMS(exec.DurationMS), result)
	}
	return w.Flush()
}

func jobsClient(configPath, addr string) (*apiClient, error) {
	base, err := resolveBaseURL(configPath, addr)
	if err != nil {
		return nil, err
	}
	return newAPIClient(base), nil
}

func formatNextRun(job jobInfo) string {
	if job.Paused || job.NextRun.IsZero() {
		return "-"
	}
	return job.NextRun.Format(time.RFC3339)
}

func formatDurationMS(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond).String()
}
