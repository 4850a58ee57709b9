package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/valet/internal/usage"
)

func runUsage(cmd *cobra.Command, configPath, addr string) error {
	client, err := jobsClient(configPath, addr)
	if err != nil {
		return err
	}
	var summary usage.Summary
	if err := client.getJSON(cmd.Context(), "/v1/usage", &summary); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Daily budget:   $%.2f\n", summary.DailyBudgetUSD)
	fmt.Fprintf(out, "Spent today:    $%.2f\n", summary.SpentTodayUSD)
	fmt.Fprintf(out, "Remaining:      $%.2f\n", summary.RemainingUSD)
	fmt.Fprintf(out, "Monthly budget: $%.2f\n", summary.MonthlyBudgetUSD)
	fmt.Fprintf(out, "Monthly spend:  $%.2f\n", summary.MonthlySpendUSD)
	cloud := "yes"
	if !summary.CanUseCloud {
		cloud = "no (budget exhausted, requests stay local)"
	}
	fmt.Fprintf(out, "Cloud allowed:  %s\n", cloud)
	return nil
}

func runStatus(cmd *cobra.Command, configPath, addr string) error {
	client, err := jobsClient(configPath, addr)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var health struct {
		Status string `json:"status"`
	}
	if err := client.getJSON(ctx, "/healthz", &health); err != nil {
		return err
	}
	fmt.Fprintf(out, "Daemon:   %s at %s\n", health.Status, client.baseURL)

	var summary usage.Summary
	if err := client.getJSON(ctx, "/v1/usage", &summary); err != nil {
		fmt.Fprintf(out, "Budget:   unavailable (%v)\n", err)
	} else {
		line := fmt.Sprintf("$%.2f of $%.2f spent today", summary.SpentTodayUSD, summary.DailyBudgetUSD)
		if !summary.CanUseCloud {
			line += " (cloud paused)"
		}
		fmt.Fprintf(out, "Budget:   %s\n", line)
	}

	var list jobList
	if err := client.getJSON(ctx, "/v1/jobs", &list); err != nil {
		// The scheduler can be disabled in config; that is not a fault.
		fmt.Fprintln(out, "Jobs:     scheduler unavailable")
		return nil
	}
	paused := 0
	var next time.Time
	for _, job := range list.Jobs {
		if job.Paused {
			paused++
			continue
		}
		if !job.NextRun.IsZero() && (next.IsZero() || job.NextRun.Before(next)) {
			next = job.NextRun
		}
	}
	fmt.Fprintf(out, "Jobs:     %d scheduled, %d paused\n", len(list.Jobs), paused)
	if !next.IsZero() {
		fmt.Fprintf(out, "Next run: %s\n", next.Format(time.RFC3339))
	}
	return nil
}
