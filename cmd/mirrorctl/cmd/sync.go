package cmd

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_mirror/internal/ratelimit"
	"github.com/austindbirch/harbor_mirror/internal/syncjob"
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Request and follow sync jobs",
	Long:  `Request provider pulls for a user, list and inspect sync jobs, and show per-resource sync state.`,
}

var syncRequestCmd = &cobra.Command{
	Use:   "request [job-type]",
	Short: "Request a sync job",
	Long: `Request a sync job. Job types are overview_sync, repo_sync and pr_detail_sync.
An active job for the same resource is returned instead of a new one.

Examples:
  mirrorctl sync request overview_sync --user acme
  mirrorctl sync request repo_sync --user acme --resource acme/widgets --force
  mirrorctl sync request pr_detail_sync --user acme --resource acme/widgets#12`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(syncjob.OverviewSync), string(syncjob.RepoSync), string(syncjob.PRDetailSync)},
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		resource, _ := cmd.Flags().GetString("resource")
		priorityStr, _ := cmd.Flags().GetString("priority")
		force, _ := cmd.Flags().GetBool("force")

		priority, err := parseOptionalInt(priorityStr)
		if err != nil {
			return fmt.Errorf("invalid priority: %w", err)
		}
		req := syncjob.Request{
			JobType:    syncjob.JobType(args[0]),
			UserID:     user,
			ResourceID: resource,
			Priority:   priority,
			Force:      force,
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		var res syncjob.RequestResult
		if err := doRequest(ctx, "POST", "/v1/sync/jobs", req, &res); err != nil {
			return fmt.Errorf("failed to request sync: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, res)
			return nil
		}
		switch {
		case res.Skipped:
			fmt.Fprintln(out, "Resource is fresh; no job scheduled (use --force to override)")
		case res.Created:
			fmt.Fprintf(out, "Scheduled job %d\n", res.Job.ID)
		default:
			fmt.Fprintf(out, "Joined active job %d\n", res.Job.ID)
		}
		if res.Job.ID != 0 {
			printJob(out, res.Job)
		}
		return nil
	},
}

var syncListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		state, _ := cmd.Flags().GetString("state")
		jobType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		if user != "" {
			q.Set("user", user)
		}
		if state != "" {
			q.Set("state", state)
		}
		if jobType != "" {
			q.Set("type", jobType)
		}
		q.Set("limit", strconv.Itoa(limit))

		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp struct {
			Jobs []syncjob.Job `json:"jobs"`
		}
		if err := doRequest(ctx, "GET", "/v1/sync/jobs?"+q.Encode(), nil, &resp); err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		if len(resp.Jobs) == 0 {
			fmt.Fprintln(out, "No sync jobs found")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tRESOURCE\tUSER\tSTATE\tSTEPS\tITEMS\tNEXT RUN")
		for _, j := range resp.Jobs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
				j.ID, j.JobType, resourceLabel(j), j.UserID, j.State,
				j.CompletedSteps, j.TotalSteps, j.ItemsFetched, formatTime(&j.NextRunAt))
		}
		return tw.Flush()
	},
}

var syncGetCmd = &cobra.Command{
	Use:   "get [job-id]",
	Short: "Show one sync job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobAction(cmd, "GET", "/v1/sync/jobs/"+args[0], args[0])
	},
}

var syncCancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a pending or running sync job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobAction(cmd, "POST", "/v1/sync/jobs/"+args[0]+"/cancel", args[0])
	},
}

func jobAction(cmd *cobra.Command, method, path, id string) error {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return fmt.Errorf("job id must be an integer: %q", id)
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()
	var job syncjob.Job
	if err := doRequest(ctx, method, path, nil, &job); err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	out := cmd.OutOrStdout()
	if outputJSON {
		printOutput(out, job)
		return nil
	}
	printJob(out, job)
	return nil
}

var syncStateCmd = &cobra.Command{
	Use:   "state [user-id]",
	Short: "Show per-resource sync state for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp struct {
			States []syncjob.SyncState `json:"states"`
		}
		if err := doRequest(ctx, "GET", "/v1/sync/state/"+url.PathEscape(args[0]), nil, &resp); err != nil {
			return fmt.Errorf("failed to get sync state: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		if len(resp.States) == 0 {
			fmt.Fprintf(out, "No sync state for %s\n", args[0])
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RESOURCE\tID\tSTATUS\tLAST SYNCED\tERROR")
		for _, s := range resp.States {
			id := s.ResourceID
			if id == "" {
				id = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				s.ResourceType, id, s.SyncStatus, formatTime(s.LastSyncedAt), truncate(s.SyncError, 60))
		}
		return tw.Flush()
	},
}

var rateLimitCmd = &cobra.Command{
	Use:   "ratelimit [user-id]",
	Short: "Show the last observed provider rate limit for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var snap ratelimit.Snapshot
		if err := doRequest(ctx, "GET", "/v1/ratelimit/"+url.PathEscape(args[0]), nil, &snap); err != nil {
			return fmt.Errorf("failed to get rate limit: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, snap)
			return nil
		}
		fmt.Fprintf(out, "Rate limit for %s:\n", snap.UserID)
		fmt.Fprintf(out, "  Remaining: %d/%d (used %d)\n", snap.Remaining, snap.Limit, snap.Used)
		fmt.Fprintf(out, "  Resets: %s\n", formatTime(&snap.ResetAt))
		fmt.Fprintf(out, "  Observed: %s\n", formatTime(&snap.UpdatedAt))
		return nil
	},
}

func resourceLabel(j syncjob.Job) string {
	if j.ResourceID == "" {
		return j.ResourceType
	}
	return j.ResourceType + ":" + j.ResourceID
}

func printJob(w io.Writer, j syncjob.Job) {
	fmt.Fprintf(w, "Job %d:\n", j.ID)
	fmt.Fprintf(w, "  Type: %s\n", j.JobType)
	fmt.Fprintf(w, "  Resource: %s\n", resourceLabel(j))
	fmt.Fprintf(w, "  User: %s\n", j.UserID)
	fmt.Fprintf(w, "  State: %s\n", j.State)
	fmt.Fprintf(w, "  Priority: %d\n", j.Priority)
	fmt.Fprintf(w, "  Progress: %d/%d steps, %d items\n", j.CompletedSteps, j.TotalSteps, j.ItemsFetched)
	if j.CurrentStep != "" {
		fmt.Fprintf(w, "  Current step: %s\n", j.CurrentStep)
	}
	fmt.Fprintf(w, "  Attempts: %d/%d\n", j.Attempts, j.MaxAttempts)
	fmt.Fprintf(w, "  Next run: %s\n", formatTime(&j.NextRunAt))
	if j.StartedAt != nil {
		fmt.Fprintf(w, "  Started: %s\n", formatTime(j.StartedAt))
	}
	if j.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", formatTime(j.CompletedAt))
	}
	if j.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", j.Error)
	}
}

func init() {
	rootCmd.AddCommand(syncCmd, rateLimitCmd)
	syncCmd.AddCommand(syncRequestCmd, syncListCmd, syncGetCmd, syncCancelCmd, syncStateCmd)

	syncRequestCmd.Flags().String("user", "", "user to sync (defaults to the authenticated user)")
	syncRequestCmd.Flags().String("resource", "", "resource id: owner/name for repo_sync, owner/name#number for pr_detail_sync")
	syncRequestCmd.Flags().String("priority", "", "job priority, lower runs sooner")
	syncRequestCmd.Flags().Bool("force", false, "ignore the freshness window")

	syncListCmd.Flags().String("user", "", "filter by user")
	syncListCmd.Flags().String("state", "", "filter by state (pending, running, completed, failed, cancelled)")
	syncListCmd.Flags().String("type", "", "filter by job type")
	syncListCmd.Flags().Int("limit", 50, "maximum number of jobs")
}
