package cmd

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/webhook"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the webhook queue",
	Long:  `List queued webhook deliveries, show counts per status, and retry, discard or purge items.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items",
	Long: `List queue items, optionally filtered by status.

Example:
  mirrorctl queue list --status failed --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		q.Set("limit", strconv.Itoa(limit))

		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp struct {
			Items []delivery.Item `json:"items"`
		}
		if err := doRequest(ctx, "GET", "/v1/queue?"+q.Encode(), nil, &resp); err != nil {
			return fmt.Errorf("failed to list queue: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		if len(resp.Items) == 0 {
			fmt.Fprintln(out, "No queue items found")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DELIVERY\tEVENT\tUSER\tSTATUS\tATTEMPTS\tNEXT RETRY\tLAST ERROR")
		for _, it := range resp.Items {
			event := it.Event
			if it.Action != "" {
				event += "." + it.Action
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				it.DeliveryID, event, it.UserID, it.Status, it.Attempts, it.MaxAttempts,
				formatTime(it.NextRetryAt), truncate(it.LastError, 60))
		}
		return tw.Flush()
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show item counts per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp struct {
			Counts map[delivery.Status]int64 `json:"counts"`
		}
		if err := doRequest(ctx, "GET", "/v1/queue/stats", nil, &resp); err != nil {
			return fmt.Errorf("failed to get queue stats: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		statuses := make([]string, 0, len(resp.Counts))
		for s := range resp.Counts {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		fmt.Fprintln(out, "Queue items by status:")
		for _, s := range statuses {
			fmt.Fprintf(out, "  %-12s %d\n", s, resp.Counts[delivery.Status(s)])
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [delivery-id]",
	Short: "Re-arm a failed item",
	Long: `Move a failed item back to pending with a fresh attempt budget and clear
its ledger tombstone so the next delivery is processed.

Example:
  mirrorctl queue retry 72d0d4f0-3b6e-11ef-9a3b-0242ac120002`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp struct {
			DeliveryID string `json:"delivery_id"`
			Rearmed    bool   `json:"rearmed"`
		}
		if err := doRequest(ctx, "POST", "/v1/queue/"+url.PathEscape(args[0])+"/retry", nil, &resp); err != nil {
			return fmt.Errorf("failed to retry item: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
		} else if resp.Rearmed {
			fmt.Fprintf(out, "Re-armed %s\n", resp.DeliveryID)
		} else {
			fmt.Fprintf(out, "%s was not failed; nothing to do\n", resp.DeliveryID)
		}
		return nil
	},
}

var queueRetryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Re-arm every failed item",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp struct {
			Rearmed []string `json:"rearmed"`
		}
		if err := doRequest(ctx, "POST", "/v1/queue/retry-all", nil, &resp); err != nil {
			return fmt.Errorf("failed to retry items: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		fmt.Fprintf(out, "Re-armed %d item(s)\n", len(resp.Rearmed))
		for _, id := range resp.Rearmed {
			fmt.Fprintf(out, "  %s\n", id)
		}
		return nil
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard [delivery-id]",
	Short: "Delete a queue item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp struct {
			DeliveryID string `json:"delivery_id"`
			Deleted    bool   `json:"deleted"`
		}
		if err := doRequest(ctx, "DELETE", "/v1/queue/"+url.PathEscape(args[0]), nil, &resp); err != nil {
			return fmt.Errorf("failed to discard item: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
		} else if resp.Deleted {
			fmt.Fprintf(out, "Discarded %s\n", resp.DeliveryID)
		} else {
			fmt.Fprintf(out, "%s not found\n", resp.DeliveryID)
		}
		return nil
	},
}

var queueDiscardAllCmd = &cobra.Command{
	Use:   "discard-all",
	Short: "Delete every dead-lettered item",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to discard dead-lettered items without --yes")
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp struct {
			Deleted int64 `json:"deleted"`
		}
		if err := doRequest(ctx, "POST", "/v1/queue/discard-all", nil, &resp); err != nil {
			return fmt.Errorf("failed to discard items: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
		} else {
			fmt.Fprintf(out, "Discarded %d dead-lettered item(s)\n", resp.Deleted)
		}
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove old terminal items and ledger entries",
	Long: `Remove processed and failed items plus ledger entries older than the
given age. Without --older-than the service's retention window applies.

Example:
  mirrorctl queue purge --older-than 72h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		body := map[string]string{}
		if cmd.Flags().Changed("older-than") {
			body["older_than"] = olderThan.String()
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp webhook.PurgeResult
		if err := doRequest(ctx, "POST", "/v1/queue/purge-all", body, &resp); err != nil {
			return fmt.Errorf("failed to purge: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
		} else {
			fmt.Fprintf(out, "Purged %d item(s) and %d ledger entr(ies)\n", resp.Items, resp.Ledger)
		}
		return nil
	},
}

// ledgerCmd represents the ledger command
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the delivery ledger",
}

var ledgerFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List failed deliveries recorded in the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp struct {
			Deliveries []delivery.Record `json:"deliveries"`
		}
		if err := doRequest(ctx, "GET", "/v1/ledger/failed?limit="+strconv.Itoa(limit), nil, &resp); err != nil {
			return fmt.Errorf("failed to list failed deliveries: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		if len(resp.Deliveries) == 0 {
			fmt.Fprintln(out, "No failed deliveries")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DELIVERY\tEVENT\tUSER\tRECORDED\tERROR")
		for _, rec := range resp.Deliveries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				rec.DeliveryID, rec.Event, rec.UserID, formatTime(&rec.RecordedAt), truncate(rec.Error, 60))
		}
		return tw.Flush()
	},
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueStatsCmd, queueRetryCmd, queueRetryAllCmd,
		queueDiscardCmd, queueDiscardAllCmd, queuePurgeCmd)

	queueListCmd.Flags().String("status", "", "filter by status (pending, processing, processed, failed, dead_letter)")
	queueListCmd.Flags().Int("limit", 50, "maximum number of items")
	queueDiscardAllCmd.Flags().Bool("yes", false, "confirm deleting every dead-lettered item")
	queuePurgeCmd.Flags().Duration("older-than", 0, "age cutoff (defaults to the service retention window)")

	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerFailedCmd)
	ledgerFailedCmd.Flags().Int("limit", 50, "maximum number of deliveries")
}
