package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/mirror"
)

// settingsCmd represents the settings command
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and change per-user settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get [user-id]",
	Short: "Show a user's settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var st delivery.Settings
		if err := doRequest(ctx, "GET", "/v1/users/"+url.PathEscape(args[0])+"/settings", nil, &st); err != nil {
			return fmt.Errorf("failed to get settings: %w", err)
		}
		printSettings(cmd, st)
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set [user-id]",
	Short: "Change a user's settings",
	Long: `Change a user's settings.

Example:
  mirrorctl settings set acme --debug-retention=true`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("debug-retention") {
			return fmt.Errorf("nothing to set; pass --debug-retention")
		}
		debug, _ := cmd.Flags().GetBool("debug-retention")

		ctx, cancel := requestContext(cmd)
		defer cancel()
		var st delivery.Settings
		body := delivery.Settings{UserID: args[0], DebugRetention: debug}
		if err := doRequest(ctx, "PUT", "/v1/users/"+url.PathEscape(args[0])+"/settings", body, &st); err != nil {
			return fmt.Errorf("failed to update settings: %w", err)
		}
		printSettings(cmd, st)
		return nil
	},
}

func printSettings(cmd *cobra.Command, st delivery.Settings) {
	out := cmd.OutOrStdout()
	if outputJSON {
		printOutput(out, st)
		return
	}
	fmt.Fprintf(out, "Settings for %s:\n", st.UserID)
	fmt.Fprintf(out, "  Debug retention: %v\n", st.DebugRetention)
}

var reposCmd = &cobra.Command{
	Use:   "repos [user-id]",
	Short: "List a user's mirrored repositories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp struct {
			Repositories []mirror.Repository `json:"repositories"`
		}
		if err := doRequest(ctx, "GET", "/v1/users/"+url.PathEscape(args[0])+"/repositories", nil, &resp); err != nil {
			return fmt.Errorf("failed to list repositories: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		if len(resp.Repositories) == 0 {
			fmt.Fprintf(out, "No repositories mirrored for %s\n", args[0])
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tREPOSITORY\tPRIVATE\tTRACKED\tUPDATED")
		for _, r := range resp.Repositories {
			fmt.Fprintf(tw, "%d\t%s\t%v\t%v\t%s\n", r.ID, r.FullName, r.Private, r.Tracked, formatTime(&r.ProviderUpdatedAt))
		}
		return tw.Flush()
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull [repo-id] [number]",
	Short: "Show a mirrored pull request with its reviews, comments and commits",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
			return fmt.Errorf("repository id must be an integer: %q", args[0])
		}
		if _, err := strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("pull number must be an integer: %q", args[1])
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		var pr struct {
			mirror.PullRequest
			Reviews  []mirror.Review  `json:"reviews"`
			Comments []mirror.Comment `json:"comments"`
			Commits  []mirror.Commit  `json:"commits"`
		}
		if err := doRequest(ctx, "GET", "/v1/repositories/"+args[0]+"/pulls/"+args[1], nil, &pr); err != nil {
			return fmt.Errorf("failed to get pull request: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, pr)
			return nil
		}
		state := pr.State
		if pr.Merged {
			state = "merged"
		} else if pr.Draft {
			state += " (draft)"
		}
		fmt.Fprintf(out, "#%d %s\n", pr.Number, pr.Title)
		fmt.Fprintf(out, "  State: %s\n", state)
		fmt.Fprintf(out, "  Author: %s\n", pr.AuthorLogin)
		fmt.Fprintf(out, "  Branch: %s -> %s (%s)\n", pr.HeadRef, pr.BaseRef, pr.HeadSHA)
		fmt.Fprintf(out, "  Updated: %s\n", formatTime(&pr.ProviderUpdatedAt))
		if pr.SyncNote != "" {
			fmt.Fprintf(out, "  Note: %s\n", pr.SyncNote)
		}
		fmt.Fprintf(out, "  Reviews: %d, comments: %d, commits: %d\n", len(pr.Reviews), len(pr.Comments), len(pr.Commits))
		for _, rv := range pr.Reviews {
			fmt.Fprintf(out, "    review %s by %s\n", rv.State, rv.AuthorLogin)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(settingsCmd, reposCmd, pullCmd)
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
	settingsSetCmd.Flags().Bool("debug-retention", false, "keep processed items for the retention window")
}
