package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_mirror/internal/ids"
	"github.com/austindbirch/harbor_mirror/internal/webhook"
)

// webhookCmd represents the webhook command
var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Send test webhooks to the ingest service",
}

var webhookSendCmd = &cobra.Command{
	Use:   "send [event]",
	Short: "Sign and send a webhook delivery",
	Long: `Sign a payload with the shared webhook secret and post it to /webhooks,
the same way the provider would. Re-sending with --delivery-id exercises
deduplication.

Examples:
  mirrorctl webhook send ping --payload '{"zen":"hi"}'
  mirrorctl webhook send pull_request --file pr_opened.json --user acme`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payloadStr, _ := cmd.Flags().GetString("payload")
		file, _ := cmd.Flags().GetString("file")
		user, _ := cmd.Flags().GetString("user")
		deliveryID, _ := cmd.Flags().GetString("delivery-id")
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = viper.GetString("webhook_secret")
		}

		payload := []byte(payloadStr)
		if file != "" {
			b, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read payload file: %w", err)
			}
			payload = b
		}
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON")
		}
		if deliveryID == "" {
			deliveryID = ids.NewUUID()
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(serverAddr)+"/webhooks", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(viper.GetString("signature_header"), webhook.Sign([]byte(secret), payload))
		req.Header.Set(viper.GetString("event_header"), args[0])
		req.Header.Set(viper.GetString("delivery_header"), deliveryID)
		if user != "" {
			req.Header.Set(viper.GetString("user_header"), user)
		}

		resp, err := httpClient().Do(req)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		out := cmd.OutOrStdout()
		if resp.StatusCode >= 300 {
			return &apiError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
		}
		var result map[string]string
		_ = json.Unmarshal(body, &result)
		if outputJSON {
			printOutput(out, result)
			return nil
		}
		fmt.Fprintf(out, "Delivery %s: %s", deliveryID, result["status"])
		if r := result["reason"]; r != "" {
			fmt.Fprintf(out, " (%s)", r)
		}
		fmt.Fprintln(out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(webhookSendCmd)

	f := webhookSendCmd.Flags()
	f.String("payload", "", "inline JSON payload")
	f.String("file", "", "read the JSON payload from a file")
	f.String("user", "", "owning user, sent in the user header")
	f.String("delivery-id", "", "delivery id (defaults to a random UUID)")
	f.String("secret", "", "webhook secret (defaults to webhook_secret from config or MIRRORCTL_WEBHOOK_SECRET)")

	viper.SetDefault("signature_header", "X-Hub-Signature-256")
	viper.SetDefault("event_header", "X-GitHub-Event")
	viper.SetDefault("delivery_header", "X-GitHub-Delivery")
	viper.SetDefault("user_header", "X-Mirror-User")
}
