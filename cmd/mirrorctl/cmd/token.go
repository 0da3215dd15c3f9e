package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// tokenCmd fetches an admin token from the development identity provider.
var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Mint an admin API token from the JWKS server",
	Long: `Ask the development JWKS server for a signed admin token.

Examples:
  mirrorctl token octocat
  mirrorctl token octocat --ttl 600 --save`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer, _ := cmd.Flags().GetString("issuer-url")
		ttl, _ := cmd.Flags().GetInt("ttl")
		save, _ := cmd.Flags().GetBool("save")
		if !cmd.Flags().Changed("issuer-url") {
			if s := viper.GetString("issuer_url"); s != "" {
				issuer = s
			}
		}

		body, err := json.Marshal(map[string]any{"user_id": args[0], "ttl_seconds": ttl})
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(issuer)+"/token", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := httpClient().Do(req)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &apiError{Status: resp.StatusCode}
		}
		var tok struct {
			Token     string `json:"token"`
			ExpiresIn int    `json:"expires_in"`
			TokenType string `json:"token_type"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return fmt.Errorf("failed to decode token: %w", err)
		}

		out := cmd.OutOrStdout()
		if save {
			path, err := saveConfigValue("token", tok.Token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Token saved to: %s\n", path)
		}
		if outputJSON {
			printOutput(out, tok)
			return nil
		}
		fmt.Fprintln(out, strings.TrimSpace(tok.Token))
		return nil
	},
}

// configPath is where config set, init and token --save write.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".mirrorctl.yaml"), nil
}

func saveConfigValue(key string, value any) (string, error) {
	path, err := configPath()
	if err != nil {
		return "", err
	}
	viper.Set(key, value)
	if err := viper.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("issuer-url", "http://localhost:8082", "JWKS server base URL")
	tokenCmd.Flags().Int("ttl", 3600, "token lifetime in seconds")
	tokenCmd.Flags().Bool("save", false, "store the token in the config file")
}
