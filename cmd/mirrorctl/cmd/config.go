package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// validConfigKeys are the keys config set accepts, with their kind.
var validConfigKeys = map[string]string{
	"server":         "string",
	"timeout":        "duration",
	"json":           "bool",
	"pretty":         "bool",
	"insecure":       "bool",
	"token":          "string",
	"issuer_url":     "string",
	"webhook_secret": "string",
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage mirrorctl configuration",
	Long:  `Manage mirrorctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, map[string]any{
				"server":   viper.GetString("server"),
				"timeout":  viper.GetDuration("timeout").String(),
				"json":     viper.GetBool("json"),
				"pretty":   viper.GetBool("pretty"),
				"insecure": viper.GetBool("insecure"),
				"token":    jwtToken != "",
			})
			return
		}
		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Server: %s\n", viper.GetString("server"))
		fmt.Fprintf(out, "  Timeout: %s\n", viper.GetDuration("timeout"))
		fmt.Fprintf(out, "  JSON Output: %v\n", viper.GetBool("json"))
		fmt.Fprintf(out, "  Pretty JSON: %v\n", viper.GetBool("pretty"))
		fmt.Fprintf(out, "  Skip TLS verify: %v\n", viper.GetBool("insecure"))
		fmt.Fprintf(out, "  Token: %v\n", jwtToken != "")

		if viper.GetBool("pretty") && !checkJQAvailable() {
			fmt.Fprintf(out, "  ⚠️  Warning: pretty=true but jq not found in PATH\n")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
	},
}

// parseConfigValue converts value to the kind registered for key.
func parseConfigValue(key, value string) (any, error) {
	kind, ok := validConfigKeys[key]
	if !ok {
		return nil, fmt.Errorf("invalid configuration key: %s", key)
	}
	switch kind {
	case "bool":
		switch value {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
	case "duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		return d.String(), nil
	}
	return value, nil
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  mirrorctl config set server http://localhost:8080
  mirrorctl config set timeout 60s
  mirrorctl config set pretty true
  mirrorctl config set webhook_secret s3cret`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		parsed, err := parseConfigValue(key, value)
		if err != nil {
			return err
		}

		if key == "pretty" && parsed == true && !checkJQAvailable() {
			fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  Warning: jq not found in PATH. Pretty formatting will fall back to standard formatting.\n")
		}

		path, err := saveConfigValue(key, parsed)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Set %s = %s\n", key, value)
		fmt.Fprintf(out, "Configuration saved to: %s\n", path)
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			if overwrite, _ := cmd.Flags().GetBool("force"); !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("server", "http://localhost:8080")
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("pretty", false)
		viper.Set("insecure", false)
		viper.Set("issuer_url", "http://localhost:8082")
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration file created: %s\n", path)
		fmt.Fprintln(out, "Default settings:")
		fmt.Fprintln(out, "  server: http://localhost:8080")
		fmt.Fprintln(out, "  timeout: 30s")
		fmt.Fprintln(out, "  json: false")
		fmt.Fprintln(out, "  pretty: false")
		fmt.Fprintln(out, "  insecure: false")
		fmt.Fprintln(out, "  issuer_url: http://localhost:8082")
		return nil
	},
}

// configCheckCmd represents the config check command
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and dependencies",
	Long:  `Check the current configuration, verify that jq is available, and test connectivity.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration check:")
		fmt.Fprintf(out, "  ✅ mirrorctl version: %s\n", Version)

		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  ✅ Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintf(out, "  ⚠️  Config file: not found (using defaults)\n")
		}
		if checkJQAvailable() {
			fmt.Fprintf(out, "  ✅ jq: available\n")
		} else {
			fmt.Fprintf(out, "  ❌ jq: not found in PATH\n")
		}
		fmt.Fprintf(out, "  ✅ Server: %s\n", baseURL(serverAddr))
		if jwtToken == "" {
			fmt.Fprintf(out, "  ⚠️  Token: not set; admin commands will be rejected\n")
		}

		fmt.Fprintln(out, "\nTesting server connectivity...")
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := doRequest(ctx, "GET", "/v1/ping", nil, nil); err != nil {
			fmt.Fprintf(out, "  ❌ Server connectivity: %v\n", err)
		} else {
			fmt.Fprintf(out, "  ✅ Server connectivity: OK\n")
		}
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configInitCmd, configCheckCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
