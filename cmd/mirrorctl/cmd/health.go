package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_mirror/internal/health"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the Harbor Mirror ingest service",
	Long:  `Send a ping request to verify the ingest service is running and accessible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp struct {
			Message string `json:"message"`
		}
		if err := doRequest(ctx, "GET", "/v1/ping", nil, &resp); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
		} else {
			fmt.Fprintf(out, "Pong! Service is running: %s\n", resp.Message)
		}
		return nil
	},
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Harbor Mirror service",
	Long: `Check the health status of the ingest service. By default the HTTP health
document is read; with --grpc the gRPC health service is queried instead.

Examples:
  mirrorctl health
  mirrorctl health --grpc localhost:9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		out := cmd.OutOrStdout()

		if addr, _ := cmd.Flags().GetString("grpc"); addr != "" {
			status, err := grpcHealth(ctx, addr)
			if err != nil {
				return fmt.Errorf("gRPC health check failed: %w", err)
			}
			if outputJSON {
				printOutput(out, map[string]string{"status": status.String()})
			} else if status == healthpb.HealthCheckResponse_SERVING {
				fmt.Fprintln(out, "✓ Service is healthy (gRPC)")
			} else {
				fmt.Fprintf(out, "✗ Service is unhealthy (gRPC %s)\n", status)
			}
			return nil
		}

		st, code, err := httpHealth(ctx)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		if outputJSON {
			printOutput(out, st)
			return nil
		}
		if st.OK {
			fmt.Fprintln(out, "✓ Service is healthy (HTTP)")
		} else {
			fmt.Fprintf(out, "✗ Service is unhealthy (HTTP %d): %s\n", code, st.Message)
		}
		names := make([]string, 0, len(st.Checks))
		for name := range st.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %s: %s\n", name, st.Checks[name])
		}
		return nil
	},
}

// httpHealth reads /healthz. A 503 still carries the status document.
func httpHealth(ctx context.Context) (health.Status, int, error) {
	var st health.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(serverAddr)+"/healthz", nil)
	if err != nil {
		return st, 0, err
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return st, 0, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, resp.StatusCode, fmt.Errorf("decode health (HTTP %d): %w", resp.StatusCode, err)
	}
	return st, resp.StatusCode, nil
}

func grpcHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	rootCmd.AddCommand(pingCmd, healthCmd)
	healthCmd.Flags().String("grpc", "", "query the gRPC health service at host:port")
}
