package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// reportService is the gRPC health service name the reporting service serves.
const reportService = "storybook.report"

var useGRPC bool

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the reporting service",
	Long: `Check the health status of the reporting service, over HTTP (/healthz)
by default or with the gRPC health protocol when --grpc is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if useGRPC {
			status, err := grpcHealth(ctx, grpcAddr, reportService)
			if err != nil {
				return fmt.Errorf("gRPC health check failed: %w", err)
			}
			out := map[string]string{"service": reportService, "status": status.String()}
			printOutput(cmd.OutOrStdout(), out, func(w io.Writer) {
				if status == healthpb.HealthCheckResponse_SERVING {
					fmt.Fprintln(w, "✓ Service is healthy (gRPC)")
				} else {
					fmt.Fprintf(w, "✗ Service is unhealthy (gRPC %s)\n", status)
				}
			})
			return nil
		}

		st, err := newClient().Health(ctx)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		printOutput(cmd.OutOrStdout(), st, func(w io.Writer) {
			if st.OK {
				fmt.Fprintln(w, "✓ Service is healthy (HTTP)")
			} else {
				fmt.Fprintf(w, "✗ Service is unhealthy (HTTP): %s\n", st.Message)
			}
		})
		return nil
	},
}

func grpcHealth(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&useGRPC, "grpc", false, "use the gRPC health protocol against --grpc-addr")
}
