package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamcore/engine/internal/rpc"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "streamctl",
	Short:   "Client for a running job's JobMaster",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:7920", "JobMaster RPC address")
	rootCmd.AddCommand(submitCmd, cancelCmd, savepointCmd, stopCmd, statusCmd)

	savepointCmd.Flags().String("target-dir", "", "Savepoint target directory (overrides the job's configured default)")
	savepointCmd.Flags().Bool("wait", true, "Block until the savepoint completes or fails")

	stopCmd.Flags().String("target-dir", "", "Savepoint target directory (overrides the job's configured default)")
	stopCmd.Flags().Bool("drain", false, "Set the request's drain flag (the job master takes the savepoint and cancels the job the same way whether or not it is set)")
	stopCmd.Flags().Bool("wait", true, "Block until the savepoint completes and the job is canceled")
}

func dial(cmd *cobra.Command) (rpc.JobMasterGateway, func() error, error) {
	addr, _ := cmd.Flags().GetString("addr")
	conn, err := rpc.Dial(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	gw := rpc.NewJobMasterClient(conn, func() string { return "" })
	return gw, conn.Close, nil
}

var submitCmd = &cobra.Command{
	Use:   "submit <manifest>",
	Short: "Explain how to run a job from a manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// A job's JobMaster is its own long-lived process, started
		// directly from its manifest rather than dispatched by a
		// separate submission service; there is no cluster-wide job
		// dispatcher in this engine's scope for streamctl to hand the
		// manifest to instead.
		fmt.Printf("This engine has no standalone job dispatcher: start the job directly with\n\n")
		fmt.Printf("  jobmanager --manifest %s --bind-addr <addr> --rm-addr <resourcemanager-addr>\n\n", args[0])
		fmt.Printf("then point streamctl at --addr <addr> for cancel/savepoint/status.\n")
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the job without taking a savepoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, closeConn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer closeConn()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.CancelJob(ctx); err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		fmt.Println("cancel requested")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the job's current run state",
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, closeConn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer closeConn()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		status, err := gw.JobStatus(ctx)
		if err != nil {
			return fmt.Errorf("job status: %w", err)
		}
		fmt.Printf("job %s: %s (%d/%d vertices running)\n", status.JobID, status.State, status.Running, status.Total)
		return nil
	},
}

var savepointCmd = &cobra.Command{
	Use:   "savepoint",
	Short: "Trigger a savepoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, closeConn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer closeConn()
		targetDir, _ := cmd.Flags().GetString("target-dir")
		wait, _ := cmd.Flags().GetBool("wait")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		result, err := gw.TriggerSavepoint(ctx, rpc.TriggerSavepointRequest{TargetDirectory: targetDir})
		cancel()
		if err != nil {
			return fmt.Errorf("trigger savepoint: %w", err)
		}
		fmt.Printf("savepoint triggered: %s\n", result.TriggerID)
		if !wait {
			return nil
		}
		return awaitOperation(gw, result.TriggerID)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Take a savepoint and cancel the job once it completes",
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, closeConn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer closeConn()
		targetDir, _ := cmd.Flags().GetString("target-dir")
		drain, _ := cmd.Flags().GetBool("drain")
		wait, _ := cmd.Flags().GetBool("wait")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		result, err := gw.StopWithSavepoint(ctx, rpc.StopWithSavepointRequest{TargetDirectory: targetDir, Drain: drain})
		cancel()
		if err != nil {
			return fmt.Errorf("stop with savepoint: %w", err)
		}
		fmt.Printf("stop-with-savepoint triggered: %s\n", result.TriggerID)
		if !wait {
			return nil
		}
		return awaitOperation(gw, result.TriggerID)
	},
}

// awaitOperation polls operation_status with exponential backoff
// (10ms initial, factor 2, capped at 2s) until it leaves
// OperationInProgress.
func awaitOperation(gw rpc.JobMasterGateway, triggerID string) error {
	delay := 10 * time.Millisecond
	const maxDelay = 2000 * time.Millisecond

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		result, err := gw.OperationStatus(ctx, rpc.OperationStatusRequest{TriggerID: triggerID})
		cancel()
		if err != nil {
			return fmt.Errorf("operation status: %w", err)
		}

		switch result.State {
		case rpc.OperationCompleted:
			fmt.Printf("completed: %s\n", result.Location)
			return nil
		case rpc.OperationFailed:
			return fmt.Errorf("operation failed: %s", result.Failure)
		}

		time.Sleep(delay)
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
