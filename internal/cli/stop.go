package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/embodia/internal/daemon"
)

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running embodia runtime",
	Long: `Stop a running embodia runtime gracefully.
Sends SIGTERM and waits for dispatched actions to drain, then SIGKILL on timeout.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "time to wait before sending SIGKILL")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	pid, running := runningPID(cfg)
	if !running {
		_ = os.Remove(pidFile)
		fmt.Fprintln(cmd.OutOrStdout(), "embodia is not running")
		return nil
	}

	if err := signalProcess(pid, syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			fmt.Fprintln(cmd.OutOrStdout(), "embodia stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Timeout reached, sending SIGKILL...")
	if err := signalProcess(pid, syscall.SIGKILL); err != nil {
		return err
	}
	_ = os.Remove(pidFile)
	fmt.Fprintln(cmd.OutOrStdout(), "embodia killed")
	return nil
}

func signalProcess(pid int, sig syscall.Signal) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to send %s: %w", sig, err)
	}
	return nil
}
