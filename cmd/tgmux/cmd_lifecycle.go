package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd)
	stopCmd.Flags().Duration("wait", 0, "wait up to this long for the gateway to exit")
}

// readPID reads the PID from the tgmux.pid file and validates the process
// exists by sending signal 0.
func readPID(dataDir string) (*os.Process, error) {
	pidPath := filepath.Join(dataDir, pidFile)

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no running gateway (PID file not found)")
		}
		return nil, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid PID file content: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("no running gateway (process %d not found)", pid)
	}
	return proc, nil
}

// signalGateway sends sig to the running gateway.
func signalGateway(sig syscall.Signal) (*os.Process, error) {
	cfg := loadConfig()
	proc, err := readPID(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := proc.Signal(sig); err != nil {
		return nil, fmt.Errorf("send %s: %w", sig, err)
	}
	return proc, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := signalGateway(syscall.SIGTERM)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to gateway (PID %d).\n", proc.Pid)

		wait, _ := cmd.Flags().GetDuration("wait")
		if wait <= 0 {
			return nil
		}
		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			if proc.Signal(syscall.Signal(0)) != nil {
				fmt.Fprintln(os.Stdout, "Gateway stopped.")
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return fmt.Errorf("gateway (PID %d) still running after %s", proc.Pid, wait)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := signalGateway(syscall.SIGHUP)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGHUP to gateway (PID %d) for restart.\n", proc.Pid)
		return nil
	},
}
