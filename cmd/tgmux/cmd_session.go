package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/tgmux/internal/state"
	"github.com/user/tgmux/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionClearCmd, sessionDropCmd)
	sessionListCmd.Flags().Bool("full", false, "show full session ids, including credentials")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage persisted sessions",
}

// requireStopped refuses to touch session stores a running gateway holds
// open.
func requireStopped(dataDir string) error {
	if proc, err := readPID(dataDir); err == nil {
		return fmt.Errorf("gateway is running (PID %d); stop it first", proc.Pid)
	}
	return nil
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		cfg := loadConfig()
		dir := state.NewKVDir(cfg.DataDir)

		ids, err := dir.List()
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(ids) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		ctx := context.Background()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPENDING\tWEBHOOK")
		for _, id := range ids {
			pending, hook, err := describeSession(ctx, dir, id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "skipping %s: %v\n", id.Redacted(), err)
				continue
			}
			name := id.Redacted()
			if full {
				name = string(id)
			}
			if hook == "" {
				hook = "-"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", name, pending, hook)
		}
		return w.Flush()
	},
}

func describeSession(ctx context.Context, dir *state.KVDir, id types.SessionID) (int, string, error) {
	kv, err := dir.Open(id)
	if err != nil {
		return 0, "", err
	}
	defer kv.Close()
	store := state.NewPendingStore(kv)
	entries, err := store.Load(ctx)
	if err != nil {
		return 0, "", err
	}
	hook, err := store.Webhook(ctx)
	if err != nil {
		return 0, "", err
	}
	return len(entries), hook, nil
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Delete a session's stored state, or every session's",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := requireStopped(cfg.DataDir); err != nil {
			return err
		}
		dir := state.NewKVDir(cfg.DataDir)

		ids := []types.SessionID{types.SessionID(args[0])}
		if args[0] == "all" {
			var err error
			if ids, err = dir.List(); err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
		}

		for _, id := range ids {
			if err := dir.Remove(id); err != nil {
				return err
			}
			if err := state.NewChunkStore(cfg.DataDir, id).RemoveAll(); err != nil {
				return fmt.Errorf("remove downloads: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Session %s cleared.\n", id.Redacted())
		}
		if args[0] == "all" {
			fmt.Println("All sessions cleared.")
		}
		return nil
	},
}

var sessionDropCmd = &cobra.Command{
	Use:   "drop <id>",
	Short: "Drop a session's pending updates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := requireStopped(cfg.DataDir); err != nil {
			return err
		}
		dir := state.NewKVDir(cfg.DataDir)
		id := types.SessionID(args[0])
		if !dir.Exists(id) {
			return fmt.Errorf("session not found: %s", id.Redacted())
		}

		kv, err := dir.Open(id)
		if err != nil {
			return err
		}
		defer kv.Close()

		ctx := context.Background()
		store := state.NewPendingStore(kv)
		entries, err := store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load pending updates: %w", err)
		}
		if err := store.Drop(ctx); err != nil {
			return fmt.Errorf("drop pending updates: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Dropped %d pending updates of %s.\n", len(entries), id.Redacted())
		return nil
	},
}
