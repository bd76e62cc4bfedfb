package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/vizlearn/internal/state"
	"github.com/user/vizlearn/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionSetCmd, sessionClearCmd)
}

// withStore opens the configured context store for a single command.
func withStore(fn func(ctx context.Context, store *state.ContextStore) error) error {
	cfg := loadConfig()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(context.Background(), state.NewContextStore(backend))
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *state.ContextStore) error {
			ids, err := store.List(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMESSAGES\tTOPIC\tUPDATED")
			for _, id := range ids {
				sc, err := store.GetOrCreate(ctx, id)
				if err != nil {
					fmt.Fprintf(w, "%s\t-\t-\t%v\n", id, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					id,
					len(sc.Messages),
					sc.CurrentTopic,
					sc.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session context as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *state.ContextStore) error {
			sc, err := store.GetOrCreate(ctx, types.SessionID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(sc)
		})
	},
}

var sessionSetCmd = &cobra.Command{
	Use:   "set <id> <json-patch>",
	Short: "Apply a partial update to a session",
	Long: `Apply a JSON partial update. Maps such as ui_state.variables merge key by
key; other fields are replaced. Example:

  vizlearn session set cli:me '{"ui_state":{"variables":{"a":2}}}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := types.DecodePatch([]byte(args[1]))
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, store *state.ContextStore) error {
			sc, err := store.ApplyUpdate(ctx, types.SessionID(args[0]), patch)
			if err != nil {
				return err
			}
			return printJSON(sc)
		})
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Clear a session or all sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *state.ContextStore) error {
			if args[0] != "all" {
				if err := store.Delete(ctx, types.SessionID(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Session %s cleared.\n", args[0])
				return nil
			}
			ids, err := store.List(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := store.Delete(ctx, id); err != nil {
					return err
				}
			}
			fmt.Printf("%d sessions cleared.\n", len(ids))
			return nil
		})
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
