// vigiactl inspects and repairs a profile's sync state through the shared
// sqlite store. It does not need the daemon running: retried and resolved
// entries are picked up on the daemon's next drain.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vigia-app/vigia/internal/profile"
	"github.com/vigia-app/vigia/internal/queue"
	"github.com/vigia-app/vigia/internal/store"
)

var (
	profileFlag string
	jsonFlag    bool
)

func main() {
	root := &cobra.Command{
		Use:           "vigiactl",
		Short:         "Inspect and repair a vigia profile's sync state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")

	root.AddCommand(statusCmd(), queueCmd(), channelsCmd(), sendCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func openStore() (*store.DB, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return nil, err
	}
	db, err := store.Open(profile.DBPath(name))
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// controller builds an offline queue controller over the shared store.
// With no connectivity flag set it never attempts delivery itself.
func controller(db *store.DB) *queue.Controller {
	return queue.NewController(db, nil, nil, zap.NewNop(), 0, 0, 0)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state and queue aggregates",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			state, err := db.RecomputeCounts()
			if err != nil {
				return err
			}

			if jsonFlag {
				return json.NewEncoder(os.Stdout).Encode(state)
			}
			fmt.Printf("online:    %v\n", state.Online)
			fmt.Printf("pending:   %d\n", state.PendingCount)
			fmt.Printf("failed:    %d\n", state.FailedCount)
			fmt.Printf("cursor:    %s\n", orDash(state.Cursor))
			fmt.Printf("last sync: %s\n", formatTime(state.LastSyncAt))
			if state.LastError != "" {
				fmt.Printf("last error: %s\n", state.LastError)
			}
			return nil
		},
	}
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the outbound queue",
	}
	cmd.AddCommand(queueListCmd(), queueRetryCmd(), queueResolveCmd())
	return cmd
}

func queueListCmd() *cobra.Command {
	var statusFilter string
	c := &cobra.Command{
		Use:   "list",
		Short: "List queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			var entries []store.QueuedMessage
			if statusFilter != "" {
				entries, err = db.QueueByStatus(statusFilter)
			} else {
				for _, s := range []string{store.QueuePending, store.QueueSending, store.QueueFailed, store.QueueConflict} {
					var batch []store.QueuedMessage
					batch, err = db.QueueByStatus(s)
					if err != nil {
						break
					}
					entries = append(entries, batch...)
				}
			}
			if err != nil {
				return err
			}

			if jsonFlag {
				return json.NewEncoder(os.Stdout).Encode(entries)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHANNEL\tSTATUS\tRETRIES\tCREATED\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					e.ClientMsgID, e.ChannelID, e.Status, e.RetryCount, e.MaxRetries,
					formatTime(e.CreatedAt), orDash(e.LastError))
			}
			return w.Flush()
		},
	}
	c.Flags().StringVar(&statusFilter, "status", "", "filter by status (pending|sending|failed|conflict)")
	return c
}

func queueRetryCmd() *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "retry [id]",
		Short: "Reset failed messages to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) != 1 {
				return fmt.Errorf("provide a message id or --all")
			}
			db, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			ctl := controller(db)

			if all {
				n, err := ctl.RetryAllFailed()
				if err != nil {
					return err
				}
				fmt.Printf("reset %d failed message(s) to pending\n", n)
				return nil
			}
			if err := ctl.RetryFailed(args[0]); err != nil {
				return err
			}
			fmt.Printf("reset %s to pending\n", args[0])
			return nil
		},
	}
	c.Flags().BoolVar(&all, "all", false, "retry every failed message")
	return c
}

func queueResolveCmd() *cobra.Command {
	var content string
	c := &cobra.Command{
		Use:   "resolve <id> <accept-client|accept-server|merge>",
		Short: "Apply one resolution policy to a conflicted message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, policy := args[0], args[1]
			if policy == queue.ResolveMerge && content == "" {
				return fmt.Errorf("merge requires --content with the merged text")
			}
			db, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := controller(db).ResolveConflict(id, policy, content); err != nil {
				return err
			}
			fmt.Printf("resolved %s with %s\n", id, policy)
			return nil
		},
	}
	c.Flags().StringVar(&content, "content", "", "merged content (merge policy only)")
	return c
}

func channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List cached channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			channels, err := db.ListChannels(0, 0)
			if err != nil {
				return err
			}
			if jsonFlag {
				return json.NewEncoder(os.Stdout).Encode(channels)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tKIND\tLAST MESSAGE\tPREVIEW")
			for _, ch := range channels {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					ch.ID, orDash(ch.Name), orDash(ch.Kind),
					formatTime(ch.LastMessageAt), truncate(ch.LastMessagePreview, 40))
			}
			return w.Flush()
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <channel-id> <text>",
		Short: "Queue a text message for delivery",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			id := controller(db).Enqueue(args[0], store.KindText, args[1], "")
			fmt.Printf("queued %s\n", id)
			return nil
		},
	}
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
