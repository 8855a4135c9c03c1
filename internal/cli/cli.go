// Package cli contains the Cobra commands of the levelq operator CLI. Every
// command talks to a running server through pkg/client.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/levelq/pkg/client"
)

// DefaultServer is used when neither --server nor LEVELQ_SERVER is set.
const DefaultServer = "http://127.0.0.1:8080"

// NewRoot constructs the root command with the enqueue, queue, dlq and
// events command groups.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "levelq",
		Short:         "levelq operator CLI",
		Long:          "levelq deduplicates reconcile requests per key and dispatches them with retries. This CLI inspects and repairs a running server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("server", envOr("LEVELQ_SERVER", DefaultServer), "Server base URL")
	root.PersistentFlags().String("api-key", os.Getenv("LEVELQ_API_KEY"), "API key sent as X-Api-Key")

	root.AddCommand(
		newEnqueueCommand(),
		newQueueCommand(),
		newDLQCommand(),
		newEventsCommand(),
	)
	return root
}

// newClient builds a client from the persistent flags.
func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	apiKey, _ := cmd.Flags().GetString("api-key")
	var opts []client.ClientOption
	if apiKey != "" {
		opts = append(opts, client.WithAPIKey(apiKey))
	}
	return client.New(server, opts...)
}

// newEnqueueCommand constructs `levelq enqueue KEY`.
func newEnqueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue KEY",
		Short: "Request reconciliation of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, _ := cmd.Flags().GetInt("priority")
			out, err := newClient(cmd).Enqueue(cmd.Context(), args[0], priority)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"key": args[0], "outcome": out})
		},
	}
	cmd.Flags().IntP("priority", "p", 0, "Priority; higher is dispatched first")
	return cmd
}

// newQueueCommand constructs the `queue` command group.
func newQueueCommand() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the active queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items in dispatch order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eligible, _ := cmd.Flags().GetBool("eligible")
			limit, _ := cmd.Flags().GetInt("limit")
			items, err := newClient(cmd).ListQueue(cmd.Context(), eligible, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
	listCmd.Flags().Bool("eligible", false, "Only items a dispatcher could claim now")
	listCmd.Flags().Int("limit", 100, "Maximum number of items (0 = server maximum)")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the number of keys per state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newClient(cmd).Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}

	queueCmd.AddCommand(listCmd, statsCmd)
	return queueCmd
}

// newDLQCommand constructs the `dlq` command group.
func newDLQCommand() *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:     "dlq",
		Aliases: []string{"dead-letter"},
		Short:   "Inspect and re-enqueue dead-lettered keys",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := newClient(cmd).ListDeadLetter(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}

	reenqueueCmd := &cobra.Command{
		Use:   "reenqueue [KEY]",
		Short: "Move a key (or, with --all, every key) back into the queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			c := newClient(cmd)
			switch {
			case all && len(args) == 1:
				return errors.New("give either KEY or --all, not both")
			case all:
				n, err := c.ReenqueueAllDeadLetter(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"reenqueued": n})
			case len(args) == 1:
				if err := c.ReenqueueDeadLetter(cmd.Context(), args[0]); err != nil {
					if client.IsNotFound(err) {
						return fmt.Errorf("%s is not dead-lettered", args[0])
					}
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"reenqueued": 1})
			default:
				return errors.New("KEY or --all is required")
			}
		},
	}
	reenqueueCmd.Flags().Bool("all", false, "Re-enqueue every dead-lettered key")

	dlqCmd.AddCommand(listCmd, reenqueueCmd)
	return dlqCmd
}

// newEventsCommand constructs `levelq events`, which follows the dispatcher
// event feed until interrupted.
func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream dispatcher events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			events, err := newClient(cmd).Events(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for e := range events {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
