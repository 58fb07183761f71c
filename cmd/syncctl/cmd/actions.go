package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"shelfsync/internal/models"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	enqueueKind    string
	enqueueEntity  string
	enqueueURL     string
	enqueueMethod  string
	enqueuePayload string
	enqueueHeaders []string
	abandonReason  string
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued actions in delivery order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		actions, err := application.Queue.ListPending(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(actions)
		}
		if len(actions) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}

		ceiling := application.Engine.MaxRetries()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tENTITY\tTARGET\tENQUEUED\tRETRIES\tLAST ERROR")
		for i := range actions {
			a := &actions[i]
			retries := fmt.Sprintf("%d/%d", a.RetryCount, ceiling)
			if a.Exhausted(ceiling) {
				retries = color.RedString(retries)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s %s\t%s\t%s\t%s\n",
				a.ID, a.Kind, a.Entity, a.Target.Method, a.Target.URL,
				a.EnqueuedAt.Local().Format(time.RFC3339), retries, deref(a.LastError))
		}
		return w.Flush()
	},
}

var deadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List abandoned actions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dead, err := application.Queue.DeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(dead)
		}
		if len(dead) == 0 {
			fmt.Println("No abandoned actions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tENTITY\tTARGET\tABANDONED\tREASON")
		for i := range dead {
			d := &dead[i]
			fmt.Fprintf(w, "%d\t%s\t%s\t%s %s\t%s\t%s\n",
				d.ID, d.Kind, d.Entity, d.Target.Method, d.Target.URL,
				d.AbandonedAt.Local().Format(time.RFC3339), d.Reason)
		}
		return w.Flush()
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a mutation for delivery",
	Example: `  syncctl enqueue --kind create --entity orders \
    --url https://shop.example.com/api/orders --payload '{"id":"tmp-1","total":42}'`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		kind, err := models.ParseActionKind(enqueueKind)
		if err != nil {
			return err
		}
		headers, err := parseHeaders(enqueueHeaders)
		if err != nil {
			return err
		}
		var payload json.RawMessage
		if enqueuePayload != "" {
			payload = json.RawMessage(enqueuePayload)
		}

		action, err := application.Queue.Enqueue(cmd.Context(), kind, enqueueEntity, payload,
			models.Target{URL: enqueueURL, Method: enqueueMethod}, headers)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(action)
		}
		color.Green("Queued action %d (%s %s)", action.ID, action.Target.Method, action.Target.URL)
		return nil
	},
}

var abandonCmd = &cobra.Command{
	Use:   "abandon <id>",
	Short: "Move a queued action to the dead letters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		dl, err := application.Engine.Abandon(cmd.Context(), id, abandonReason)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(dl)
		}
		color.Yellow("Abandoned action %d: %s", dl.ID, dl.Reason)
		return nil
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Return an abandoned action to the queue with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		action, err := application.Engine.Requeue(cmd.Context(), id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(action)
		}
		color.Green("Requeued action %d", action.ID)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <id>",
	Short: "Delete an abandoned action for good",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := application.Queue.PurgeDeadLetter(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Purged dead letter %d\n", id)
		return nil
	},
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected Name=value", h)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueKind, "kind", "", "create, update or delete")
	enqueueCmd.Flags().StringVar(&enqueueEntity, "entity", "", "entity name, e.g. orders")
	enqueueCmd.Flags().StringVar(&enqueueURL, "url", "", "target URL")
	enqueueCmd.Flags().StringVar(&enqueueMethod, "method", "", "HTTP method (defaults from kind)")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload")
	enqueueCmd.Flags().StringArrayVar(&enqueueHeaders, "header", nil, "extra header Name=value (repeatable)")
	_ = enqueueCmd.MarkFlagRequired("kind")
	_ = enqueueCmd.MarkFlagRequired("entity")
	_ = enqueueCmd.MarkFlagRequired("url")

	abandonCmd.Flags().StringVar(&abandonReason, "reason", "", "why the action is abandoned")
}
