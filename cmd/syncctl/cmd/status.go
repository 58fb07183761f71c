package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status and pull watermarks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st := application.Engine.Status()
		meta, err := application.Store.ListSyncMeta(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(map[string]any{"status": st, "entities": meta})
		}

		if st.Online {
			color.Green("● online")
		} else {
			color.Red("● offline")
		}
		fmt.Printf("Pending actions:   %d\n", st.PendingCount)
		if st.Exhausted > 0 {
			color.Yellow("Exhausted actions: %d (abandon or requeue them)", st.Exhausted)
		}
		if st.LastSyncTime != nil {
			fmt.Printf("Last sync:         %s\n", st.LastSyncTime.Local().Format(time.RFC3339))
		}
		if st.Error != "" {
			color.Red("Last error:        %s", st.Error)
		}

		if len(meta) == 0 {
			return nil
		}
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ENTITY\tLAST PULLED\tCURSOR")
		for _, m := range meta {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.Entity, m.LastPulledAt.Local().Format(time.RFC3339), m.Cursor)
		}
		return w.Flush()
	},
}
