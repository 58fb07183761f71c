package cmd

import (
	"errors"
	"fmt"
	"sort"

	"shelfsync/internal/syncengine"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var errOffline = errors.New("remote service is unreachable; run again when online")

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver queued actions now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !application.Engine.Online() {
			return errOffline
		}
		res, err := application.Engine.DrainQueue(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		printDrain(res)
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull <entity>",
	Short: "Pull changes of one registered entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !application.Engine.Online() {
			return errOffline
		}
		if err := application.Engine.PullRegistered(cmd.Context(), args[0]); err != nil {
			return err
		}
		n, err := application.Store.Count(cmd.Context(), collectionOf(args[0]))
		if err != nil {
			return err
		}
		color.Green("Pulled %s (%d records stored)", args[0], n)
		return nil
	},
}

var fullCmd = &cobra.Command{
	Use:   "full",
	Short: "Drain the queue, then pull every registered entity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !application.Engine.Online() {
			return errOffline
		}
		res, err := application.Engine.FullSync(cmd.Context())
		if jsonOutput {
			if perr := printJSON(res); perr != nil {
				return perr
			}
			return err
		}

		printDrain(res.Drain)
		names := make([]string, 0, len(res.Pulled))
		for name := range res.Pulled {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  pulled %-20s %d records\n", name, res.Pulled[name])
		}
		for name, msg := range res.Failed {
			color.Red("  failed %-20s %s", name, msg)
		}
		return err
	},
}

func printDrain(res syncengine.DrainResult) {
	fmt.Printf("Delivered %d, conflicts %d, failed %d, skipped %d\n",
		res.Delivered, res.Conflicts, res.Failed, res.Skipped)
	if res.Exhausted > 0 {
		color.Yellow("%d action(s) exhausted their retries (%d abandoned)", res.Exhausted, res.Abandoned)
	}
	fmt.Printf("Pending: %d\n", res.Pending)
}

func collectionOf(entity string) string {
	for _, e := range application.Engine.Entities() {
		if e.Name == entity {
			return e.CollectionName()
		}
	}
	return entity
}
