package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"shelfsync/internal/app"
	"shelfsync/internal/logging"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	jsonOutput   bool
	forceOffline bool

	application *app.App
	logCloser   io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "Inspect and drive the offline sync store",
	Long: `syncctl works directly on the local store used by syncd: it lists queued and
abandoned actions, enqueues new ones, and runs drains and pulls on demand.`,
	PersistentPreRunE:  setupApp,
	PersistentPostRunE: closeApp,
	SilenceUsage:       true,
	SilenceErrors:      true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		if application != nil {
			_ = closeApp(nil, nil)
		}
		os.Exit(1)
	}
}

func setupApp(cmd *cobra.Command, _ []string) error {
	cfg, logger, closer, err := app.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	logCloser = closer

	online := false
	if !forceOffline {
		online = app.ProbeOnline(cmd.Context(), cfg, logging.Component(logger, "probe"))
	}

	application, err = app.New(cmd.Context(), cfg, online, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	return nil
}

func closeApp(_ *cobra.Command, _ []string) error {
	var err error
	if application != nil {
		err = application.Close()
		application = nil
	}
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $CONFIG_PATH or configs/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")
	rootCmd.PersistentFlags().BoolVar(&forceOffline, "offline", false, "skip the connectivity probe and act offline")

	rootCmd.AddCommand(statusCmd, pendingCmd, deadCmd, enqueueCmd, abandonCmd, requeueCmd, purgeCmd, drainCmd, pullCmd, fullCmd)
}
