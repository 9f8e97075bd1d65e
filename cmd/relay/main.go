package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"voice-relay/pkg/version"
)

// Build info set via ldflags.
var (
	Commit = "none"
	Date   = "unknown"
)

func newLogger() *logrus.Logger {
	// replaced by ApplyLogging once the configuration is loaded
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)
	return logger
}

func newRootCmd(logger *logrus.Logger) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:           "voice-relay",
		Short:         "Relay telephony media streams to a realtime voice assistant",
		Long:          "voice-relay answers incoming calls with TwiML, accepts the media stream websocket and bridges caller audio to an OpenAI realtime session.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger, opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "load environment from this file instead of searching for .env")
	cmd.PersistentFlags().StringVar(&opts.assistantFile, "assistant-config", "", "YAML assistant profile (overrides ASSISTANT_CONFIG_FILE)")
	cmd.PersistentFlags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 15*time.Second, "how long live calls may take to finish on shutdown")

	cmd.AddCommand(newServeCmd(logger, &opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newServeCmd(logger *logrus.Logger, opts *serveOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and media stream server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger, *opts)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voice-relay %s (commit: %s, built: %s)\n", version.Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command, logger *logrus.Logger) int {
	if err := cmd.Execute(); err != nil {
		logger.WithError(err).Error("voice-relay exited with error")
		return 1
	}
	return 0
}

func main() {
	logger := newLogger()
	os.Exit(execute(newRootCmd(logger), logger))
}
