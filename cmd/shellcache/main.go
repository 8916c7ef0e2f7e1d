package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// this is set by goreleaser
var version string

type rootOptions struct {
	configPath     string
	controlURL     string
	logFilename    string
	verbosityTrace bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	if version == "" {
		version = "DEV"
	}
	opts := &rootOptions{}
	var logFile io.Closer

	cmd := &cobra.Command{
		Use:   "shellcache",
		Short: "Offline cache controller for web apps",
		Long: `shellcache sits in front of a web app and keeps a versioned copy of its shell,
so pages keep working when the network does not. Versions are installed
atomically and only take over once no page is using the previous one.`,
		Example: `shellcache serve --config shellcache.yaml
shellcache caches --control http://localhost:8080`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			f, err := setupLogging(opts)
			logFile = f
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if logFile != nil {
				logFile.Close()
			}
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("SHELLCACHE_CONFIG"), "Path to config file")
	cmd.PersistentFlags().StringVar(&opts.controlURL, "control", "http://localhost:8080", "URL of a running shellcache")
	cmd.PersistentFlags().StringVar(&opts.logFilename, "log-file", "", "Log file to use (in addition to stdout)")
	cmd.PersistentFlags().BoolVar(&opts.verbosityTrace, "vv", false, "Verbosity: trace logging")

	cmd.AddCommand(
		newServeCmd(opts),
		newCachesCmd(opts),
		newRegisterCmd(opts),
		newSkipWaitingCmd(opts),
		newPushCmd(opts),
		newSyncCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// setupLogging points the global logger at stdout and, if given, the log file.
// It returns the opened log file, if any.
func setupLogging(opts *rootOptions) (io.Closer, error) {
	// set log level
	logLevel := zerolog.DebugLevel
	if opts.verbosityTrace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	var logFile *os.File
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if opts.logFilename != "" {
		f, err := os.OpenFile(opts.logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("cannot open log file: %w", err)
		}
		logFile = f
		logOutputs = append(logOutputs, f)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	if logFile == nil {
		return nil, nil
	}
	return logFile, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shellcache %s\n", version)
		},
	}
}
