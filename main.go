package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	programName    = "mirror-provisioner"
	programVersion = "0.1.0"
)

// Cmd holds the global command line flags
type Cmd struct {
	ConfigPath string
	Backend    string
	StateDir   string
	Debug      bool
}

var cmd Cmd

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           programName,
		Short:         "Provision switch mirror sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			configureLogging(cmd.Debug)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to a YAML or TOML configuration file")
	flags.StringVar(&cmd.Backend, "backend", "", "Switch runtime: bfrt, ovs or memory")
	flags.StringVar(&cmd.StateDir, "state-dir", "", "Directory recording applied sessions")
	flags.BoolVar(&cmd.Debug, "debug", false, "Enable debug logging")

	root.AddCommand(newApplyCmd(), newShowCmd(), newDeleteCmd(), newVersionCmd())
	return root
}

func configureLogging(debug bool) {
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logrus.Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, _ []string) {
			fmt.Fprintf(c.OutOrStdout(), "%s version %s\n", programName, programVersion)
		},
	}
}
