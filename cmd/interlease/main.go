package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlease/internal/config"
	"github.com/mistakeknot/interlease/internal/logging"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

// app carries state resolved once in the root's PersistentPreRunE.
type app struct {
	cfg config.Config
	log *slog.Logger
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	a := &app{log: slog.Default()}
	root := &cobra.Command{
		Use:   "interlease",
		Short: "bid-based booking of shared resources",
		Long: fmt.Sprintf(`interlease (%s)

Owners list resources, requesters bid for date intervals, and owners accept
or reject. Accepted reservations never overlap. Every flag can also be set
as INTERLEASE_<FLAG> in the environment or in a .env file.`, Version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			config.LoadDotEnv()
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}
			log, err := logging.Configure(cmd.ErrOrStderr(), cfg.LogLevel)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
	}
	config.RegisterCommonFlags(root)

	root.AddCommand(
		serveCmd(a),
		migrateCmd(a),
		initCmd(),
		versionCmd(),
		resourceCmd(a),
		bidCmd(a),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of interlease",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "interlease %s\n", Version)
		},
	}
}
