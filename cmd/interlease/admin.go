package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlease/internal/auth"
	"github.com/mistakeknot/interlease/internal/cli"
	"github.com/mistakeknot/interlease/internal/config"
	"github.com/mistakeknot/interlease/internal/scheduler"
)

func migrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bring the SQLite database up to the current catalog version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openSQLite(cmd.Context(), a.cfg, a.log)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: catalog %s at version %d (%s)\n",
				a.cfg.DBPath, scheduler.CatalogName, db.Version(), db.State())
			return nil
		},
	}
	config.RegisterServeFlags(cmd)
	return cmd
}

func initCmd() *cobra.Command {
	var user, keysFile string
	var storeAccess bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an API key for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(keysFile) == "" {
				keysFile = auth.ResolveKeysPath()
			}
			key, err := cli.InitKeysFile(keysFile, user, storeAccess)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user: %s\nkey: %s\nkeys file: %s\n", user, key, keysFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user the key authenticates as")
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file to update (default $INTERLEASE_KEYS_FILE or interlease.keys.yaml)")
	cmd.Flags().BoolVar(&storeAccess, "store-access", false, "also allow the key on the record store export (/api/store/)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
