package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/absfs/sharecrypt"
	"github.com/absfs/sharecrypt/config"
)

func newSaltCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "salt",
		Short: "Create the deployment salt if it does not exist",
		Long: `Creates the salt file used for master key derivation and prints its path.
An existing salt is left untouched; replacing it makes every stored file
unreadable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if _, err := sharecrypt.LoadOrCreateSalt(cfg.SaltFile, sharecrypt.DefaultPBKDF2Params().SaltSize); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.SaltFile)
			return nil
		},
	}
}
