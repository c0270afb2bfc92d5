// Command sharecryptd serves the encrypted file-sharing API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sharecryptd",
		Short: "Encrypted file sharing daemon",
		Long: `sharecryptd stores uploaded files encrypted under per-file keys,
wraps those keys under a master key derived from the deployment secret, and
serves downloads, share links and MFA over HTTP.

The secret is read from the config file or from ` + "SHARECRYPT_SECRET" + `.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSaltCmd())
	root.AddCommand(newVerifyCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
