package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/absfs/sharecrypt/config"
	"github.com/absfs/sharecrypt/files"
	"github.com/absfs/sharecrypt/logging"
)

func newVerifyCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that every stored file still decrypts",
		Long: `Unwraps each file key and authenticates each ciphertext without writing
any plaintext. The daemon must be stopped first since the store is opened
exclusively.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			if err != nil {
				return err
			}
			d, err := openDaemon(cfg, log)
			if err != nil {
				return err
			}
			defer d.Close()

			report, err := d.files.VerifyAll(cmd.Context(), files.VerifyOptions{Workers: workers})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, f := range report.Failures {
				fmt.Fprintf(out, "FAIL %s: %v\n", f.FileID, f.Err)
			}
			fmt.Fprintf(out, "%d checked, %d failed\n", report.Checked, len(report.Failures))
			if len(report.Failures) > 0 {
				return fmt.Errorf("%d files failed verification", len(report.Failures))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "files checked at once (default: number of CPUs)")
	return cmd
}
