package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sushant-115/gojotx/core/write_engine/wal"
)

func init() {
	rootCmd.AddCommand(newBackupCmd())
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dir>",
		Short: "Copy the transaction log segments into dir",
		Long: `The backup command syncs the transaction log and copies every segment
into the target directory. Copies are throttled by wal.backup_rate.

Example:
  gojotx backup /mnt/backups/2026-10-16 --config gojotx.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			lm, err := wal.NewLogManager(cfg.WAL, log)
			if err != nil {
				return err
			}
			defer lm.Close()

			copied, err := lm.Backup(cmd.Context(), args[0])
			for _, path := range copied {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return err
		},
	}
}
