package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finchdb/finch/internal/logger"
	"github.com/finchdb/finch/pkg/snapshot"
)

// newSnapshotCommand shuttles keyspace snapshots between the configured
// store and the configured S3 bucket, for operation on a stopped
// server.
func newSnapshotCommand(configPath *string) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Push or pull keyspace snapshots to and from S3",
	}
	cmd.PersistentFlags().StringVarP(&key, "key", "k", snapshotKey, "object key of the snapshot")

	push := &cobra.Command{
		Use:   "push",
		Short: "Serialize the store and upload it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if !cfg.Snapshot.Enabled {
				return fmt.Errorf("snapshot shuttle is not configured")
			}
			logger.SetLevel(cfg.Logging.Level)

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			shuttle, err := snapshot.New(cmd.Context(), cfg.Snapshot.S3)
			if err != nil {
				return err
			}
			return shuttle.Push(cmd.Context(), key, st)
		},
	}

	pull := &cobra.Command{
		Use:   "pull",
		Short: "Download a snapshot and restore it into the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if !cfg.Snapshot.Enabled {
				return fmt.Errorf("snapshot shuttle is not configured")
			}
			logger.SetLevel(cfg.Logging.Level)

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			shuttle, err := snapshot.New(cmd.Context(), cfg.Snapshot.S3)
			if err != nil {
				return err
			}
			return shuttle.Pull(cmd.Context(), key, st)
		},
	}

	cmd.AddCommand(push, pull)
	return cmd
}
