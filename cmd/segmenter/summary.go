package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"segmentation-workers/internal/common/database"
	"segmentation-workers/internal/insights"
)

func summaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary [tenantId]",
		Short: "Print the cached summary of a tenant's latest run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			rc := database.NewRedis(cfg.Database.Redis)
			defer rc.Close()

			pub := insights.NewRedisPublisher(rc.Client, cfg.Insights.Redis.KeyPrefix,
				time.Duration(cfg.Insights.Redis.TTL)*time.Second)
			summary, err := pub.Latest(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	return cmd
}
