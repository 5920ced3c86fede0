package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var quotaRefresh bool

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show how many coaching sessions you have left",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Close()

		api := newAPI(cfg, logger.Logger)
		cache := newQuotaCache(cfg)
		if quotaRefresh {
			cache.Invalidate(cfg.UserID)
		}
		remaining, err := cache.Remaining(cmd.Context(), cfg.UserID, api.RemainingSessions)
		if err != nil {
			return fmt.Errorf("quota lookup failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if remaining <= 0 {
			fmt.Fprintln(out, errorBanner("You have reached your coaching session limit."))
			return nil
		}
		fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("%d %s left", remaining, plural(remaining, "session"))))
		return nil
	},
}

func init() {
	quotaCmd.Flags().BoolVar(&quotaRefresh, "refresh", false, "skip the local cache and ask the backend")
}
