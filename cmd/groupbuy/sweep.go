package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"groupbuy/internal/database"
	"groupbuy/internal/mq"
	redisx "groupbuy/internal/redis"
)

func sweepCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one notify sweep over PENDING and RETRY tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap()
			if err != nil {
				return err
			}
			defer closeStores()

			messageQueue, err := mq.New(cfg.MQ)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, database.GetDB(), redisx.GetClient(), messageQueue)
			if err != nil {
				messageQueue.Close()
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			defer a.stop(ctx)

			result, err := a.dispatcher.Sweep(ctx)
			if err != nil {
				return err
			}
			if result.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "sweep skipped: another instance holds the sweep lock")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total=%d success=%d retry=%d failed=%d errors=%d\n",
				result.Total, result.Success, result.Retry, result.Failed, result.Errors)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "sweep deadline")
	return cmd
}
