package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"groupbuy/internal/database"
	redisx "groupbuy/internal/redis"
	"groupbuy/internal/repository"
	"groupbuy/internal/service/reservation"
)

func reconcileCmd() *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "reconcile [team-id...]",
		Short: "Compare team slot counters with stored lock counts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap()
			if err != nil {
				return err
			}
			defer closeStores()

			engine := reservation.NewEngine(redisx.GetClient(), cfg.Trade.SlotBufferMinutes)
			rec := reservation.NewReconciler(engine, repository.NewTradeRepository(database.GetDB()))

			enc := json.NewEncoder(cmd.OutOrStdout())
			inconsistent := 0
			for _, teamID := range args {
				var report *reservation.ConsistencyReport
				if repair {
					report, err = rec.Repair(cmd.Context(), teamID)
				} else {
					report, err = rec.Check(cmd.Context(), teamID)
				}
				if err != nil {
					return fmt.Errorf("team %s: %w", teamID, err)
				}
				if !report.Consistent {
					inconsistent++
				}
				if err := enc.Encode(report); err != nil {
					return err
				}
			}
			if inconsistent > 0 {
				return fmt.Errorf("%d of %d teams inconsistent", inconsistent, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "credit leaked slots of open teams back")
	return cmd
}
