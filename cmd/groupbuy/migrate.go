package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"groupbuy/internal/database"
)

func migrateCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the team, order and notify task tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := bootstrap(); err != nil {
				return err
			}
			defer closeStores()

			db := database.GetDB()
			if check {
				missing, err := database.CheckTables(db)
				if err != nil {
					return err
				}
				if len(missing) > 0 {
					return fmt.Errorf("missing tables: %v", missing)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "all tables present")
				return nil
			}
			return database.AutoMigrate(db)
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "only report missing tables")
	return cmd
}
