package main

import (
	"github.com/spf13/cobra"
)

func migrateCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*envFile)
			if err != nil {
				return err
			}
			defer a.close()

			db, err := a.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			return a.migrate(db)
		},
	}
}
