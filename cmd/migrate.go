package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Martin-Hayot/auction-engine/internal/database"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	withDB := func(fn func(cmd *cobra.Command, db database.Service) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if root.cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate requires database.driver postgres, got %q", root.cfg.Database.Driver)
			}
			db, err := database.New(root.cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(cmd, db)
		}
	}

	var force bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back every migration, dropping all auction data",
		RunE: withDB(func(cmd *cobra.Command, db database.Service) error {
			if !force {
				return fmt.Errorf("refusing to drop all data without --force")
			}
			return database.MigrateDown(db.DB())
		}),
	}
	down.Flags().BoolVar(&force, "force", false, "confirm dropping all data")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withDB(func(cmd *cobra.Command, db database.Service) error {
				return database.Migrate(db.DB())
			}),
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied migration version",
			RunE: withDB(func(cmd *cobra.Command, db database.Service) error {
				version, dirty, err := database.MigrationVersion(db.DB())
				if err != nil {
					return err
				}
				if dirty {
					cmd.Printf("%d (dirty)\n", version)
					return nil
				}
				cmd.Printf("%d\n", version)
				return nil
			}),
		},
	)
	return cmd
}
