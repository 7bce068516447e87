/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"database/sql"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/database"
)

const migrationSchema = "settle"

// migrateCommands groups the schema migration subcommands.
func migrateCommands(s *settleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run settle database migrations",
	}

	cmd.AddCommand(migrateDirectionCommand(s, "up", migrate.Up))
	cmd.AddCommand(migrateDirectionCommand(s, "down", migrate.Down))

	return cmd
}

func migrateDirectionCommand(s *settleInstance, use string, direction migrate.MigrationDirection) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("apply %s migrations", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.ConnectDB(s.cnf.DataSource.Dns)
			if err != nil {
				return fmt.Errorf("error connecting to database: %w", err)
			}
			defer db.Close()

			n, err := runMigrations(db, direction, limit)
			if err != nil {
				return fmt.Errorf("error migrating %s: %w", use, err)
			}
			logrus.WithFields(logrus.Fields{"direction": use, "applied": n}).Info("migrations complete")
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of migrations to apply, 0 for all")

	return cmd
}

// runMigrations applies the embedded SQL files. The migration table lives in
// the settle schema, which is created first.
func runMigrations(db *sql.DB, direction migrate.MigrationDirection, limit int) (int, error) {
	migrations := migrate.EmbedFileSystemMigrationSource{
		FileSystem: settle.SQLFiles,
		Root:       "sql",
	}

	if _, err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + migrationSchema); err != nil {
		return 0, err
	}
	migrate.SetSchema(migrationSchema)

	return migrate.ExecMax(db, "postgres", migrations, direction, limit)
}
