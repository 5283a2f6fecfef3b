package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/bullpen/internal/store"
)

var migrateDatabaseURL string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply the embedded schema migrations to the metadata database.

Uses BULLPEN_DATABASE_URL unless --database-url is given.`,
	RunE: runMigrate,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the applied migration version",
	RunE:  runMigrateStatus,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd)

	migrateCmd.PersistentFlags().StringVar(&migrateDatabaseURL, "database-url", "", "Postgres DSN (overrides BULLPEN_DATABASE_URL)")
}

func openMigrationStore() (*store.Postgres, error) {
	dsn := migrateDatabaseURL
	if dsn == "" {
		dsn = os.Getenv("BULLPEN_DATABASE_URL")
	}
	if dsn == "" {
		return nil, fmt.Errorf("BULLPEN_DATABASE_URL or --database-url is required")
	}
	return store.NewPostgres(dsn)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	st, err := openMigrationStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	st, err := openMigrationStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	v, err := st.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("database at migration %d\n", v)
	return nil
}
