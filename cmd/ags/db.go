package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/agenssistant/internal/config"
	"github.com/zulandar/agenssistant/internal/db"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the session tables",
		Long:  "Creates the session database if needed and migrates all tables. For mysql the database itself is created first; for sqlite the data directory is created.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Agenssistant config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var gormDB *gorm.DB
	switch cfg.Storage.Driver {
	case "mysql":
		m := cfg.Storage.MySQL
		adminDB, err := db.ConnectAdmin(m.User, m.Host, m.Port)
		if err != nil {
			return fmt.Errorf("connect to MySQL at %s:%d: %w", m.Host, m.Port, err)
		}
		fmt.Fprintf(out, "Connected to MySQL at %s:%d\n", m.Host, m.Port)

		if err := db.CreateDatabase(adminDB, m.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", m.Database)

		gormDB, err = db.Connect(m.User, m.Host, m.Port, m.Database)
		if err != nil {
			return fmt.Errorf("connect to %s: %w", m.Database, err)
		}
	default:
		gormDB, err = db.Open(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Opened %s\n", cfg.PersistencePath())
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}
