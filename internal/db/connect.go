package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zulandar/agenssistant/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds the MySQL DSN for database. An empty database addresses the
// server itself.
func DSN(user, host string, port int, database string) string {
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", user, host, port, database)
}

// Open connects to whichever backend cfg.Storage.Driver names.
func Open(cfg *config.Config) (*gorm.DB, error) {
	switch d := cfg.Storage.Driver; d {
	case "", "sqlite":
		return ConnectSQLite(cfg.PersistencePath())
	case "mysql":
		m := cfg.Storage.MySQL
		return Connect(m.User, m.Host, m.Port, m.Database)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", d)
	}
}

func dial(d gorm.Dialector) (*gorm.DB, error) {
	return gorm.Open(d, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

// Connect opens the session database on a MySQL server.
func Connect(user, host string, port int, database string) (*gorm.DB, error) {
	gdb, err := dial(mysql.Open(DSN(user, host, port, database)))
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", host, port, database, err)
	}
	return gdb, nil
}

// ConnectAdmin connects without selecting a database so that
// CreateDatabase can run.
func ConnectAdmin(user, host string, port int) (*gorm.DB, error) {
	gdb, err := dial(mysql.Open(DSN(user, host, port, "")))
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", host, port, err)
	}
	return gdb, nil
}

// CreateDatabase is a no-op when name already exists.
func CreateDatabase(admin *gorm.DB, name string) error {
	if err := admin.Exec("CREATE DATABASE IF NOT EXISTS `" + name + "`").Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}

// ConnectSQLite opens the sqlite file at path, creating it and its parent
// directories on first use. The pool is capped at one connection because
// the router and the callback server write concurrently.
func ConnectSQLite(path string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("db: create data dir for %s: %w", path, err)
	}
	gdb, err := dial(sqlite.Open(path))
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	pool, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	pool.SetMaxOpenConns(1)
	return gdb, nil
}
