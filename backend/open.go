package backend

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Open connects to dsn with driver and wraps the pool in a bun.DB using the
// matching dialect.
func Open(driver, dsn string) (*bun.DB, error) {
	var (
		sqlDriver string
		dialect   schema.Dialect
	)

	switch driver {
	case DriverSQLite, "sqlite3":
		sqlDriver, dialect = "sqlite3", sqlitedialect.New()
	case DriverPostgres, "pg":
		sqlDriver, dialect = "postgres", pgdialect.New()
	case DriverMySQL:
		sqlDriver, dialect = "mysql", mysqldialect.New()
	default:
		return nil, fmt.Errorf("backend: unsupported driver %q", driver)
	}

	sqldb, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := sqldb.Ping(); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if driver == DriverSQLite || driver == "sqlite3" {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY
		sqldb.SetMaxOpenConns(1)
	}

	return bun.NewDB(sqldb, dialect), nil
}
