// Package conf
package conf

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

//go:embed schema/postgres.sql
var postgresSchema string

// Config holds an open database handle and the dialect it speaks.
type Config struct {
	Name      string
	Driver    string
	DB        *sql.DB
	ConnStr   string
	AdminDB   *sql.DB
	SchemaSQL string
}

// Schema returns the DDL for driver.
func Schema(driver string) (string, error) {
	switch driver {
	case DriverSQLite:
		return sqliteSchema, nil
	case DriverPostgres:
		return postgresSchema, nil
	}
	return "", fmt.Errorf("unsupported db driver %q", driver)
}

// NewConfig opens the database, applies the pool limits and checks connectivity.
// For sqlite connStr is a file path.
func NewConfig(driver, connStr string, maxOpen, maxIdle int) (*Config, error) {
	schema, err := Schema(driver)
	if err != nil {
		return nil, err
	}

	dsn := connStr
	if driver == DriverSQLite {
		dsn = connStr + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		// one writer keeps sqlite transactions from tripping over each other
		maxOpen = 1
		maxIdle = 1
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	return &Config{Name: connStr, Driver: driver, DB: db, ConnStr: connStr, SchemaSQL: schema}, nil
}

// Migrate applies the idempotent schema.
func (c *Config) Migrate(ctx context.Context) error {
	if _, err := c.DB.ExecContext(ctx, c.SchemaSQL); err != nil {
		return fmt.Errorf("failed to apply %s schema: %w", c.Driver, err)
	}
	return nil
}

// NewSQLiteTestConfig creates a migrated sqlite database inside t.TempDir().
func NewSQLiteTestConfig(t *testing.T) (*Config, func()) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "state.db")
	c, err := NewConfig(DriverSQLite, path, 1, 1)
	if err != nil {
		t.Fatalf("Failed to open sqlite test database: %v", err)
	}
	if err := c.Migrate(context.Background()); err != nil {
		c.DB.Close()
		t.Fatalf("Failed to migrate sqlite test database: %v", err)
	}
	return c, func() { c.DB.Close() }
}

// NewTestConfig creates a new postgres database with a random name and applies the schema.
// It skips the test when no postgres server is reachable.
func NewTestConfig(t *testing.T) (*Config, func()) {
	t.Helper()

	const (
		// Default connection parameters for test database
		testHost     = "localhost"
		testPort     = 5432
		testUser     = "postgres"
		testPassword = "postgres" // Change this if your local postgres has a different password
	)

	adminConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		testHost, testPort, testUser, testPassword)

	adminDB, err := sql.Open(DriverPostgres, adminConnStr)
	if err != nil {
		t.Fatalf("Failed to connect to postgres: %v", err)
	}

	// Check if PostgreSQL is running
	if err := adminDB.Ping(); err != nil {
		adminDB.Close()
		t.Skipf("Skipping test: PostgreSQL is not running or not accessible: %v", err)
		return nil, func() {}
	}

	// Generate random database name to avoid conflicts
	dbName := fmt.Sprintf("test_db_%d", rand.Int31())
	if _, err := adminDB.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName)); err != nil {
		adminDB.Close()
		t.Fatalf("Failed to create test database: %v", err)
	}

	dbConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		testHost, testPort, testUser, testPassword, dbName)

	c, err := NewConfig(DriverPostgres, dbConnStr, 4, 2)
	if err != nil {
		adminDB.Close()
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := c.Migrate(context.Background()); err != nil {
		c.DB.Close()
		adminDB.Close()
		t.Fatalf("Failed to apply schema: %v", err)
	}
	c.Name = dbName
	c.AdminDB = adminDB

	cleanup := func() {
		c.DB.Close()

		// Drop the test database
		if _, err := adminDB.Exec(fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", dbName)); err != nil {
			t.Logf("Warning: Failed to drop test database %s: %v", dbName, err)
		}

		adminDB.Close()
	}

	return c, cleanup
}
