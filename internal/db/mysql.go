// Package db owns the relational persistence side of the write-behind
// outbox (spec §4.6): connecting to MySQL/TiDB and the idempotent
// upsert/load statements the outbox and engine recovery path use. The
// in-memory engine and ledger never import this package directly; only the
// outbox worker and the startup recovery path do (spec §9: "the engine
// only knows the in-memory model; the outbox alone mediates with the
// store").
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// Connect establishes a connection to the MySQL/TiDB database given a DSN
// or a mysql:// URI (the caller resolves DB_DSN from config/env; see
// internal/config). Pool limits are the caller's responsibility (see
// cmd/server, which applies the configured values after Connect returns).
func Connect(connectionString string) (*sql.DB, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	dsn, err := dsnFromConnectionString(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to process connection string: %w", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// dsnFromConnectionString accepts either a plain go-sql-driver DSN or a
// mysql:// URI (TiDB Cloud's connection-string form) and normalizes to the
// former, filling in the TiDB-friendly defaults a bare DSN would need to
// spell out by hand.
func dsnFromConnectionString(connectionString string) (string, error) {
	if !strings.HasPrefix(connectionString, "mysql://") {
		return connectionString, nil
	}

	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse URI: %w", err)
	}
	if u.Scheme != "mysql" {
		return "", fmt.Errorf("unsupported scheme: %s (expected mysql)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("host is required")
	}

	var userInfo string
	if u.User != nil {
		if password, ok := u.User.Password(); ok {
			userInfo = u.User.Username() + ":" + password
		} else {
			userInfo = u.User.Username()
		}
	}

	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		database = "test"
	}

	params := u.Query()
	for key, values := range map[string][]string{
		"parseTime": {"true"}, "charset": {"utf8mb4"}, "collation": {"utf8mb4_unicode_ci"},
	} {
		if !params.Has(key) {
			params[key] = values
		}
	}

	dsn := fmt.Sprintf("%s@tcp(%s)/%s", userInfo, u.Host, database)
	if len(params) > 0 {
		dsn += "?" + params.Encode()
	}
	return dsn, nil
}
