package db

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// ParseDSN picks the database/sql driver for a DSN and returns the source
// string to hand it. postgres:// and postgresql:// go to pgx; sqlite://path,
// file: URIs and bare *.db paths go to sqlite.
func ParseDSN(dsn string) (driver, source string, err error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", fmt.Errorf("empty DSN")
	}
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		if _, err := url.Parse(dsn); err != nil {
			return "", "", err
		}
		return DriverPostgres, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("sqlite DSN without path: %q", dsn)
		}
		return DriverSQLite, sqliteSource(path), nil
	case strings.HasPrefix(dsn, "file:"):
		return DriverSQLite, dsn, nil
	case strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"):
		return DriverSQLite, sqliteSource(dsn), nil
	case !strings.Contains(dsn, "://") && strings.Contains(dsn, "="):
		// key=value libpq form
		return DriverPostgres, dsn, nil
	}
	return "", "", fmt.Errorf("unsupported DSN %q", redact(dsn))
}

func sqliteSource(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// redact hides the password of a URL-style DSN for logging.
func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
