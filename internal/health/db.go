package health

import (
	"context"
	"database/sql"
)

// DBChecker reports whether the registry's Postgres backend is reachable.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker wraps an open database handle for readiness probes.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database within the probe's deadline.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
