// Package store provides repository-style access to the checking engine's
// four durable entities: operations, executions, detection_executions, and
// detection_results. It owns every row's lifetime (spec §3 "Ownership");
// messages on the broker hold only references into this store.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/purpleteam/checking-engine/internal/engineconfig"
)

const postgresDriver = "postgres"

// Sentinel error kinds (spec §4.1 "Error kinds").
var (
	// ErrNotFound is returned when a query finds no matching row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a compare-and-set transition fails
	// because the row's current state no longer matches the expected one.
	ErrConflict = errors.New("store: conflict")
	// ErrConstraint is returned when a domain invariant would be violated.
	ErrConstraint = errors.New("store: constraint violation")
	// ErrTransient is returned for connectivity failures that a caller may retry.
	ErrTransient = errors.New("store: transient failure")
	// ErrNoConnection is returned when a nil *Connection is passed to a constructor.
	ErrNoConnection = errors.New("store: no database connection")
)

// Connection wraps a pooled PostgreSQL connection.
type Connection struct {
	*sql.DB
}

// NewConnection opens and health-checks a PostgreSQL connection pool.
func NewConnection(cfg *engineconfig.DatabaseConfig) (*Connection, error) {
	db, err := sql.Open(postgresDriver, cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck checks the connection pool is reachable within a timeout.
func (c *Connection) HealthCheck(ctx context.Context) error { //nolint:contextcheck
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the connection pool gracefully. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats returns pool statistics for monitoring.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}

// JSON is a generic JSONB column value: opaque at rest, decoded only by
// the Task Envelope Codec or API-layer readers that know the shape
// (spec §9 "map to tagged variants at component boundaries ... and to
// opaque structured payloads ... in storage").
type JSON json.RawMessage

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return []byte("{}"), nil
	}

	return []byte(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(src any) error {
	if src == nil {
		*j = JSON("{}")

		return nil
	}

	switch v := src.(type) {
	case []byte:
		*j = append(JSON{}, v...) //nolint:gocritic // explicit copy of driver-owned bytes

		return nil
	case string:
		*j = JSON(v)

		return nil
	default:
		return fmt.Errorf("store: cannot scan %T into JSON", src)
	}
}

// MarshalJSON satisfies json.Marshaler so JSON round-trips through
// encoding/json as the raw bytes it holds.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("{}"), nil
	}

	return j, nil
}

// UnmarshalJSON satisfies json.Unmarshaler.
func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[0:0], data...)

	return nil
}

// NewJSON encodes v into a JSON column value.
func NewJSON(v any) (JSON, error) {
	if v == nil {
		return JSON("{}"), nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding JSON column: %w", err)
	}

	return JSON(raw), nil
}
