// Package warehouse opens authenticated sessions against a Databricks SQL
// warehouse.
//
// A Connection is owned by the flow that opened it. It wraps a database/sql
// handle capped at a single physical connection so every statement runs in the
// same remote session, and it must be closed once the flow is done with it.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Credentials identify a warehouse endpoint and the token used to reach it.
type Credentials struct {
	Host        string
	HTTPPath    string
	AccessToken string
}

func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(c.HTTPPath) == "" {
		missing = append(missing, "http path")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		missing = append(missing, "access token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// NormalizeHost strips a URL scheme and trailing slashes so both
// "https://dbc-1234.cloud.databricks.com/" and "dbc-1234.cloud.databricks.com"
// address the same workspace.
func NormalizeHost(raw string) string {
	host := strings.TrimSpace(raw)
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimRight(host, "/")
}

// NormalizeHTTPPath ensures the warehouse path carries its leading slash.
func NormalizeHTTPPath(raw string) string {
	path := strings.TrimSpace(raw)
	if path == "" || strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}

// Opener produces live warehouse connections.
type Opener interface {
	Open(ctx context.Context, creds Credentials) (*Connection, error)
}

type OpenerFunc func(ctx context.Context, creds Credentials) (*Connection, error)

func (f OpenerFunc) Open(ctx context.Context, creds Credentials) (*Connection, error) {
	return f(ctx, creds)
}

var ErrConnectionClosed = errors.New("warehouse connection is closed")

type Connection struct {
	db        *sql.DB
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConnection adopts db as a warehouse connection. The caller gives up
// ownership of db.
func NewConnection(db *sql.DB) *Connection {
	return &Connection{db: db}
}

func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	return c.db.QueryContext(ctx, query, args...)
}

// Close releases the remote session. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.db.Close()
	})
	return c.closeErr
}

func (c *Connection) Closed() bool {
	return c.closed.Load()
}
