package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbsql "github.com/databricks/databricks-sql-go"

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/failure"
)

type DatabricksConfig struct {
	Port           int
	ConnectTimeout time.Duration
	UserAgent      string
}

// DatabricksOpener dials Databricks SQL warehouses with personal access tokens.
type DatabricksOpener struct {
	cfg    DatabricksConfig
	openDB func(DatabricksConfig, Credentials) (*sql.DB, error)
}

func NewDatabricksOpener(cfg DatabricksConfig) *DatabricksOpener {
	if cfg.Port <= 0 {
		cfg.Port = 443
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &DatabricksOpener{cfg: cfg, openDB: openDatabricksDB}
}

// Open validates creds, dials the warehouse and verifies the session with a
// ping. Every failure is reported as a ConnectionFailure; nothing is retried.
func (o *DatabricksOpener) Open(ctx context.Context, creds Credentials) (*Connection, error) {
	creds = Credentials{
		Host:        NormalizeHost(creds.Host),
		HTTPPath:    NormalizeHTTPPath(creds.HTTPPath),
		AccessToken: creds.AccessToken,
	}
	if err := creds.Validate(); err != nil {
		return nil, failure.Wrap(failure.ConnectionFailure, "invalid connection settings", err)
	}

	db, err := o.openDB(o.cfg, creds)
	if err != nil {
		return nil, failure.Wrap(failure.ConnectionFailure, "open warehouse connection", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, failure.Wrap(failure.ConnectionFailure, fmt.Sprintf("connect to %s", creds.Host), err)
	}
	return NewConnection(db), nil
}

func openDatabricksDB(cfg DatabricksConfig, creds Credentials) (*sql.DB, error) {
	options := []dbsql.ConnOption{
		dbsql.WithServerHostname(creds.Host),
		dbsql.WithPort(cfg.Port),
		dbsql.WithHTTPPath(creds.HTTPPath),
		dbsql.WithAccessToken(creds.AccessToken),
	}
	if cfg.UserAgent != "" {
		options = append(options, dbsql.WithUserAgentEntry(cfg.UserAgent))
	}
	connector, err := dbsql.NewConnector(options...)
	if err != nil {
		return nil, fmt.Errorf("build databricks connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}
