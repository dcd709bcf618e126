// Package driver executes approved query text against target data stores.
// One driver per target kind, both honoring the same contract: connect with
// a bounded lifetime, run the text verbatim, and let the target engine's
// own timeout kill runaway work. Native engine errors pass through wrapped,
// never reinterpreted.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"query-portal-engine/internal/request"
)

// ErrUnknownKind is returned when no driver exists for a target kind.
var ErrUnknownKind = errors.New("no driver for target kind")

type Config struct {
	ConnectTimeout         time.Duration `yaml:"connect_timeout"`
	StatementTimeout       time.Duration `yaml:"statement_timeout"`
	ServerSelectionTimeout time.Duration `yaml:"server_selection_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:         10 * time.Second,
		StatementTimeout:       30 * time.Second,
		ServerSelectionTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = d.StatementTimeout
	}
	if c.ServerSelectionTimeout <= 0 {
		c.ServerSelectionTimeout = d.ServerSelectionTimeout
	}
	return c
}

// ConnParams are resolved connection parameters for one target instance.
// URI, when set, wins over the discrete fields.
type ConnParams struct {
	Host     string
	Port     int
	User     string
	Password string
	URI      string
	Database string
}

// PostgresDSN builds a connection string for the relational driver.
func (p ConnParams) PostgresDSN() string {
	if p.URI != "" {
		return p.URI
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", p.Host, port),
		Path:   p.Database,
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u.String()
}

// MongoURI builds a connection string for the document driver.
func (p ConnParams) MongoURI() string {
	if p.URI != "" {
		return p.URI
	}
	port := p.Port
	if port == 0 {
		port = 27017
	}
	u := url.URL{
		Scheme: "mongodb",
		Host:   fmt.Sprintf("%s:%d", p.Host, port),
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u.String()
}

// QueryResult is the uniform row-shaped outcome of a query execution.
type QueryResult struct {
	Columns  []string         `json:"columns,omitempty"`
	Rows     []map[string]any `json:"rows"`
	RowCount int64            `json:"row_count"`
}

// Driver runs one query against one target instance. Implementations do
// not pool connections across requests: each execution is independent.
type Driver interface {
	Kind() request.TargetKind
	Run(ctx context.Context, params ConnParams, query string) (*QueryResult, error)
}

// ForKind selects the driver implementation for a target kind.
func ForKind(kind request.TargetKind, cfg Config) (Driver, error) {
	switch kind {
	case request.TargetRelational:
		return NewPostgres(cfg), nil
	case request.TargetDocument:
		return NewMongo(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
