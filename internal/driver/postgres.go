package driver

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"query-portal-engine/internal/request"
)

// Postgres runs query text over a single short-lived pgx connection.
type Postgres struct {
	cfg Config
}

func NewPostgres(cfg Config) *Postgres {
	return &Postgres{cfg: cfg.withDefaults()}
}

func (d *Postgres) Kind() request.TargetKind { return request.TargetRelational }

// Run connects, executes the text verbatim, and closes the connection.
// statement_timeout is set as a session runtime parameter so the server
// kills a runaway query even if this process dies mid-flight.
func (d *Postgres) Run(ctx context.Context, params ConnParams, query string) (*QueryResult, error) {
	connCfg, err := pgx.ParseConfig(params.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("parsing target DSN: %w", err)
	}
	connCfg.ConnectTimeout = d.cfg.ConnectTimeout
	connCfg.RuntimeParams["statement_timeout"] = strconv.FormatInt(d.cfg.StatementTimeout.Milliseconds(), 10)

	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to target: %w", err)
	}
	defer func() {
		if err := conn.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("closing target connection failed")
		}
	}()

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("reading row values: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	res := &QueryResult{Columns: columns, Rows: out, RowCount: int64(len(out))}
	if len(fields) == 0 {
		// Statements that return no row set report the affected count.
		res.RowCount = rows.CommandTag().RowsAffected()
	}
	return res, nil
}
