// Package storage persists execution requests. The Postgres store backs
// production; the Memory store backs tests and DSN-less development.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"query-portal-engine/internal/request"
)

const requestColumns = `id, token, target_kind, instance_id, database_name,
	payload_kind, query_content, script_content, language,
	submitter_id, team_id, status, warnings,
	approved_by, rejected_by, rejection_reason,
	result, result_truncated, error,
	created_at, approved_at, execution_started_at, execution_completed_at`

// Postgres stores requests in PostgreSQL behind a connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a request store on a new connection pool.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL request store")
	return &Postgres{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// Healthy checks database connectivity.
func (s *Postgres) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// Create inserts a new request.
func (s *Postgres) Create(ctx context.Context, req *request.Request) error {
	warnings, result, errPayload, err := marshalPayloads(req)
	if err != nil {
		return fmt.Errorf("encoding request %s: %w", req.ID, err)
	}

	query := `
		INSERT INTO requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

	_, err = s.pool.Exec(ctx, query,
		req.ID, req.Token, req.TargetKind, req.InstanceID, req.DatabaseName,
		req.PayloadKind, req.QueryContent, req.ScriptContent, req.Language,
		req.SubmitterID, req.TeamID, req.Status, warnings,
		req.ApprovedBy, req.RejectedBy, req.RejectionReason,
		result, req.ResultTruncated, errPayload,
		req.CreatedAt, req.ApprovedAt, req.ExecutionStartedAt, req.ExecutionCompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}
	return nil
}

// GetByToken retrieves a request by its public token.
func (s *Postgres) GetByToken(ctx context.Context, token string) (*request.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE token = $1`

	req, err := scanRequest(s.pool.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, request.ErrNotFound
		}
		return nil, fmt.Errorf("querying request by token: %w", err)
	}
	return req, nil
}

// Update writes the mutable lifecycle fields of an existing request.
func (s *Postgres) Update(ctx context.Context, req *request.Request) error {
	warnings, result, errPayload, err := marshalPayloads(req)
	if err != nil {
		return fmt.Errorf("encoding request %s: %w", req.ID, err)
	}

	query := `
		UPDATE requests SET
			status = $2, warnings = $3,
			approved_by = $4, rejected_by = $5, rejection_reason = $6,
			result = $7, result_truncated = $8, error = $9,
			approved_at = $10, execution_started_at = $11, execution_completed_at = $12
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		req.ID, req.Status, warnings,
		req.ApprovedBy, req.RejectedBy, req.RejectionReason,
		result, req.ResultTruncated, errPayload,
		req.ApprovedAt, req.ExecutionStartedAt, req.ExecutionCompletedAt,
	)
	if err != nil {
		return fmt.Errorf("updating request %s: %w", req.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return request.ErrNotFound
	}
	return nil
}

// List queries requests with optional filters, newest first.
func (s *Postgres) List(ctx context.Context, filter request.Filter) ([]request.Request, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM requests
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR submitter_id = $2)
		  AND ($3 = '' OR instance_id = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, query,
		string(filter.Status), filter.SubmitterID, filter.InstanceID, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	var results []request.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request row: %w", err)
		}
		results = append(results, *req)
	}

	return results, rows.Err()
}

// marshalPayloads encodes the JSON-typed columns, passing nil through so
// absent payloads land as SQL NULL.
func marshalPayloads(req *request.Request) (warnings, result, errPayload []byte, err error) {
	if len(req.Warnings) > 0 {
		warnings, err = json.Marshal(req.Warnings)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if req.Result != nil {
		result, err = json.Marshal(req.Result)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if req.Error != nil {
		errPayload, err = json.Marshal(req.Error)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return warnings, result, errPayload, nil
}

func scanRequest(row pgx.Row) (*request.Request, error) {
	var req request.Request
	var warnings, result, errPayload []byte

	err := row.Scan(
		&req.ID, &req.Token, &req.TargetKind, &req.InstanceID, &req.DatabaseName,
		&req.PayloadKind, &req.QueryContent, &req.ScriptContent, &req.Language,
		&req.SubmitterID, &req.TeamID, &req.Status, &warnings,
		&req.ApprovedBy, &req.RejectedBy, &req.RejectionReason,
		&result, &req.ResultTruncated, &errPayload,
		&req.CreatedAt, &req.ApprovedAt, &req.ExecutionStartedAt, &req.ExecutionCompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &req.Warnings); err != nil {
			return nil, fmt.Errorf("decoding warnings: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &req.Result); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
	}
	if len(errPayload) > 0 {
		req.Error = &request.ErrorPayload{}
		if err := json.Unmarshal(errPayload, req.Error); err != nil {
			return nil, fmt.Errorf("decoding error payload: %w", err)
		}
	}

	return &req, nil
}
