package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"query-portal-engine/internal/request"
)

// Mongo runs command documents against a document store. The query text is
// an extended-JSON command document passed to the database verbatim via
// runCommand; bson.D keeps the command name as the first key.
type Mongo struct {
	cfg Config
}

func NewMongo(cfg Config) *Mongo {
	return &Mongo{cfg: cfg.withDefaults()}
}

func (d *Mongo) Kind() request.TargetKind { return request.TargetDocument }

func (d *Mongo) Run(ctx context.Context, params ConnParams, query string) (*QueryResult, error) {
	cmd, err := ParseCommand(query)
	if err != nil {
		return nil, err
	}

	opts := options.Client().
		ApplyURI(params.MongoURI()).
		SetConnectTimeout(d.cfg.ConnectTimeout).
		SetServerSelectionTimeout(d.cfg.ServerSelectionTimeout).
		SetTimeout(d.cfg.StatementTimeout)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to target: %w", err)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("disconnecting from target failed")
		}
	}()

	raw, err := client.Database(params.Database).RunCommand(ctx, cmd).Raw()
	if err != nil {
		return nil, fmt.Errorf("executing command: %w", err)
	}

	reply, err := rawToMap(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding command reply: %w", err)
	}
	return documentResult(reply), nil
}

// ParseCommand decodes an extended-JSON command document. bson.D preserves
// key order; an empty document has no command name and is rejected.
func ParseCommand(query string) (bson.D, error) {
	var cmd bson.D
	if err := bson.UnmarshalExtJSON([]byte(query), false, &cmd); err != nil {
		return nil, fmt.Errorf("parsing command document: %w", err)
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("parsing command document: empty document")
	}
	return cmd, nil
}

// rawToMap converts a BSON reply to plain JSON-shaped Go values, which is
// what the result validator and the stored payload need.
func rawToMap(raw bson.Raw) (map[string]any, error) {
	jsonBytes, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, err
	}
	var reply map[string]any
	if err := json.Unmarshal(jsonBytes, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// documentResult shapes a command reply. Find-shaped replies unpack
// cursor.firstBatch into rows; anything else (counts, write results) is a
// single-row reply.
func documentResult(reply map[string]any) *QueryResult {
	if cursor, ok := reply["cursor"].(map[string]any); ok {
		if batch, ok := cursor["firstBatch"].([]any); ok {
			rows := make([]map[string]any, 0, len(batch))
			for _, doc := range batch {
				if m, ok := doc.(map[string]any); ok {
					rows = append(rows, m)
				}
			}
			return &QueryResult{Rows: rows, RowCount: int64(len(rows))}
		}
	}
	delete(reply, "$clusterTime")
	delete(reply, "operationTime")
	return &QueryResult{Rows: []map[string]any{reply}, RowCount: affectedCount(reply)}
}

// affectedCount pulls the server-reported count out of non-cursor replies
// when one exists, defaulting to the single reply row.
func affectedCount(reply map[string]any) int64 {
	for _, key := range []string{"n", "nModified", "count"} {
		if v, ok := reply[key]; ok {
			if f, ok := v.(float64); ok {
				return int64(f)
			}
		}
	}
	return 1
}
