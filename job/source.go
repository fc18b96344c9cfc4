package job

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"warpgraph/database"
	"warpgraph/database/mongodb"
	"warpgraph/util"
)

// Source kinds accepted in a SourceConfig.
const (
	SourceFile     = "file"
	SourceDynamoDB = "dynamodb"
	SourceSQL      = "sql"
	SourceMongoDB  = "mongodb"
)

var ErrUnknownSource = errors.New("job: unknown graph source")

// OpenSource connects to the store cfg names. A file source (or none)
// yields a nil Source, meaning the job reads Graph from disk. The returned
// func releases the connection.
func OpenSource(ctx context.Context, cfg util.SourceConfig, log *zap.Logger) (database.Source, func(), error) {
	noop := func() {}
	switch cfg.Kind {
	case "", SourceFile:
		return nil, noop, nil
	case SourceDynamoDB:
		client, err := database.NewDynamoClient(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		table := cfg.Table
		if table == "" {
			table = database.CENTRAL_DB_NAME
		}
		return database.DynamoSource{Client: client, Table: table, Log: log}, noop, nil
	case SourceSQL:
		db, err := database.OpenSQL(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return database.SQLSource{DB: db, Driver: cfg.Driver, Table: cfg.Table}, func() { db.Close() }, nil
	case SourceMongoDB:
		client, err := mongodb.Connect(ctx, cfg.URI)
		if err != nil {
			return nil, noop, err
		}
		coll := mongodb.GetCollection(client, cfg.Database, cfg.Collection)
		return mongodb.Source{Collection: coll}, func() { client.Disconnect(context.Background()) }, nil
	}
	return nil, noop, errors.Wrapf(ErrUnknownSource, "%q", cfg.Kind)
}
