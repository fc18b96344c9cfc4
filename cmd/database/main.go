// Command database loads text graphs into the stores workers can read from.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warpgraph/database"
	"warpgraph/database/mongodb"
	"warpgraph/job"
	"warpgraph/util"
)

type dbFlags struct {
	src   util.SourceConfig
	level string
}

func main() {
	if err := newDatabaseCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newDatabaseCmd() *cobra.Command {
	var f dbFlags
	root := &cobra.Command{
		Use:           "database",
		Short:         "Upload and inspect graphs in DynamoDB, SQL or MongoDB",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.src.Kind, "kind", job.SourceDynamoDB, "store kind (dynamodb, sql, mongodb)")
	pf.StringVar(&f.src.Table, "table", database.CENTRAL_DB_NAME, "table name")
	pf.StringVar(&f.src.Driver, "driver", database.SQLITE, "sql driver (sqlite3, mysql, sqlserver)")
	pf.StringVar(&f.src.DSN, "dsn", "", "sql data source name")
	pf.StringVar(&f.src.Region, "region", database.DEFAULT_REGION, "aws region")
	pf.StringVar(&f.src.Endpoint, "endpoint", "", "dynamodb endpoint override")
	pf.StringVar(&f.src.URI, "uri", "", "mongodb connection uri")
	pf.StringVar(&f.src.Database, "db", "warpgraph", "mongodb database")
	pf.StringVar(&f.src.Collection, "collection", "vertices", "mongodb collection")
	pf.StringVar(&f.level, "log-level", "info", "log level")

	var (
		graphPath string
		format    string
		create    bool
	)
	upload := &cobra.Command{
		Use:   "upload",
		Short: "Parse a graph and insert one row per vertex",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUpload(cmd.Context(), f, graphPath, format, create)
		},
	}
	upload.Flags().StringVar(&graphPath, "graph", "", "input file or directory")
	upload.Flags().StringVar(&format, "format", "snap", "input format")
	upload.Flags().BoolVar(&create, "create", false, "(re)create the table first")
	upload.MarkFlagRequired("graph")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Print the adjacency row of one vertex",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return errors.Wrapf(err, "vertex id %q", args[0])
			}
			v, err := getVertex(cmd.Context(), f, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%v\n", v.ID, v.Edges)
			return nil
		},
	}

	root.AddCommand(upload, get)
	return root
}

func withEnv(src util.SourceConfig) util.SourceConfig {
	util.LoadEnv(".env")
	src.DSN = util.Getenv("WARP_DB_DSN", src.DSN)
	src.URI = util.Getenv("WARP_MONGO_URI", src.URI)
	src.AccessKeyID = util.Getenv("AWS_ACCESS_KEY_ID", src.AccessKeyID)
	src.SecretAccessKey = util.Getenv("AWS_SECRET_ACCESS_KEY", src.SecretAccessKey)
	return src
}

func runUpload(ctx context.Context, f dbFlags, path, format string, create bool) error {
	log, err := util.NewLogger(util.LogConfig{Level: f.level})
	if err != nil {
		return err
	}
	defer log.Sync()
	if ctx == nil {
		ctx = context.Background()
	}
	src := withEnv(f.src)

	vertices, err := database.ParseInputGraph(ctx, path, format)
	if err != nil {
		return err
	}
	log.Info("parsed graph", zap.String("path", path), zap.Int("vertices", len(vertices)))

	switch src.Kind {
	case job.SourceDynamoDB:
		client, err := database.NewDynamoClient(ctx, src)
		if err != nil {
			return err
		}
		if create {
			if err := database.CreateDynamoTable(ctx, client, src.Table); err != nil {
				return err
			}
		}
		if err := database.BatchInsertVertices(ctx, client, src.Table, vertices, log); err != nil {
			return err
		}
	case job.SourceSQL:
		db, err := database.OpenSQL(ctx, src.Driver, src.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if create {
			if err := database.CreateSQLTable(ctx, db, src.Driver, src.Table); err != nil {
				return err
			}
		}
		if err := database.BulkInsert(ctx, db, src.Driver, src.Table, vertices, log); err != nil {
			return err
		}
	case job.SourceMongoDB:
		client, err := mongodb.Connect(ctx, src.URI)
		if err != nil {
			return err
		}
		defer client.Disconnect(context.Background())
		coll := mongodb.GetCollection(client, src.Database, src.Collection)
		if create {
			if err := coll.Drop(ctx); err != nil {
				return errors.Wrap(err, "mongodb: drop collection")
			}
		}
		if err := mongodb.InsertVertices(ctx, coll, vertices, log); err != nil {
			return err
		}
	default:
		return errors.Wrapf(job.ErrUnknownSource, "%q", src.Kind)
	}
	log.Info("upload complete", zap.String("kind", src.Kind), zap.Int("vertices", len(vertices)))
	return nil
}

func getVertex(ctx context.Context, f dbFlags, id uint64) (database.Vertex, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	src := withEnv(f.src)
	switch src.Kind {
	case job.SourceDynamoDB:
		client, err := database.NewDynamoClient(ctx, src)
		if err != nil {
			return database.Vertex{}, err
		}
		return database.GetVertexByID(ctx, client, src.Table, id)
	case job.SourceSQL:
		db, err := database.OpenSQL(ctx, src.Driver, src.DSN)
		if err != nil {
			return database.Vertex{}, err
		}
		defer db.Close()
		return database.GetVertexBySrc(ctx, db, src.Driver, src.Table, id)
	case job.SourceMongoDB:
		client, err := mongodb.Connect(ctx, src.URI)
		if err != nil {
			return database.Vertex{}, err
		}
		defer client.Disconnect(context.Background())
		return mongodb.GetVertexById(ctx, mongodb.GetCollection(client, src.Database, src.Collection), id)
	}
	return database.Vertex{}, errors.Wrapf(job.ErrUnknownSource, "%q", src.Kind)
}
