// Package mongodb stores graphs as one document per vertex with string
// encoded ids.
package mongodb

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"warpgraph/database"
	"warpgraph/graph"
	"warpgraph/util"
)

const DefaultDatabase = "warpgraph"

type DBVertex struct {
	ID    string   `bson:"ID"`
	Edges []string `bson:"Edges"`
	Hash  string   `bson:"Hash"`
}

// Connect dials uri and checks the server answers.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	serverAPIOptions := options.ServerAPI(options.ServerAPIVersion1)
	clientOptions := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPIOptions)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, errors.Wrap(err, "mongodb: connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongodb: ping")
	}
	return client, nil
}

func GetCollection(client *mongo.Client, db, name string) *mongo.Collection {
	if db == "" {
		db = DefaultDatabase
	}
	return client.Database(db).Collection(name)
}

func toDBVertex(v database.Vertex) DBVertex {
	edges := make([]string, len(v.Edges))
	for i, e := range v.Edges {
		edges[i] = strconv.FormatUint(e, 10)
	}
	return DBVertex{
		ID:    strconv.FormatUint(v.ID, 10),
		Edges: edges,
		Hash:  strconv.FormatUint(v.Hash, 10),
	}
}

func parseDBVertex(d DBVertex) (database.Vertex, error) {
	id, err := strconv.ParseUint(d.ID, 10, 64)
	if err != nil {
		return database.Vertex{}, errors.Wrapf(err, "mongodb: vertex id %q", d.ID)
	}
	edges := make([]uint64, len(d.Edges))
	for i, e := range d.Edges {
		if edges[i], err = strconv.ParseUint(e, 10, 64); err != nil {
			return database.Vertex{}, errors.Wrapf(err, "mongodb: edge of %d", id)
		}
	}
	hash, _ := strconv.ParseUint(d.Hash, 10, 64)
	return database.Vertex{ID: id, Edges: edges, Hash: hash}, nil
}

// createBatches groups documents for InsertMany.
func createBatches(vertices []database.Vertex, size int) [][]interface{} {
	var out [][]interface{}
	for start := 0; start < len(vertices); start += size {
		end := start + size
		if end > len(vertices) {
			end = len(vertices)
		}
		docs := make([]interface{}, 0, end-start)
		for _, v := range vertices[start:end] {
			docs = append(docs, toDBVertex(v))
		}
		out = append(out, docs)
	}
	return out
}

func InsertVertices(ctx context.Context, coll *mongo.Collection, vertices []database.Vertex, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	batches := createBatches(vertices, 1000)
	for b, docs := range batches {
		if _, err := coll.InsertMany(ctx, docs); err != nil {
			return errors.Wrapf(err, "mongodb: upload batch %d/%d", b+1, len(batches))
		}
		log.Debug("batch uploaded", zap.Int("batch", b+1), zap.Int("of", len(batches)))
	}
	log.Info("vertices uploaded", zap.String("collection", coll.Name()), zap.Int("vertices", len(vertices)))
	return nil
}

func GetVertexById(ctx context.Context, coll *mongo.Collection, vertexId uint64) (database.Vertex, error) {
	var d DBVertex
	err := coll.FindOne(ctx, bson.M{"ID": strconv.FormatUint(vertexId, 10)}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return database.Vertex{}, errors.Wrapf(graph.ErrVertexNotFound, "mongodb: %d", vertexId)
	}
	if err != nil {
		return database.Vertex{}, errors.Wrapf(err, "mongodb: get %d", vertexId)
	}
	return parseDBVertex(d)
}

// Source streams the whole collection and keeps the vertices the worker
// owns.
type Source struct {
	Collection *mongo.Collection
}

func (s Source) Load(ctx context.Context, b graph.Builder, rank, n uint32) error {
	cursor, err := s.Collection.Find(ctx, bson.M{})
	if err != nil {
		return errors.Wrap(err, "mongodb: find")
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var d DBVertex
		if err := cursor.Decode(&d); err != nil {
			return errors.Wrap(err, "mongodb: decode")
		}
		if err := addOwned(b, d, rank, n); err != nil {
			return err
		}
	}
	return errors.Wrap(cursor.Err(), "mongodb: cursor")
}

func addOwned(b graph.Builder, d DBVertex, rank, n uint32) error {
	v, err := parseDBVertex(d)
	if err != nil {
		return err
	}
	if util.Owner(v.ID, n) != rank {
		return nil
	}
	return database.AddTo(b, v)
}
