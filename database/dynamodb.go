package database

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"warpgraph/graph"
	"warpgraph/util"
)

const (
	CENTRAL_DB_NAME = "warpgraph-db"
	DEFAULT_REGION  = "us-east-2"
)

// DynamoAPI is the part of *dynamodb.Client the package uses.
type DynamoAPI interface {
	dynamodb.ScanAPIClient
	dynamodb.DescribeTableAPIClient
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// NewDynamoClient builds a client from the default AWS chain, overridden by
// whatever cfg sets. An endpoint points the client at DynamoDB Local.
func NewDynamoClient(ctx context.Context, cfg util.SourceConfig) (*dynamodb.Client, error) {
	region := cfg.Region
	if region == "" {
		region = DEFAULT_REGION
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "database: load AWS config")
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.EndpointResolver = dynamodb.EndpointResolverFromURL(cfg.Endpoint)
		}
	}), nil
}

// DynamoSource reads a table of {ID, Edges, Hash} items with a parallel
// scan: worker rank reads segment rank of n.
type DynamoSource struct {
	Client DynamoAPI
	Table  string
	Log    *zap.Logger
}

func (s DynamoSource) Load(ctx context.Context, b graph.Builder, rank, n uint32) error {
	p := dynamodb.NewScanPaginator(s.Client, &dynamodb.ScanInput{
		TableName:     aws.String(s.Table),
		Segment:       aws.Int32(int32(rank)),
		TotalSegments: aws.Int32(int32(n)),
	})
	count := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return errors.Wrapf(err, "database: scan %s segment %d/%d", s.Table, rank, n)
		}
		var vertices []Vertex
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &vertices); err != nil {
			return errors.Wrapf(err, "database: decode %s items", s.Table)
		}
		for _, v := range vertices {
			if err := AddTo(b, v); err != nil {
				return err
			}
		}
		count += len(vertices)
	}
	if s.Log != nil {
		s.Log.Info("dynamodb segment loaded", zap.String("table", s.Table),
			zap.Uint32("segment", rank), zap.Int("vertices", count))
	}
	return nil
}

func GetVertexByID(ctx context.Context, svc DynamoAPI, tableName string, vertexId uint64) (Vertex, error) {
	res, err := svc.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(tableName),
		Key: map[string]types.AttributeValue{
			"ID": &types.AttributeValueMemberN{Value: strconv.FormatUint(vertexId, 10)},
		},
	})
	if err != nil {
		return Vertex{}, errors.Wrapf(err, "database: get %d", vertexId)
	}
	if res.Item == nil {
		return Vertex{}, errors.Wrapf(graph.ErrVertexNotFound, "database: %d", vertexId)
	}
	vertex := Vertex{}
	if err := attributevalue.UnmarshalMap(res.Item, &vertex); err != nil {
		return Vertex{}, errors.Wrapf(err, "database: decode %d", vertexId)
	}
	return vertex, nil
}

func CreateDynamoTable(ctx context.Context, svc DynamoAPI, tableName string) error {
	_, err := svc.CreateTable(ctx, &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("ID"),
				AttributeType: types.ScalarAttributeTypeN,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("ID"),
				KeyType:       types.KeyTypeHash,
			},
		},
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return errors.Wrapf(err, "database: create table %s", tableName)
	}
	return waitForTable(ctx, svc, tableName)
}

func waitForTable(ctx context.Context, db DynamoAPI, tn string) error {
	w := dynamodb.NewTableExistsWaiter(db)
	err := w.Wait(ctx,
		&dynamodb.DescribeTableInput{
			TableName: aws.String(tn),
		},
		2*time.Minute,
		func(o *dynamodb.TableExistsWaiterOptions) {
			o.MaxDelay = 5 * time.Second
			o.MinDelay = 5 * time.Second
		})
	return errors.Wrapf(err, "database: wait for table %s", tn)
}

// BatchInsertVertices uploads vertices MAXIMUM_ITEMS_PER_BATCH at a time.
// Items DynamoDB leaves unprocessed are resubmitted with backoff.
func BatchInsertVertices(ctx context.Context, svc DynamoAPI, tableName string, vertices []Vertex, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	all := batches(vertices, MAXIMUM_ITEMS_PER_BATCH)
	for b, batch := range all {
		pending := map[string][]types.WriteRequest{tableName: marshalBatch(batch)}
		op := func() error {
			out, err := svc.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return backoff.Permanent(err)
			}
			if len(out.UnprocessedItems[tableName]) > 0 {
				pending = out.UnprocessedItems
				return errors.Errorf("%d items unprocessed", len(pending[tableName]))
			}
			return nil
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			return errors.Wrapf(err, "database: upload batch %d/%d", b+1, len(all))
		}
		log.Debug("batch uploaded", zap.Int("batch", b+1), zap.Int("of", len(all)))
	}
	log.Info("vertices uploaded", zap.String("table", tableName),
		zap.Int("vertices", len(vertices)), zap.Int("batches", len(all)))
	return nil
}

func marshalBatch(vertices []Vertex) []types.WriteRequest {
	reqs := make([]types.WriteRequest, len(vertices))
	for i, v := range vertices {
		reqs[i] = marshalVertexWriteReq(v)
	}
	return reqs
}

func marshalVertexWriteReq(vertex Vertex) types.WriteRequest {
	return types.WriteRequest{
		PutRequest: &types.PutRequest{
			Item: map[string]types.AttributeValue{
				"ID":    &types.AttributeValueMemberN{Value: strconv.FormatUint(vertex.ID, 10)},
				"Edges": &types.AttributeValueMemberL{Value: edgesToAttributeValueSlice(vertex.Edges)},
				"Hash":  &types.AttributeValueMemberN{Value: strconv.FormatUint(vertex.Hash, 10)},
			},
		},
	}
}

func edgesToAttributeValueSlice(edges []uint64) []types.AttributeValue {
	as := make([]types.AttributeValue, len(edges))
	for idx, edge := range edges {
		as[idx] = &types.AttributeValueMemberN{Value: strconv.FormatUint(edge, 10)}
	}
	return as
}
