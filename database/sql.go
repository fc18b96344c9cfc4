package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"warpgraph/graph"
)

// Drivers registered by this package.
const (
	SQLSERVER = "sqlserver"
	MYSQL     = "mysql"
	SQLITE    = "sqlite3"
)

const neighborDelim = "."

// SQLServerDSN builds a go-mssqldb connection string.
func SQLServerDSN(server, user, password string, port int, database string) string {
	return fmt.Sprintf("server=%s;user id=%s;password=%s;port=%d;database=%s;",
		server, user, password, port, database)
}

func OpenSQL(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "database: open %s", driver)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "database: connect %s", driver)
	}
	return db, nil
}

// CreateSQLTable (re)creates an adjacency table of
// (srcVertex, hash, neighbors) rows.
func CreateSQLTable(ctx context.Context, db *sql.DB, driver, table string) error {
	text := "TEXT"
	if driver == SQLSERVER {
		text = "VARCHAR(8000)"
	}
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return errors.Wrapf(err, "database: drop %s", table)
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (srcVertex BIGINT PRIMARY KEY, hash BIGINT, neighbors %s)", table, text)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrapf(err, "database: create %s", table)
	}
	return nil
}

// maxParams is the bind parameter limit of each dialect.
func maxParams(driver string) int {
	switch driver {
	case SQLSERVER:
		return 2099
	case MYSQL:
		return 65535
	default:
		return 999
	}
}

func placeholder(driver string, ordinal int) string {
	if driver == SQLSERVER {
		return fmt.Sprintf("@p%d", ordinal)
	}
	return "?"
}

func rowPlaceholders(driver string, start, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = placeholder(driver, start+i)
	}
	return "(" + strings.Join(ps, ", ") + ")"
}

// BulkInsert writes vertices with multi-row INSERTs as large as the
// dialect allows.
func BulkInsert(ctx context.Context, db *sql.DB, driver, table string, vertices []Vertex, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	const numParams = 3
	rowsPerInsert := maxParams(driver) / numParams
	bulks := batches(vertices, rowsPerInsert)
	for i, bulk := range bulks {
		startTime := time.Now()
		valueStrings := make([]string, 0, len(bulk))
		valueArgs := make([]interface{}, 0, len(bulk)*numParams)
		ordinal := 1
		for _, v := range bulk {
			valueStrings = append(valueStrings, rowPlaceholders(driver, ordinal, numParams))
			// BIGINT is signed; keep the hash bits.
			valueArgs = append(valueArgs, int64(v.ID), int64(v.Hash), joinIDs(v.Edges, neighborDelim))
			ordinal += numParams
		}
		stmt := fmt.Sprintf("INSERT INTO %s (srcVertex, hash, neighbors) VALUES %s",
			table, strings.Join(valueStrings, ","))
		if _, err := db.ExecContext(ctx, stmt, valueArgs...); err != nil {
			return errors.Wrapf(err, "database: bulk insert %d/%d", i+1, len(bulks))
		}
		log.Debug("bulk inserted", zap.Int("bulk", i+1), zap.Int("of", len(bulks)),
			zap.Duration("elapsed", time.Since(startTime)))
	}
	return nil
}

// SQLSource reads the rows whose srcVertex is rank modulo n.
type SQLSource struct {
	DB     *sql.DB
	Driver string
	Table  string
}

func (s SQLSource) Load(ctx context.Context, b graph.Builder, rank, n uint32) error {
	q := fmt.Sprintf("SELECT srcVertex, neighbors FROM %s WHERE srcVertex %% %s = %s",
		s.Table, placeholder(s.Driver, 1), placeholder(s.Driver, 2))
	rows, err := s.DB.QueryContext(ctx, q, int64(n), int64(rank))
	if err != nil {
		return errors.Wrapf(err, "database: query %s", s.Table)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id        int64
			neighbors sql.NullString
		)
		if err := rows.Scan(&id, &neighbors); err != nil {
			return errors.Wrapf(err, "database: scan %s", s.Table)
		}
		edges, err := splitIDs(neighbors.String, neighborDelim)
		if err != nil {
			return errors.Wrapf(err, "database: row %d", id)
		}
		if err := AddTo(b, Vertex{ID: uint64(id), Edges: edges}); err != nil {
			return err
		}
	}
	return errors.Wrapf(rows.Err(), "database: read %s", s.Table)
}

func GetVertexBySrc(ctx context.Context, db *sql.DB, driver, table string, id uint64) (Vertex, error) {
	q := fmt.Sprintf("SELECT srcVertex, hash, neighbors FROM %s WHERE srcVertex = %s", table, placeholder(driver, 1))
	var (
		src, hash int64
		neighbors sql.NullString
	)
	if err := db.QueryRowContext(ctx, q, int64(id)).Scan(&src, &hash, &neighbors); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Vertex{}, errors.Wrapf(graph.ErrVertexNotFound, "database: %d", id)
		}
		return Vertex{}, errors.Wrapf(err, "database: get %d", id)
	}
	edges, err := splitIDs(neighbors.String, neighborDelim)
	if err != nil {
		return Vertex{}, err
	}
	return Vertex{ID: uint64(src), Edges: edges, Hash: uint64(hash)}, nil
}
