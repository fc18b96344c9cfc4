// Package checkpoint stores periodic snapshots of a worker's vertex values
// in a per-worker sqlite database.
package checkpoint

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"warpgraph/graph"
)

var ErrNoCheckpoint = errors.New("checkpoint: none stored")

type Checkpoint struct {
	Epoch   uint64
	Created time.Time
	State   map[graph.VertexID]interface{}
}

// Store is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// PathFor names the database of one worker so replicas on the same host do
// not collide.
func PathFor(dir string, rank uint32) string {
	return filepath.Join(dir, fmt.Sprintf("checkpoints%v.db", rank))
}

//goland:noinspection SqlDialectInspection
const createCheckpoints = `
	CREATE TABLE IF NOT EXISTS checkpoints (
	  epoch INTEGER NOT NULL PRIMARY KEY,
	  created INTEGER NOT NULL,
	  state BLOB NOT NULL
	);`

func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint: open %s", path)
	}
	// sqlite serialises writers anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createCheckpoints); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "checkpoint: create table")
	}
	return &Store{db: db, path: path, log: log}, nil
}

func (s *Store) Path() string { return s.path }

// Save stores cp and discards every checkpoint at or after its epoch.
func (s *Store) Save(ctx context.Context, cp Checkpoint) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cp.State); err != nil {
		return errors.Wrapf(err, "checkpoint: encode epoch %d", cp.Epoch)
	}
	if cp.Created.IsZero() {
		cp.Created = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "checkpoint: begin")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE epoch >= ?", cp.Epoch); err != nil {
		return errors.Wrap(err, "checkpoint: clear newer epochs")
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO checkpoints VALUES(?,?,?)",
		cp.Epoch, cp.Created.UnixNano(), buf.Bytes()); err != nil {
		return errors.Wrapf(err, "checkpoint: insert epoch %d", cp.Epoch)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "checkpoint: commit")
	}
	s.log.Debug("checkpoint saved", zap.Uint64("epoch", cp.Epoch), zap.Int("bytes", buf.Len()))
	return nil
}

// Checkpoint lets a Store back an engine directly.
func (s *Store) Checkpoint(ctx context.Context, epoch uint64, state map[graph.VertexID]interface{}) error {
	return s.Save(ctx, Checkpoint{Epoch: epoch, State: state})
}

func (s *Store) Load(ctx context.Context, epoch uint64) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, "SELECT epoch, created, state FROM checkpoints WHERE epoch = ?", epoch)
	return scan(row)
}

// Latest returns the checkpoint with the highest epoch, or ErrNoCheckpoint.
func (s *Store) Latest(ctx context.Context) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, "SELECT epoch, created, state FROM checkpoints ORDER BY epoch DESC LIMIT 1")
	return scan(row)
}

func (s *Store) Epochs(ctx context.Context) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT epoch FROM checkpoints ORDER BY epoch")
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint: list epochs")
	}
	defer rows.Close()
	var epochs []uint64
	for rows.Next() {
		var e uint64
		if err := rows.Scan(&e); err != nil {
			return nil, errors.Wrap(err, "checkpoint: list epochs")
		}
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}

func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints"); err != nil {
		return errors.Wrap(err, "checkpoint: reset")
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func scan(row *sql.Row) (Checkpoint, error) {
	var (
		cp      Checkpoint
		created int64
		blob    []byte
	)
	if err := row.Scan(&cp.Epoch, &created, &blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, ErrNoCheckpoint
		}
		return Checkpoint{}, errors.Wrap(err, "checkpoint: scan")
	}
	cp.Created = time.Unix(0, created)
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&cp.State); err != nil {
		return Checkpoint{}, errors.Wrapf(err, "checkpoint: decode epoch %d", cp.Epoch)
	}
	return cp, nil
}
