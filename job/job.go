// Package job runs one program over a cluster member: ingestion, finalize,
// compute and save, each a collective phase.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"warpgraph/admin"
	"warpgraph/apps"
	"warpgraph/checkpoint"
	"warpgraph/cluster"
	"warpgraph/codec"
	"warpgraph/database"
	"warpgraph/graph"
	"warpgraph/summary"
	"warpgraph/util"
	"warpgraph/warp"
)

type Phase string

const (
	Ingestion Phase = "ingestion"
	Finalize  Phase = "finalize"
	Compute   Phase = "compute"
	Save      Phase = "save"
)

// PhaseError names the phase a job failed in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string { return fmt.Sprintf("%s: %v", e.Phase, e.Err) }
func (e *PhaseError) Unwrap() error { return e.Err }

func fail(p Phase, err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{Phase: p, Err: err}
}

type Options struct {
	App    string
	Graph  string
	Format string
	// Source replaces Graph and Format when set.
	Source database.Source

	Iterations uint64
	Threads    int
	Tolerance  float64
	Summaries  string
	SourceID   graph.VertexID

	SavePrefix string
	Gzip       bool
	SaveEdges  bool

	// Checkpoint is the directory holding per-worker checkpoint databases.
	Checkpoint      string
	CheckpointEvery time.Duration
	Restore         bool

	Registerer    prometheus.Registerer
	Logger        *zap.Logger
	Admin         *admin.Server
	GraphOptions  []graph.Option
	EngineOptions []warp.Option
}

// FromConfig turns the job section of a worker config into Options.
func FromConfig(cfg util.JobConfig) (Options, error) {
	opts := Options{
		App:        cfg.App,
		Graph:      cfg.Graph,
		Format:     cfg.Format,
		Iterations: cfg.Iterations,
		Threads:    cfg.Threads,
		Summaries:  cfg.Summaries,
		SourceID:   cfg.SourceID,
		SavePrefix: cfg.SavePrefix,
		Gzip:       cfg.Gzip,
		Checkpoint: cfg.Checkpoint,
		Restore:    cfg.Restore,
	}
	if cfg.CheckpointEvery != "" {
		d, err := time.ParseDuration(cfg.CheckpointEvery)
		if err != nil {
			return Options{}, errors.Wrapf(err, "job: checkpoint interval %q", cfg.CheckpointEvery)
		}
		opts.CheckpointEvery = d
	}
	return opts, nil
}

type Result struct {
	Stats    warp.Stats
	Vertices int
	Edges    int
	// Output is the shard this worker wrote, if any.
	Output string
}

// Run executes the job on the cluster member behind tr. Every member must
// call Run with equivalent options; a failure on any of them fails Run on
// all of them.
func Run(ctx context.Context, tr cluster.Transport, opts Options) (Result, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("job").With(zap.Uint32("rank", tr.Rank()))
	setPhase := func(p Phase) {
		log.Info("phase", zap.String("phase", string(p)))
		if opts.Admin != nil {
			opts.Admin.SetPhase(string(p))
		}
	}

	gopts := append([]graph.Option{graph.WithLogger(log)}, opts.GraphOptions...)
	g := graph.New(tr, gopts...)
	if opts.Admin != nil {
		opts.Admin.SetGraph(g)
	}

	setPhase(Ingestion)
	if err := g.Join(ctx); err != nil {
		return Result{}, fail(Ingestion, err)
	}
	app, err := newApp(opts)
	if err == nil {
		err = ingest(ctx, g, opts)
	}
	if err == nil {
		err = g.Flush(ctx)
	}
	if err := g.Barrier(ctx, err); err != nil {
		return Result{}, fail(Ingestion, err)
	}

	setPhase(Finalize)
	if err := g.Finalize(ctx); err != nil {
		return Result{}, fail(Finalize, err)
	}
	res := Result{Vertices: g.NumLocalVertices(), Edges: g.Partition().NumEdges()}

	setPhase(Compute)
	stats, err := compute(ctx, g, app, opts, log)
	res.Stats = stats
	if err != nil {
		return res, fail(Compute, err)
	}
	log.Info("compute finished",
		zap.Uint64("updates", stats.Updates),
		zap.Uint64("waves", stats.Waves),
		zap.Duration("elapsed", stats.Elapsed))

	if opts.SavePrefix == "" {
		setPhase("done")
		return res, nil
	}
	setPhase(Save)
	res.Output, err = g.Save(ctx, opts.SavePrefix, app.Writer,
		graph.SaveOptions{Vertices: true, Edges: opts.SaveEdges, Gzip: opts.Gzip})
	if err := g.Barrier(ctx, err); err != nil {
		return res, fail(Save, err)
	}
	setPhase("done")
	return res, nil
}

func newApp(opts Options) (apps.App, error) {
	cfg := apps.Config{Tolerance: opts.Tolerance, Source: opts.SourceID}
	if opts.Summaries != "" {
		table, err := summary.Load(opts.Summaries)
		if err != nil {
			return apps.App{}, err
		}
		cfg.Summaries = table
	}
	return apps.New(opts.App, cfg)
}

func ingest(ctx context.Context, g *graph.Graph, opts Options) error {
	if opts.Source != nil {
		return opts.Source.Load(ctx, g, g.Rank(), g.Size())
	}
	if opts.Graph == "" {
		return errors.New("job: no graph path or source")
	}
	_, err := codec.LoadPath(ctx, g, opts.Graph, opts.Format, g.Rank(), g.Size())
	return err
}

// initialState is the checkpoint to restore from, or nil to run the app's
// initializer.
func initialState(ctx context.Context, store *checkpoint.Store, log *zap.Logger) (map[graph.VertexID]interface{}, error) {
	cp, err := store.Latest(ctx)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		log.Warn("no checkpoint to restore, initializing")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.Info("restoring checkpoint", zap.Uint64("epoch", cp.Epoch), zap.Int("vertices", len(cp.State)))
	return cp.State, nil
}

func compute(ctx context.Context, g *graph.Graph, app apps.App, opts Options, log *zap.Logger) (warp.Stats, error) {
	var (
		store *checkpoint.Store
		state map[graph.VertexID]interface{}
		err   error
	)
	if opts.Checkpoint != "" {
		store, err = checkpoint.Open(checkpoint.PathFor(opts.Checkpoint, g.Rank()), log)
		if err == nil {
			defer store.Close()
			if opts.Restore {
				state, err = initialState(ctx, store, log)
			} else {
				err = store.Reset(ctx)
			}
		}
	}
	if err := g.Barrier(ctx, err); err != nil {
		return warp.Stats{}, err
	}

	err = g.TransformVertices(ctx, func(v *graph.Vertex) {
		if data, ok := state[v.ID()]; ok {
			v.SetData(data)
			return
		}
		if app.Init != nil {
			app.Init(v)
		}
	})
	if err != nil {
		return warp.Stats{}, err
	}

	eopts := []warp.Option{
		warp.WithLogger(log),
		warp.WithOutput(zap.NewStdLog(log.Named(app.Name)).Writer()),
		warp.WithMaxUpdates(opts.Iterations),
	}
	if opts.Threads > 0 {
		eopts = append(eopts, warp.WithThreads(opts.Threads))
	}
	if opts.Registerer != nil {
		eopts = append(eopts, warp.WithRegisterer(opts.Registerer))
	}
	if store != nil && opts.CheckpointEvery > 0 {
		eopts = append(eopts, warp.WithCheckpointer(store, opts.CheckpointEvery))
	}
	e := warp.New(g, app.Update, append(eopts, opts.EngineOptions...)...)
	if opts.Admin != nil {
		opts.Admin.SetEngine(e)
	}
	e.SignalAll()
	return e.Start(ctx)
}
