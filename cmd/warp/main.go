// Command warp runs a program over a graph with several workers inside
// one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warpgraph/admin"
	"warpgraph/apps"
	"warpgraph/cluster"
	"warpgraph/graph"
	"warpgraph/job"
	"warpgraph/util"
)

type runFlags struct {
	config  string
	workers int
	admin   string
	level   string
	job     util.JobConfig
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "warp",
		Short:         "Asynchronous vertex-centric graph computation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a program with in-process workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := run(cmd, &f)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
			return err
		},
	}
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		fmt.Fprintln(c.ErrOrStderr(), err)
		return err
	})
	fl := cmd.Flags()
	fl.StringVar(&f.job.Graph, "graph", "", "input file or directory")
	fl.StringVar(&f.job.Format, "format", "hex", "input format (hex, snap, vdata)")
	fl.Uint64Var(&f.job.Iterations, "iterations", 0, "maximum evaluations per vertex, 0 for no limit")
	fl.StringVar(&f.job.SavePrefix, "saveprefix", "", "output path prefix")
	fl.IntVar(&f.workers, "workers", 1, "number of in-process workers")
	fl.IntVar(&f.job.Threads, "threads", runtime.NumCPU(), "update threads per worker")
	fl.StringVar(&f.job.App, "app", apps.PAGE_RANK, fmt.Sprintf("program to run %v", apps.Names()))
	fl.Uint64Var(&f.job.SourceID, "source", 0, "origin vertex for shortest paths")
	fl.StringVar(&f.job.Summaries, "summaries", "", "program summary table for callrank")
	fl.StringVar(&f.job.Checkpoint, "checkpoint", "", "checkpoint directory")
	fl.StringVar(&f.job.CheckpointEvery, "checkpoint-every", "", "checkpoint interval, e.g. 30s")
	fl.BoolVar(&f.job.Restore, "restore", false, "start from the latest checkpoint")
	fl.BoolVar(&f.job.Gzip, "gzip", false, "gzip output shards")
	fl.StringVar(&f.admin, "admin", "", "serve the admin API of rank 0 on this address")
	fl.StringVar(&f.config, "config", "", "job config file (JSON or YAML); flags override it")
	fl.StringVar(&f.level, "log-level", "info", "log level")
	return cmd
}

// merge layers the flags the user set over the config file.
func merge(cmd *cobra.Command, f *runFlags) (util.JobConfig, error) {
	if f.config == "" {
		return f.job, nil
	}
	var cfg util.JobConfig
	if err := util.ReadConfig(f.config, &cfg); err != nil {
		return cfg, err
	}
	fl := cmd.Flags()
	set := func(name string, apply func()) {
		if fl.Changed(name) {
			apply()
		}
	}
	set("graph", func() { cfg.Graph = f.job.Graph })
	set("format", func() { cfg.Format = f.job.Format })
	set("iterations", func() { cfg.Iterations = f.job.Iterations })
	set("saveprefix", func() { cfg.SavePrefix = f.job.SavePrefix })
	set("threads", func() { cfg.Threads = f.job.Threads })
	set("app", func() { cfg.App = f.job.App })
	set("source", func() { cfg.SourceID = f.job.SourceID })
	set("summaries", func() { cfg.Summaries = f.job.Summaries })
	set("checkpoint", func() { cfg.Checkpoint = f.job.Checkpoint })
	set("checkpoint-every", func() { cfg.CheckpointEvery = f.job.CheckpointEvery })
	set("restore", func() { cfg.Restore = f.job.Restore })
	set("gzip", func() { cfg.Gzip = f.job.Gzip })
	if cfg.Format == "" {
		cfg.Format = f.job.Format
	}
	if cfg.App == "" {
		cfg.App = f.job.App
	}
	if cfg.Threads == 0 {
		cfg.Threads = f.job.Threads
	}
	return cfg, nil
}

func validate(cfg util.JobConfig, workers int) error {
	fromFiles := cfg.Source.Kind == "" || cfg.Source.Kind == job.SourceFile
	if fromFiles && cfg.Graph == "" {
		return errors.New("missing --graph")
	}
	if cfg.SavePrefix == "" {
		return errors.New("missing --saveprefix")
	}
	if workers < 1 {
		return errors.Errorf("--workers must be positive, got %d", workers)
	}
	return nil
}

func run(cmd *cobra.Command, f *runFlags) error {
	cfg, err := merge(cmd, f)
	if err != nil {
		return err
	}
	if err := validate(cfg, f.workers); err != nil {
		return err
	}

	log, err := util.NewLogger(util.LogConfig{Level: f.level})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := job.FromConfig(cfg)
	if err != nil {
		return err
	}
	opts.Logger = log
	src, closeSource, err := job.OpenSource(ctx, cfg.Source, log)
	if err != nil {
		return err
	}
	defer closeSource()
	opts.Source = src

	reg := prometheus.NewRegistry()
	var srv *admin.Server
	if f.admin != "" {
		srv = admin.New(0, admin.WithGatherer(reg), admin.WithLogger(log))
		adminCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := srv.Run(adminCtx, f.admin); err != nil {
				log.Warn("admin API stopped", zap.Error(err))
			}
		}()
	}

	members := cluster.NewLocalCluster(f.workers)
	results := make([]job.Result, len(members))
	errs := make([]error, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wopts := opts
		if i == 0 {
			wopts.Registerer = reg
			wopts.Admin = srv
		}
		wg.Add(1)
		go func(i int, m cluster.Transport, o job.Options) {
			defer wg.Done()
			results[i], errs[i] = job.Run(ctx, m, o)
		}(i, m, wopts)
	}
	wg.Wait()
	for _, m := range members {
		m.Close()
	}

	if err := firstCause(errs); err != nil {
		return err
	}
	var updates uint64
	for _, r := range results {
		updates += r.Stats.Updates
		if r.Output != "" {
			log.Info("wrote shard", zap.String("path", r.Output), zap.Int("vertices", r.Vertices))
		}
	}
	log.Info("run complete", zap.Int("workers", f.workers), zap.Uint64("updates", updates))
	return nil
}

// firstCause prefers the worker that failed on its own over the ones that
// were aborted because of it.
func firstCause(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, graph.ErrPeerAborted) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}
