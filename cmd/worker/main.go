// Command worker is one member of a warpgraph cluster.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warpgraph/admin"
	"warpgraph/cluster"
	"warpgraph/cluster/grpcx"
	fchecker "warpgraph/fcheck"
	"warpgraph/graph"
	"warpgraph/job"
	"warpgraph/util"
)

func main() {
	if err := newWorkerCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newWorkerCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
		compress   bool
	)
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Run one cluster member",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := runWorker(configPath, envFile, compress)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "worker config file (JSON or YAML)")
	cmd.Flags().StringVar(&envFile, "env", ".env", "optional environment file")
	cmd.Flags().BoolVar(&compress, "compress", false, "compress worker traffic")
	cmd.MarkFlagRequired("config")
	return cmd
}

func loadConfig(path, envFile string) (util.WorkerConfig, error) {
	var cfg util.WorkerConfig
	if err := util.LoadEnv(envFile); err != nil {
		return cfg, err
	}
	if err := util.ReadConfig(path, &cfg); err != nil {
		return cfg, err
	}
	if err := (util.ClusterConfig{Peers: cfg.Peers}).Validate(); err != nil {
		return cfg, err
	}
	if int(cfg.Rank) >= len(cfg.Peers) {
		return cfg, errors.Errorf("rank %d outside a cluster of %d", cfg.Rank, len(cfg.Peers))
	}
	// Credentials may live in the environment rather than the file.
	src := &cfg.Job.Source
	src.DSN = util.Getenv("WARP_DB_DSN", src.DSN)
	src.URI = util.Getenv("WARP_MONGO_URI", src.URI)
	src.AccessKeyID = util.Getenv("AWS_ACCESS_KEY_ID", src.AccessKeyID)
	src.SecretAccessKey = util.Getenv("AWS_SECRET_ACCESS_KEY", src.SecretAccessKey)
	return cfg, nil
}

func runWorker(path, envFile string, compress bool) error {
	cfg, err := loadConfig(path, envFile)
	if err != nil {
		return err
	}
	log, err := util.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.Uint32("rank", cfg.Rank))
	self := cfg.Peers[cfg.Rank]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	topts := []grpcx.Option{grpcx.WithLogger(log)}
	if compress {
		topts = append(topts, grpcx.WithCompression())
	}
	tr, err := grpcx.New(cfg.Rank, util.ClusterConfig{Peers: cfg.Peers}.Addrs(), topts...)
	if err != nil {
		return err
	}
	defer tr.Close()
	addr, err := tr.Listen()
	if err != nil {
		return err
	}
	log.Info("worker listening", zap.Stringer("addr", addr))

	if self.FCheckAddr != "" {
		checker, err := startFailureChecker(cfg, log)
		if err != nil {
			return err
		}
		defer checker.Stop()
		go func() {
			select {
			case fd := <-checker.Notify():
				log.Error("peer failed, aborting",
					zap.Uint32("peer", fd.Rank),
					zap.String("addr", fd.UDPIpPort),
					zap.Time("detected", fd.Timestamp))
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	opts, err := job.FromConfig(cfg.Job)
	if err != nil {
		return err
	}
	opts.Logger = log
	opts.Registerer = reg
	gopts, err := graphOptions(cfg.Timeouts)
	if err != nil {
		return err
	}
	opts.GraphOptions = append(opts.GraphOptions, gopts...)

	if self.AdminAddr != "" {
		srv := admin.New(cfg.Rank,
			admin.WithGatherer(reg),
			admin.WithPeers(cfg.Peers),
			admin.WithGRPC(tr.Server()),
			admin.WithLogger(log))
		opts.Admin = srv
		go func() {
			if err := srv.Run(ctx, self.AdminAddr); err != nil {
				log.Warn("admin API stopped", zap.Error(err))
			}
		}()
	}

	src, closeSource, err := job.OpenSource(ctx, cfg.Job.Source, log)
	if err != nil {
		return err
	}
	defer closeSource()
	opts.Source = src

	res, err := job.Run(ctx, tr, opts)
	if err != nil {
		return err
	}
	log.Info("job complete",
		zap.Int("vertices", res.Vertices),
		zap.Int("edges", res.Edges),
		zap.Uint64("updates", res.Stats.Updates),
		zap.String("output", res.Output))
	return nil
}

// graphOptions gives barriers room for workers that start late, and bounds
// how long rank 0 waits for ones that never arrive.
func graphOptions(t util.Timeouts) ([]graph.Option, error) {
	startup, barrier, err := t.Parse()
	if err != nil {
		return nil, err
	}
	opts := []graph.Option{graph.WithBarrierPolicy(cluster.StartupPolicy(startup))}
	if barrier > 0 {
		opts = append(opts, graph.WithBarrierTimeout(barrier))
	}
	return opts, nil
}

func startFailureChecker(cfg util.WorkerConfig, log *zap.Logger) (*fchecker.Checker, error) {
	var peers []fchecker.Peer
	for _, p := range cfg.Peers {
		if p.Rank == cfg.Rank || p.FCheckAddr == "" {
			continue
		}
		peers = append(peers, fchecker.Peer{Rank: p.Rank, Addr: p.FCheckAddr})
	}
	thresh := cfg.LostMsgsThresh
	if thresh == 0 {
		thresh = fchecker.DefaultLostMsgThresh
	}
	return fchecker.Start(fchecker.StartStruct{
		AckLocalIPAckLocalPort: cfg.Peers[cfg.Rank].FCheckAddr,
		EpochNonce:             uint64(time.Now().UnixNano()),
		Peers:                  peers,
		LostMsgThresh:          thresh,
		ServerId:               cfg.Rank,
		RTT:                    fchecker.DefaultRTT,
		Log:                    log,
	})
}
