// Command config maintains cluster configuration files.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"warpgraph/util"
)

func main() {
	if err := newConfigCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newConfigCmd() *cobra.Command {
	var clusterPath string
	root := &cobra.Command{
		Use:           "config",
		Short:         "Maintain cluster and worker config files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&clusterPath, "cluster", "config/cluster.yaml", "cluster config file")

	var out string
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Write one worker config per peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var c util.ClusterConfig
			if err := util.ReadConfig(clusterPath, &c); err != nil {
				return err
			}
			workers, err := util.SplitClusterConfig(c)
			if err != nil {
				return err
			}
			written, err := util.WriteWorkerConfigs(out, workers)
			for _, p := range written {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return err
		},
	}
	sync.Flags().StringVar(&out, "out", "config", "directory for worker configs")

	var (
		host  string
		base  int
		count int
	)
	port := &cobra.Command{
		Use:   "port",
		Short: "Assign listen addresses to every peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var c util.ClusterConfig
			if err := util.ReadConfig(clusterPath, &c); err != nil && !os.IsNotExist(errors.Cause(err)) {
				return err
			}
			if count > 0 {
				c.Peers = make([]util.PeerConfig, count)
			}
			if len(c.Peers) == 0 {
				return errors.Errorf("no peers in %s; pass --workers", clusterPath)
			}
			util.AssignPorts(&c, host, base)
			return util.WriteConfig(clusterPath, c)
		},
	}
	port.Flags().StringVar(&host, "host", "127.0.0.1", "host for every peer")
	port.Flags().IntVar(&base, "base", 43460, "first port")
	port.Flags().IntVar(&count, "workers", 0, "resize the cluster to this many peers")

	root.AddCommand(sync, port)
	return root
}
