// Command client looks up vertices on a running cluster.
package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"warpgraph/cluster"
	"warpgraph/cluster/grpcx"
	"warpgraph/util"
)

func main() {
	if err := newClientCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClientCmd() *cobra.Command {
	var (
		configPath string
		peers      []string
		timeout    time.Duration
		edges      string
	)
	root := &cobra.Command{
		Use:           "client",
		Short:         "Query a running warpgraph cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "cluster or worker config listing the peers")
	pf.StringSliceVar(&peers, "peers", nil, "worker addresses in rank order")
	pf.DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	vertex := &cobra.Command{
		Use:   "vertex <id>...",
		Short: "Print the value of each vertex, and optionally its edges",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs, err := peerAddrs(configPath, peers)
			if err != nil {
				return err
			}
			kind, err := fetchKind(edges)
			if err != nil {
				return err
			}
			c, err := grpcx.Dial(addrs)
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			for _, arg := range args {
				id, err := strconv.ParseUint(arg, 0, 64)
				if err != nil {
					return errors.Wrapf(err, "vertex id %q", arg)
				}
				resp, err := c.Fetch(ctx, &cluster.FetchRequest{Kind: kind, ID: id})
				if err != nil {
					return err
				}
				printVertex(cmd.OutOrStdout(), id, resp)
			}
			return nil
		},
	}
	vertex.Flags().StringVar(&edges, "edges", "", "also list edges: out or in")

	root.AddCommand(vertex)
	return root
}

// peerAddrs prefers explicit --peers over a config file.
func peerAddrs(configPath string, peers []string) ([]string, error) {
	if len(peers) > 0 {
		return peers, nil
	}
	if configPath == "" {
		return nil, errors.New("need --peers or --config")
	}
	var c util.ClusterConfig
	if err := util.ReadConfig(configPath, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c.Addrs(), nil
}

func fetchKind(edges string) (cluster.FetchKind, error) {
	switch strings.ToLower(edges) {
	case "":
		return cluster.FetchVertex, nil
	case "out":
		return cluster.FetchOutEdges, nil
	case "in":
		return cluster.FetchInEdges, nil
	}
	return 0, errors.Errorf("--edges must be out or in, got %q", edges)
}

func printVertex(w io.Writer, id uint64, resp *cluster.FetchResponse) {
	if !resp.Found {
		fmt.Fprintf(w, "%d\tnot found\n", id)
		return
	}
	fmt.Fprintf(w, "%d\t%s\tin=%d out=%d\n", id, formatValue(resp.Vertex.Data), resp.Vertex.NumIn, resp.Vertex.NumOut)
	for _, e := range resp.Edges {
		fmt.Fprintf(w, "\t%d -> %d\n", e.Source, e.Target)
	}
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case float64:
		if math.IsInf(x, 1) {
			return "inf"
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}
