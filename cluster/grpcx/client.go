package grpcx

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"warpgraph/cluster"
	"warpgraph/util"
)

// Client queries a running cluster from outside it. Vertex lookups go
// straight to the owning worker.
type Client struct {
	addrs    []string
	conns    []*grpc.ClientConn
	callOpts []grpc.CallOption
}

func Dial(addrs []string) (*Client, error) {
	if len(addrs) == 0 {
		return nil, errors.New("grpcx: no worker addresses")
	}
	c := &Client{
		addrs:    append([]string(nil), addrs...),
		conns:    make([]*grpc.ClientConn, len(addrs)),
		callOpts: []grpc.CallOption{grpc.CallContentSubtype(CodecName), grpc.MaxCallRecvMsgSize(maxMsgSize)},
	}
	for i, addr := range addrs {
		conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			c.Close()
			return nil, errors.Wrapf(err, "grpcx: dial rank %d at %s", i, addr)
		}
		c.conns[i] = conn
	}
	return c, nil
}

// Owner is the rank holding id.
func (c *Client) Owner(id uint64) uint32 {
	return util.Owner(id, uint32(len(c.addrs)))
}

// Fetch asks the owner of req.ID for the vertex or its edges.
func (c *Client) Fetch(ctx context.Context, req *cluster.FetchRequest) (*cluster.FetchResponse, error) {
	out := new(cluster.FetchResponse)
	owner := c.Owner(req.ID)
	err := c.conns[owner].Invoke(ctx, fullMethod("Fetch"), req, out, c.callOpts...)
	if err != nil {
		return nil, errors.Wrapf(classify(err), "grpcx: fetch %d from rank %d", req.ID, owner)
	}
	return out, nil
}

func (c *Client) Close() error {
	var first error
	for _, conn := range c.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
