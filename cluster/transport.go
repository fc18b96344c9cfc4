package cluster

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Handler is the receiving side of a worker. One is registered per
// transport; every method may be called concurrently.
type Handler interface {
	HandleBatch(ctx context.Context, b *Batch) error
	HandleFetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error)
	HandleProbe(ctx context.Context, req *ProbeRequest) (*ProbeReply, error)
	HandleControl(ctx context.Context, c *Control) (*ControlReply, error)
}

// Transport moves messages between the workers of one cluster. Calls
// addressed to the local rank are dispatched to the local handler. Send
// transfers ownership of the batch to the transport.
type Transport interface {
	Rank() uint32
	Size() uint32
	Register(h Handler)
	Send(ctx context.Context, to uint32, b *Batch) error
	Fetch(ctx context.Context, to uint32, req *FetchRequest) (*FetchResponse, error)
	Probe(ctx context.Context, to uint32, req *ProbeRequest) (*ProbeReply, error)
	Control(ctx context.Context, to uint32, c *Control) (*ControlReply, error)
	Close() error
}

var (
	ErrNoHandler   = errors.New("cluster: no handler registered")
	ErrClosed      = errors.New("cluster: transport closed")
	ErrUnknownRank = errors.New("cluster: unknown rank")
)

// TransientError marks a failure worth retrying, such as a peer that is
// not reachable yet.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var t *TransientError
	return stderrors.As(err, &t)
}

// RemoteAccessTimeout is returned once the retry budget for a remote call
// is exhausted.
type RemoteAccessTimeout struct {
	Op       string
	Rank     uint32
	Attempts int
	Err      error
}

func (e *RemoteAccessTimeout) Error() string {
	return fmt.Sprintf("cluster: %s to rank %d failed after %d attempts: %v", e.Op, e.Rank, e.Attempts, e.Err)
}

func (e *RemoteAccessTimeout) Unwrap() error { return e.Err }

func checkRank(to, size uint32) error {
	if to >= size {
		return errors.Wrapf(ErrUnknownRank, "rank %d of %d", to, size)
	}
	return nil
}
