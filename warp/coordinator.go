package warp

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"warpgraph/cluster"
)

// coordinate runs on rank 0. Whenever rank 0 is idle it probes every worker
// and feeds the replies to the detector; on Terminated it tells everyone to
// stop.
func (e *Engine) coordinate(ctx context.Context) error {
	det := newDetector(int(e.size))
	ticker := time.NewTicker(e.opts.probeInterval)
	defer ticker.Stop()
	for {
		state := Running
		if e.Probe(&cluster.ProbeRequest{}).Idle {
			var err error
			state, err = e.wave(ctx, det)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.fail(err)
				return err
			}
			if state == Terminated {
				return e.broadcastTerminate(ctx)
			}
		}
		if state == Terminating {
			// confirm right away
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.done:
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) wave(ctx context.Context, det *detector) (GlobalState, error) {
	w := det.nextWave()
	atomic.AddUint64(&e.waves, 1)
	e.metrics.waves.Inc()

	replies := make([]*cluster.ProbeReply, e.size)
	grp, gctx := errgroup.WithContext(ctx)
	for r := uint32(0); r < e.size; r++ {
		r := r
		grp.Go(func() error {
			return cluster.Retry(gctx, e.g.RetryPolicy(), "probe", r, func() error {
				reply, err := e.g.Transport().Probe(gctx, r, &cluster.ProbeRequest{Wave: w})
				if err != nil {
					return err
				}
				replies[r] = reply
				return nil
			})
		})
	}
	if err := grp.Wait(); err != nil {
		return Running, err
	}
	state, err := det.observe(replies)
	if err == nil {
		e.log.Debug("probe wave", zap.Uint64("wave", w), zap.Stringer("state", state))
	}
	return state, err
}

func (e *Engine) broadcastTerminate(ctx context.Context) error {
	for r := uint32(0); r < e.size; r++ {
		if r == e.rank {
			continue
		}
		r := r
		err := cluster.Retry(ctx, e.g.RetryPolicy(), "terminate", r, func() error {
			_, err := e.g.Transport().Control(ctx, r, &cluster.Control{Kind: cluster.ControlTerminate})
			return err
		})
		if err != nil {
			e.fail(err)
			return err
		}
	}
	e.log.Info("computation terminated", zap.Uint64("waves", atomic.LoadUint64(&e.waves)))
	e.terminate()
	return nil
}
