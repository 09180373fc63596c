// Package threads runs batches of logical threads on a sandbox's
// execution-context pool.
package threads

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/sandbox"
)

// Spawner runs one logical thread on a pool index.
type Spawner interface {
	SpawnLogicalThread(ctx context.Context, poolIndex int, stackTop uint32, entry sandbox.Entry) (uint32, error)
}

// Request is one logical thread to run.
type Request struct {
	StackTop uint32
	Entry    sandbox.Entry
}

// Result is the outcome of one request, in request order.
type Result struct {
	PoolIndex int
	Code      uint32
	Err       error
}

// Run executes every request on a worker owning a distinct pool index, at
// most poolSize at once. A failing thread does not cancel the others; all
// failures are combined into the returned error.
func Run(ctx context.Context, sp Spawner, poolSize int, reqs []Request) ([]Result, error) {
	if poolSize <= 0 {
		return nil, errors.InvalidInput(errors.PhaseThread, fmt.Sprintf("pool size %d", poolSize))
	}

	free := make(chan int, poolSize)
	for i := 0; i < poolSize; i++ {
		free <- i
	}

	results := make([]Result, len(reqs))
	var g errgroup.Group
	g.SetLimit(poolSize)
	for i, req := range reqs {
		g.Go(func() error {
			idx := <-free
			defer func() { free <- idx }()

			res := &results[i]
			res.PoolIndex = idx
			if err := ctx.Err(); err != nil {
				res.Err = err
				return nil
			}
			res.Code, res.Err = sp.SpawnLogicalThread(ctx, idx, req.StackTop, req.Entry)
			Logger().Debug("thread finished",
				zap.Int("request", i),
				zap.Int("pool_index", idx),
				zap.Uint32("code", res.Code),
				zap.Error(res.Err))
			return nil
		})
	}
	_ = g.Wait()

	var err error
	for i, res := range results {
		if res.Err != nil {
			err = multierr.Append(err, fmt.Errorf("thread %d (%s): %w", i, reqs[i].Entry.Target, res.Err))
		}
	}
	return results, err
}
