package service

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ShardOptions bounds row-level parallelism for the classifier and tagger.
// Rows depend only on themselves and the read-only rule tables, so disjoint
// ranges can be processed concurrently.
type ShardOptions struct {
	Workers int
	Size    int
}

// DefaultShardOptions processes up to 4 shards of 5000 rows at a time.
func DefaultShardOptions() ShardOptions {
	return ShardOptions{Workers: 4, Size: 5000}
}

// forEachShard calls fn on consecutive [lo, hi) ranges covering n rows.
// Small inputs or a single worker run inline.
func forEachShard(ctx context.Context, n int, opts ShardOptions, fn func(lo, hi int)) {
	if n == 0 {
		return
	}
	if opts.Workers <= 1 || opts.Size <= 0 || n <= opts.Size {
		fn(0, n)
		return
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for lo := 0; lo < n; lo += opts.Size {
		lo, hi := lo, min(lo+opts.Size, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}
