package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Fetcher retrieves a fresh response for a request path.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (Record, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, path string) (Record, error)

func (f FetcherFunc) Fetch(ctx context.Context, path string) (Record, error) { return f(ctx, path) }

// WarmFailure is one endpoint that could not be cached.
type WarmFailure struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// WarmReport summarizes a WarmCritical run.
type WarmReport struct {
	Total    int           `json:"total"`
	Cached   int           `json:"cached"`
	Failures []WarmFailure `json:"failures,omitempty"`
}

// Err joins the failures, or returns nil when every path was cached.
func (r WarmReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %s", f.Path, f.Err))
	}
	return errors.Join(errs...)
}

// WarmCritical fetches every path concurrently and stores each successful
// (200) response in partition. One failing path never stops the others.
func (s *Store) WarmCritical(ctx context.Context, partition string, paths []string, fetcher Fetcher, concurrency int) WarmReport {
	if concurrency <= 0 {
		concurrency = 4
	}

	var (
		mu     sync.Mutex
		report = WarmReport{Total: len(paths)}
	)
	fail := func(path string, err error) {
		mu.Lock()
		report.Failures = append(report.Failures, WarmFailure{Path: path, Err: err.Error()})
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, path := range paths {
		g.Go(func() error {
			rec, err := fetcher.Fetch(gctx, path)
			if err != nil {
				fail(path, err)
				return nil
			}
			if rec.Status != 200 {
				fail(path, fmt.Errorf("status %d", rec.Status))
				return nil
			}
			rec.Key = Key(path, "")
			if err := s.Put(gctx, partition, rec); err != nil {
				fail(path, err)
				return nil
			}
			mu.Lock()
			report.Cached++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].Path < report.Failures[j].Path })

	s.logger.Info("critical cache warmed", "cached", report.Cached, "total", report.Total, "failed", len(report.Failures))
	return report
}
