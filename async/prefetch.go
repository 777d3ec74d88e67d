// Package async overlaps batch loading with training by producing the
// next batches of a pass on a background goroutine.
package async

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tsawler/go-vp/vision/dataloader"
)

// DefaultDepth is the number of batches buffered ahead of the consumer.
const DefaultDepth = 2

// BatchSource yields the batches of one pass and io.EOF after the last.
type BatchSource interface {
	Next(ctx context.Context) (*dataloader.Batch, error)
}

type result struct {
	batch *dataloader.Batch
	err   error
}

// Prefetcher reads a BatchSource ahead of its consumer. Batches are
// delivered in source order. The first error ends the pass and is returned
// from every later call to Next.
type Prefetcher struct {
	results chan result
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	err      error
	produced atomic.Uint64
}

// NewPrefetcher starts reading source immediately. Callers must call Stop
// when done, even after io.EOF.
func NewPrefetcher(ctx context.Context, source BatchSource, depth int) *Prefetcher {
	if depth <= 0 {
		depth = DefaultDepth
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{
		results: make(chan result, depth),
		cancel:  cancel,
	}
	p.wg.Add(1)
	go p.worker(ctx, source)
	return p
}

func (p *Prefetcher) worker(ctx context.Context, source BatchSource) {
	defer p.wg.Done()
	defer close(p.results)

	for {
		batch, err := source.Next(ctx)
		select {
		case p.results <- result{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
		p.produced.Add(1)
	}
}

// Next returns the next batch in order, blocking until it is ready.
func (p *Prefetcher) Next(ctx context.Context) (*dataloader.Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}

	select {
	case r, ok := <-p.results:
		if !ok {
			p.err = io.EOF
			return nil, p.err
		}
		if r.err != nil {
			p.err = r.err
			return nil, r.err
		}
		return r.batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop cancels the background read and waits for it to exit. Queued
// batches are dropped.
func (p *Prefetcher) Stop() {
	p.cancel()
	for range p.results {
	}
	p.wg.Wait()

	p.mu.Lock()
	if p.err == nil {
		p.err = errors.New("prefetcher stopped")
	}
	p.mu.Unlock()
}

// Stats reports progress of the background reader.
func (p *Prefetcher) Stats() Stats {
	return Stats{
		Produced: p.produced.Load(),
		Queued:   len(p.results),
		Capacity: cap(p.results),
	}
}

// Stats provides statistics about a Prefetcher.
type Stats struct {
	Produced uint64
	Queued   int
	Capacity int
}
