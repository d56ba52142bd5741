package dataloader

import (
	"context"
	"io"
	"sync"
)

// Source is a sequential batch source, such as a DataLoader
type Source interface {
	Next(ctx context.Context) (*Batch, error)
	Reset()
}

// Prefetcher reads up to Depth batches ahead of its consumer in a background
// goroutine. It keeps the source's order. Next and Reset must not be called
// concurrently.
type Prefetcher struct {
	src   Source
	depth int

	mu      sync.Mutex
	running bool
	results chan prefetched
	cancel  context.CancelFunc
	done    chan struct{}
}

type prefetched struct {
	batch *Batch
	err   error
}

// NewPrefetcher wraps src. depth defaults to 3.
func NewPrefetcher(src Source, depth int) *Prefetcher {
	if depth <= 0 {
		depth = 3
	}
	return &Prefetcher{src: src, depth: depth}
}

func (p *Prefetcher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.results = make(chan prefetched, p.depth)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	results, done := p.results, p.done
	go func() {
		defer close(done)
		defer close(results)
		for {
			batch, err := p.src.Next(ctx)
			select {
			case results <- prefetched{batch: batch, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Next returns the next batch, starting the background reader on the first
// call after a Reset. The source's error, io.EOF included, ends the pass.
func (p *Prefetcher) Next(ctx context.Context) (*Batch, error) {
	p.mu.Lock()
	if !p.running {
		p.start()
	}
	results := p.results
	p.mu.Unlock()

	select {
	case r, ok := <-results:
		if !ok {
			return nil, io.EOF
		}
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reset stops the background reader and rewinds the source
func (p *Prefetcher) Reset() {
	p.Stop()
	p.src.Reset()
}

// Stop cancels the background reader and waits for it to exit
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.cancel()
	<-p.done
	p.running = false
}
