package training

import (
	"context"
	"fmt"
	"sync"
)

// Prefetcher copies the next superbatches on a background goroutine while the
// current one trains. Superbatches arrive in loader order.
type Prefetcher struct {
	loader *DataLoader
	depth  int

	batches chan *Superbatch
	errs    chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	loaded  int
}

// NewPrefetcher wraps loader. depth is the number of superbatches held ready
// and defaults to 1.
func NewPrefetcher(loader *DataLoader, depth int) (*Prefetcher, error) {
	if loader == nil {
		return nil, fmt.Errorf("data loader cannot be nil")
	}
	if depth <= 0 {
		depth = 1
	}
	return &Prefetcher{loader: loader, depth: depth}, nil
}

// Start rewinds the loader and begins copying one epoch of superbatches.
func (p *Prefetcher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("prefetcher is already running")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.batches = make(chan *Superbatch, p.depth)
	p.errs = make(chan error, 1)
	p.loaded = 0
	p.loader.Reset()

	p.wg.Add(1)
	go p.worker()
	p.running = true
	return nil
}

func (p *Prefetcher) worker() {
	defer p.wg.Done()
	defer close(p.batches)

	for p.loader.HasNext() {
		sb, err := p.loader.Next()
		if err != nil {
			p.errs <- err
			return
		}
		select {
		case p.batches <- sb:
			p.mu.Lock()
			p.loaded++
			p.mu.Unlock()
		case <-p.ctx.Done():
			return
		}
	}
}

// Next blocks until the next superbatch is ready. It returns nil, nil once the
// epoch is exhausted.
func (p *Prefetcher) Next() (*Superbatch, error) {
	select {
	case sb, ok := <-p.batches:
		if ok {
			return sb, nil
		}
		// The worker closes the channel after reporting a failure.
		select {
		case err := <-p.errs:
			return nil, err
		default:
			return nil, nil
		}
	case <-p.ctx.Done():
		return nil, fmt.Errorf("prefetch cancelled: %w", p.ctx.Err())
	}
}

// Stop cancels the worker and waits for it to exit. It is safe to call more
// than once.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Loaded returns how many superbatches the worker has handed over this epoch.
func (p *Prefetcher) Loaded() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}
