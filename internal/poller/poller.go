// Package poller provides a generic interval-driven fetch loop with lifecycle
// control, stop-condition evaluation and callback dispatch.
//
// A Poller runs at most one loop at a time. Each loop fetches immediately and then
// once per Interval, measured from the end of the previous fetch, so fetches never
// overlap. Results produced by a loop that has since been stopped, restarted or
// closed are discarded without invoking any callback.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"convsync/internal/logger"

	"github.com/charmbracelet/log"
)

// FetchFunc retrieves the next result. It must honor ctx cancellation.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Options configures a Poller. Fetch and Interval are required.
type Options[T any] struct {
	Name     string
	Interval time.Duration
	Fetch    FetchFunc[T]

	// StopWhen ends the loop after OnUpdate when it returns true.
	StopWhen func(T) bool

	OnUpdate func(T)
	OnStop   func(T)
	OnError  func(error)

	// RetryOnError keeps the schedule running after a failed fetch instead of
	// treating the failure as terminal.
	RetryOnError bool

	Logger *log.Logger
}

// Poller repeatedly invokes a fetch function. It is safe for concurrent use and
// its methods may be called from inside its own callbacks.
type Poller[T any] struct {
	opts   Options[T]
	logger *log.Logger

	mu       sync.Mutex
	enabled  bool
	running  bool
	disposed bool
	gen      uint64
	cancel   context.CancelFunc
	last     T
	hasLast  bool
	lastErr  error
	fetches  uint64
}

// New creates a stopped Poller.
func New[T any](opts Options[T]) (*Poller[T], error) {
	if opts.Fetch == nil {
		return nil, errors.New("poller: fetch function is required")
	}
	if opts.Interval <= 0 {
		return nil, errors.New("poller: interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "poller"
	}
	l := opts.Logger
	if l == nil {
		l = logger.NewStyledLogger("Poller")
	}
	return &Poller[T]{
		opts:   opts,
		logger: l.With("stream", opts.Name),
	}, nil
}

// Start enables the poller and begins a loop unless one is already running.
func (p *Poller[T]) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.enabled = true
	if p.running {
		return
	}
	p.launchLocked()
}

// Restart cancels any running loop and begins a fresh one with an immediate fetch.
func (p *Poller[T]) Restart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.enabled = true
	p.haltLocked()
	p.launchLocked()
}

// Stop disables the poller and cancels the running loop. Safe when not running.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
	p.haltLocked()
}

// SetEnabled is the authoritative enabled predicate: a false to true transition
// starts the poller and a true to false transition stops it.
func (p *Poller[T]) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed || p.enabled == enabled {
		return
	}
	p.enabled = enabled
	if enabled {
		if !p.running {
			p.launchLocked()
		}
		return
	}
	p.haltLocked()
}

// Close stops the poller permanently. Callbacks already dispatched may still be
// running when Close returns; nothing is fetched or dispatched afterwards.
func (p *Poller[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposed = true
	p.enabled = false
	p.haltLocked()
}

// Running reports whether a loop is active.
func (p *Poller[T]) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Enabled reports the current value of the enabled predicate.
func (p *Poller[T]) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Last returns the most recent successful result.
func (p *Poller[T]) Last() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasLast
}

// Err returns the error of the most recent failed fetch, cleared on success.
func (p *Poller[T]) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Fetches returns the number of fetches whose result was accepted.
func (p *Poller[T]) Fetches() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

func (p *Poller[T]) launchLocked() {
	p.gen++
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true
	p.logger.Debug("Polling started", "generation", p.gen, "interval", p.opts.Interval.String())
	go p.loop(ctx, p.gen)
}

func (p *Poller[T]) haltLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.running {
		p.logger.Debug("Polling stopped", "generation", p.gen)
	}
	p.running = false
	p.gen++
}

// currentLocked reports whether gen still owns the poller.
func (p *Poller[T]) currentLocked(gen uint64) bool {
	return !p.disposed && p.running && p.gen == gen
}

func (p *Poller[T]) loop(ctx context.Context, gen uint64) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !p.tick(ctx, gen) {
			return
		}
		timer.Reset(p.opts.Interval)
	}
}

// tick performs one fetch and dispatches callbacks. It returns false when the
// loop must end.
func (p *Poller[T]) tick(ctx context.Context, gen uint64) bool {
	result, err := p.opts.Fetch(ctx)

	p.mu.Lock()
	if !p.currentLocked(gen) {
		p.mu.Unlock()
		return false
	}

	if err != nil {
		p.lastErr = err
		if !p.opts.RetryOnError {
			p.haltLocked()
		}
		p.mu.Unlock()

		p.logger.Debug("Fetch failed", "error", err, "retry", p.opts.RetryOnError)
		if p.opts.OnError != nil {
			p.opts.OnError(err)
		}
		return p.opts.RetryOnError
	}

	p.last = result
	p.hasLast = true
	p.lastErr = nil
	p.fetches++
	p.mu.Unlock()

	if p.opts.OnUpdate != nil {
		p.opts.OnUpdate(result)
	}

	if p.opts.StopWhen == nil || !p.opts.StopWhen(result) {
		p.mu.Lock()
		still := p.currentLocked(gen)
		p.mu.Unlock()
		return still
	}

	p.mu.Lock()
	if !p.currentLocked(gen) {
		// OnUpdate restarted or stopped the poller; the new owner decides.
		p.mu.Unlock()
		return false
	}
	p.haltLocked()
	p.mu.Unlock()

	p.logger.Debug("Stop condition met")
	if p.opts.OnStop != nil {
		p.opts.OnStop(result)
	}
	return false
}
