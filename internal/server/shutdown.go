// Package server runs the shutdown sequence of a colspec node.
//
// Shutdown happens in stages. Halt steps stop whatever starts new work and
// run concurrently. The sequence then waits for operations registered with
// Begin to finish, runs the flush steps in registration order and finally
// the release steps, newest first.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Stage selects when a shutdown step runs.
type Stage int

const (
	// StageHalt steps stop producers of new work.
	StageHalt Stage = iota
	// StageFlush steps persist state once in-flight operations are done.
	StageFlush
	// StageRelease steps close resources.
	StageRelease
	stageCount
)

// Config bounds the shutdown sequence.
type Config struct {
	// Timeout bounds the whole sequence. Default: 30 seconds
	Timeout time.Duration
	// DrainTimeout bounds the wait for in-flight operations. Default: 15 seconds
	DrainTimeout time.Duration
}

// DefaultConfig returns the default shutdown bounds.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		DrainTimeout: 15 * time.Second,
	}
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// Shutdown tracks in-flight operations and runs the registered steps once.
type Shutdown struct {
	cfg Config

	mu       sync.Mutex
	steps    [stageCount][]step
	active   map[string]int
	inFlight int
	idle     chan struct{} // closed while inFlight is 0
	stopping bool

	done chan struct{}
	once sync.Once
	err  error
}

// NewShutdown returns a sequence with no steps. Zero bounds in cfg take
// their defaults.
func NewShutdown(cfg Config) *Shutdown {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	idle := make(chan struct{})
	close(idle)
	return &Shutdown{
		cfg:    cfg,
		active: make(map[string]int),
		idle:   idle,
		done:   make(chan struct{}),
	}
}

// Add registers a step. name prefixes any error the step returns.
func (s *Shutdown) Add(stage Stage, name string, fn func(ctx context.Context) error) {
	if stage < 0 || stage >= stageCount {
		panic(fmt.Sprintf("server: unknown shutdown stage %d", stage))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[stage] = append(s.steps[stage], step{name: name, fn: fn})
}

// Begin registers an in-flight operation of kind op. It returns false once
// shutdown has started; otherwise the caller must call done when the
// operation ends. Calling done more than once has no further effect.
func (s *Shutdown) Begin(op string) (done func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return func() {}, false
	}
	if s.inFlight == 0 {
		s.idle = make(chan struct{})
	}
	s.inFlight++
	s.active[op]++

	var once sync.Once
	return func() { once.Do(func() { s.end(op) }) }, true
}

func (s *Shutdown) end(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active[op]--; s.active[op] == 0 {
		delete(s.active, op)
	}
	if s.inFlight--; s.inFlight == 0 {
		close(s.idle)
	}
}

// InFlight returns the number of operations between Begin and done.
func (s *Shutdown) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Stopping reports whether Run has started.
func (s *Shutdown) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Done returns a channel that is closed when Run starts.
func (s *Shutdown) Done() <-chan struct{} { return s.done }

// Run executes the sequence. Only the first call does any work; later and
// concurrent calls wait for it and return its result. Every step runs even
// when an earlier one fails, and all failures are returned together.
func (s *Shutdown) Run(ctx context.Context, reason string) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopping = true
		steps := s.steps
		s.mu.Unlock()
		close(s.done)

		log.Printf("server: shutting down: %s", reason)
		start := time.Now()

		ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		var errs []error
		if err := halt(ctx, steps[StageHalt]); err != nil {
			errs = append(errs, err)
		}
		if err := s.drain(ctx); err != nil {
			errs = append(errs, err)
		}
		for _, st := range steps[StageFlush] {
			if err := st.run(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		release := steps[StageRelease]
		for i := len(release) - 1; i >= 0; i-- {
			if err := release[i].run(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		s.err = errors.Join(errs...)
		if s.err != nil {
			log.Printf("server: [WARN] shutdown finished with errors after %s: %v", time.Since(start), s.err)
		} else {
			log.Printf("server: shutdown finished after %s", time.Since(start))
		}
	})
	return s.err
}

func (st step) run(ctx context.Context) error {
	if err := st.fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", st.name, err)
	}
	return nil
}

// halt runs the halt steps concurrently and returns the first failure.
func halt(ctx context.Context, steps []step) error {
	var eg errgroup.Group
	for _, st := range steps {
		eg.Go(func() error { return st.run(ctx) })
	}
	return eg.Wait()
}

// drain waits for in-flight operations. On timeout the error lists what is
// still running.
func (s *Shutdown) drain(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-idle:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]string, 0, len(s.active))
	for op := range s.active {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for i, op := range ops {
		ops[i] = fmt.Sprintf("%d %s", s.active[op], op)
	}
	return fmt.Errorf("drain: operations still running: %s", strings.Join(ops, ", "))
}

// ListenForSignals blocks until SIGTERM, SIGINT, ctx cancellation or a Run
// started elsewhere, and returns the result of the sequence.
func (s *Shutdown) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return s.Run(context.Background(), fmt.Sprintf("received signal %v", sig))
	case <-ctx.Done():
		return s.Run(context.Background(), "context cancelled")
	case <-s.done:
		return s.Run(context.Background(), "")
	}
}
